// Package memtransport реализует xmpp.Transport в памяти процесса.
//
// Bus играет роль XMPP-сервера: маршрутизирует стансы между конечными точками
// по полному JID, сериализуя каждую через xmpp.Encode/Decode. Поддерживает
// эмуляцию потерь и задержки доставки для тестов повторной передачи.
//
//	bus := memtransport.NewBus()
//	alice := bus.Connect("alice@example.org/phone")
//	bob := bus.Connect("bob@example.org/desk")
//	defer bus.CloseAll()
package memtransport
