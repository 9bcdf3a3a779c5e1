// Package jingle реализует движок согласования сессий Jingle (XEP-0166)
// поверх XMPP-транспорта.
//
// Manager владеет реестром сессий одного соединения и маршрутизирует входящие
// стансы по ключу (initiator, sid). Session ведет конечный автомат
// PENDING -> ACTIVE -> CLOSED и управляет набором Content; каждый Content
// согласует кодек через payload.ComputeCommon и пару транспортных кандидатов
// через transport.Resolver и эхо-проверку transport.Prober.
//
// Пример исходящей сессии:
//
//	mgr, err := jingle.NewManager(conn, mediaManager, jingle.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	s, err := mgr.CreateOutgoingSession("bob@example.com/phone")
//	if err != nil {
//		return err
//	}
//	s.OnEvent(func(ev jingle.Event) {
//		if ev.Type == jingle.EventEstablished {
//			log.Printf("кодек %s", ev.Payload)
//		}
//	})
//	return s.Start(ctx)
//
// Входящие сессии приходят в SessionRequestListener; запрос, который ни один
// слушатель не принял и не отклонил, отклоняется с причиной decline.
package jingle
