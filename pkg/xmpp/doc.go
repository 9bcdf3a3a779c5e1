// Package xmpp описывает границу между движком Jingle и XMPP-соединением.
//
// Движку нужны только три примитива: отправка IQ, подписка на входящие IQ
// по предикату и сопоставление ответа запросу (SendIQ). Сама сеть,
// аутентификация и переподключение остаются за пределами пакета.
package xmpp
