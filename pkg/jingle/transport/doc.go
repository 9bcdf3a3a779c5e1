// Package transport содержит транспортных кандидатов, стратегии их получения
// и эхо-проверку связности между парами кандидатов.
//
// Стратегии (Resolver):
//   - Fixed: заранее заданный адрес, без сетевого обмена
//   - STUN: публичный адрес через binding request (pion/stun)
//   - ICE: сбор host, srflx и relay кандидатов агентом pion/ice
//   - Bridge: выделение пары портов на RTP-мосту запросом по XMPP
//
// Resolve всегда асинхронный и сообщает результат ровно один раз.
// Cancel прерывает разрешение кооперативно через context.
package transport
