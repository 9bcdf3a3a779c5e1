package element

// Пространства имен
const (
	NSJingle    = "urn:xmpp:jingle:1"
	NSErrors    = "urn:xmpp:jingle:errors:1"
	NSRTP       = "urn:xmpp:jingle:apps:rtp:1"
	NSRTPInfo   = "urn:xmpp:jingle:apps:rtp:info:1"
	NSRawUDP    = "urn:xmpp:jingle:transports:raw-udp:1"
	NSICEUDP    = "urn:xmpp:jingle:transports:ice-udp:1"
	NSDTLS      = "urn:xmpp:jingle:apps:dtls:0"
	NSRTPBridge = "http://www.jivesoftware.com/protocol/rtpbridge"
)
