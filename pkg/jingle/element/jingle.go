package element

import (
	"encoding/xml"

	"github.com/arzzra/jingle/pkg/jingle/payload"
)

// Creator сторона, создавшая content
type Creator string

const (
	CreatorInitiator Creator = "initiator"
	CreatorResponder Creator = "responder"
)

// Senders политика отправки медиа в content
type Senders string

const (
	SendersBoth      Senders = "both"
	SendersInitiator Senders = "initiator"
	SendersResponder Senders = "responder"
	SendersNone      Senders = "none"
)

// Valid проверяет значение senders
func (s Senders) Valid() bool {
	switch s {
	case SendersBoth, SendersInitiator, SendersResponder, SendersNone:
		return true
	}
	return false
}

// Sends сообщает, передает ли медиа сторона с ролью role
func (s Senders) Sends(role Creator) bool {
	switch s {
	case SendersBoth:
		return true
	case SendersInitiator:
		return role == CreatorInitiator
	case SendersResponder:
		return role == CreatorResponder
	}
	return false
}

// DispositionSession значение disposition по умолчанию
const DispositionSession = "session"

// Jingle корневой элемент
type Jingle struct {
	Action    Action
	Initiator string
	Responder string
	SID       string
	Contents  []Content
	Reason    *Reason
	// Info полезная нагрузка session-info (ringing, hold, mute ...)
	Info *RawElement
}

// Content один согласуемый поток внутри сессии
type Content struct {
	Creator     Creator
	Disposition string
	Name        string
	Senders     Senders
	Description Description
	Transport   Transport
	Security    Security
}

// RawElement произвольный XML-элемент, сохраненный как есть
type RawElement struct {
	Name  xml.Name
	Attrs []xml.Attr
	Inner []byte
}

// Attr возвращает значение атрибута по локальному имени
func (r RawElement) Attr(local string) string {
	for _, a := range r.Attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// NewRTPInfo создает информационный элемент XEP-0167 (ringing, hold, active ...)
func NewRTPInfo(kind string, attrs ...xml.Attr) *RawElement {
	return &RawElement{Name: xml.Name{Space: NSRTPInfo, Local: kind}, Attrs: attrs}
}

// Description описание приложения: RTPDescription либо OpaqueDescription
type Description interface {
	isDescription()
}

// RTPDescription описание RTP-сессии (XEP-0167)
type RTPDescription struct {
	Media    string
	SSRC     string
	Payloads []payload.PayloadType
}

// OpaqueDescription описание неизвестного приложения
type OpaqueDescription struct {
	Raw RawElement
}

func (*RTPDescription) isDescription()    {}
func (*OpaqueDescription) isDescription() {}

// Candidate транспортный кандидат в том виде, в каком он передается
type Candidate struct {
	Component  int
	Foundation string
	Generation int
	ID         string
	IP         string
	Network    int
	Port       int
	Priority   uint32
	Protocol   string
	RelAddr    string
	RelPort    int
	Type       string
}

// Transport транспортный метод: ICEUDPTransport, RawUDPTransport либо OpaqueTransport
type Transport interface {
	isTransport()
}

// ICEUDPTransport транспорт ice-udp (XEP-0176). Ufrag и Pwd используются
// при проверке связности кандидатов.
type ICEUDPTransport struct {
	Ufrag         string
	Pwd           string
	Candidates    []Candidate
	CandidateUsed string
}

// RawUDPTransport транспорт raw-udp (XEP-0177)
type RawUDPTransport struct {
	Candidates    []Candidate
	CandidateUsed string
}

// OpaqueTransport транспорт, для которого нет декодера
type OpaqueTransport struct {
	Raw RawElement
}

func (*ICEUDPTransport) isTransport() {}
func (*RawUDPTransport) isTransport() {}
func (*OpaqueTransport) isTransport() {}

// TransportNamespace пространство имен транспорта
func TransportNamespace(t Transport) string {
	switch v := t.(type) {
	case *ICEUDPTransport:
		return NSICEUDP
	case *RawUDPTransport:
		return NSRawUDP
	case *OpaqueTransport:
		return v.Raw.Name.Space
	}
	return ""
}

// TransportCandidates кандидаты известного транспорта
func TransportCandidates(t Transport) []Candidate {
	switch v := t.(type) {
	case *ICEUDPTransport:
		return v.Candidates
	case *RawUDPTransport:
		return v.Candidates
	}
	return nil
}

// CandidateUsed id кандидата собеседника, до которого удалось достучаться
func CandidateUsed(t Transport) string {
	switch v := t.(type) {
	case *ICEUDPTransport:
		return v.CandidateUsed
	case *RawUDPTransport:
		return v.CandidateUsed
	}
	return ""
}

// Security параметры защиты content: DTLSFingerprint либо OpaqueSecurity
type Security interface {
	isSecurity()
}

// DTLSFingerprint отпечаток сертификата DTLS (XEP-0320)
type DTLSFingerprint struct {
	Hash  string
	Setup string
	Value string
}

// OpaqueSecurity неизвестный элемент безопасности
type OpaqueSecurity struct {
	Raw RawElement
}

func (*DTLSFingerprint) isSecurity() {}
func (*OpaqueSecurity) isSecurity()  {}
