package element

import "fmt"

// ReasonCode причина завершения сессии
type ReasonCode string

const (
	ReasonAlternativeSession      ReasonCode = "alternative-session"
	ReasonBusy                    ReasonCode = "busy"
	ReasonCancel                  ReasonCode = "cancel"
	ReasonConnectivityError       ReasonCode = "connectivity-error"
	ReasonDecline                 ReasonCode = "decline"
	ReasonExpired                 ReasonCode = "expired"
	ReasonFailedApplication       ReasonCode = "failed-application"
	ReasonFailedTransport         ReasonCode = "failed-transport"
	ReasonGeneralError            ReasonCode = "general-error"
	ReasonGone                    ReasonCode = "gone"
	ReasonIncompatibleParameters  ReasonCode = "incompatible-parameters"
	ReasonMediaError              ReasonCode = "media-error"
	ReasonSecurityError           ReasonCode = "security-error"
	ReasonSuccess                 ReasonCode = "success"
	ReasonTimeout                 ReasonCode = "timeout"
	ReasonUnsupportedApplications ReasonCode = "unsupported-applications"
	ReasonUnsupportedTransports   ReasonCode = "unsupported-transports"
)

// errorReasons причины, которые означают аварийное завершение
var errorReasons = map[ReasonCode]bool{
	ReasonConnectivityError:       true,
	ReasonExpired:                 true,
	ReasonFailedApplication:       true,
	ReasonFailedTransport:         true,
	ReasonGeneralError:            true,
	ReasonIncompatibleParameters:  true,
	ReasonMediaError:              true,
	ReasonSecurityError:           true,
	ReasonTimeout:                 true,
	ReasonUnsupportedApplications: true,
	ReasonUnsupportedTransports:   true,
}

var reasonCodes = map[ReasonCode]struct{}{
	ReasonAlternativeSession: {}, ReasonBusy: {}, ReasonCancel: {}, ReasonDecline: {},
	ReasonGone: {}, ReasonSuccess: {},
}

func init() {
	for c := range errorReasons {
		reasonCodes[c] = struct{}{}
	}
}

// Valid проверяет принадлежность словарю
func (c ReasonCode) Valid() bool {
	_, ok := reasonCodes[c]
	return ok
}

// IsError true для причин, означающих сбой
func (c ReasonCode) IsError() bool { return errorReasons[c] }

// IsRefusal true для отказа собеседника (decline, busy)
func (c ReasonCode) IsRefusal() bool { return c == ReasonDecline || c == ReasonBusy }

func (c ReasonCode) String() string { return string(c) }

// Reason элемент reason. AlternativeSID заполняется только для alternative-session.
type Reason struct {
	Code           ReasonCode
	AlternativeSID string
	Text           string
}

// NewReason создает причину без текста
func NewReason(code ReasonCode) Reason { return Reason{Code: code} }

// WithText возвращает копию с текстом
func (r Reason) WithText(text string) Reason {
	r.Text = text
	return r
}

// AlternativeSession причина alternative-session со ссылкой на другую сессию
func AlternativeSession(sid string) Reason {
	return Reason{Code: ReasonAlternativeSession, AlternativeSID: sid}
}

func (r Reason) String() string {
	s := string(r.Code)
	if r.AlternativeSID != "" {
		s += "(" + r.AlternativeSID + ")"
	}
	if r.Text != "" {
		s += ": " + r.Text
	}
	return s
}

// Validate проверяет код и согласованность AlternativeSID
func (r Reason) Validate() error {
	if !r.Code.Valid() {
		return fmt.Errorf("unknown reason %q", r.Code)
	}
	if r.Code == ReasonAlternativeSession && r.AlternativeSID == "" {
		return fmt.Errorf("alternative-session reason without sid")
	}
	if r.Code != ReasonAlternativeSession && r.AlternativeSID != "" {
		return fmt.Errorf("sid is only allowed with alternative-session")
	}
	return nil
}

// ErrorCondition условие ошибки Jingle (urn:xmpp:jingle:errors:1)
type ErrorCondition string

const (
	ErrOutOfOrder            ErrorCondition = "out-of-order"
	ErrUnknownSession        ErrorCondition = "unknown-session"
	ErrUnsupportedContent    ErrorCondition = "unsupported-content"
	ErrUnsupportedTransports ErrorCondition = "unsupported-transports"
)

func (c ErrorCondition) String() string { return string(c) }
