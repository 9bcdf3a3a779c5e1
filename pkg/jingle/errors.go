package jingle

import (
	"encoding/xml"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/arzzra/jingle/pkg/jingle/element"
	"github.com/arzzra/jingle/pkg/xmpp"
)

// ErrorCategory категории ошибок движка
type ErrorCategory string

const (
	// Ошибки протокола: неверная станса, действие вне очереди, неизвестная сессия
	ErrorCategoryProtocol ErrorCategory = "PROTOCOL"
	// Провал согласования кодеков или транспорта
	ErrorCategoryNegotiation ErrorCategory = "NEGOTIATION"
	ErrorCategoryTransport   ErrorCategory = "TRANSPORT"
	// Нарушение контракта API вызывающей стороной
	ErrorCategoryContract ErrorCategory = "CONTRACT"
	ErrorCategoryTimeout  ErrorCategory = "TIMEOUT"
	ErrorCategoryConfig   ErrorCategory = "CONFIG"
)

func (ec ErrorCategory) String() string {
	return string(ec)
}

// Error структурированная ошибка с контекстом сессии
type Error struct {
	Code     string        `json:"code"`
	Message  string        `json:"message"`
	Category ErrorCategory `json:"category"`

	// Condition условие ошибки Jingle, если ошибка уходит собеседнику
	Condition element.ErrorCondition `json:"condition,omitempty"`
	// Reason причина завершения, если ошибка закрывает сессию
	Reason    *element.Reason        `json:"reason,omitempty"`
	SID       string                 `json:"sid,omitempty"`
	Timestamp time.Time              `json:"timestamp"`

	Fields    map[string]interface{} `json:"fields,omitempty"`
	Cause     error                  `json:"cause,omitempty"`
	Retryable bool                   `json:"retryable"`
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
	if e.SID != "" {
		msg += " (sid: " + e.SID + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is сравнивает ошибки по коду, чтобы errors.Is работал с копиями сентинелов
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Category == e.Category
}

// WithField возвращает копию с полем контекста; сентинелы не меняются
func (e *Error) WithField(key string, value interface{}) *Error {
	cp := e.clone()
	if cp.Fields == nil {
		cp.Fields = make(map[string]interface{})
	}
	cp.Fields[key] = value
	return cp
}

// WithCause возвращает копию с исходной ошибкой
func (e *Error) WithCause(cause error) *Error {
	cp := e.clone()
	cp.Cause = cause
	return cp
}

// WithSID возвращает копию, привязанную к сессии
func (e *Error) WithSID(sid string) *Error {
	cp := e.clone()
	cp.SID = sid
	return cp
}

func (e *Error) clone() *Error {
	cp := *e
	cp.Fields = maps.Clone(e.Fields)
	return &cp
}

// NewError создает новую структурированную ошибку
func NewError(code, message string, category ErrorCategory) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Category:  category,
		Timestamp: time.Now(),
	}
}

// Нарушения контракта. Повторять бессмысленно.
var (
	ErrAlreadyAccepted = NewError("ALREADY_ACCEPTED", "запрос сессии уже принят", ErrorCategoryContract)
	ErrAlreadyRejected = NewError("ALREADY_REJECTED", "запрос сессии уже отклонен", ErrorCategoryContract)
	ErrSessionClosed   = NewError("SESSION_CLOSED", "сессия закрыта", ErrorCategoryContract)
	ErrNotResponder    = NewError("NOT_RESPONDER", "операция доступна только отвечающей стороне", ErrorCategoryContract)
	ErrNotInitiator    = NewError("NOT_INITIATOR", "операция доступна только инициатору", ErrorCategoryContract)
	ErrAlreadyStarted  = NewError("ALREADY_STARTED", "сессия уже запущена", ErrorCategoryContract)
	ErrNotStarted      = NewError("NOT_STARTED", "сессия еще не запущена", ErrorCategoryContract)
	ErrContentExists   = NewError("CONTENT_EXISTS", "content с таким именем уже есть", ErrorCategoryContract)
	ErrContentNotFound = NewError("CONTENT_NOT_FOUND", "content не найден", ErrorCategoryContract)
	ErrManagerClosed   = NewError("MANAGER_CLOSED", "менеджер закрыт", ErrorCategoryContract)
	ErrInvalidArgument = NewError("INVALID_ARGUMENT", "неверный аргумент", ErrorCategoryContract)
	ErrSIDCollision    = NewError("SID_COLLISION", "не удалось выделить уникальный sid", ErrorCategoryContract)
	ErrNoPayloads      = NewError("NO_PAYLOADS", "медиа-менеджер не предлагает кодеков", ErrorCategoryNegotiation)
)

// IsContractViolation отличает ошибки использования API от сбоев протокола и сети
func IsContractViolation(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Category == ErrorCategoryContract
}

// IsRetryable проверяет, можно ли повторить операцию
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

func errInvalidConfig(field, msg string) *Error {
	return NewError("INVALID_CONFIG", fmt.Sprintf("%s: %s", field, msg), ErrorCategoryConfig).
		WithField("field", field)
}

// errProtocol ошибка разбора или порядка входящей стансы
func errProtocol(cond element.ErrorCondition, msg string) *Error {
	e := NewError("PROTOCOL_VIOLATION", msg, ErrorCategoryProtocol)
	e.Condition = cond
	return e
}

// errNegotiation провал согласования, закрывающий content или сессию
func errNegotiation(reason element.ReasonCode, msg string) *Error {
	r := element.NewReason(reason)
	e := NewError("NEGOTIATION_FAILED", msg, ErrorCategoryNegotiation)
	e.Reason = &r
	return e
}

// Stanza ошибка для ответа собеседнику: условие стансы плюс условие Jingle
func (e *Error) Stanza() *xmpp.StanzaError {
	se := &xmpp.StanzaError{Type: "modify", Condition: xmpp.CondBadRequest, Text: e.Message}
	switch e.Condition {
	case element.ErrOutOfOrder:
		se.Type, se.Condition = "wait", xmpp.CondUnexpectedRequest
	case element.ErrUnknownSession:
		se.Type, se.Condition = "cancel", xmpp.CondItemNotFound
	case element.ErrUnsupportedContent:
		se.Type, se.Condition = "cancel", xmpp.CondBadRequest
	case element.ErrUnsupportedTransports:
		se.Type, se.Condition = "cancel", xmpp.CondFeatureNotImplemented
	}
	if e.Condition != "" {
		se.AppCondition = xml.Name{Space: element.NSErrors, Local: string(e.Condition)}
	}
	return se
}

func errInvalidArgument(msg string) *Error {
	return NewError(ErrInvalidArgument.Code, msg, ErrorCategoryContract)
}
