// Package media определяет границу между движком Jingle и медиа-конвейером.
//
// Движок вызывает Initialize по завершении согласования content, Start* при
// переходе сессии в ACTIVE и Stop* при закрытии, больше ничего о сессии не зная.
package media

import (
	"github.com/arzzra/jingle/pkg/jingle/payload"
	"github.com/arzzra/jingle/pkg/jingle/transport"
)

// SessionInfo идентификация content, для которого создается медиа-сессия
type SessionInfo struct {
	SID       string
	Initiator string
	Responder string
	Content   string
	Media     string
}

// Manager поставщик кодеков и фабрика медиа-сессий
type Manager interface {
	// Payloads кодеки для типа media в порядке предпочтения
	Payloads(media string) []payload.PayloadType
	// CreateSession создает медиа-сессию для согласованного content
	CreateSession(pt payload.PayloadType, remote, local transport.Candidate, info SessionInfo) (Session, error)
}

// Session медиа-сессия одного content
type Session interface {
	Initialize() error
	StartTransmit() error
	StartReceive() error
	StopTransmit() error
	StopReceive() error
	SetTransmit(active bool) error
}
