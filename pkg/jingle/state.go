package jingle

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/arzzra/jingle/pkg/jingle/element"
)

// SessionState состояние жизненного цикла сессии
type SessionState string

const (
	StatePending SessionState = "PENDING"
	StateActive  SessionState = "ACTIVE"
	StateClosed  SessionState = "CLOSED"
)

func (s SessionState) String() string { return string(s) }

// Role роль стороны в сессии, назначается при создании и не меняется
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

func (r Role) creator() element.Creator {
	if r == RoleInitiator {
		return element.CreatorInitiator
	}
	return element.CreatorResponder
}

func (r Role) peer() Role {
	if r == RoleInitiator {
		return RoleResponder
	}
	return RoleInitiator
}

// События автомата сессии
const (
	evActivate = "activate"
	evClose    = "close"
)

func newSessionFSM(onEnter func(SessionState)) *fsm.FSM {
	return fsm.NewFSM(
		string(StatePending),
		fsm.Events{
			{Name: evActivate, Src: []string{string(StatePending)}, Dst: string(StateActive)},
			{Name: evClose, Src: []string{string(StatePending), string(StateActive)}, Dst: string(StateClosed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onEnter(SessionState(e.Dst))
			},
		},
	)
}

// actionAllowed таблица допустимости входящих действий. Сессия, для которой
// вызывается проверка, уже существует, поэтому session-initiate недопустим всегда.
func actionAllowed(a element.Action, state SessionState, role Role, accepted bool) bool {
	if state == StateClosed {
		return false
	}
	switch a {
	case element.ActionSessionInitiate:
		return false
	case element.ActionSessionAccept:
		return state == StatePending && role == RoleInitiator && !accepted
	case element.ActionSessionTerminate:
		return true
	case element.ActionContentAdd, element.ActionContentAccept, element.ActionContentReject,
		element.ActionContentModify, element.ActionContentRemove,
		element.ActionTransportInfo, element.ActionTransportReplace,
		element.ActionTransportAccept, element.ActionTransportReject:
		return true
	}
	return a.Informational()
}

// ContentState состояние согласования content
type ContentState string

const (
	ContentCreated       ContentState = "created"
	ContentSentLocalInfo ContentState = "sent_local_info"
	ContentHasRemoteInfo ContentState = "has_remote_info"
	ContentActive        ContentState = "active"
	ContentTerminated    ContentState = "terminated"
)

func (s ContentState) String() string { return string(s) }

// События автомата content
const (
	evSendLocal  = "send_local"
	evRemoteInfo = "remote_info"
	evContentOn  = "activate"
	evContentEnd = "terminate"
)

func newContentFSM(onEnter func(ContentState)) *fsm.FSM {
	return fsm.NewFSM(
		string(ContentCreated),
		fsm.Events{
			{Name: evSendLocal, Src: []string{string(ContentCreated)}, Dst: string(ContentSentLocalInfo)},
			{Name: evRemoteInfo, Src: []string{string(ContentCreated), string(ContentSentLocalInfo)}, Dst: string(ContentHasRemoteInfo)},
			{Name: evContentOn, Src: []string{string(ContentHasRemoteInfo)}, Dst: string(ContentActive)},
			{
				Name: evContentEnd,
				Src: []string{
					string(ContentCreated), string(ContentSentLocalInfo),
					string(ContentHasRemoteInfo), string(ContentActive),
				},
				Dst: string(ContentTerminated),
			},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onEnter(ContentState(e.Dst))
			},
		},
	)
}
