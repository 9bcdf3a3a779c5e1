package element

import "fmt"

// Action глагол протокола, значение атрибута action
type Action string

const (
	ActionContentAccept    Action = "content-accept"
	ActionContentAdd       Action = "content-add"
	ActionContentModify    Action = "content-modify"
	ActionContentReject    Action = "content-reject"
	ActionContentRemove    Action = "content-remove"
	ActionDescriptionInfo  Action = "description-info"
	ActionSecurityInfo     Action = "security-info"
	ActionSessionAccept    Action = "session-accept"
	ActionSessionInfo      Action = "session-info"
	ActionSessionInitiate  Action = "session-initiate"
	ActionSessionTerminate Action = "session-terminate"
	ActionTransportAccept  Action = "transport-accept"
	ActionTransportInfo    Action = "transport-info"
	ActionTransportReject  Action = "transport-reject"
	ActionTransportReplace Action = "transport-replace"
	ActionSourceAdd        Action = "source-add"
	ActionSourceRemove     Action = "source-remove"
)

var actions = map[Action]struct{}{
	ActionContentAccept: {}, ActionContentAdd: {}, ActionContentModify: {},
	ActionContentReject: {}, ActionContentRemove: {}, ActionDescriptionInfo: {},
	ActionSecurityInfo: {}, ActionSessionAccept: {}, ActionSessionInfo: {},
	ActionSessionInitiate: {}, ActionSessionTerminate: {}, ActionTransportAccept: {},
	ActionTransportInfo: {}, ActionTransportReject: {}, ActionTransportReplace: {},
	ActionSourceAdd: {}, ActionSourceRemove: {},
}

// Valid проверяет принадлежность закрытому словарю
func (a Action) Valid() bool {
	_, ok := actions[a]
	return ok
}

func (a Action) String() string { return string(a) }

// ParseAction разбирает значение атрибута action
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown jingle action %q", s)
	}
	return a, nil
}

// Informational действия, которые не меняют состояние сессии
func (a Action) Informational() bool {
	switch a {
	case ActionDescriptionInfo, ActionSecurityInfo, ActionSessionInfo, ActionSourceAdd, ActionSourceRemove:
		return true
	}
	return false
}
