package jingle

import (
	"context"
	"sync"

	"github.com/arzzra/jingle/pkg/jingle/element"
)

// SessionRequest входящий запрос сессии. Слушатель либо принимает его,
// либо отклоняет; запрос без решения после возврата всех слушателей
// отклоняется с причиной decline.
type SessionRequest struct {
	s *Session

	mu       sync.Mutex
	accepted bool
	rejected bool
}

// SessionRequestListener вызывается ровно один раз на каждый новый session-initiate
type SessionRequestListener func(*SessionRequest)

func newSessionRequest(s *Session) *SessionRequest {
	return &SessionRequest{s: s}
}

// From JID инициатора
func (r *SessionRequest) From() string { return r.s.peer }

func (r *SessionRequest) SID() string { return r.s.key.SID }

// Session сессия запроса; до Accept она остается в PENDING
func (r *SessionRequest) Session() *Session { return r.s }

// Contents предложенные content, которые эта сторона поддерживает
func (r *SessionRequest) Contents() []*Content { return r.s.Contents() }

// Accept принимает запрос: для каждого content выбирается кодек,
// затем запускаются резолверы. session-accept уходит, когда готовы кандидаты.
func (r *SessionRequest) Accept() (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.rejected:
		return nil, ErrAlreadyRejected
	case r.accepted:
		return nil, ErrAlreadyAccepted
	}
	if err := r.s.do(context.Background(), r.s.accept); err != nil {
		return nil, err
	}
	r.accepted = true
	return r.s, nil
}

// Reject отклоняет запрос с причиной reason (обычно decline или busy)
func (r *SessionRequest) Reject(reason element.Reason) error {
	if err := reason.Validate(); err != nil {
		return errInvalidArgument("причина отказа").WithCause(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.accepted:
		return ErrAlreadyAccepted
	case r.rejected:
		return ErrAlreadyRejected
	}
	r.rejected = true
	return r.s.Terminate(reason)
}

func (r *SessionRequest) handled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accepted || r.rejected
}
