package xmpp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Filter предикат отбора входящих стансов
type Filter func(iq *IQ) bool

// Transport XMPP-соединение с точки зрения движка
type Transport interface {
	// LocalJID полный JID этого соединения
	LocalJID() string
	// Send ставит IQ в очередь на отправку
	Send(ctx context.Context, iq *IQ) error
	// Subscribe возвращает поток входящих IQ, прошедших фильтр.
	// Вызов cancel снимает подписку и закрывает канал.
	Subscribe(filter Filter) (<-chan *IQ, func())
	// Done закрывается при потере соединения
	Done() <-chan struct{}
}

var (
	// ErrNoReply ответ не пришел до истечения контекста
	ErrNoReply = errors.New("xmpp: no reply")
	// ErrDisconnected соединение закрыто во время ожидания
	ErrDisconnected = errors.New("xmpp: disconnected")
)

// NewID генерирует идентификатор стансы
func NewID() string {
	return uuid.NewString()
}

// SendIQ отправляет запрос и ждет result или error с тем же id от адресата.
// Ответ типа error возвращается вместе с *StanzaError в качестве ошибки.
func SendIQ(ctx context.Context, t Transport, req *IQ) (*IQ, error) {
	if !req.Type.IsRequest() {
		return nil, fmt.Errorf("xmpp: SendIQ requires get or set, got %q", req.Type)
	}
	if req.ID == "" {
		req.ID = NewID()
	}
	if req.From == "" {
		req.From = t.LocalJID()
	}
	id, peer := req.ID, req.To
	replies, cancel := t.Subscribe(func(iq *IQ) bool {
		return iq.ID == id && !iq.Type.IsRequest() && (peer == "" || iq.From == peer)
	})
	defer cancel()

	if err := t.Send(ctx, req); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-replies:
		if !ok {
			return nil, ErrDisconnected
		}
		if resp.Type == IQError {
			if resp.Error == nil {
				resp.Error = &StanzaError{Type: "cancel", Condition: CondUndefined}
			}
			return resp, resp.Error
		}
		return resp, nil
	case <-t.Done():
		return nil, ErrDisconnected
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s (%v)", ErrNoReply, id, ctx.Err())
	}
}

// CondUndefined условие для error-ответа без элемента error
const CondUndefined = "undefined-condition"
