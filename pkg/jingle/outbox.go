package jingle

import (
	"context"
	"errors"

	"github.com/arzzra/jingle/pkg/jingle/element"
	"github.com/arzzra/jingle/pkg/logging"
	"github.com/arzzra/jingle/pkg/xmpp"
)

// outbox последовательная отправка стансов одной сессии. Следующая станса
// уходит только после подтверждения предыдущей, поэтому собеседник получает
// их в порядке отправки.
type outbox struct {
	s    *Session
	q    *mailbox[outItem]
	done chan struct{}
}

type outItem struct {
	j    *element.Jingle
	stop bool
}

func newOutbox(s *Session) *outbox {
	return &outbox{s: s, q: newMailbox[outItem](), done: make(chan struct{})}
}

func (o *outbox) push(j *element.Jingle) {
	if !o.q.push(outItem{j: j}) {
		o.s.logger.Debug(context.Background(), "очередь отправки закрыта, станса отброшена",
			logging.String("action", string(j.Action)))
	}
}

// finish останавливает отправку после уже поставленных стансов
func (o *outbox) finish() {
	o.q.push(outItem{stop: true})
}

func (o *outbox) run() {
	defer close(o.done)
	for range o.q.ready() {
		batch := o.q.drain()
		for i, item := range batch {
			if item.stop {
				for _, rest := range append(batch[i+1:], o.q.close()...) {
					if !rest.stop {
						o.transmit(rest.j)
					}
				}
				return
			}
			o.transmit(item.j)
		}
	}
}

// transmit отправляет стансу и ждет подтверждения, повторяя с тем же id
func (o *outbox) transmit(j *element.Jingle) {
	s := o.s
	m := s.mgr
	data, err := element.Marshal(j)
	if err != nil {
		s.logger.LogError(context.Background(), err, "не удалось сериализовать стансу",
			logging.String("action", string(j.Action)))
		return
	}
	iq := &xmpp.IQ{
		ID:      xmpp.NewID(),
		Type:    xmpp.IQSet,
		From:    m.conn.LocalJID(),
		To:      s.peer,
		Payload: data,
	}
	log := s.logger.WithFields(logging.String("action", string(j.Action)), logging.String("id", iq.ID))

	for attempt := 0; attempt <= m.cfg.Retransmits; attempt++ {
		if attempt > 0 {
			log.Debug(context.Background(), "повтор стансы", logging.Int("attempt", attempt))
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ReplyTimeout)
		_, err := xmpp.SendIQ(ctx, m.conn, iq)
		cancel()

		var se *xmpp.StanzaError
		switch {
		case err == nil:
			return
		case errors.As(err, &se):
			log.Warn(context.Background(), "собеседник ответил ошибкой", logging.Err(se))
			s.post(func() { s.onSendError(j, se) })
			return
		case errors.Is(err, xmpp.ErrNoReply):
			continue
		default:
			log.Debug(context.Background(), "отправка прервана", logging.Err(err))
			return
		}
	}
	log.Warn(context.Background(), "подтверждение не получено",
		logging.Int("retransmits", m.cfg.Retransmits))
}
