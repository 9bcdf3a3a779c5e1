package memtransport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arzzra/jingle/pkg/logging"
	"github.com/arzzra/jingle/pkg/xmpp"
)

// ErrClosed точка отключена
var ErrClosed = errors.New("memtransport: endpoint closed")

type subscription struct {
	filter xmpp.Filter
	ch     chan *xmpp.IQ
}

// Endpoint конечная точка шины, реализует xmpp.Transport.
type Endpoint struct {
	jid      string
	bus      *Bus
	incoming chan []byte

	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int

	closeOnce sync.Once
	closed    chan struct{}
}

var _ xmpp.Transport = (*Endpoint)(nil)

func (e *Endpoint) LocalJID() string { return e.jid }

func (e *Endpoint) Done() <-chan struct{} { return e.closed }

// Send отправляет IQ через шину. Пустой From заполняется собственным JID.
func (e *Endpoint) Send(ctx context.Context, iq *xmpp.IQ) error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	if iq.From == "" {
		iq.From = e.jid
	}
	if iq.ID == "" {
		iq.ID = xmpp.NewID()
	}
	return e.bus.route(ctx, iq)
}

// Subscribe подписывает на входящие IQ.
func (e *Endpoint) Subscribe(filter xmpp.Filter) (<-chan *xmpp.IQ, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub := &subscription{filter: filter, ch: make(chan *xmpp.IQ, e.bus.bufferSize)}
	select {
	case <-e.closed:
		close(sub.ch)
		return sub.ch, func() {}
	default:
	}
	if e.subs == nil {
		e.subs = make(map[int]*subscription)
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if s, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(s.ch)
			}
		})
	}
}

// Close отключает точку: закрывает Done и все подписки.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.bus.remove(e)

		e.mu.Lock()
		for id, s := range e.subs {
			close(s.ch)
			delete(e.subs, id)
		}
		e.mu.Unlock()
	})
}

func (e *Endpoint) enqueue(data []byte) error {
	select {
	case e.incoming <- data:
		return nil
	case <-e.closed:
		return fmt.Errorf("%w: %s", ErrClosed, e.jid)
	case <-time.After(100 * time.Millisecond): // Таймаут для предотвращения deadlock
		return fmt.Errorf("memtransport: buffer full for %s", e.jid)
	}
}

// dispatchLoop разбирает входящие стансы по порядку и раздает подписчикам.
func (e *Endpoint) dispatchLoop() {
	for {
		select {
		case <-e.closed:
			return
		case data := <-e.incoming:
			e.bus.mu.RLock()
			latency, logger := e.bus.latency, e.bus.logger
			e.bus.mu.RUnlock()
			if latency > 0 {
				select {
				case <-time.After(latency):
				case <-e.closed:
					return
				}
			}
			iq, err := xmpp.Decode(data)
			if err != nil {
				logger.LogError(context.Background(), err, "не удалось разобрать стансу", logging.String("jid", e.jid))
				continue
			}
			e.deliver(iq)
		}
	}
}

func (e *Endpoint) deliver(iq *xmpp.IQ) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, s := range e.subs {
		if s.filter != nil && !s.filter(iq) {
			continue
		}
		select {
		case s.ch <- iq:
		case <-e.closed:
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}
