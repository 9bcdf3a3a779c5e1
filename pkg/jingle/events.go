package jingle

import (
	"sync"

	"github.com/arzzra/jingle/pkg/jingle/element"
	"github.com/arzzra/jingle/pkg/jingle/payload"
	"github.com/arzzra/jingle/pkg/jingle/transport"
)

// EventType закрытый набор событий сессии
type EventType int

const (
	// EventEstablished content согласован и медиа запущено; приходит по разу на content
	EventEstablished EventType = iota
	// EventDeclined собеседник отказал (decline, busy) до принятия сессии
	EventDeclined
	// EventClosed сессия завершена штатно
	EventClosed
	// EventClosedOnError сессия завершена с причиной-ошибкой
	EventClosedOnError
	EventContentAdded
	EventContentRemoved
	EventContentFailed
	// EventInfo информационное действие: session-info, description-info и т.п.
	EventInfo
)

var eventNames = map[EventType]string{
	EventEstablished:    "established",
	EventDeclined:       "declined",
	EventClosed:         "closed",
	EventClosedOnError:  "closed-on-error",
	EventContentAdded:   "content-added",
	EventContentRemoved: "content-removed",
	EventContentFailed:  "content-failed",
	EventInfo:           "info",
}

func (t EventType) String() string {
	if n, ok := eventNames[t]; ok {
		return n
	}
	return "unknown"
}

// Terminal true для событий, завершающих сессию
func (t EventType) Terminal() bool {
	return t == EventDeclined || t == EventClosed || t == EventClosedOnError
}

// Event событие сессии. Заполнены только поля, относящиеся к Type.
type Event struct {
	Type    EventType
	Session *Session

	// Content имя content для Established и Content*
	Content string
	Payload payload.PayloadType
	Local   transport.Candidate
	Remote  transport.Candidate

	// Reason причина для терминальных событий и Content{Removed,Failed}
	Reason element.Reason

	Action element.Action
	Info   *element.RawElement
}

// EventHandler обработчик событий сессии. Вызывается из отдельной горутины
// сессии, события приходят по порядку; из обработчика можно вызывать методы сессии.
type EventHandler func(Event)

// terminalEvent выбирает терминальное событие по причине завершения
func terminalEvent(r element.Reason, accepted bool) EventType {
	switch {
	case r.Code.IsRefusal() && !accepted:
		return EventDeclined
	case r.Code.IsError():
		return EventClosedOnError
	}
	return EventClosed
}

// eventQueue доставляет события обработчикам по порядку. Пока нет ни одного
// обработчика, события копятся и достаются первому зарегистрированному.
type eventQueue struct {
	mu       sync.Mutex
	handlers []EventHandler
	pending  []Event
	stopped  bool
	queue    *mailbox[queuedEvent]
	done     chan struct{}
}

type queuedEvent struct {
	ev    Event
	stop  bool
	flush bool
}

func newEventQueue() *eventQueue {
	q := &eventQueue{queue: newMailbox[queuedEvent](), done: make(chan struct{})}
	go q.run()
	return q
}

func (q *eventQueue) subscribe(h EventHandler) {
	q.mu.Lock()
	q.handlers = append(q.handlers, h)
	var pending []Event
	if q.stopped {
		pending = q.pending
		q.pending = nil
	}
	stopped := q.stopped
	q.mu.Unlock()

	if !stopped {
		// разбудить цикл, чтобы он отдал накопленное новому обработчику
		q.queue.push(queuedEvent{flush: true})
		return
	}
	if len(pending) > 0 {
		go func() {
			for _, ev := range pending {
				h(ev)
			}
		}()
	}
}

func (q *eventQueue) emit(ev Event) {
	if !q.queue.push(queuedEvent{ev: ev}) {
		q.mu.Lock()
		q.pending = append(q.pending, ev)
		q.mu.Unlock()
	}
}

// finish останавливает очередь после доставки уже поставленных событий
func (q *eventQueue) finish() {
	q.queue.push(queuedEvent{stop: true})
}

func (q *eventQueue) run() {
	defer close(q.done)
	for range q.queue.ready() {
		batch := q.queue.drain()
		for i, item := range batch {
			if item.stop {
				for _, rest := range append(batch[i+1:], q.queue.close()...) {
					q.deliver(rest)
				}
				q.mu.Lock()
				q.stopped = true
				q.mu.Unlock()
				return
			}
			q.deliver(item)
		}
	}
}

func (q *eventQueue) deliver(item queuedEvent) {
	if item.stop {
		return
	}
	q.mu.Lock()
	handlers := append([]EventHandler(nil), q.handlers...)
	var batch []Event
	if len(handlers) > 0 {
		batch = q.pending
		q.pending = nil
	}
	if !item.flush {
		if len(handlers) == 0 {
			q.pending = append(q.pending, item.ev)
		} else {
			batch = append(batch, item.ev)
		}
	}
	q.mu.Unlock()
	for _, ev := range batch {
		for _, h := range handlers {
			h(ev)
		}
	}
}
