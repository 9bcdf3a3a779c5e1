package jingle

import "sync"

// mailbox неограниченная очередь задач. push никогда не блокирует, поэтому
// в нее можно писать из горутин резолверов и проверок, которых цикл сессии
// сам дожидается при закрытии.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{signal: make(chan struct{}, 1)}
}

// push возвращает false, если очередь закрыта
func (m *mailbox[T]) push(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// drain забирает накопленные элементы
func (m *mailbox[T]) drain() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

// close запрещает новые push и возвращает то, что не успели забрать
func (m *mailbox[T]) close() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	items := m.items
	m.items = nil
	return items
}

func (m *mailbox[T]) ready() <-chan struct{} { return m.signal }
