package transport

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/arzzra/jingle/pkg/jingle/element"
)

var (
	// ErrResolverUsed Resolve вызван повторно
	ErrResolverUsed = errors.New("transport: resolver already used")
	// ErrNoCandidates стратегия не нашла ни одного кандидата
	ErrNoCandidates = errors.New("transport: no candidates")
)

// Result результат разрешения: локальные кандидаты и учетные данные проверки связности
type Result struct {
	Candidates []Candidate
	Ufrag      string
	Pwd        string
	// Conn сокет, уже открытый стратегией на Base кандидатов; владение переходит получателю
	Conn *net.UDPConn

	release func()
}

// Release закрывает сокет и возвращает порты аллокатору
func (r *Result) Release() {
	if r.Conn != nil {
		r.Conn.Close()
		r.Conn = nil
	}
	if r.release != nil {
		r.release()
		r.release = nil
	}
}

// ToElement транспортный элемент с кандидатами результата
func (r *Result) ToElement(generation int) *element.ICEUDPTransport {
	t := &element.ICEUDPTransport{Ufrag: r.Ufrag, Pwd: r.Pwd}
	for _, c := range r.Candidates {
		t.Candidates = append(t.Candidates, c.WithGeneration(generation).ToElement())
	}
	return t
}

// NotifyFunc вызывается ровно один раз: с результатом либо с ошибкой
type NotifyFunc func(Result, error)

// Resolver стратегия получения локальных кандидатов
type Resolver interface {
	// Resolve запускает разрешение в фоне и не блокирует вызывающего
	Resolve(ctx context.Context, notify NotifyFunc)
	// Cancel прерывает разрешение; notify получит context.Canceled, если еще не вызван
	Cancel()
	// Kind имя стратегии
	Kind() string
}

// task общий каркас одноразового фонового разрешения
type task struct {
	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

func (t *task) run(ctx context.Context, notify NotifyFunc, fn func(ctx context.Context) (Result, error)) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		go notify(Result{}, ErrResolverUsed)
		return
	}
	t.started = true
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	go func() {
		defer cancel()
		res, err := fn(ctx)
		if err == nil && ctx.Err() != nil {
			// отменили в момент завершения: ресурсы результата больше никому не нужны
			res.Release()
			err = ctx.Err()
		}
		notify(res, err)
	}()
}

// Cancel прерывает разрешение
func (t *task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
}
