package memtransport

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/arzzra/jingle/pkg/logging"
	"github.com/arzzra/jingle/pkg/xmpp"
)

// Bus управляет всеми конечными точками и маршрутизацией стансов.
type Bus struct {
	mu         sync.RWMutex
	endpoints  map[string]*Endpoint
	bufferSize int
	dropRate   float64 // Вероятность потери стансы (0.0-1.0)
	latency    time.Duration
	dropFilter xmpp.Filter
	logger     logging.StructuredLogger
}

// NewBus создает новую шину.
func NewBus() *Bus {
	return &Bus{
		endpoints:  make(map[string]*Endpoint),
		bufferSize: 256,
		logger:     logging.NoOpLogger{},
	}
}

// SetLogger устанавливает логгер шины.
func (b *Bus) SetLogger(l logging.StructuredLogger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = l.WithComponent("memtransport")
}

// SetBufferSize устанавливает размер входящей очереди для новых точек.
func (b *Bus) SetBufferSize(size int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bufferSize = size
}

// SetDropRate устанавливает вероятность потери стансы.
func (b *Bus) SetDropRate(rate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rate < 0 {
		rate = 0
	} else if rate > 1 {
		rate = 1
	}
	b.dropRate = rate
}

// SetDropFilter задает предикат: стансы, для которых он true, теряются всегда.
// nil отключает фильтр.
func (b *Bus) SetDropFilter(f xmpp.Filter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropFilter = f
}

// SetLatency задает задержку доставки каждой стансы.
func (b *Bus) SetLatency(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latency = d
}

// Connect регистрирует конечную точку с указанным полным JID.
// Повторное подключение с тем же JID вытесняет прежнюю точку.
func (b *Bus) Connect(jid string) *Endpoint {
	b.mu.Lock()
	ep := &Endpoint{
		jid:      jid,
		bus:      b,
		incoming: make(chan []byte, b.bufferSize),
		closed:   make(chan struct{}),
	}
	old := b.endpoints[jid]
	b.endpoints[jid] = ep
	b.mu.Unlock()

	if old != nil {
		old.Close()
	}
	go ep.dispatchLoop()
	return ep
}

// Endpoint возвращает точку по JID.
func (b *Bus) Endpoint(jid string) (*Endpoint, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ep, ok := b.endpoints[jid]
	return ep, ok
}

func (b *Bus) remove(ep *Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.endpoints[ep.jid] == ep {
		delete(b.endpoints, ep.jid)
	}
}

// ListEndpoints возвращает JID всех подключенных точек.
func (b *Bus) ListEndpoints() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.endpoints))
	for jid := range b.endpoints {
		out = append(out, jid)
	}
	return out
}

// CloseAll отключает все точки.
func (b *Bus) CloseAll() {
	b.mu.Lock()
	eps := make([]*Endpoint, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		eps = append(eps, ep)
	}
	b.endpoints = make(map[string]*Endpoint)
	b.mu.Unlock()

	for _, ep := range eps {
		ep.Close()
	}
}

// route доставляет сериализованную стансу адресату.
func (b *Bus) route(ctx context.Context, iq *xmpp.IQ) error {
	b.mu.RLock()
	dropRate, dropFilter, logger := b.dropRate, b.dropFilter, b.logger
	target, ok := b.endpoints[iq.To]
	b.mu.RUnlock()

	if (dropFilter != nil && dropFilter(iq)) || (dropRate > 0 && rand.Float64() < dropRate) {
		logger.Debug(ctx, "станса потеряна", logging.String("id", iq.ID), logging.String("to", iq.To))
		return nil
	}

	if !ok {
		// Сервер отвечает на запрос к отсутствующему адресату ошибкой
		if iq.Type.IsRequest() {
			if sender, found := b.Endpoint(iq.From); found {
				resp := xmpp.ErrorFor(iq, &xmpp.StanzaError{Type: "cancel", Condition: xmpp.CondServiceUnavailable})
				data, err := xmpp.Encode(resp)
				if err == nil {
					sender.enqueue(data)
				}
			}
		}
		return nil
	}

	data, err := xmpp.Encode(iq)
	if err != nil {
		return fmt.Errorf("memtransport: %w", err)
	}
	return target.enqueue(data)
}
