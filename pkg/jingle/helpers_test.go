package jingle

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arzzra/jingle/pkg/jingle/media"
	"github.com/arzzra/jingle/pkg/jingle/payload"
	"github.com/arzzra/jingle/pkg/jingle/transport"
	"github.com/arzzra/jingle/pkg/logging"
	"github.com/arzzra/jingle/pkg/xmpp/memtransport"
)

const (
	aliceJID = "alice@example.com/desk"
	bobJID   = "bob@example.com/phone"
	waitFor  = 5 * time.Second
)

var c1 = payload.NewAudio(34, "c1", 2, 14000)

// fakeMediaSession записывает вызовы движка
type fakeMediaSession struct {
	mu        sync.Mutex
	info      media.SessionInfo
	pt        payload.PayloadType
	receiving bool
	sending   bool
	transmit  bool
	started   bool
	stopped   bool
}

func (f *fakeMediaSession) Initialize() error { return nil }

func (f *fakeMediaSession) StartTransmit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sending, f.started = true, true
	return nil
}

func (f *fakeMediaSession) StartReceive() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiving, f.started = true, true
	return nil
}

func (f *fakeMediaSession) StopTransmit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sending, f.stopped = false, true
	return nil
}

func (f *fakeMediaSession) StopReceive() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiving, f.stopped = false, true
	return nil
}

func (f *fakeMediaSession) SetTransmit(active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transmit = active
	return nil
}

func (f *fakeMediaSession) snapshot() (started, stopped, transmit bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.stopped, f.transmit
}

type fakeMedia struct {
	payloads []payload.PayloadType

	mu       sync.Mutex
	sessions []*fakeMediaSession
}

func (m *fakeMedia) Payloads(string) []payload.PayloadType {
	return append([]payload.PayloadType(nil), m.payloads...)
}

func (m *fakeMedia) CreateSession(pt payload.PayloadType, _, _ transport.Candidate, info media.SessionInfo) (media.Session, error) {
	s := &fakeMediaSession{pt: pt, info: info}
	m.mu.Lock()
	m.sessions = append(m.sessions, s)
	m.mu.Unlock()
	return s, nil
}

func (m *fakeMedia) all() []*fakeMediaSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*fakeMediaSession(nil), m.sessions...)
}

// recorder собирает события сессии
type recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 1)}
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *recorder) find(typ EventType) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == typ {
			return ev, true
		}
	}
	return Event{}, false
}

func (r *recorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) terminal() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type.Terminal() {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) wait(t *testing.T, typ EventType) Event {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		if ev, ok := r.find(typ); ok {
			return ev
		}
		select {
		case <-r.notify:
		case <-deadline:
			require.FailNowf(t, "событие не пришло", "ожидалось %s", typ)
		}
	}
}

func testConfig(ports transport.PortRange) *Config {
	cfg := DefaultConfig()
	cfg.ReplyTimeout = 300 * time.Millisecond
	cfg.Retransmits = 2
	cfg.ContentTimeout = 3 * time.Second
	cfg.SessionDeadline = 5 * time.Second
	cfg.ReapInterval = 50 * time.Millisecond
	cfg.ProbeInterval = 20 * time.Millisecond
	cfg.Transport.Ports = ports
	return cfg
}

type testPeers struct {
	bus        *memtransport.Bus
	aliceConn  *memtransport.Endpoint
	bobConn    *memtransport.Endpoint
	alice, bob *Manager
	aliceMedia *fakeMedia
	bobMedia   *fakeMedia
}

func newTestPeers(t *testing.T, alicePayloads, bobPayloads []payload.PayloadType, tweak ...func(*Config)) *testPeers {
	t.Helper()
	p := &testPeers{
		bus:        memtransport.NewBus(),
		aliceMedia: &fakeMedia{payloads: alicePayloads},
		bobMedia:   &fakeMedia{payloads: bobPayloads},
	}
	p.aliceConn = p.bus.Connect(aliceJID)
	p.bobConn = p.bus.Connect(bobJID)

	aliceCfg := testConfig(transport.PortRange{Min: 41000, Max: 41499})
	bobCfg := testConfig(transport.PortRange{Min: 41500, Max: 41999})
	for _, f := range tweak {
		f(aliceCfg)
		f(bobCfg)
	}

	var err error
	p.alice, err = NewManager(p.aliceConn, p.aliceMedia, aliceCfg, WithLogger(logging.NoOpLogger{}))
	require.NoError(t, err)
	p.bob, err = NewManager(p.bobConn, p.bobMedia, bobCfg, WithLogger(logging.NoOpLogger{}))
	require.NoError(t, err)

	t.Cleanup(func() {
		p.alice.Close()
		p.bob.Close()
		p.bus.CloseAll()
	})
	return p
}

// acceptAll слушатель, принимающий каждый запрос и подписывающий rec на события
func acceptAll(t *testing.T, rec *recorder) SessionRequestListener {
	return func(req *SessionRequest) {
		req.Session().OnEvent(rec.handle)
		_, err := req.Accept()
		if err != nil {
			t.Errorf("accept: %v", err)
		}
	}
}

// establish проводит сессию alice -> bob до ACTIVE на обеих сторонах
func (p *testPeers) establish(t *testing.T, specs ...ContentSpec) (*Session, *recorder, *recorder) {
	t.Helper()
	aliceRec, bobRec := newRecorder(), newRecorder()
	p.bob.AddSessionRequestListener(acceptAll(t, bobRec))

	s, err := p.alice.CreateOutgoingSession(bobJID, specs...)
	require.NoError(t, err)
	s.OnEvent(aliceRec.handle)
	require.NoError(t, s.Start(t.Context()))

	aliceRec.wait(t, EventEstablished)
	bobRec.wait(t, EventEstablished)
	require.Eventually(t, func() bool { return s.State() == StateActive }, waitFor, 10*time.Millisecond)
	return s, aliceRec, bobRec
}
