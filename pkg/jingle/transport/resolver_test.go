package transport

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/jingle/pkg/jingle/element"
	"github.com/arzzra/jingle/pkg/xmpp"
	"github.com/arzzra/jingle/pkg/xmpp/memtransport"
)

type outcome struct {
	res Result
	err error
}

// resolveSync запускает Resolve и проверяет, что notify вызван ровно один раз
func resolveSync(t *testing.T, ctx context.Context, r Resolver) (Result, error) {
	t.Helper()
	var calls atomic.Int32
	ch := make(chan outcome, 2)
	r.Resolve(ctx, func(res Result, err error) {
		calls.Add(1)
		ch <- outcome{res, err}
	})
	select {
	case o := <-ch:
		time.Sleep(20 * time.Millisecond)
		assert.EqualValues(t, 1, calls.Load(), "notify должен вызываться ровно один раз")
		return o.res, o.err
	case <-time.After(5 * time.Second):
		t.Fatal("resolver не сообщил результат")
		return Result{}, nil
	}
}

func testPorts(t *testing.T) *PortAllocator {
	t.Helper()
	pa, err := NewPortAllocator(netip.MustParseAddr("127.0.0.1"), PortRange{Min: 31000, Max: 31200})
	require.NoError(t, err)
	return pa
}

func TestFixedResolver_ExplicitPort(t *testing.T) {
	r := NewFixedResolver("127.0.0.1", 40000, nil)
	res, err := resolveSync(t, context.Background(), r)
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)

	c := res.Candidates[0]
	assert.Equal(t, "127.0.0.1", c.IP)
	assert.Equal(t, 40000, c.Port)
	assert.Equal(t, TypeHost, c.Type)
	assert.Equal(t, "fixed", c.Origin)
	assert.Equal(t, SideLocal, c.Side)
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:40000"), c.Base)
	assert.NotEmpty(t, res.Pwd)
	assert.Nil(t, res.Conn, "fixed не открывает сокетов")
}

func TestFixedResolver_AllocatesAndReleases(t *testing.T) {
	pa := testPorts(t)
	r := NewFixedResolver("127.0.0.1", 0, pa)
	res, err := resolveSync(t, context.Background(), r)
	require.NoError(t, err)

	port := res.Candidates[0].Port
	assert.Equal(t, 0, port%2, "порт RTP четный")
	assert.True(t, pa.InUse(port))
	res.Release()
	assert.False(t, pa.InUse(port))
}

func TestFixedResolver_Errors(t *testing.T) {
	_, err := resolveSync(t, context.Background(), NewFixedResolver("0.0.0.0", 4000, nil))
	assert.Error(t, err)
	_, err = resolveSync(t, context.Background(), NewFixedResolver("not-an-ip", 4000, nil))
	assert.Error(t, err)
	_, err = resolveSync(t, context.Background(), NewFixedResolver("127.0.0.1", 0, nil))
	assert.Error(t, err)
}

func TestResolver_SingleUse(t *testing.T) {
	r := NewFixedResolver("127.0.0.1", 40002, nil)
	_, err := resolveSync(t, context.Background(), r)
	require.NoError(t, err)
	_, err = resolveSync(t, context.Background(), r)
	assert.ErrorIs(t, err, ErrResolverUsed)
}

// startSTUNServer поднимает STUN-сервер на loopback; answer=false имитирует молчащий сервер
func startSTUNServer(t *testing.T, answer bool) string {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if !answer {
				continue
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := req.Decode(); err != nil || req.Type != stun.BindingRequest {
				continue
			}
			resp, err := stun.Build(
				stun.NewTransactionIDSetter(req.TransactionID),
				stun.BindingSuccess,
				&stun.XORMappedAddress{IP: net.IPv4(203, 0, 113, 7), Port: 61000},
				stun.Fingerprint,
			)
			if err != nil {
				continue
			}
			conn.WriteToUDP(resp.Raw, from)
		}
	}()
	return conn.LocalAddr().String()
}

func TestSTUNResolver_HostAndReflexive(t *testing.T) {
	server := startSTUNServer(t, true)
	r := NewSTUNResolver(server, "127.0.0.1", testPorts(t))

	res, err := resolveSync(t, context.Background(), r)
	require.NoError(t, err)
	defer res.Release()

	require.Len(t, res.Candidates, 2)
	host, srflx := res.Candidates[0], res.Candidates[1]
	assert.Equal(t, TypeHost, host.Type)
	assert.Equal(t, TypeSrflx, srflx.Type)
	assert.Equal(t, "203.0.113.7", srflx.IP)
	assert.Equal(t, 61000, srflx.Port)
	assert.Equal(t, host.IP, srflx.RelAddr)
	assert.Equal(t, host.Base, srflx.Base, "оба кандидата обслуживает один сокет")
	assert.Greater(t, host.Priority, srflx.Priority)
	require.NotNil(t, res.Conn)
	assert.Equal(t, host.Base, localAddrPort(res.Conn))
}

func TestSTUNResolver_Timeout(t *testing.T) {
	server := startSTUNServer(t, false)
	pa := testPorts(t)
	r := NewSTUNResolver(server, "127.0.0.1", pa)
	r.Timeout = 300 * time.Millisecond

	_, err := resolveSync(t, context.Background(), r)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSTUNTimeout)
	assert.Equal(t, 100, pa.Available(), "порт возвращен после неудачи")
}

func TestSTUNResolver_Cancel(t *testing.T) {
	server := startSTUNServer(t, false)
	r := NewSTUNResolver(server, "127.0.0.1", nil)
	r.Timeout = 10 * time.Second

	done := make(chan error, 1)
	r.Resolve(context.Background(), func(_ Result, err error) { done <- err })
	time.Sleep(50 * time.Millisecond)
	r.Cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("отмена должна прервать разрешение")
	}
}

// serveBridge отвечает на rtpbridge-запросы фиксированной парой портов
func serveBridge(t *testing.T, ep *memtransport.Endpoint) {
	t.Helper()
	reqs, cancel := ep.Subscribe(func(iq *xmpp.IQ) bool { return iq.Type == xmpp.IQGet })
	t.Cleanup(cancel)
	go func() {
		for iq := range reqs {
			b, err := element.UnmarshalBridge(iq.Payload)
			if err != nil {
				continue
			}
			b.Candidate = &element.BridgeCandidate{IP: "198.51.100.1", PortA: 20000, PortB: 20002, Pass: "pw", Name: "relay"}
			payload, _ := element.MarshalBridge(b)
			resp := xmpp.ResultFor(iq)
			resp.Payload = payload
			ep.Send(context.Background(), resp)
		}
	}()
}

func TestBridgeResolver(t *testing.T) {
	bus := memtransport.NewBus()
	defer bus.CloseAll()
	client := bus.Connect("alice@example.org/phone")
	serveBridge(t, bus.Connect("rtpbridge.example.org"))

	r := NewBridgeResolver(client, "rtpbridge.example.org", "sid-1", "127.0.0.1", nil)
	res, err := resolveSync(t, context.Background(), r)
	require.NoError(t, err)
	defer res.Release()

	require.Len(t, res.Candidates, 1)
	c := res.Candidates[0]
	assert.Equal(t, TypeRelay, c.Type)
	assert.Equal(t, "198.51.100.1", c.IP)
	assert.Equal(t, 20000, c.Port, "объявляется порт A")
	assert.Equal(t, netip.MustParseAddrPort("198.51.100.1:20002"), c.Via, "отправка через порт B")
	assert.True(t, c.Base.IsValid())
}

func TestBridgeResolver_NoService(t *testing.T) {
	bus := memtransport.NewBus()
	defer bus.CloseAll()
	client := bus.Connect("alice@example.org/phone")

	r := NewBridgeResolver(client, "missing.example.org", "sid-1", "127.0.0.1", nil)
	_, err := resolveSync(t, context.Background(), r)
	var se *xmpp.StanzaError
	assert.True(t, errors.As(err, &se))
}

func TestICEResolver_LoopbackHost(t *testing.T) {
	r := NewICEResolver(nil)
	r.IncludeLoopback = true
	r.CandidateTypes = nil

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := resolveSync(t, ctx, r)
	if err != nil {
		t.Skipf("сбор ICE-кандидатов недоступен в окружении: %v", err)
	}
	assert.NotEmpty(t, res.Ufrag)
	assert.NotEmpty(t, res.Pwd)
	for _, c := range res.Candidates {
		assert.Equal(t, "ice", c.Origin)
		if c.Type == TypeHost {
			assert.True(t, c.Base.IsValid())
		}
	}
}

func TestNewFactory(t *testing.T) {
	cfg := DefaultConfig()
	f, err := NewFactory(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, KindFixed, f("s", "audio").Kind())

	cfg.Kind = KindSTUN
	_, err = NewFactory(cfg, nil)
	assert.Error(t, err, "stun без сервера")
	cfg.STUNServer = "127.0.0.1:3478"
	f, err = NewFactory(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, KindSTUN, f("s", "audio").Kind())

	cfg.Kind = KindICE
	cfg.STUNURLs = []string{"stun:stun.example.org:3478"}
	cfg.TURNServers = []TURNServer{{URL: "turn:turn.example.org:3478?transport=udp", Username: "u", Credential: "p"}}
	f, err = NewFactory(cfg, nil)
	require.NoError(t, err)
	ice := f("s", "audio").(*ICEResolver)
	require.Len(t, ice.URLs, 2)
	assert.Equal(t, "u", ice.URLs[1].Username)

	cfg.Kind = KindBridge
	_, err = NewFactory(cfg, nil)
	assert.Error(t, err, "мост без соединения")

	cfg.Kind = "carrier-pigeon"
	_, err = NewFactory(cfg, nil)
	assert.Error(t, err)
}
