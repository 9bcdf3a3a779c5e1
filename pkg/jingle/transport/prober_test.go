package transport

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedResult(t *testing.T, port int) Result {
	t.Helper()
	res, err := resolveSync(t, context.Background(), NewFixedResolver("127.0.0.1", port, nil))
	require.NoError(t, err)
	return res
}

type probeOutcome struct {
	pair Pair
	err  error
}

func probe(ctx context.Context, p *Prober, remote Result) <-chan probeOutcome {
	ch := make(chan probeOutcome, 1)
	remoteCands := make([]Candidate, 0, len(remote.Candidates))
	for _, c := range remote.Candidates {
		remoteCands = append(remoteCands, FromElement(c.ToElement()))
	}
	p.Probe(ctx, remoteCands, remote.Pwd, func(pair Pair, err error) {
		ch <- probeOutcome{pair, err}
	})
	return ch
}

func wait(t *testing.T, ch <-chan probeOutcome) probeOutcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("проверка связности не завершилась")
		return probeOutcome{}
	}
}

func TestProber_BothSidesFindPair(t *testing.T) {
	a, b := fixedResult(t, 41000), fixedResult(t, 41002)
	pa := NewProber(a, ProberConfig{Interval: 20 * time.Millisecond})
	pb := NewProber(b, ProberConfig{Interval: 20 * time.Millisecond})
	defer pa.Close()
	defer pb.Close()
	require.NoError(t, pa.Listen(context.Background()))
	require.NoError(t, pb.Listen(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ra := wait(t, probe(ctx, pa, b))
	rb := wait(t, probe(ctx, pb, a))

	require.NoError(t, ra.err)
	require.NoError(t, rb.err)
	assert.Equal(t, a.Candidates[0].ID, ra.pair.Local.ID)
	assert.Equal(t, b.Candidates[0].ID, ra.pair.Remote.ID)
	assert.Equal(t, b.Candidates[0].ID, rb.pair.Local.ID)
	assert.Equal(t, SideRemote, rb.pair.Remote.Side)
}

func TestProber_WrongPasswordIsIgnored(t *testing.T) {
	a, b := fixedResult(t, 41010), fixedResult(t, 41012)
	pa := NewProber(a, ProberConfig{Interval: 20 * time.Millisecond, Tries: 5})
	pb := NewProber(b, ProberConfig{Interval: 20 * time.Millisecond})
	defer pa.Close()
	defer pb.Close()
	require.NoError(t, pa.Listen(context.Background()))
	require.NoError(t, pb.Listen(context.Background()))

	b.Pwd = "не-тот-пароль"
	o := wait(t, probe(context.Background(), pa, b))
	assert.ErrorIs(t, o.err, ErrUnreachable)
}

func TestProber_UnreachableUntilDeadline(t *testing.T) {
	a := fixedResult(t, 41020)
	pa := NewProber(a, ProberConfig{Interval: 20 * time.Millisecond})
	defer pa.Close()
	require.NoError(t, pa.Listen(context.Background()))

	// на другой стороне никто не слушает
	silent := Result{Pwd: "x", Candidates: []Candidate{{ID: "r1", Component: 1, IP: "127.0.0.1", Port: 41022, Base: netip.MustParseAddrPort("127.0.0.1:41022")}}}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	o := wait(t, probe(ctx, pa, silent))
	assert.ErrorIs(t, o.err, ErrUnreachable)
}

func TestProber_CloseStopsProbing(t *testing.T) {
	a := fixedResult(t, 41030)
	pa := NewProber(a, ProberConfig{Interval: 20 * time.Millisecond})
	require.NoError(t, pa.Listen(context.Background()))

	silent := Result{Pwd: "x", Candidates: []Candidate{{ID: "r1", Component: 1, IP: "127.0.0.1", Port: 41032}}}
	ch := probe(context.Background(), pa, silent)
	time.Sleep(50 * time.Millisecond)
	pa.Close()

	o := wait(t, ch)
	assert.Error(t, o.err)
	assert.Error(t, pa.Listen(context.Background()), "Listen после Close")
}

func TestProber_RestartForgetsEarlierRound(t *testing.T) {
	a := fixedResult(t, 41040)
	pa := NewProber(a, ProberConfig{Interval: 20 * time.Millisecond})
	defer pa.Close()
	require.NoError(t, pa.Listen(context.Background()))

	first := Result{Pwd: "x", Candidates: []Candidate{{ID: "r1", Component: 1, IP: "127.0.0.1", Port: 41042}}}
	ctx1, cancel1 := context.WithCancel(context.Background())
	ch1 := probe(ctx1, pa, first)

	pa.mu.Lock()
	var stale string
	for nonce := range pa.pending {
		stale = nonce
	}
	pa.mu.Unlock()
	require.NotEmpty(t, stale)
	cancel1()
	wait(t, ch1)

	second := Result{Pwd: "x", Candidates: []Candidate{{ID: "r2", Component: 1, IP: "127.0.0.1", Port: 41044}}}
	ctx2, cancel2 := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel2()
	ch2 := probe(ctx2, pa, second)

	pa.mu.Lock()
	_, kept := pa.pending[stale]
	var conn *net.UDPConn
	for _, c := range pa.sockets {
		conn = c
	}
	pa.mu.Unlock()
	assert.False(t, kept, "nonce прошлого раунда удален")

	// запоздалый ответ на пробу первого раунда
	pa.handle(conn, netip.MustParseAddrPort("127.0.0.1:41042"), "JNGL ACK r1 "+stale)
	o := wait(t, ch2)
	assert.ErrorIs(t, o.err, ErrUnreachable, "старый ответ не завершает новый раунд")
}
