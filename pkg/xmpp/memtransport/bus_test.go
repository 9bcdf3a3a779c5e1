package memtransport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/jingle/pkg/xmpp"
)

func recv(t *testing.T, ch <-chan *xmpp.IQ) *xmpp.IQ {
	t.Helper()
	select {
	case iq, ok := <-ch:
		require.True(t, ok, "канал подписки закрыт")
		return iq
	case <-time.After(time.Second):
		t.Fatal("станса не доставлена")
		return nil
	}
}

func TestBus_DeliversInOrder(t *testing.T) {
	bus := NewBus()
	defer bus.CloseAll()
	a := bus.Connect("a@x/1")
	b := bus.Connect("b@x/1")

	in, cancel := b.Subscribe(nil)
	defer cancel()

	for i := 0; i < 20; i++ {
		require.NoError(t, a.Send(context.Background(), &xmpp.IQ{
			ID: string(rune('a' + i)), Type: xmpp.IQSet, To: "b@x/1",
			Payload: []byte(`<x xmlns="urn:test"/>`),
		}))
	}
	for i := 0; i < 20; i++ {
		iq := recv(t, in)
		assert.Equal(t, string(rune('a'+i)), iq.ID, "порядок доставки нарушен")
		assert.Equal(t, "a@x/1", iq.From)
	}
}

func TestBus_SubscribeFilter(t *testing.T) {
	bus := NewBus()
	defer bus.CloseAll()
	a := bus.Connect("a@x/1")
	b := bus.Connect("b@x/1")

	results, cancel := b.Subscribe(func(iq *xmpp.IQ) bool { return iq.Type == xmpp.IQResult })
	defer cancel()

	require.NoError(t, a.Send(context.Background(), &xmpp.IQ{ID: "1", Type: xmpp.IQSet, To: "b@x/1"}))
	require.NoError(t, a.Send(context.Background(), &xmpp.IQ{ID: "2", Type: xmpp.IQResult, To: "b@x/1"}))

	assert.Equal(t, "2", recv(t, results).ID)
}

func TestSendIQ_RequestResponse(t *testing.T) {
	bus := NewBus()
	defer bus.CloseAll()
	a := bus.Connect("a@x/1")
	b := bus.Connect("b@x/1")

	reqs, cancel := b.Subscribe(func(iq *xmpp.IQ) bool { return iq.Type.IsRequest() })
	defer cancel()
	go func() {
		for iq := range reqs {
			_ = b.Send(context.Background(), xmpp.ResultFor(iq))
		}
	}()

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	resp, err := xmpp.SendIQ(ctx, a, &xmpp.IQ{Type: xmpp.IQGet, To: "b@x/1"})
	require.NoError(t, err)
	assert.Equal(t, xmpp.IQResult, resp.Type)
	assert.Equal(t, "b@x/1", resp.From)
}

func TestSendIQ_UnknownPeerGetsServiceUnavailable(t *testing.T) {
	bus := NewBus()
	defer bus.CloseAll()
	a := bus.Connect("a@x/1")

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	_, err := xmpp.SendIQ(ctx, a, &xmpp.IQ{Type: xmpp.IQSet, To: "nobody@x/1"})
	var se *xmpp.StanzaError
	require.True(t, errors.As(err, &se), "ожидалась ошибка стансы, получено %v", err)
	assert.Equal(t, xmpp.CondServiceUnavailable, se.Condition)
}

func TestSendIQ_TimeoutOnDrop(t *testing.T) {
	bus := NewBus()
	defer bus.CloseAll()
	bus.SetDropRate(1)
	a := bus.Connect("a@x/1")
	bus.Connect("b@x/1")

	ctx, done := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer done()
	_, err := xmpp.SendIQ(ctx, a, &xmpp.IQ{Type: xmpp.IQSet, To: "b@x/1"})
	assert.ErrorIs(t, err, xmpp.ErrNoReply)
}

func TestBus_DropFilter(t *testing.T) {
	bus := NewBus()
	defer bus.CloseAll()
	a := bus.Connect("a@x/1")
	b := bus.Connect("b@x/1")

	var dropped atomic.Int32
	bus.SetDropFilter(func(iq *xmpp.IQ) bool {
		if iq.ID == "drop-me" {
			dropped.Add(1)
			return true
		}
		return false
	})
	in, cancel := b.Subscribe(nil)
	defer cancel()

	require.NoError(t, a.Send(context.Background(), &xmpp.IQ{ID: "drop-me", Type: xmpp.IQSet, To: "b@x/1"}))
	require.NoError(t, a.Send(context.Background(), &xmpp.IQ{ID: "keep", Type: xmpp.IQSet, To: "b@x/1"}))
	assert.Equal(t, "keep", recv(t, in).ID)
	assert.EqualValues(t, 1, dropped.Load())
}

func TestEndpoint_CloseClosesSubscriptions(t *testing.T) {
	bus := NewBus()
	a := bus.Connect("a@x/1")
	in, _ := a.Subscribe(nil)

	a.Close()

	select {
	case <-a.Done():
	default:
		t.Fatal("Done должен быть закрыт")
	}
	_, ok := <-in
	assert.False(t, ok)
	assert.ErrorIs(t, a.Send(context.Background(), &xmpp.IQ{Type: xmpp.IQSet, To: "b@x/1"}), ErrClosed)
	assert.Empty(t, bus.ListEndpoints())
}
