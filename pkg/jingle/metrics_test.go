package jingle

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/jingle/pkg/jingle/element"
	"github.com/arzzra/jingle/pkg/jingle/payload"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.sessionCreated("outbound")
		m.sessionClosed("success")
		m.protocolError("out-of-order")
		m.contentActive(time.Now())
		m.resolverResult("fixed", errors.New("x"))
		m.probeResult(nil)
	})
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	a, b := NewMetrics("jingle"), NewMetrics("jingle")
	a.sessionCreated("inbound")
	assert.Equal(t, 1.0, testutil.ToFloat64(a.sessionsTotal.WithLabelValues("inbound")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.sessionsTotal.WithLabelValues("inbound")))
	assert.NotSame(t, a.Registry(), b.Registry())
}

func TestMetrics_SessionLifecycle(t *testing.T) {
	p := newTestPeers(t, []payload.PayloadType{c1}, []payload.PayloadType{c1})
	s, aliceRec, bobRec := p.establish(t)

	am, bm := p.alice.Metrics(), p.bob.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(am.sessionsTotal.WithLabelValues("outbound")))
	assert.Equal(t, 1.0, testutil.ToFloat64(bm.sessionsTotal.WithLabelValues("inbound")))
	assert.Equal(t, 1.0, testutil.ToFloat64(am.sessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(am.resolverResults.WithLabelValues("fixed", "ok")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(am.probeResults.WithLabelValues("ok")), 1.0)
	assert.Equal(t, 1, testutil.CollectAndCount(am.contentNegotiation))

	require.NoError(t, s.Terminate(element.NewReason(element.ReasonSuccess)))
	aliceRec.wait(t, EventClosed)
	bobRec.wait(t, EventClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(am.sessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(am.terminationsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(bm.terminationsTotal.WithLabelValues("success")))
}
