package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexexpression/internal/compose"
	"github.com/normanking/cortexexpression/internal/idle"
)

var (
	_ compose.Observer = (*Metrics)(nil)
	_ idle.Observer    = (*Metrics)(nil)
)

func TestMetrics_EngineObserver(t *testing.T) {
	m := New()
	eng := compose.NewEngine(compose.Options{Observer: m})
	require.NoError(t, eng.SetEmotional("happy", 0.5))

	eng.Compose()
	eng.Compose()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ComposeTotal.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ComposeTotal.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Revision))
}

func TestMetrics_IdleObserver(t *testing.T) {
	m := New()
	m.IdleChanged(true)
	m.IdleChanged(false)
	m.IdleChanged(true)
	m.IdleExpression("relaxed")
	m.LookAround()
	m.RuntimeFailure(idle.OpMoveAttention)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.IdleState))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.IdleTransitions.WithLabelValues("idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IdleExpressions.WithLabelValues("relaxed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LookArounds))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RuntimeFailures.WithLabelValues(idle.OpMoveAttention)))
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	a, b := New(), New()
	a.Blink()
	a.LipSyncTick("aa")
	a.IntentApplied("manual", "emotional")
	a.IntentRejected("idle", "priority")
	a.SinkFailed("happy")
	a.ObserveFrame(time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.Blinks))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Blinks))

	n, err := testutil.GatherAndCount(a.Registry)
	require.NoError(t, err)
	assert.Greater(t, n, 5)
}
