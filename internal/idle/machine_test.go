package idle

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexexpression/internal/channel"
	"github.com/normanking/cortexexpression/internal/compose"
	"github.com/normanking/cortexexpression/internal/sched"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeAttention struct {
	enabled  bool
	enables  int
	disables int
	targets  []mgl32.Vec3
	clears   int
	failSet  bool
	panicOn  bool
}

func (f *fakeAttention) SetLookAtTarget(v mgl32.Vec3) error {
	if f.panicOn {
		panic("attention crashed")
	}
	if f.failSet {
		return errors.New("target rejected")
	}
	f.targets = append(f.targets, v)
	return nil
}

func (f *fakeAttention) ClearLookAtTarget() { f.clears++ }
func (f *fakeAttention) IsEnabled() bool { return f.enabled }

func (f *fakeAttention) Enable() {
	f.enabled = true
	f.enables++
}

func (f *fakeAttention) Disable() {
	f.enabled = false
	f.disables++
}

// idleAttention also accepts idle glances.
type idleAttention struct {
	fakeAttention
	idleTargets []mgl32.Vec3
	idleClears  int
}

func (f *idleAttention) SetIdleLookTarget(v mgl32.Vec3) error {
	f.idleTargets = append(f.idleTargets, v)
	return nil
}

func (f *idleAttention) ClearIdleLookTarget() { f.idleClears++ }

type fakeSink struct {
	supported map[string]bool
	values    map[string]float64
	panics    bool
}

func (s *fakeSink) HasChannel(name string) bool {
	if s.panics {
		panic("avatar gone")
	}
	return s.supported[name]
}

func (s *fakeSink) SetChannelValue(name string, v float64) error {
	if s.values == nil {
		s.values = map[string]float64{}
	}
	s.values[name] = v
	return nil
}

type countingObserver struct {
	transitions []bool
	expressions []string
	lookArounds int
	failures    []string
}

func (o *countingObserver) IdleChanged(idle bool) { o.transitions = append(o.transitions, idle) }
func (o *countingObserver) IdleExpression(name string) { o.expressions = append(o.expressions, name) }
func (o *countingObserver) LookAround() { o.lookArounds++ }
func (o *countingObserver) RuntimeFailure(op string) { o.failures = append(o.failures, op) }

type fixture struct {
	m     *Machine
	eng   *compose.Engine
	clock *sched.Virtual
	att   *fakeAttention
	obs   *countingObserver
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 100 * time.Millisecond
	cfg.ExpressionInterval = 500 * time.Millisecond
	cfg.RandomLookAround = false
	cfg.Expressions = []string{"relaxed"}
	return cfg
}

func newFixture(t *testing.T, cfg Config, sink compose.Sink) *fixture {
	t.Helper()
	f := &fixture{
		eng:   compose.NewEngine(compose.DefaultOptions()),
		clock: sched.NewVirtual(t0),
		att:   &fakeAttention{enabled: true},
		obs:   &countingObserver{},
	}
	m, err := New(cfg, Options{
		Composer:  f.eng,
		Attention: f.att,
		Sink:      sink,
		Clock:     f.clock,
		Rand:      rand.New(rand.NewSource(42)),
		Observer:  f.obs,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	f.m = m
	return f
}

func TestNew_RequiresComposerAndClock(t *testing.T) {
	_, err := New(DefaultConfig(), Options{})
	assert.Error(t, err)

	_, err = New(Config{}, Options{Composer: compose.NewEngine(compose.DefaultOptions()), Clock: sched.NewVirtual(t0)})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestIsIdle(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	assert.True(t, f.m.IsIdle(), "idle before any activity")

	f.m.RecordChatActivity(f.clock.Now())
	assert.False(t, f.m.IsIdle())

	f.clock.Advance(100 * time.Millisecond)
	assert.False(t, f.m.IsIdle(), "timeout must be exceeded, not reached")
	f.clock.Advance(50 * time.Millisecond)
	assert.True(t, f.m.IsIdle())
}

func TestIsIdle_DisabledFeature(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	f := newFixture(t, cfg, nil)
	assert.True(t, f.m.IsIdle())

	f.m.RecordInteractionActivity("pointer")
	f.clock.Advance(time.Hour)
	assert.False(t, f.m.IsIdle())
}

func TestAttentionDisabledOncePerTransition(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.m.RecordChatActivity(f.clock.Now())
	f.m.Start()
	require.Equal(t, 0, f.att.disables)

	f.clock.Advance(150 * time.Millisecond)
	assert.True(t, f.m.IsIdle())

	f.clock.Advance(850 * time.Millisecond)
	assert.Equal(t, 1, f.att.disables)
	assert.False(t, f.att.enabled)

	f.clock.Advance(5 * time.Second)
	assert.Equal(t, 1, f.att.disables, "not once per idle-check tick")

	f.m.RecordInteractionActivity("keyboard")
	assert.True(t, f.att.enabled, "activity re-enables immediately")

	f.clock.Advance(2 * time.Second)
	assert.Equal(t, 2, f.att.disables, "second transition disables again")
	assert.Equal(t, []bool{false, true, false, true}, f.obs.transitions)
}

func TestStart_SuspendsImmediatelyWhenIdle(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.m.Start()
	f.m.Start()
	assert.Equal(t, 1, f.att.disables)
	assert.True(t, f.m.Running())
	assert.False(t, f.m.Status().AttentionFollowAllowed)
}

func TestNoSuspensionWhenNotConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.DisableAttentionWhenIdle = false
	f := newFixture(t, cfg, nil)
	f.m.Start()
	f.clock.Advance(5 * time.Second)
	assert.Zero(t, f.att.disables)
	assert.True(t, f.m.Status().AttentionFollowAllowed)
}

func TestIdleExpressionTick(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.m.Start()

	f.clock.Advance(500 * time.Millisecond)
	v, ok := f.eng.Value(channel.Emotional, "relaxed")
	require.True(t, ok)
	assert.GreaterOrEqual(t, v, 0.3)
	assert.LessOrEqual(t, v, 0.7)
	assert.Equal(t, []string{"relaxed"}, f.obs.expressions)

	st := f.m.Status()
	assert.Equal(t, "relaxed", st.LastIdleExpression)
	assert.True(t, st.HasActiveExpression)
}

func TestIdleExpression_SwapsPrevious(t *testing.T) {
	cfg := testConfig()
	cfg.Expressions = []string{"relaxed", "happy", "sad", "surprised"}
	f := newFixture(t, cfg, nil)
	f.m.Start()

	f.clock.Advance(10 * time.Second)
	require.NotEmpty(t, f.obs.expressions)

	active := 0
	for _, v := range f.eng.GetComposition().Emotional {
		if v > 0 {
			active++
		}
	}
	assert.Equal(t, 1, active, "only the latest idle expression stays set")
}

func TestNoIdleExpressionWhileActive(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.m.Start()
	for i := 0; i < 20; i++ {
		f.m.RecordInteractionActivity("pointer")
		f.clock.Advance(50 * time.Millisecond)
	}
	assert.Empty(t, f.obs.expressions)
}

func TestManualOverrideWindow(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	f.m.RecordManualExpressionOverride()
	f.clock.Advance(100 * time.Millisecond)
	assert.False(t, f.m.CanApplyIdleExpression(), "blocked at T+100ms")
	assert.True(t, f.m.Status().ManualOverrideActive)

	f.clock.Advance(500 * time.Millisecond)
	assert.True(t, f.m.CanApplyIdleExpression(), "allowed at T+600ms")
	assert.False(t, f.m.Status().ManualOverrideActive)
}

func TestChatResponseWindow(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.m.RecordChatResponseExpression()

	f.clock.Advance(2900 * time.Millisecond)
	assert.False(t, f.m.CanApplyIdleExpression())
	f.clock.Advance(200 * time.Millisecond)
	assert.True(t, f.m.CanApplyIdleExpression())
}

func TestOverrideBlocksTick(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.m.Start()

	f.clock.Advance(400 * time.Millisecond)
	f.m.RecordManualExpressionOverride()
	f.clock.Advance(100 * time.Millisecond)
	assert.Empty(t, f.obs.expressions, "tick at 500ms is inside the window")

	f.clock.Advance(500 * time.Millisecond)
	assert.Len(t, f.obs.expressions, 1)
}

func TestStop_NoFurtherWrites(t *testing.T) {
	cfg := testConfig()
	cfg.RandomLookAround = true
	f := newFixture(t, cfg, nil)
	f.m.Start()
	f.clock.Advance(8 * time.Second)
	require.NotEmpty(t, f.obs.expressions)

	f.m.Stop()
	f.m.Stop()
	assert.Equal(t, 0, f.clock.Pending())

	rev := f.eng.Revision()
	targets := len(f.att.targets)
	f.clock.Advance(time.Minute)
	assert.Equal(t, rev, f.eng.Revision())
	assert.Len(t, f.att.targets, targets)
	assert.False(t, f.m.Status().Running)
}

func TestLookAround(t *testing.T) {
	cfg := testConfig()
	cfg.RandomLookAround = true
	cfg.DisableAttentionWhenIdle = false
	f := newFixture(t, cfg, nil)
	f.m.Start()

	f.clock.Advance(30 * time.Second)
	require.GreaterOrEqual(t, len(f.att.targets), 30/7)
	assert.LessOrEqual(t, len(f.att.targets), 30/3)
	for _, v := range f.att.targets {
		assert.LessOrEqual(t, abs(v.X()), float32(1))
		assert.LessOrEqual(t, abs(v.Y()), float32(0.5))
		assert.LessOrEqual(t, abs(v.Z()), float32(0.5))
	}
	assert.Equal(t, len(f.att.targets), f.obs.lookArounds)

	f.m.RecordInteractionActivity("pointer")
	assert.Equal(t, 1, f.att.clears, "activity drops the idle look target")
}

func TestLookAround_PrefersIdleLookTarget(t *testing.T) {
	cfg := testConfig()
	cfg.RandomLookAround = true
	cfg.DisableAttentionWhenIdle = true
	att := &idleAttention{fakeAttention: fakeAttention{enabled: true}}
	clock := sched.NewVirtual(t0)
	m, err := New(cfg, Options{
		Composer:  compose.NewEngine(compose.DefaultOptions()),
		Attention: att,
		Clock:     clock,
		Rand:      rand.New(rand.NewSource(1)),
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	m.Start()
	defer m.Stop()

	clock.Advance(30 * time.Second)
	assert.False(t, att.enabled, "attention follow stays suspended")
	assert.NotEmpty(t, att.idleTargets)
	assert.Empty(t, att.targets)

	m.RecordInteractionActivity("pointer")
	assert.Equal(t, 1, att.idleClears)
	assert.Zero(t, att.clears)
	assert.True(t, att.enabled)
}

func TestLookAround_OnlyWhileIdle(t *testing.T) {
	cfg := testConfig()
	cfg.RandomLookAround = true
	cfg.IdleTimeout = time.Hour
	f := newFixture(t, cfg, nil)
	f.m.RecordChatActivity(time.Time{})
	f.m.Start()

	f.clock.Advance(30 * time.Second)
	assert.Empty(t, f.att.targets)
}

func TestRuntimeErrorsAreReported(t *testing.T) {
	cfg := testConfig()
	cfg.RandomLookAround = true
	cfg.DisableAttentionWhenIdle = false
	f := newFixture(t, cfg, nil)
	f.att.panicOn = true

	var got []*RuntimeError
	f.m.OnError(func(e *RuntimeError) { got = append(got, e) })
	f.m.Start()
	f.clock.Advance(8 * time.Second)

	require.NotEmpty(t, got)
	assert.Equal(t, OpMoveAttention, got[0].Op)
	assert.ErrorIs(t, got[0], ErrRuntimeSink)
	assert.True(t, f.m.Running(), "failures never stop the timers")
	assert.NotEmpty(t, f.obs.expressions, "expression tick keeps running")
	assert.Contains(t, f.obs.failures, OpMoveAttention)
}

func TestSinkFiltersAndReceivesExpressions(t *testing.T) {
	cfg := testConfig()
	cfg.Expressions = []string{"unsupported", "happy"}
	sink := &fakeSink{supported: map[string]bool{"happy": true}}
	f := newFixture(t, cfg, sink)
	f.m.Start()

	f.clock.Advance(2 * time.Second)
	for _, name := range f.obs.expressions {
		assert.Equal(t, "happy", name)
	}
	assert.Greater(t, sink.values["happy"], 0.0)
}

func TestSinkPanicIsIsolated(t *testing.T) {
	sink := &fakeSink{panics: true}
	f := newFixture(t, testConfig(), sink)
	var got []*RuntimeError
	f.m.OnError(func(e *RuntimeError) { got = append(got, e) })
	f.m.Start()

	f.clock.Advance(time.Second)
	require.NotEmpty(t, got)
	assert.Equal(t, OpQueryAvatar, got[0].Op)
	assert.Empty(t, f.obs.expressions)
}

func TestUpdateConfiguration(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.m.Start()

	bad := testConfig()
	bad.IdleTimeout = 0
	err := f.m.UpdateConfiguration(bad)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
	assert.Equal(t, 100*time.Millisecond, f.m.Config().IdleTimeout, "previous config retained")

	good := testConfig()
	good.ExpressionInterval = 2 * time.Second
	require.NoError(t, f.m.UpdateConfiguration(good))

	f.clock.Advance(1900 * time.Millisecond)
	assert.Empty(t, f.obs.expressions, "old 500ms interval no longer armed")
	f.clock.Advance(100 * time.Millisecond)
	assert.Len(t, f.obs.expressions, 1)
}

func TestUpdateConfiguration_TurningOffSuspensionResumes(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.m.Start()
	require.False(t, f.att.enabled)

	cfg := testConfig()
	cfg.DisableAttentionWhenIdle = false
	require.NoError(t, f.m.UpdateConfiguration(cfg))
	assert.True(t, f.att.enabled)
}

func TestStatus_BlinkIsNotActive(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	require.NoError(t, f.eng.SetEye("blink", 1))
	assert.False(t, f.m.Status().HasActiveExpression)

	require.NoError(t, f.eng.SetMouth("aa", 0.05))
	assert.False(t, f.m.Status().HasActiveExpression)

	require.NoError(t, f.eng.SetMouth("aa", 0.5))
	assert.True(t, f.m.Status().HasActiveExpression)
}

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
