package server

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexexpression/internal/channel"
	"github.com/normanking/cortexexpression/internal/config"
	"github.com/normanking/cortexexpression/internal/intent"
	"github.com/normanking/cortexexpression/internal/lipsync"
	"github.com/normanking/cortexexpression/internal/metrics"
	"github.com/normanking/cortexexpression/internal/sched"
	"github.com/normanking/cortexexpression/internal/session"
	"github.com/normanking/cortexexpression/internal/sink"
)

func testServer(t *testing.T) (*Server, *session.Session) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Blink.Enabled = false
	cfg.Idle.RandomLookAround = false

	m := metrics.New()
	s, err := session.New(session.Options{
		Config:  cfg,
		Clock:   sched.NewVirtual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)),
		Sink:    sink.NewRecorder(nil),
		Metrics: m,
		Rand:    rand.New(rand.NewSource(1)),
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return New(cfg.Server, s, nil, m, zerolog.Nop()), s
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthHandler(t *testing.T) {
	srv, s := testServer(t)
	w := do(t, srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var hr HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&hr))
	assert.Equal(t, "healthy", hr.Status)
	assert.Equal(t, s.ID(), hr.Session)
}

func TestIntentHandler(t *testing.T) {
	srv, s := testServer(t)

	w := do(t, srv, http.MethodPost, "/api/v1/intent", `{"channel":"happy","intensity":0.8,"source":"manual"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	v, ok := s.Engine().Value(channel.Emotional, "happy")
	require.True(t, ok)
	assert.Equal(t, 0.8, v)

	// conversational loses to the manual owner
	w = do(t, srv, http.MethodPost, "/api/v1/intent", `{"channel":"happy","intensity":0.2,"source":"conversational"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	var er ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&er))
	assert.Equal(t, session.ReasonPriority, er.Reason)

	w = do(t, srv, http.MethodPost, "/api/v1/intent", `{"channel":"sad","intensity":1.5}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(t, srv, http.MethodPost, "/api/v1/intent", `{"channel":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSpeakingHandler(t *testing.T) {
	srv, s := testServer(t)

	assert.Equal(t, http.StatusAccepted, do(t, srv, http.MethodPost, "/api/v1/speaking", `{"state":"Start"}`).Code)
	assert.True(t, s.LipSync().IsSpeaking())
	assert.Equal(t, http.StatusAccepted, do(t, srv, http.MethodPost, "/api/v1/speaking", `{"state":"pause"}`).Code)
	assert.Equal(t, lipsync.Paused, s.LipSync().State())
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/api/v1/speaking", `{"state":"hum"}`).Code)
}

func TestGazeHandlers(t *testing.T) {
	srv, s := testServer(t)

	assert.Equal(t, http.StatusAccepted, do(t, srv, http.MethodPost, "/api/v1/gaze", `{"x":0.3,"y":0,"z":0}`).Code)
	_, ok := s.Attention().Target()
	assert.True(t, ok)

	assert.Equal(t, http.StatusNoContent, do(t, srv, http.MethodDelete, "/api/v1/gaze", "").Code)
	_, ok = s.Attention().Target()
	assert.False(t, ok)
}

func TestIdleHandlers(t *testing.T) {
	srv, s := testServer(t)

	w := do(t, srv, http.MethodPut, "/api/v1/idle", `{"enabled":false,"idleTimeout":"1m"}`)
	require.Equal(t, http.StatusOK, w.Code)
	cfg := s.Idle().Config()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, time.Minute, cfg.IdleTimeout)
	// untouched fields keep their values
	assert.Equal(t, 8*time.Second, cfg.ExpressionInterval)

	w = do(t, srv, http.MethodPut, "/api/v1/idle", `{"idleTimeout":-1}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, time.Minute, s.Idle().Config().IdleTimeout)

	w = do(t, srv, http.MethodPut, "/api/v1/idle", `{"idleTimeout":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv, http.MethodGet, "/api/v1/idle", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"idleTimeout":"1m0s"`)
	assert.Contains(t, w.Body.String(), `"lookAroundMin":"3s"`)
}

func TestIdleHandlers_MillisecondDurations(t *testing.T) {
	srv, s := testServer(t)

	w := do(t, srv, http.MethodPut, "/api/v1/idle", `{"idleTimeout":45000,"expressionInterval":1500,"lookAroundMax":"9s"}`)
	require.Equal(t, http.StatusOK, w.Code)
	cfg := s.Idle().Config()
	assert.Equal(t, 45*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.ExpressionInterval)
	assert.Equal(t, 9*time.Second, cfg.LookAroundMax)

	var got IdleConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, Duration(45*time.Second), got.IdleTimeout)
	assert.Equal(t, Duration(1500*time.Millisecond), got.ExpressionInterval)
}

func TestClassifyHandler(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, http.MethodGet, "/api/v1/classify/Blink_L", "")
	require.Equal(t, http.StatusOK, w.Code)
	var cr ClassifyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&cr))
	assert.Equal(t, "Blink_L", cr.Name)
	assert.Equal(t, channel.Eye.String(), cr.Category)
}

func TestStatusAndMetrics(t *testing.T) {
	srv, s := testServer(t)
	require.NoError(t, s.HandleExpression(intent.Expression{Channel: "happy", Intensity: 0.5, Source: "manual"}))

	w := do(t, srv, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st session.Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	assert.Equal(t, s.ID(), st.ID)
	assert.NotZero(t, st.Revision)

	w = do(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "intents_applied_total")
}
