// Package intent receives expression intents from an upstream brain over
// server-sent events.
package intent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexexpression/internal/lipsync"
	"github.com/normanking/cortexexpression/internal/priority"
)

const (
	DefaultReconnectDelay    = time.Second
	DefaultMaxReconnectDelay = 30 * time.Second
)

// Speaking states carried by the speaking event.
const (
	SpeakingStart = "start"
	SpeakingPause = "pause"
	SpeakingStop  = "stop"
)

// Expression is a requested channel write.
type Expression struct {
	Channel   string  `json:"channel"`
	Intensity float64 `json:"intensity"`
	Source    string  `json:"source"`
}

// Emotion is a high-level emotion label from the brain.
type Emotion struct {
	Primary   string  `json:"primary"`
	Intensity float64 `json:"intensity"`
}

// Gaze is a viewer-space look-at point.
type Gaze struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// TimedPhoneme is one phoneme of a TTS alignment, in milliseconds.
type TimedPhoneme struct {
	Symbol  string `json:"symbol"`
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
}

// Phonemes carries a TTS alignment for timeline lip-sync.
type Phonemes struct {
	Phonemes []TimedPhoneme `json:"phonemes"`
	Weight   float64        `json:"weight"`
}

// Timeline converts the alignment to a lip-sync timeline.
func (p Phonemes) Timeline() lipsync.Timeline {
	in := make([]lipsync.Phoneme, 0, len(p.Phonemes))
	for _, tp := range p.Phonemes {
		in = append(in, lipsync.Phoneme{
			Symbol: tp.Symbol,
			Start:  time.Duration(tp.StartMs) * time.Millisecond,
			End:    time.Duration(tp.EndMs) * time.Millisecond,
		})
	}
	return lipsync.TimelineFromPhonemes(in, p.Weight)
}

// Handler consumes decoded events.
type Handler interface {
	HandleExpression(Expression) error
	HandleSpeaking(state string) error
	HandleGaze(Gaze) error
	HandleTimeline(lipsync.Timeline) error
}

// Options configures a Client.
type Options struct {
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	HTTPClient        *http.Client
	Logger            zerolog.Logger
	// OnConnect and OnDisconnect observe connection state changes.
	OnConnect    func()
	OnDisconnect func(error)
}

// Client follows an SSE stream and feeds a Handler, reconnecting with
// exponential backoff.
type Client struct {
	url      string
	handler  Handler
	client   *http.Client
	logger   zerolog.Logger
	minDelay time.Duration
	maxDelay time.Duration
	onUp     func()
	onDown   func(error)

	mu        sync.RWMutex
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewClient(url string, handler Handler, opts Options) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = DefaultMaxReconnectDelay
		if opts.MaxReconnectDelay < opts.ReconnectDelay {
			opts.MaxReconnectDelay = opts.ReconnectDelay
		}
	}
	if opts.HTTPClient == nil {
		// no timeout: the stream is long-lived
		opts.HTTPClient = &http.Client{}
	}
	return &Client{
		url:      url,
		handler:  handler,
		client:   opts.HTTPClient,
		logger:   opts.Logger.With().Str("component", "intent-source").Logger(),
		minDelay: opts.ReconnectDelay,
		maxDelay: opts.MaxReconnectDelay,
		onUp:     opts.OnConnect,
		onDown:   opts.OnDisconnect,
	}
}

// Connect starts following the stream in the background.
func (c *Client) Connect(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		cancel()
		return
	}
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.connectLoop(ctx)
	}()
}

// Disconnect stops the stream and waits for the loop to exit.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) setConnected(up bool) {
	c.mu.Lock()
	c.connected = up
	c.mu.Unlock()
}

func (c *Client) connectLoop(ctx context.Context) {
	backoff := c.minDelay
	failures := 0

	for {
		if ctx.Err() != nil {
			return
		}

		streamed, err := c.stream(ctx)
		wasUp := c.IsConnected()
		c.setConnected(false)
		if wasUp && c.onDown != nil {
			c.onDown(err)
		}
		if ctx.Err() != nil {
			return
		}

		if streamed {
			backoff = c.minDelay
			failures = 0
		} else {
			failures++
		}
		if failures == 3 {
			c.logger.Warn().Err(err).Int("failures", failures).Msg("Intent stream not available, will keep retrying")
		} else if failures > 3 {
			c.logger.Debug().Int("failures", failures).Msg("Intent stream still unavailable")
		} else {
			c.logger.Warn().Err(err).Dur("backoff", backoff).Msg("Intent stream lost, reconnecting")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if !streamed {
			backoff *= 2
			if backoff > c.maxDelay {
				backoff = c.maxDelay
			}
		}
	}
}

// stream reads one connection until it ends. streamed reports whether the
// connection was established.
func (c *Client) stream(ctx context.Context) (streamed bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		return false, fmt.Errorf("unexpected content-type: %s (expected text/event-stream)", ct)
	}

	c.setConnected(true)
	c.logger.Info().Str("url", c.url).Msg("Connected to intent stream")
	if c.onUp != nil {
		c.onUp()
	}

	scanner := bufio.NewScanner(resp.Body)
	var eventType string
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case line == "" && len(dataLines) > 0:
			if err := c.Dispatch(eventType, []byte(strings.Join(dataLines, "\n"))); err != nil {
				c.logger.Warn().Err(err).Str("event", eventType).Msg("Intent event rejected")
			}
			eventType = ""
			dataLines = nil
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return true, err
	}
	return true, errors.New("stream closed")
}

// ErrUnknownEvent is returned by Dispatch for unrecognized event types.
var ErrUnknownEvent = errors.New("unknown event type")

// Dispatch decodes one event and hands it to the handler.
func (c *Client) Dispatch(eventType string, data []byte) error {
	switch eventType {
	case "expression", "message", "":
		var e Expression
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("parse expression event: %w", err)
		}
		return c.handler.HandleExpression(e)

	case "emotion":
		var e Emotion
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("parse emotion event: %w", err)
		}
		return c.handler.HandleExpression(e.Expression())

	case "speaking":
		var s struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("parse speaking event: %w", err)
		}
		return c.handler.HandleSpeaking(strings.ToLower(s.State))

	case "gaze":
		var g Gaze
		if err := json.Unmarshal(data, &g); err != nil {
			return fmt.Errorf("parse gaze event: %w", err)
		}
		return c.handler.HandleGaze(g)

	case "phonemes":
		var p Phonemes
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("parse phonemes event: %w", err)
		}
		return c.handler.HandleTimeline(p.Timeline())
	}
	return fmt.Errorf("%w: %s", ErrUnknownEvent, eventType)
}

// Expression maps the emotion to an emotional channel written by the
// conversational source. A missing intensity reads as full.
func (e Emotion) Expression() Expression {
	intensity := e.Intensity
	if intensity == 0 {
		intensity = 1
	}
	return Expression{
		Channel:   MapEmotion(e.Primary),
		Intensity: intensity,
		Source:    string(priority.SourceConversational),
	}
}

// MapEmotion maps a brain emotion label to an emotional channel name.
func MapEmotion(primary string) string {
	switch strings.ToLower(strings.TrimSpace(primary)) {
	case "joy", "happy", "happiness":
		return "happy"
	case "sadness", "sad", "sorrow":
		return "sad"
	case "anger", "angry":
		return "angry"
	case "surprise", "surprised":
		return "surprised"
	case "confusion", "confused":
		return "confused"
	case "excitement", "excited":
		return "excited"
	case "thinking":
		return "thinking"
	case "concern", "concerned", "fear":
		return "concerned"
	case "calm", "relaxed":
		return "relaxed"
	}
	return "neutral"
}
