package sink

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Message types on the renderer websocket.
const (
	MessageHello = "hello"
	MessageFrame = "frame"
)

const (
	sendBuffer   = 16
	writeTimeout = 5 * time.Second
)

// Message is the renderer wire format. Renderers send hello with the
// channels their model supports; the hub sends frame messages carrying the
// full value set of one composed revision.
type Message struct {
	Type     string             `json:"type"`
	Channels []string           `json:"channels,omitempty"`
	Revision uint64             `json:"revision,omitempty"`
	Values   map[string]float64 `json:"values,omitempty"`
}

// HubOptions configures a Hub.
type HubOptions struct {
	// Model, when set, answers HasChannel instead of the renderers' hellos.
	Model  ChannelSet
	Logger zerolog.Logger
	// Clients tracks connected renderers.
	Clients prometheus.Gauge
}

// Hub is a sink that streams composed frames to websocket renderers. Writes
// are buffered until Flush and then broadcast as one frame.
type Hub struct {
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	model    ChannelSet
	gauge    prometheus.Gauge

	mu       sync.RWMutex
	clients  map[*client]struct{}
	pending  map[string]float64
	last     map[string]float64
	revision uint64
}

type client struct {
	conn     *websocket.Conn
	send     chan []byte
	channels ChannelSet
	done     chan struct{}
	once     sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func NewHub(opts HubOptions) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  opts.Logger.With().Str("component", "renderer-hub").Logger(),
		model:   opts.Model,
		gauge:   opts.Clients,
		clients: make(map[*client]struct{}),
		pending: make(map[string]float64),
		last:    make(map[string]float64),
	}
}

// HasChannel reports whether the model, or any connected renderer, supports
// name.
func (h *Hub) HasChannel(name string) bool {
	if h.model != nil {
		return h.model.Has(name)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.channels.Has(name) {
			return true
		}
	}
	return false
}

func (h *Hub) SetChannelValue(name string, intensity float64) error {
	h.mu.Lock()
	h.pending[name] = intensity
	h.mu.Unlock()
	return nil
}

// Flush broadcasts the buffered writes as one frame. Channels present in the
// previous frame but absent now are sent as zero.
func (h *Hub) Flush(revision uint64) error {
	h.mu.Lock()
	values := make(map[string]float64, len(h.pending)+len(h.last))
	for name := range h.last {
		values[name] = 0
	}
	last := make(map[string]float64, len(h.pending))
	for name, v := range h.pending {
		values[name] = v
		if v != 0 {
			last[name] = v
		}
	}
	h.last = last
	h.pending = make(map[string]float64)
	h.revision = revision
	clients := h.snapshotLocked()
	h.mu.Unlock()

	data, err := json.Marshal(Message{Type: MessageFrame, Revision: revision, Values: values})
	if err != nil {
		return err
	}
	for _, c := range clients {
		h.deliver(c, data)
	}
	return nil
}

// Clients returns the number of connected renderers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every renderer.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.snapshotLocked()
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		channels: NewChannelSet(),
		done:     make(chan struct{}),
	}
	h.register(c)
	defer h.unregister(c)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	if h.gauge != nil {
		h.gauge.Set(float64(n))
	}
	h.logger.Info().Str("remote", c.conn.RemoteAddr().String()).Int("clients", n).Msg("Renderer connected")
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.close()
	if h.gauge != nil {
		h.gauge.Set(float64(n))
	}
	h.logger.Info().Int("clients", n).Msg("Renderer disconnected")
}

func (h *Hub) readPump(c *client) {
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn().Err(err).Msg("Renderer read error")
			}
			return
		}

		switch msg.Type {
		case MessageHello:
			h.mu.Lock()
			c.channels = NewChannelSet(msg.Channels...)
			current := Message{Type: MessageFrame, Revision: h.revision, Values: cloneValues(h.last)}
			h.mu.Unlock()
			h.logger.Debug().Int("channels", len(msg.Channels)).Msg("Renderer hello")

			if len(current.Values) > 0 {
				if data, err := json.Marshal(current); err == nil {
					h.deliver(c, data)
				}
			}
		default:
			h.logger.Debug().Str("type", msg.Type).Msg("Unknown renderer message type")
		}
	}
}

func (h *Hub) writePump(c *client) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Warn().Err(err).Msg("Renderer write failed")
				c.close()
				return
			}
		}
	}
}

// deliver never blocks; a renderer that falls behind loses frames.
func (h *Hub) deliver(c *client, data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		h.logger.Debug().Msg("Renderer send buffer full, dropping frame")
	}
}

func (h *Hub) snapshotLocked() []*client {
	out := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func cloneValues(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
