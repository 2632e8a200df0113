// Package sink holds avatar sinks: an in-memory recorder, glTF model
// capability sets and a websocket hub that streams frames to renderers.
package sink

import (
	"sync"
)

// Write is one recorded SetChannelValue call.
type Write struct {
	Channel   string
	Intensity float64
}

// Recorder is an in-memory sink. With a nil supported set it accepts every
// channel.
type Recorder struct {
	mu        sync.Mutex
	supported ChannelSet
	values    map[string]float64
	writes    []Write
	flushes   int
	revision  uint64
	failWith  map[string]error
}

func NewRecorder(supported ChannelSet) *Recorder {
	return &Recorder{
		supported: supported,
		values:    make(map[string]float64),
		failWith:  make(map[string]error),
	}
}

func (r *Recorder) HasChannel(name string) bool {
	if r.supported == nil {
		return true
	}
	return r.supported.Has(name)
}

func (r *Recorder) SetChannelValue(name string, intensity float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.failWith[name]; ok {
		return err
	}
	r.values[name] = intensity
	r.writes = append(r.writes, Write{Channel: name, Intensity: intensity})
	return nil
}

// Flush counts frames.
func (r *Recorder) Flush(revision uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
	r.revision = revision
	return nil
}

// FailOn makes writes to name return err.
func (r *Recorder) FailOn(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWith[name] = err
}

// Value returns the last value written to name.
func (r *Recorder) Value(name string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[name]
	return v, ok
}

// Values returns a copy of the last value per channel.
func (r *Recorder) Values() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]float64, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// Writes returns every write in order.
func (r *Recorder) Writes() []Write {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Write(nil), r.writes...)
}

func (r *Recorder) Flushes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushes
}

// Revision returns the revision of the last flushed frame.
func (r *Recorder) Revision() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revision
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = make(map[string]float64)
	r.writes = nil
	r.flushes = 0
	r.revision = 0
}
