// Package telemetry collects periodic stream-counter snapshots and
// fans them out to subscribers.
package telemetry

import (
	"sync"
	"time"
)

// Sample is one counter snapshot for a card.
type Sample struct {
	Timestamp   time.Time `json:"timestamp"`
	Serial      string    `json:"serial"`
	RxDelivered uint64    `json:"rxDelivered"`
	RxOverruns  uint64    `json:"rxOverruns"`
	TxSent      uint64    `json:"txSent"`
	TxLate      uint64    `json:"txLate"`
	TxUnderruns uint64    `json:"txUnderruns"`
}

// Reporter consumes counter snapshots.
type Reporter interface {
	Publish(Sample)
}

// Hub keeps a bounded history of samples and forwards each new sample
// to every live subscriber. Slow subscribers miss samples rather than
// stall the publisher.
type Hub struct {
	mu           sync.RWMutex
	history      []Sample
	historyLimit int
	subscribers  map[chan Sample]struct{}
}

const defaultHistoryLimit = 500

// NewHub builds a hub keeping at most historyLimit samples.
func NewHub(historyLimit int) *Hub {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Hub{
		historyLimit: historyLimit,
		subscribers:  make(map[chan Sample]struct{}),
	}
}

// Publish implements Reporter and records a new sample.
func (h *Hub) Publish(sample Sample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}

	h.mu.Lock()
	h.history = append(h.history, sample)
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
	for ch := range h.subscribers {
		select {
		case ch <- sample:
		default:
		}
	}
	h.mu.Unlock()
}

// History returns a copy of the stored samples, oldest first.
func (h *Hub) History() []Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Sample, len(h.history))
	copy(out, h.history)
	return out
}

// Subscribe registers a listener for live samples. The returned cancel
// removes the listener and closes its channel.
func (h *Hub) Subscribe() (chan Sample, func()) {
	ch := make(chan Sample, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		close(ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// MultiReporter fans out samples to multiple destinations.
type MultiReporter []Reporter

// Publish forwards the sample to each configured reporter.
func (m MultiReporter) Publish(sample Sample) {
	for _, r := range m {
		if r != nil {
			r.Publish(sample)
		}
	}
}
