// Package broadcast fans typed events out to live subscribers.
//
// Delivery is best-effort: a subscriber whose Send fails is closed and
// pruned, and nothing is retried or buffered for it.
package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/recoverylab/validator/internal/metrics"
	"github.com/recoverylab/validator/internal/model"
)

// Subscriber receives encoded events. Send must not block indefinitely.
type Subscriber interface {
	Send(payload []byte) error
	Close() error
}

type Hub struct {
	mu      sync.Mutex
	subs    map[string]Subscriber
	nextID  int
	metrics *metrics.Metrics
}

func NewHub(m *metrics.Metrics) *Hub {
	if m == nil {
		m = metrics.Discard()
	}
	return &Hub{
		subs:    make(map[string]Subscriber),
		metrics: m,
	}
}

// Add registers a subscriber and returns the id used to remove it.
func (h *Hub) Add(s Subscriber) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := strconv.Itoa(h.nextID)
	h.subs[id] = s
	h.metrics.Subscribers.Set(float64(len(h.subs)))
	slog.Info("Subscriber connected", "id", id, "total", len(h.subs))
	return id
}

// AddWithSnapshot sends ev to s alone and then registers s, all under the
// hub lock, so no broadcast can fall between the snapshot and the stream. If
// the snapshot cannot be delivered s is not registered.
func (h *Hub) AddWithSnapshot(s Subscriber, ev model.Event) (string, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := s.Send(payload); err != nil {
		return "", fmt.Errorf("failed to send snapshot: %w", err)
	}

	h.nextID++
	id := strconv.Itoa(h.nextID)
	h.subs[id] = s
	h.metrics.Subscribers.Set(float64(len(h.subs)))
	slog.Info("Subscriber connected", "id", id, "total", len(h.subs))
	return id, nil
}

func (h *Hub) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[id]; !ok {
		return
	}
	delete(h.subs, id)
	h.metrics.Subscribers.Set(float64(len(h.subs)))
	slog.Info("Subscriber disconnected", "id", id, "total", len(h.subs))
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Broadcast encodes the event once and sends it to every subscriber.
// The hub lock is held for the whole fan-out so concurrent callers never
// interleave their events at a subscriber.
func (h *Hub) Broadcast(ev model.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Failed to encode event", "type", ev.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.subs) == 0 {
		return
	}

	var dead []string
	for id, s := range h.subs {
		if err := s.Send(payload); err != nil {
			slog.Warn("Failed to send to subscriber", "id", id, "type", ev.Type, "error", err)
			dead = append(dead, id)
		}
	}

	for _, id := range dead {
		_ = h.subs[id].Close()
		delete(h.subs, id)
		h.metrics.SubscribersPruned.Inc()
	}
	if len(dead) > 0 {
		h.metrics.Subscribers.Set(float64(len(h.subs)))
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, s := range h.subs {
		_ = s.Close()
		delete(h.subs, id)
	}
	h.metrics.Subscribers.Set(0)
}
