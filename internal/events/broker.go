// Package events fans plan lifecycle events out to SSE and WebSocket
// subscribers.
package events

import (
	"sync"
	"time"
)

// Event types published for a plan.
const (
	PlanCreated        = "plan.created"
	PlanOptimizing     = "plan.optimizing"
	PlanOptimized      = "plan.optimized"
	PlanOptimizeFailed = "plan.optimize_failed"
	PlanApproved       = "plan.approved"
	PlanStarted        = "plan.started"
	PlanCompleted      = "plan.completed"
	StopUpdated        = "stop.updated"
)

type Event struct {
	Type   string         `json:"type"`
	PlanID string         `json:"planId"`
	At     time.Time      `json:"at"`
	Data   map[string]any `json:"data,omitempty"`
}

type Broker interface {
	Subscribe(planID string) chan Event
	Unsubscribe(planID string, ch chan Event)
	Publish(planID string, evt Event)
}

// Memory delivers events within one process. Slow subscribers drop events
// rather than block publishers.
type Memory struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{} // planID -> set of channels
}

func NewMemory() *Memory {
	return &Memory{subs: map[string]map[chan Event]struct{}{}}
}

func (b *Memory) Subscribe(planID string) chan Event {
	ch := make(chan Event, 8)
	b.mu.Lock()
	if b.subs[planID] == nil {
		b.subs[planID] = map[chan Event]struct{}{}
	}
	b.subs[planID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Memory) Unsubscribe(planID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[planID]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, planID)
	}
	close(ch)
}

func (b *Memory) Publish(planID string, evt Event) {
	if evt.PlanID == "" {
		evt.PlanID = planID
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[planID] {
		select {
		case ch <- evt:
		default:
		}
	}
}
