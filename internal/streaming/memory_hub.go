package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rendis/procgraph/internal/engine"
)

// subscriptionBuffer is how many events a subscriber may fall behind before
// the hub starts dropping events for it.
const subscriptionBuffer = 64

type subscription struct {
	ch      chan StreamEvent
	filter  EventFilter
	dropped atomic.Uint64
}

// HubStats reports the live subscriptions of a MemoryHub and the events it
// dropped for slow subscribers.
type HubStats struct {
	Subscribers int    `json:"subscribers"`
	Dropped     uint64 `json:"dropped"`
}

// MemoryHub fans batches out to in-process subscribers. Subscriptions are
// indexed by instance id; the empty id holds those that follow every
// instance. Delivery never blocks the publisher.
type MemoryHub struct {
	mu         sync.RWMutex
	byInstance map[string]map[*subscription]struct{}
	dropped    atomic.Uint64 // by cancelled subscriptions
}

// NewMemoryHub returns a MemoryHub with no subscribers.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{byInstance: make(map[string]map[*subscription]struct{})}
}

// Publish delivers event to every subscription whose filter admits it. A
// subscription with a full buffer misses the event.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.deliver(h.byInstance[event.InstanceID], event)
	if event.InstanceID != "" {
		h.deliver(h.byInstance[""], event)
	}
	return nil
}

func (h *MemoryHub) deliver(subs map[*subscription]struct{}, event StreamEvent) {
	for sub := range subs {
		ev, ok := sub.filter.apply(event)
		if !ok {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscription for filter. The returned cancel
// function unregisters it and closes the channel; calling it twice is safe.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	filter.EventTypes = slices.Clone(filter.EventTypes)
	filter.Nodes = slices.Clone(filter.Nodes)
	sub := &subscription{ch: make(chan StreamEvent, subscriptionBuffer), filter: filter}

	h.mu.Lock()
	subs := h.byInstance[filter.InstanceID]
	if subs == nil {
		subs = make(map[*subscription]struct{})
		h.byInstance[filter.InstanceID] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() { once.Do(func() { h.unsubscribe(sub) }) }, nil
}

func (h *MemoryHub) unsubscribe(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := sub.filter.InstanceID
	delete(h.byInstance[id], sub)
	if len(h.byInstance[id]) == 0 {
		delete(h.byInstance, id)
	}
	h.dropped.Add(sub.dropped.Load())
	close(sub.ch)
}

// Stats returns the current subscription count and the total number of
// events dropped so far.
func (h *MemoryHub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := HubStats{Dropped: h.dropped.Load()}
	for _, subs := range h.byInstance {
		st.Subscribers += len(subs)
		for sub := range subs {
			st.Dropped += sub.dropped.Load()
		}
	}
	return st
}

// apply reports whether f admits e and returns e with its deltas trimmed to
// the filtered nodes.
func (f EventFilter) apply(e StreamEvent) (StreamEvent, bool) {
	if f.InstanceID != "" && f.InstanceID != e.InstanceID {
		return e, false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.Event.Type) {
		return e, false
	}
	if len(f.Nodes) == 0 {
		return e, true
	}
	var deltas []engine.Delta
	for _, d := range e.Deltas {
		if slices.Contains(f.Nodes, d.Key.Node) {
			deltas = append(deltas, d)
		}
	}
	if len(deltas) == 0 && !slices.Contains(f.Nodes, e.Event.Key.Node) {
		return e, false
	}
	e.Deltas = deltas
	return e, true
}

// Sink returns an engine.DeltaSink that hands every batch to next and
// publishes it once next accepted it. A nil next publishes directly.
// Publishing never fails the event.
func (h *MemoryHub) Sink(next engine.DeltaSink) engine.DeltaSink {
	return &hubSink{hub: h, next: next}
}

type hubSink struct {
	hub  *MemoryHub
	next engine.DeltaSink
}

func (s *hubSink) Apply(ctx context.Context, instanceID string, batch engine.Batch) error {
	if s.next != nil {
		if err := s.next.Apply(ctx, instanceID, batch); err != nil {
			return err
		}
	}
	_ = s.hub.Publish(ctx, StreamEvent{
		InstanceID: instanceID,
		Event:      batch.Event,
		Deltas:     slices.Clone(batch.Deltas),
		Status:     batch.Status,
	})
	return nil
}
