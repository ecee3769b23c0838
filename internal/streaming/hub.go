// Package streaming fans engine events out to live subscribers.
package streaming

import (
	"context"

	"github.com/rendis/procgraph/internal/engine"
	"github.com/rendis/procgraph/internal/model"
	"github.com/rendis/procgraph/pkg/schema"
)

// StreamEvent is one applied engine event with the node-instance changes it
// caused.
type StreamEvent struct {
	InstanceID string                `json:"instance_id"`
	Event      engine.Event          `json:"event"`
	Deltas     []engine.Delta        `json:"deltas,omitempty"`
	Status     schema.InstanceStatus `json:"status"`
}

// EventFilter specifies which events a subscriber wants to receive. With
// Nodes set, a subscriber only sees events that target or change one of those
// nodes, and their deltas are trimmed to them.
type EventFilter struct {
	InstanceID string         `json:"instance_id,omitempty"`
	EventTypes []string       `json:"event_types,omitempty"`
	Nodes      []model.NodeID `json:"nodes,omitempty"`
}

// EventHub provides pub/sub for live instance events. The cancel function
// returned by Subscribe closes the channel.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
