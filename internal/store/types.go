package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/procgraph/internal/definition"
	"github.com/rendis/procgraph/internal/engine"
	"github.com/rendis/procgraph/internal/model"
	"github.com/rendis/procgraph/pkg/schema"
)

// ModelRecord is a persisted root model. Handle is assigned by the store.
type ModelRecord struct {
	Handle     int64                    `json:"handle"`
	UUID       string                   `json:"uuid"`
	Name       string                   `json:"name"`
	Owner      string                   `json:"owner,omitempty"`
	Definition schema.ProcessDefinition `json:"definition"`
	CreatedAt  time.Time                `json:"created_at"`
}

// NewModelRecord renders m for storage.
func NewModelRecord(m *model.RootModel) *ModelRecord {
	return &ModelRecord{
		UUID:       m.UUID().String(),
		Name:       m.Name(),
		Owner:      m.Owner(),
		Definition: *definition.FromModel(m),
	}
}

// Build materializes the stored definition. The model carries the record's
// handle.
func (r *ModelRecord) Build(opts model.BuildOptions) (*model.RootModel, error) {
	b, err := definition.ToBuilder(&r.Definition)
	if err != nil {
		return nil, err
	}
	return b.WithHandle(r.Handle).BuildWith(opts)
}

// InstanceRecord is the persisted header of a process instance. Data is the
// initial instance data; together with the event log it is enough to
// restore the instance.
type InstanceRecord struct {
	ID          string                `json:"id"`
	ModelHandle int64                 `json:"model_handle"`
	Status      schema.InstanceStatus `json:"status"`
	Data        map[string]any        `json:"data,omitempty"`
	Sequence    int64                 `json:"sequence"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// EventRecord is an immutable entry of an instance's event log.
type EventRecord struct {
	InstanceID string          `json:"instance_id"`
	Sequence   int64           `json:"sequence"`
	Type       string          `json:"event_type"`
	NodeKey    string          `json:"node_key,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Event decodes the engine event stored in the payload.
func (r *EventRecord) Event() (engine.Event, error) {
	var ev engine.Event
	if err := json.Unmarshal(r.Payload, &ev); err != nil {
		return ev, schema.NewErrorf(schema.ErrCodeStore, "event %d of instance %s is corrupt", r.Sequence, r.InstanceID).WithCause(err)
	}
	return ev, nil
}

// NodeStateRecord is the materialized latest state of one node instance.
type NodeStateRecord struct {
	InstanceID string           `json:"instance_id"`
	Node       model.NodeID     `json:"node_id"`
	Index      int              `json:"index"`
	State      schema.NodeState `json:"state"`
	Tag        engine.Tag       `json:"tag,omitempty"`
	Scope      string           `json:"scope,omitempty"`
	Sequence   int64            `json:"sequence"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Key returns the node instance key of the record.
func (r *NodeStateRecord) Key() engine.NodeInstanceKey {
	return engine.Key(r.Node, r.Index)
}

// InstanceFilter specifies criteria for listing instances.
type InstanceFilter struct {
	Status      *schema.InstanceStatus `json:"status,omitempty"`
	ModelHandle int64                  `json:"model_handle,omitempty"`
	Limit       int                    `json:"limit,omitempty"`
	Offset      int                    `json:"offset,omitempty"`
}
