package engine

import (
	"context"
	"time"

	"github.com/rendis/procgraph/internal/model"
	"github.com/rendis/procgraph/pkg/schema"
)

// ConditionEvaluator decides activity conditions and split branch conditions.
// The engine never interprets a condition itself.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, c model.Condition, data map[string]any) (bool, error)
}

// ConditionFunc adapts a function to ConditionEvaluator.
type ConditionFunc func(ctx context.Context, c model.Condition, data map[string]any) (bool, error)

func (f ConditionFunc) Evaluate(ctx context.Context, c model.Condition, data map[string]any) (bool, error) {
	return f(ctx, c, data)
}

// DeltaSink receives every accepted event together with the node-instance
// deltas it produced, before the instance commits them. Returning an error
// rejects the event.
type DeltaSink interface {
	Apply(ctx context.Context, instanceID string, batch Batch) error
}

// Completion reports that an active node instance finished.
type Completion struct {
	Key NodeInstanceKey `json:"key"`
	// Seq, when positive, makes the completion idempotent: a second
	// completion with the same key and Seq is acknowledged as a duplicate.
	Seq    int64          `json:"seq,omitempty"`
	Output map[string]any `json:"output,omitempty"`
	// Choose selects the successors a split activates. Nil applies the
	// declaration-order policy.
	Choose []model.NodeID `json:"choose,omitempty"`
}

// Event is one accepted input of an instance. The ordered event log is
// enough to rebuild the instance with Engine.Restore.
type Event struct {
	Sequence   int64           `json:"sequence"`
	Type       string          `json:"type"`
	Key        NodeInstanceKey `json:"key,omitzero"`
	Completion *Completion     `json:"completion,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	At         time.Time       `json:"at"`
}

// Delta is a single node-instance state change.
type Delta struct {
	Seq   int64            `json:"seq"`
	Key   NodeInstanceKey  `json:"key"`
	State schema.NodeState `json:"state"`
	Tag   Tag              `json:"tag,omitempty"`
	Scope NodeInstanceKey  `json:"scope,omitzero"`
}

// Batch is what a DeltaSink receives for one event.
type Batch struct {
	Event  Event                 `json:"event"`
	Deltas []Delta               `json:"deltas"`
	Status schema.InstanceStatus `json:"status"`
}

// Failure is a node that could not be activated because its condition failed.
type Failure struct {
	Key NodeInstanceKey
	Err error
}

// Diagnostic codes.
const (
	DiagOverflow = "OVERFLOW"
)

// Diagnostic reports a tolerated anomaly, such as a join arrival beyond max.
type Diagnostic struct {
	Code    string
	Node    model.NodeID
	From    model.NodeID
	Message string
}

// Result describes the effects of one accepted event.
type Result struct {
	Duplicate   bool
	Activated   []NodeInstanceKey
	Completed   []NodeInstanceKey
	Skipped     []NodeInstanceKey
	Cancelled   []NodeInstanceKey
	Failures    []Failure
	Diagnostics []Diagnostic
	Deltas      []Delta
	Status      schema.InstanceStatus
}
