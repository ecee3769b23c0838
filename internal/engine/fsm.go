package engine

import (
	"slices"

	"github.com/rendis/procgraph/pkg/schema"
)

// ValidInstanceTransitions defines the allowed status transitions of a process instance.
var ValidInstanceTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	schema.InstanceStatusPending:   {schema.InstanceStatusActive, schema.InstanceStatusCancelled},
	schema.InstanceStatusActive:    {schema.InstanceStatusCompleted, schema.InstanceStatusFailed, schema.InstanceStatusCancelled},
	schema.InstanceStatusCompleted: {},
	schema.InstanceStatusFailed:    {},
	schema.InstanceStatusCancelled: {},
}

// ValidNodeTransitions defines the allowed state transitions of a node
// instance. A terminal node instance may start over when a later token
// reuses its index (cycles, repeated composite activations).
var ValidNodeTransitions = map[schema.NodeState][]schema.NodeState{
	schema.NodeStatePending:   {schema.NodeStateActive, schema.NodeStateSkipped, schema.NodeStateFailed},
	schema.NodeStateActive:    {schema.NodeStateCompleted, schema.NodeStateSkipped, schema.NodeStateCancelled},
	schema.NodeStateCompleted: {schema.NodeStateActive, schema.NodeStateSkipped, schema.NodeStateFailed},
	schema.NodeStateSkipped:   {schema.NodeStateActive, schema.NodeStateSkipped, schema.NodeStateFailed},
	schema.NodeStateFailed:    {schema.NodeStateActive, schema.NodeStateSkipped, schema.NodeStateFailed},
	schema.NodeStateCancelled: {schema.NodeStateActive, schema.NodeStateSkipped, schema.NodeStateFailed},
}

func checkInstanceTransition(id string, from, to schema.InstanceStatus) error {
	if slices.Contains(ValidInstanceTransitions[from], to) {
		return nil
	}
	if from.Terminal() {
		return schema.NewErrorf(schema.ErrCodeInstanceClosed, "instance is %s", from).
			WithDetails(map[string]any{"instance_id": id, "from": string(from), "to": string(to)})
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid instance transition: %s -> %s", from, to).
		WithDetails(map[string]any{"instance_id": id, "from": string(from), "to": string(to)})
}

func checkNodeTransition(key NodeInstanceKey, from, to schema.NodeState) error {
	if slices.Contains(ValidNodeTransitions[from], to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInternal, "invalid node transition %s: %s -> %s", key, from, to).
		WithNode(string(key.Node)).
		WithDetails(map[string]any{"key": key.String(), "from": string(from), "to": string(to)})
}
