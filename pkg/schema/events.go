package schema

// Event type constants for the instance event log.
const (
	EventInstanceStarted = "instance_started"
	EventNodeCompleted   = "node_completed"
	EventNodeCancelled   = "node_cancelled"
	EventInstanceCancel  = "instance_cancelled"
)

// InstanceStatus represents the lifecycle state of a process instance.
type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "pending"
	InstanceStatusActive    InstanceStatus = "active"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusFailed    InstanceStatus = "failed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether no further events are accepted in this status.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusFailed || s == InstanceStatusCancelled
}

// NodeState represents the lifecycle state of a node instance.
type NodeState string

const (
	NodeStatePending   NodeState = "pending"
	NodeStateActive    NodeState = "active"
	NodeStateCompleted NodeState = "completed"
	NodeStateSkipped   NodeState = "skipped"
	NodeStateFailed    NodeState = "failed"
	NodeStateCancelled NodeState = "cancelled"
)

// Terminal reports whether the node instance can no longer change state
// (until a later activation reuses its index).
func (s NodeState) Terminal() bool {
	return s != NodeStatePending && s != NodeStateActive
}
