package store

import (
	"context"

	"github.com/rendis/procgraph/internal/engine"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Models
	CreateModel(ctx context.Context, rec *ModelRecord) error
	GetModel(ctx context.Context, handle int64) (*ModelRecord, error)
	GetModelByUUID(ctx context.Context, id string) (*ModelRecord, error)
	ListModels(ctx context.Context) ([]*ModelRecord, error)

	// Instances
	CreateInstance(ctx context.Context, rec *InstanceRecord) error
	GetInstance(ctx context.Context, id string) (*InstanceRecord, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*InstanceRecord, error)
	DeleteInstance(ctx context.Context, id string) error

	// Event log and node-instance deltas. Apply is the engine's DeltaSink and
	// applies each (instance, sequence) at most once.
	engine.DeltaSink
	GetEvents(ctx context.Context, instanceID string, since int64) ([]*EventRecord, error)
	ListNodeStates(ctx context.Context, instanceID string) ([]*NodeStateRecord, error)
	CompletedKeys(ctx context.Context, instanceID string) ([]engine.NodeInstanceKey, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
