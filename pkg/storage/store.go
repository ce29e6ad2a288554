package storage

import (
	"github.com/cuemby/integrity/pkg/types"
)

// StateUpdateFunc mutates a state record inside a write transaction. exists is
// false when the record is being created; rec is then zero apart from its
// resource name. Returning an error rolls the transaction back.
type StateUpdateFunc func(rec *types.StateRecord, exists bool) error

// ProgressUpdateFunc mutates a forward-progress record inside a write
// transaction, with the same contract as StateUpdateFunc
type ProgressUpdateFunc func(fp *types.ForwardProgress, exists bool) error

// Store defines the record store shared by every node of the cluster.
// Each Update call is a single read-modify-write transaction on one record.
type Store interface {
	// Composite states
	GetState(resource string) (*types.StateRecord, error)
	UpdateState(resource string, fn StateUpdateFunc) (*types.StateRecord, error)
	ListStates() ([]*types.StateRecord, error)
	DeleteState(resource string) error

	// Forward progress
	GetForwardProgress(resource string) (*types.ForwardProgress, error)
	UpdateForwardProgress(resource string, fn ProgressUpdateFunc) (*types.ForwardProgress, error)
	ListForwardProgress() ([]*types.ForwardProgress, error)
	DeleteForwardProgress(resource string) error

	// Resource registrations
	RegisterResource(res *types.Resource) error
	GetResource(name string) (*types.Resource, error)
	ListResources() ([]*types.Resource, error)
	DeleteResource(name string) error

	// Utility
	Ping() error
	Close() error
}
