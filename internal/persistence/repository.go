// Package persistence defines the repository contracts the orchestrator
// consumes. Implementations provide atomic units of work with entity level
// locking; see the memory subpackage.
package persistence

import (
	"context"
	"errors"

	"github.com/signalsfoundry/flow-orchestrator/model"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("persistence: not found")
	// ErrAlreadyExists is returned by Create when the key is taken.
	ErrAlreadyExists = errors.New("persistence: already exists")
	// ErrNoTransaction is returned by operations that are only valid inside
	// DoInTransaction.
	ErrNoTransaction = errors.New("persistence: no active transaction")
	// ErrTransactionClosed is returned when a unit of work is used after it
	// committed or rolled back.
	ErrTransactionClosed = errors.New("persistence: transaction closed")
)

// FlowRepository stores flows.
type FlowRepository interface {
	FindByID(ctx context.Context, flowID string) (*model.Flow, error)
	Exists(ctx context.Context, flowID string) (bool, error)
	FindAll(ctx context.Context) ([]*model.Flow, error)
	CreateOrUpdate(ctx context.Context, flow *model.Flow) error
	UpdateStatus(ctx context.Context, flowID string, status model.FlowStatus) error
	Delete(ctx context.Context, flowID string) error
}

// FlowPathRepository stores flow paths and answers bandwidth queries over
// their segments.
type FlowPathRepository interface {
	FindByID(ctx context.Context, pathID model.PathID) (*model.FlowPath, error)
	FindByFlowID(ctx context.Context, flowID string) ([]*model.FlowPath, error)
	CreateOrUpdate(ctx context.Context, path *model.FlowPath) error
	UpdateStatus(ctx context.Context, pathID model.PathID, status model.FlowPathStatus) error
	Delete(ctx context.Context, pathID model.PathID) error
	// UsedBandwidthBetweenEndpoints sums the bandwidth of every stored path
	// with a segment on the given directed link, skipping paths that ignore
	// bandwidth.
	UsedBandwidthBetweenEndpoints(ctx context.Context, link model.IslEndpoints) (int64, error)
}

// SwitchRepository stores switches and provides switch locks.
type SwitchRepository interface {
	FindByID(ctx context.Context, id model.SwitchID) (*model.Switch, error)
	Exists(ctx context.Context, id model.SwitchID) (bool, error)
	FindAll(ctx context.Context) ([]*model.Switch, error)
	CreateOrUpdate(ctx context.Context, sw *model.Switch) error
	// Lock acquires exclusive locks on the given switches for the rest of
	// the enclosing transaction. Locks are taken in ascending switch id
	// order; switches already held by the transaction are skipped.
	Lock(ctx context.Context, ids ...model.SwitchID) error
}

// IslRepository stores inter-switch links.
type IslRepository interface {
	FindByEndpoints(ctx context.Context, link model.IslEndpoints) (*model.Isl, error)
	FindAll(ctx context.Context) ([]*model.Isl, error)
	CreateOrUpdate(ctx context.Context, isl *model.Isl) error
}

// Repositories groups the repositories of one store or one transaction.
type Repositories interface {
	Flows() FlowRepository
	FlowPaths() FlowPathRepository
	Switches() SwitchRepository
	Isls() IslRepository
}

// TransactionManager runs units of work atomically. If fn returns an error
// or panics every write it made is rolled back; locks are released when fn
// returns either way.
type TransactionManager interface {
	DoInTransaction(ctx context.Context, fn func(ctx context.Context, tx Repositories) error) error
}

// Store is a complete persistence backend. Writes through the top level
// repositories auto-commit.
type Store interface {
	Repositories
	TransactionManager
}
