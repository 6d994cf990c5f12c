// Package storage defines the transactional store adapter the engine
// is built against (§6 "Store adapter"): two independent backends
// (postgres.go, memory.go) satisfy the same interface and the
// single-row-linearisability contract of §5/§9.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-net/frameengine/internal/models"
	"github.com/lorawan-net/frameengine/pkg/lorawan"
)

var (
	ErrNotFound     = errors.New("storage: not found")
	ErrDuplicateKey = errors.New("storage: duplicate key")
	ErrInvalidData  = errors.New("storage: invalid data")
)

// LockMode selects whether Store.GetNode/GetMulticastChannel take a
// read or write row lock for the duration of the enclosing transaction
// (§5: "reads the affected row with a write lock").
type LockMode int

const (
	LockRead LockMode = iota
	LockWrite
)

// Store is the engine's only interface into persistence. Every
// mutating method call is expected to run inside a transaction opened
// with BeginTx; the Store returned by BeginTx is itself a valid Store
// scoped to that transaction (§5, §6).
//
// §6's `family`/`key` generic read/write is re-expressed here as
// typed, per-family methods — idiomatic Go in place of the source's
// dynamic variant records, while preserving the same five record
// families and their locking/transaction semantics (DESIGN.md).
type Store interface {
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	GetDevice(ctx context.Context, devEUI lorawan.EUI64) (*models.Device, error)
	PutDevice(ctx context.Context, device *models.Device) error
	DeleteDevice(ctx context.Context, devEUI lorawan.EUI64) error

	// GetNode takes a row lock per mode for the lifetime of the
	// enclosing transaction (§5).
	GetNode(ctx context.Context, devAddr lorawan.DevAddr, lock LockMode) (*models.Node, error)
	PutNode(ctx context.Context, node *models.Node) error
	DeleteNode(ctx context.Context, devAddr lorawan.DevAddr) error
	NodeExists(ctx context.Context, devAddr lorawan.DevAddr) (bool, error)

	GetProfile(ctx context.Context, id uuid.UUID) (*models.Profile, error)
	PutProfile(ctx context.Context, profile *models.Profile) error

	GetNetwork(ctx context.Context, name string) (*models.Network, error)
	PutNetwork(ctx context.Context, network *models.Network) error
	ListNetworks(ctx context.Context) ([]*models.Network, error)

	// ListIgnoredNodes is the `dirty_all_keys` scan of §6, used by
	// ingest's ignored-node check on every data-up frame.
	ListIgnoredNodes(ctx context.Context) ([]*models.IgnoredNode, error)
	PutIgnoredNode(ctx context.Context, node *models.IgnoredNode) error
	DeleteIgnoredNode(ctx context.Context, devAddr lorawan.DevAddr) error

	GetMulticastChannel(ctx context.Context, devAddr lorawan.DevAddr, lock LockMode) (*models.MulticastChannel, error)
	PutMulticastChannel(ctx context.Context, ch *models.MulticastChannel) error

	// ListPending/PutPending/PurgePending implement the per-devaddr
	// queue of §3 `pending`; PurgePending is the `dirty_delete` used on
	// reset/rejoin.
	ListPending(ctx context.Context, devAddr lorawan.DevAddr) ([]*models.PendingFrame, error)
	PutPending(ctx context.Context, frame *models.PendingFrame) error
	PurgePending(ctx context.Context, devAddr lorawan.DevAddr) error
	DeletePendingFrame(ctx context.Context, id uuid.UUID) error

	Close() error
}

// WithTransaction opens a transaction against store, runs fn with the
// scoped handle, commits on a nil return and rolls back otherwise —
// the `transaction(fn)` primitive of §6.
func WithTransaction(ctx context.Context, store Store, fn func(ctx context.Context, tx Store) error) error {
	tx, err := store.BeginTx(ctx)
	if err != nil {
		return err
	}

	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// now supplies the UpdatedAt timestamps both backends write.
var now = time.Now
