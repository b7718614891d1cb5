package storage

import (
	"context"
	"errors"
	"time"

	"github.com/PARADOX-12/TrustChain-Backend/internal/protocol"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrDrugExists  = errors.New("ndc already registered")
	ErrBatchExists = errors.New("batch number already registered")
	ErrStaleApply  = errors.New("transition older than cached position")
)

// DrugRecord is the projection of a registered drug. Immutable after
// registration.
type DrugRecord struct {
	NDC          string
	Name         string
	Description  string
	Manufacturer string
	RegisteredAt time.Time
}

// BatchRecord is the cached current state of a batch plus the ledger position
// it was derived from. The ledger remains the source of truth; rows here are
// rebuildable from history.
type BatchRecord struct {
	BatchNumber   string
	NDC           string
	ManufactureTS int64
	ExpiryTS      int64
	ContentRef    string
	Status        string
	Verified      bool
	Holder        string
	Manufacturer  string
	Position      int64
	UpdatedAt     time.Time
}

// RoleGrant is one authorization event. Revocations are negative events, not
// deletions; the latest event per identity wins.
type RoleGrant struct {
	Identity  string
	Role      string
	GrantedBy string
	GrantedAt time.Time
	Revoked   bool
	Position  int64
}

// ShipmentFilter scopes batch listings by the caller's relationship to the
// batch. Zero value lists everything.
type ShipmentFilter struct {
	Holder       string
	Manufacturer string
}

// Store is the projection cache: a queryable, derived copy of ledger state.
// ApplyTransition must be atomic per batch so readers never observe a batch
// row that disagrees with its own transition list.
type Store interface {
	Close()

	UpsertDrug(ctx context.Context, drug DrugRecord) error
	GetDrug(ctx context.Context, ndc string) (DrugRecord, bool, error)
	CountDrugs(ctx context.Context) (int, error)

	GetBatch(ctx context.Context, batchNumber string) (BatchRecord, bool, error)
	ListBatches(ctx context.Context, filter ShipmentFilter) ([]BatchRecord, error)
	CountBatches(ctx context.Context) (int, error)

	// UpsertBatch writes a batch row refreshed from ledger state, guarded by
	// position so an older snapshot never overwrites a newer row.
	UpsertBatch(ctx context.Context, batch BatchRecord) error

	// ApplyTransition upserts the batch row and appends the record in one
	// atomic step, keyed by ledger position. Replays of already-applied
	// positions are ignored so rebuilds and races stay idempotent.
	ApplyTransition(ctx context.Context, batch BatchRecord, record protocol.TransitionRecord) error
	ListTransitions(ctx context.Context, batchNumber string) ([]protocol.TransitionRecord, error)
	LatestTransition(ctx context.Context, batchNumber string) (protocol.TransitionRecord, bool, error)

	ApplyRoleGrant(ctx context.Context, grant RoleGrant) error
	RoleSnapshot(ctx context.Context) (map[string]string, error)

	// Reset clears all projected state ahead of a rebuild from ledger
	// history.
	Reset(ctx context.Context) error
}
