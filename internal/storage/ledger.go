package storage

import "errors"

// Sentinel errors surfaced by the ledger-side store when its own guard
// rejects a submission. These are the final authority: an application
// pre-check may pass and the ledger still reject after losing a race.
var (
	ErrLedgerDrugExists  = errors.New("ledger: ndc already registered")
	ErrLedgerBatchExists = errors.New("ledger: batch number already registered")
	ErrLedgerNoSuchDrug  = errors.New("ledger: drug not registered")
	ErrLedgerNoSuchBatch = errors.New("ledger: batch not registered")
)

// LedgerGuardState is the derived state the ledger store hands to the guard
// callback inside its serializable transaction: everything the state machine
// and gate need to accept or reject the submission.
type LedgerGuardState struct {
	DrugExists  bool
	Drug        DrugRecord
	BatchExists bool
	Batch       BatchRecord
	Roles       map[string]string
}

// LedgerEffect is what a successful guard evaluation asks the store to
// record alongside the chained entry. Nil members mean no change to that
// derived table.
type LedgerEffect struct {
	Kind  string
	Drug  *DrugRecord
	Batch *BatchRecord
	Role  *RoleGrant
}

// LedgerGuardFunc evaluates a submission against current derived state. It
// must be pure: returning an error aborts the transaction and nothing is
// recorded.
type LedgerGuardFunc func(state LedgerGuardState) (LedgerEffect, error)
