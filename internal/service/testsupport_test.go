package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/PARADOX-12/TrustChain-Backend/internal/ledger"
	"github.com/PARADOX-12/TrustChain-Backend/internal/protocol"
	"github.com/PARADOX-12/TrustChain-Backend/internal/storage"
)

// memLedger is an in-memory LedgerStore with the same append semantics as the
// postgres store: hash-chained entries, event-id dedupe, derived tables
// updated together with the append.
type memLedger struct {
	mu        sync.Mutex
	entries   []protocol.LedgerEntry
	byEventID map[string]protocol.LedgerReceipt
	drugs     map[string]storage.DrugRecord
	batches   map[string]storage.BatchRecord
	roles     []storage.RoleGrant
}

func newMemLedger() *memLedger {
	return &memLedger{
		byEventID: make(map[string]protocol.LedgerReceipt),
		drugs:     make(map[string]storage.DrugRecord),
		batches:   make(map[string]storage.BatchRecord),
	}
}

func (m *memLedger) SubmitTransition(_ context.Context, t protocol.Transition, guard storage.LedgerGuardFunc) (protocol.LedgerReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if receipt, ok := m.byEventID[t.EventID]; ok {
		receipt.Duplicate = true
		return receipt, nil
	}

	state := storage.LedgerGuardState{Roles: make(map[string]string)}
	if drug, ok := m.drugs[t.NDC]; ok {
		state.DrugExists = true
		state.Drug = drug
	}
	if batch, ok := m.batches[t.BatchNumber]; ok {
		state.BatchExists = true
		state.Batch = batch
		if !state.DrugExists {
			if drug, ok := m.drugs[batch.NDC]; ok {
				state.DrugExists = true
				state.Drug = drug
			}
		}
	}
	latest := make(map[string]storage.RoleGrant)
	for _, g := range m.roles {
		if cur, ok := latest[g.Identity]; !ok || g.Position > cur.Position {
			latest[g.Identity] = g
		}
	}
	for identity, g := range latest {
		if !g.Revoked {
			state.Roles[identity] = g.Role
		}
	}

	effect, err := guard(state)
	if err != nil {
		return protocol.LedgerReceipt{}, err
	}

	var previousHash string
	if len(m.entries) > 0 {
		previousHash = m.entries[len(m.entries)-1].EntryHash
	}
	recordedAt := time.Now().UTC()
	entryHash, err := protocol.EntryHash(t, previousHash, recordedAt)
	if err != nil {
		return protocol.LedgerReceipt{}, err
	}
	payload, err := protocol.CanonicalJSON(t)
	if err != nil {
		return protocol.LedgerReceipt{}, err
	}
	position := int64(len(m.entries) + 1)
	m.entries = append(m.entries, protocol.LedgerEntry{
		Position:     position,
		EntryHash:    entryHash,
		PreviousHash: previousHash,
		EventID:      t.EventID,
		Kind:         effect.Kind,
		BatchNumber:  t.BatchNumber,
		NDC:          t.NDC,
		Actor:        t.Actor,
		To:           t.To,
		Payload:      payload,
		RecordedAt:   recordedAt,
	})

	if effect.Drug != nil {
		drug := *effect.Drug
		drug.RegisteredAt = recordedAt
		m.drugs[drug.NDC] = drug
	}
	if effect.Batch != nil {
		batch := *effect.Batch
		batch.Position = position
		batch.UpdatedAt = recordedAt
		m.batches[batch.BatchNumber] = batch
	}
	if effect.Role != nil {
		role := *effect.Role
		role.Position = position
		role.GrantedAt = recordedAt
		m.roles = append(m.roles, role)
	}

	receipt := protocol.LedgerReceipt{
		Position:     position,
		EntryHash:    entryHash,
		PreviousHash: previousHash,
		TxID:         protocol.TransactionID(t.EventID, entryHash),
		Kind:         effect.Kind,
		BatchNumber:  t.BatchNumber,
		NDC:          t.NDC,
		RecordedAt:   recordedAt,
	}
	if effect.Batch != nil {
		receipt.BatchNumber = effect.Batch.BatchNumber
		receipt.NDC = effect.Batch.NDC
		receipt.Status = effect.Batch.Status
		receipt.Verified = effect.Batch.Verified
		receipt.Holder = effect.Batch.Holder
	}
	m.byEventID[t.EventID] = receipt
	return receipt, nil
}

func (m *memLedger) BatchStatus(_ context.Context, batchNumber string) (storage.BatchRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch, ok := m.batches[batchNumber]
	return batch, ok, nil
}

func (m *memLedger) Transitions(_ context.Context, batchNumber string) ([]protocol.TransitionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.TransitionRecord, 0)
	for _, e := range m.entries {
		if e.BatchNumber != batchNumber {
			continue
		}
		out = append(out, protocol.TransitionRecord{
			Position:    e.Position,
			BatchNumber: e.BatchNumber,
			Kind:        e.Kind,
			Actor:       e.Actor,
			To:          e.To,
			RecordedAt:  e.RecordedAt,
			TxID:        protocol.TransactionID(e.EventID, e.EntryHash),
			EntryHash:   e.EntryHash,
		})
	}
	return out, nil
}

func (m *memLedger) ListEntries(_ context.Context, after int64, limit int) ([]protocol.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.LedgerEntry, 0)
	for _, e := range m.entries {
		if e.Position > after {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memLedger) LatestEntry(_ context.Context) (protocol.LedgerEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return protocol.LedgerEntry{}, false, nil
	}
	return m.entries[len(m.entries)-1], true, nil
}

// localAdapter drives a node service in-process, translating AppError codes
// the same way the HTTP client translates status codes.
type localAdapter struct {
	node *LedgerNodeService
}

func (a *localAdapter) Submit(ctx context.Context, t protocol.Transition) (protocol.LedgerReceipt, error) {
	resp, err := a.node.Submit(ctx, t)
	if err != nil {
		return protocol.LedgerReceipt{}, translateNodeError(err)
	}
	return resp.Receipt, nil
}

func (a *localAdapter) BatchStatus(ctx context.Context, batchNumber string) (protocol.BatchStatusResponse, error) {
	resp, err := a.node.BatchStatus(ctx, batchNumber)
	if err != nil {
		return protocol.BatchStatusResponse{}, translateNodeError(err)
	}
	return resp, nil
}

func (a *localAdapter) BatchTransitions(ctx context.Context, batchNumber string) ([]protocol.TransitionRecord, error) {
	resp, err := a.node.BatchTransitions(ctx, batchNumber)
	if err != nil {
		return nil, translateNodeError(err)
	}
	return resp.Transitions, nil
}

func (a *localAdapter) IsBatchVerified(ctx context.Context, batchNumber string) (bool, error) {
	resp, err := a.node.IsBatchVerified(ctx, batchNumber)
	if err != nil {
		return false, translateNodeError(err)
	}
	return resp.Verified, nil
}

func (a *localAdapter) ListEntries(ctx context.Context, after int64, limit int) ([]protocol.LedgerEntry, error) {
	resp, err := a.node.ListEntries(ctx, after, limit)
	if err != nil {
		return nil, translateNodeError(err)
	}
	return resp.Entries, nil
}

func (a *localAdapter) LatestEntry(ctx context.Context) (protocol.LedgerEntry, bool, error) {
	return a.node.LatestEntry(ctx)
}

func translateNodeError(err error) error {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}
	switch {
	case appErr.Code == "NOT_FOUND":
		return fmt.Errorf("%w: %s", ledger.ErrNotFound, appErr.Message)
	case appErr.HTTPStatus >= 500:
		return fmt.Errorf("%w: %s", ledger.ErrUnavailable, appErr.Message)
	default:
		return fmt.Errorf("%w: %s", ledger.ErrRejected, appErr.Message)
	}
}
