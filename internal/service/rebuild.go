package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/PARADOX-12/TrustChain-Backend/internal/ledger"
	"github.com/PARADOX-12/TrustChain-Backend/internal/lifecycle"
	"github.com/PARADOX-12/TrustChain-Backend/internal/protocol"
	"github.com/PARADOX-12/TrustChain-Backend/internal/storage"
)

// Rebuilder reconstructs the projection cache from ledger history. The cache
// is derived state; after corruption or schema changes a full replay restores
// it exactly.
type Rebuilder struct {
	store    storage.Store
	adapter  ledger.Adapter
	pageSize int
	logger   *slog.Logger
}

func NewRebuilder(store storage.Store, adapter ledger.Adapter, pageSize int, logger *slog.Logger) *Rebuilder {
	if pageSize <= 0 {
		pageSize = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Rebuilder{store: store, adapter: adapter, pageSize: pageSize, logger: logger}
}

// Rebuild clears the cache and replays every ledger entry in order. Batch
// state is recomputed through the same state machine that guarded the
// original submissions.
func (r *Rebuilder) Rebuild(ctx context.Context) (int, error) {
	if err := r.store.Reset(ctx); err != nil {
		return 0, fmt.Errorf("reset projection: %w", err)
	}

	batches := make(map[string]storage.BatchRecord)
	applied := 0
	after := int64(0)
	for {
		entries, err := r.adapter.ListEntries(ctx, after, r.pageSize)
		if err != nil {
			return applied, fmt.Errorf("list ledger entries after %d: %w", after, err)
		}
		if len(entries) == 0 {
			return applied, nil
		}
		for _, entry := range entries {
			if err := r.applyEntry(ctx, entry, batches); err != nil {
				return applied, fmt.Errorf("apply entry %d: %w", entry.Position, err)
			}
			applied++
			after = entry.Position
		}
		r.logger.Info("rebuild progress", slog.Int64("position", after), slog.Int("applied", applied))
	}
}

func (r *Rebuilder) applyEntry(ctx context.Context, entry protocol.LedgerEntry, batches map[string]storage.BatchRecord) error {
	var t protocol.Transition
	if err := json.Unmarshal(entry.Payload, &t); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	switch lifecycle.Kind(entry.Kind) {
	case lifecycle.KindDrugRegistered:
		return r.store.UpsertDrug(ctx, storage.DrugRecord{
			NDC:          t.NDC,
			Name:         t.Name,
			Description:  t.Description,
			Manufacturer: t.Actor,
			RegisteredAt: entry.RecordedAt,
		})

	case lifecycle.KindRoleGranted, lifecycle.KindRoleRevoked:
		grant := storage.RoleGrant{
			Identity:  t.To,
			Role:      t.Role,
			GrantedBy: t.Actor,
			GrantedAt: entry.RecordedAt,
			Revoked:   lifecycle.Kind(entry.Kind) == lifecycle.KindRoleRevoked,
			Position:  entry.Position,
		}
		if grant.Role == "" {
			grant.Role = "USER"
		}
		return r.store.ApplyRoleGrant(ctx, grant)

	case lifecycle.KindRegistered:
		initial := lifecycle.Initial()
		batch := storage.BatchRecord{
			BatchNumber:   t.BatchNumber,
			NDC:           t.NDC,
			ManufactureTS: t.ManufactureTS,
			ExpiryTS:      t.ExpiryTS,
			ContentRef:    t.ContentRef,
			Status:        string(initial.Status),
			Verified:      initial.Verified,
			Holder:        t.Actor,
			Manufacturer:  t.Actor,
		}
		batches[t.BatchNumber] = batch
		return r.store.ApplyTransition(ctx, batch, recordFromEntry(entry, t))

	default:
		batch, ok := batches[entry.BatchNumber]
		if !ok {
			return fmt.Errorf("transition for unknown batch %q", entry.BatchNumber)
		}
		action, err := lifecycle.ParseAction(t.Action)
		if err != nil {
			return err
		}
		next, err := lifecycle.Next(lifecycle.State{Status: lifecycle.Status(batch.Status), Verified: batch.Verified}, action)
		if err != nil {
			return fmt.Errorf("replay %s on %s: %w", action, entry.BatchNumber, err)
		}
		batch.Status = string(next.Status)
		batch.Verified = next.Verified
		if action == lifecycle.ActionShipBatch {
			batch.Holder = t.To
		}
		batches[entry.BatchNumber] = batch
		return r.store.ApplyTransition(ctx, batch, recordFromEntry(entry, t))
	}
}

func recordFromEntry(entry protocol.LedgerEntry, t protocol.Transition) protocol.TransitionRecord {
	return protocol.TransitionRecord{
		Position:    entry.Position,
		BatchNumber: entry.BatchNumber,
		Kind:        entry.Kind,
		Actor:       entry.Actor,
		To:          t.To,
		RecordedAt:  entry.RecordedAt,
		TxID:        protocol.TransactionID(entry.EventID, entry.EntryHash),
		EntryHash:   entry.EntryHash,
	}
}
