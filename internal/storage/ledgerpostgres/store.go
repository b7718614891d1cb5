package ledgerpostgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PARADOX-12/TrustChain-Backend/internal/protocol"
	"github.com/PARADOX-12/TrustChain-Backend/internal/storage"
)

//go:embed migrations/001_init.sql
var migration001 string

// Store is the ledger node's append-only backing store. Entries are hash
// chained; derived tables (drugs, batches, roles) are maintained inside the
// same serializable transaction that appends the entry, so guard evaluation
// always sees a state consistent with the chain.
type Store struct {
	pool   *pgxpool.Pool
	nodeID string
}

func Open(ctx context.Context, dsn string, maxConns, minConns int32, nodeID string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns >= 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := &Store{pool: pool, nodeID: nodeID}
	if err := store.applyMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) applyMigrations(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, migration001)
	if err != nil {
		return fmt.Errorf("apply migration 001: %w", err)
	}
	return nil
}

// SubmitTransition runs the full accept-or-reject decision in one serializable
// transaction: dedupe by event id, load derived state, evaluate the guard,
// append the chained entry, and apply the guard's effect. A guard error aborts
// the transaction and is returned unwrapped so callers can map it.
func (s *Store) SubmitTransition(ctx context.Context, t protocol.Transition, guard storage.LedgerGuardFunc) (protocol.LedgerReceipt, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return protocol.LedgerReceipt{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	receipt, exists, err := s.receiptByEventIDTx(ctx, tx, t.EventID)
	if err != nil {
		return protocol.LedgerReceipt{}, err
	}
	if exists {
		if err := tx.Commit(ctx); err != nil {
			return protocol.LedgerReceipt{}, err
		}
		receipt.Duplicate = true
		return receipt, nil
	}

	state, err := s.guardStateTx(ctx, tx, t)
	if err != nil {
		return protocol.LedgerReceipt{}, err
	}
	effect, err := guard(state)
	if err != nil {
		return protocol.LedgerReceipt{}, err
	}

	var previousHash string
	_ = tx.QueryRow(ctx, `SELECT entry_hash FROM ledger_entries ORDER BY entry_index DESC LIMIT 1`).Scan(&previousHash)

	recordedAt := time.Now().UTC()
	entryHash, err := protocol.EntryHash(t, previousHash, recordedAt)
	if err != nil {
		return protocol.LedgerReceipt{}, err
	}

	payload, err := protocol.CanonicalJSON(t)
	if err != nil {
		return protocol.LedgerReceipt{}, err
	}

	var position int64
	err = tx.QueryRow(ctx, `
INSERT INTO ledger_entries (
  entry_hash,
  previous_hash,
  event_id,
  kind,
  batch_number,
  ndc,
  actor,
  destination,
  payload_json,
  recorded_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb,$10)
RETURNING entry_index
`, entryHash, nullableString(previousHash), t.EventID, effect.Kind, t.BatchNumber, t.NDC, t.Actor, t.To, payload, recordedAt).Scan(&position)
	if err != nil {
		return protocol.LedgerReceipt{}, err
	}

	if err := s.applyEffectTx(ctx, tx, effect, position, recordedAt); err != nil {
		return protocol.LedgerReceipt{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return protocol.LedgerReceipt{}, err
	}

	receipt = protocol.LedgerReceipt{
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
	return receipt, nil
}

func (s *Store) applyEffectTx(ctx context.Context, tx pgx.Tx, effect storage.LedgerEffect, position int64, recordedAt time.Time) error {
	if effect.Drug != nil {
		d := effect.Drug
		if _, err := tx.Exec(ctx, `
INSERT INTO ledger_drugs (ndc, name, description, manufacturer, registered_at)
VALUES ($1, $2, $3, $4, $5)
`, d.NDC, d.Name, d.Description, d.Manufacturer, recordedAt); err != nil {
			return err
		}
	}
	if effect.Batch != nil {
		b := effect.Batch
		if _, err := tx.Exec(ctx, `
INSERT INTO ledger_batches (batch_number, ndc, manufacture_ts, expiry_ts, content_ref, status, verified, holder, manufacturer, position, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (batch_number) DO UPDATE SET
  status = EXCLUDED.status,
  verified = EXCLUDED.verified,
  holder = EXCLUDED.holder,
  position = EXCLUDED.position,
  updated_at = EXCLUDED.updated_at
`, b.BatchNumber, b.NDC, b.ManufactureTS, b.ExpiryTS, b.ContentRef, b.Status, b.Verified, b.Holder, b.Manufacturer, position, recordedAt); err != nil {
			return err
		}
	}
	if effect.Role != nil {
		r := effect.Role
		if _, err := tx.Exec(ctx, `
INSERT INTO ledger_roles (position, identity, role, granted_by, granted_at, revoked)
VALUES ($1, $2, $3, $4, $5, $6)
`, position, r.Identity, r.Role, r.GrantedBy, recordedAt, r.Revoked); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) guardStateTx(ctx context.Context, tx pgx.Tx, t protocol.Transition) (storage.LedgerGuardState, error) {
	var state storage.LedgerGuardState

	if t.NDC != "" {
		err := tx.QueryRow(ctx, `
SELECT ndc, name, description, manufacturer, registered_at
FROM ledger_drugs WHERE ndc = $1
`, t.NDC).Scan(&state.Drug.NDC, &state.Drug.Name, &state.Drug.Description, &state.Drug.Manufacturer, &state.Drug.RegisteredAt)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return state, err
		default:
			state.DrugExists = true
		}
	}

	if t.BatchNumber != "" {
		err := tx.QueryRow(ctx, `
SELECT batch_number, ndc, manufacture_ts, expiry_ts, content_ref, status, verified, holder, manufacturer, position, updated_at
FROM ledger_batches WHERE batch_number = $1
`, t.BatchNumber).Scan(
			&state.Batch.BatchNumber,
			&state.Batch.NDC,
			&state.Batch.ManufactureTS,
			&state.Batch.ExpiryTS,
			&state.Batch.ContentRef,
			&state.Batch.Status,
			&state.Batch.Verified,
			&state.Batch.Holder,
			&state.Batch.Manufacturer,
			&state.Batch.Position,
			&state.Batch.UpdatedAt,
		)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return state, err
		default:
			state.BatchExists = true
		}
		// Batch submissions against an unregistered drug need the drug row the
		// batch already points at, not the (absent) request ndc.
		if state.BatchExists && !state.DrugExists {
			err := tx.QueryRow(ctx, `
SELECT ndc, name, description, manufacturer, registered_at
FROM ledger_drugs WHERE ndc = $1
`, state.Batch.NDC).Scan(&state.Drug.NDC, &state.Drug.Name, &state.Drug.Description, &state.Drug.Manufacturer, &state.Drug.RegisteredAt)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return state, err
			}
			state.DrugExists = err == nil
		}
	}

	rows, err := tx.Query(ctx, `
SELECT DISTINCT ON (identity) identity, role, revoked
FROM ledger_roles
ORDER BY identity, position DESC
`)
	if err != nil {
		return state, err
	}
	defer rows.Close()
	state.Roles = make(map[string]string)
	for rows.Next() {
		var identity, role string
		var revoked bool
		if err := rows.Scan(&identity, &role, &revoked); err != nil {
			return state, err
		}
		if !revoked {
			state.Roles[identity] = role
		}
	}
	return state, rows.Err()
}

func (s *Store) receiptByEventIDTx(ctx context.Context, tx pgx.Tx, eventID string) (protocol.LedgerReceipt, bool, error) {
	var out protocol.LedgerReceipt
	err := tx.QueryRow(ctx, `
SELECT e.entry_index, e.entry_hash, COALESCE(e.previous_hash,''), e.event_id, e.kind, e.batch_number, e.ndc, e.recorded_at,
       COALESCE(b.status,''), COALESCE(b.verified,FALSE), COALESCE(b.holder,'')
FROM ledger_entries e
LEFT JOIN ledger_batches b ON b.batch_number = e.batch_number
WHERE e.event_id = $1
`, eventID).Scan(
		&out.Position,
		&out.EntryHash,
		&out.PreviousHash,
		&eventID,
		&out.Kind,
		&out.BatchNumber,
		&out.NDC,
		&out.RecordedAt,
		&out.Status,
		&out.Verified,
		&out.Holder,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	out.TxID = protocol.TransactionID(eventID, out.EntryHash)
	out.RecordedAt = out.RecordedAt.UTC()
	return out, true, nil
}

func (s *Store) BatchStatus(ctx context.Context, batchNumber string) (storage.BatchRecord, bool, error) {
	var out storage.BatchRecord
	err := s.pool.QueryRow(ctx, `
SELECT batch_number, ndc, manufacture_ts, expiry_ts, content_ref, status, verified, holder, manufacturer, position, updated_at
FROM ledger_batches WHERE batch_number = $1
`, batchNumber).Scan(
		&out.BatchNumber,
		&out.NDC,
		&out.ManufactureTS,
		&out.ExpiryTS,
		&out.ContentRef,
		&out.Status,
		&out.Verified,
		&out.Holder,
		&out.Manufacturer,
		&out.Position,
		&out.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	out.UpdatedAt = out.UpdatedAt.UTC()
	return out, true, nil
}

func (s *Store) Transitions(ctx context.Context, batchNumber string) ([]protocol.TransitionRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT entry_index, entry_hash, event_id, kind, batch_number, actor, destination, recorded_at
FROM ledger_entries
WHERE batch_number = $1
ORDER BY entry_index ASC
`, batchNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]protocol.TransitionRecord, 0)
	for rows.Next() {
		var rec protocol.TransitionRecord
		var eventID string
		if err := rows.Scan(&rec.Position, &rec.EntryHash, &eventID, &rec.Kind, &rec.BatchNumber, &rec.Actor, &rec.To, &rec.RecordedAt); err != nil {
			return nil, err
		}
		rec.TxID = protocol.TransactionID(eventID, rec.EntryHash)
		rec.RecordedAt = rec.RecordedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) ListEntries(ctx context.Context, after int64, limit int) ([]protocol.LedgerEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
SELECT entry_index, entry_hash, COALESCE(previous_hash,''), event_id, kind, batch_number, ndc, actor, destination, payload_json, recorded_at
FROM ledger_entries
WHERE entry_index > $1
ORDER BY entry_index ASC
LIMIT $2
`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]protocol.LedgerEntry, 0, limit)
	for rows.Next() {
		var e protocol.LedgerEntry
		var payloadRaw []byte
		if err := rows.Scan(&e.Position, &e.EntryHash, &e.PreviousHash, &e.EventID, &e.Kind, &e.BatchNumber, &e.NDC, &e.Actor, &e.To, &payloadRaw, &e.RecordedAt); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payloadRaw)
		e.RecordedAt = e.RecordedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) LatestEntry(ctx context.Context) (protocol.LedgerEntry, bool, error) {
	var out protocol.LedgerEntry
	var payloadRaw []byte
	err := s.pool.QueryRow(ctx, `
SELECT entry_index, entry_hash, COALESCE(previous_hash,''), event_id, kind, batch_number, ndc, actor, destination, payload_json, recorded_at
FROM ledger_entries ORDER BY entry_index DESC LIMIT 1
`).Scan(&out.Position, &out.EntryHash, &out.PreviousHash, &out.EventID, &out.Kind, &out.BatchNumber, &out.NDC, &out.Actor, &out.To, &payloadRaw, &out.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	out.Payload = json.RawMessage(payloadRaw)
	out.RecordedAt = out.RecordedAt.UTC()
	return out, true, nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
