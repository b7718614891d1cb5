package postgres

import (
	"context"
	_ "embed"
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

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string, maxConns, minConns int32) (*Store, error) {
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
	store := &Store{pool: pool}
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

func (s *Store) UpsertDrug(ctx context.Context, drug storage.DrugRecord) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO drugs (ndc, name, description, manufacturer, registered_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (ndc) DO NOTHING
`, drug.NDC, drug.Name, drug.Description, drug.Manufacturer, drug.RegisteredAt.UTC())
	return err
}

func (s *Store) GetDrug(ctx context.Context, ndc string) (storage.DrugRecord, bool, error) {
	var out storage.DrugRecord
	err := s.pool.QueryRow(ctx, `
SELECT ndc, name, description, manufacturer, registered_at
FROM drugs WHERE ndc = $1
`, ndc).Scan(&out.NDC, &out.Name, &out.Description, &out.Manufacturer, &out.RegisteredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	out.RegisteredAt = out.RegisteredAt.UTC()
	return out, true, nil
}

func (s *Store) CountDrugs(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM drugs`).Scan(&count)
	return count, err
}

func (s *Store) GetBatch(ctx context.Context, batchNumber string) (storage.BatchRecord, bool, error) {
	var out storage.BatchRecord
	err := s.pool.QueryRow(ctx, `
SELECT batch_number, ndc, manufacture_ts, expiry_ts, content_ref, status, verified, holder, manufacturer, position, updated_at
FROM batches WHERE batch_number = $1
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

func (s *Store) ListBatches(ctx context.Context, filter storage.ShipmentFilter) ([]storage.BatchRecord, error) {
	query := `
SELECT batch_number, ndc, manufacture_ts, expiry_ts, content_ref, status, verified, holder, manufacturer, position, updated_at
FROM batches`
	args := make([]any, 0, 2)
	switch {
	case filter.Holder != "" && filter.Manufacturer != "":
		query += ` WHERE holder = $1 OR manufacturer = $2`
		args = append(args, filter.Holder, filter.Manufacturer)
	case filter.Holder != "":
		query += ` WHERE holder = $1`
		args = append(args, filter.Holder)
	case filter.Manufacturer != "":
		query += ` WHERE manufacturer = $1`
		args = append(args, filter.Manufacturer)
	}
	query += ` ORDER BY updated_at DESC`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]storage.BatchRecord, 0)
	for rows.Next() {
		var b storage.BatchRecord
		if err := rows.Scan(
			&b.BatchNumber,
			&b.NDC,
			&b.ManufactureTS,
			&b.ExpiryTS,
			&b.ContentRef,
			&b.Status,
			&b.Verified,
			&b.Holder,
			&b.Manufacturer,
			&b.Position,
			&b.UpdatedAt,
		); err != nil {
			return nil, err
		}
		b.UpdatedAt = b.UpdatedAt.UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) CountBatches(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM batches`).Scan(&count)
	return count, err
}

func (s *Store) UpsertBatch(ctx context.Context, batch storage.BatchRecord) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO batches (batch_number, ndc, manufacture_ts, expiry_ts, content_ref, status, verified, holder, manufacturer, position, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (batch_number) DO UPDATE SET
  status = EXCLUDED.status,
  verified = EXCLUDED.verified,
  holder = EXCLUDED.holder,
  position = EXCLUDED.position,
  updated_at = EXCLUDED.updated_at
WHERE batches.position <= EXCLUDED.position
`,
		batch.BatchNumber,
		batch.NDC,
		batch.ManufactureTS,
		batch.ExpiryTS,
		batch.ContentRef,
		batch.Status,
		batch.Verified,
		batch.Holder,
		batch.Manufacturer,
		batch.Position,
		time.Now().UTC(),
	)
	return err
}

func (s *Store) ApplyTransition(ctx context.Context, batch storage.BatchRecord, record protocol.TransitionRecord) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	cmd, err := tx.Exec(ctx, `
INSERT INTO transitions (position, batch_number, kind, actor, destination, recorded_at, tx_id, entry_hash)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (position) DO NOTHING
`,
		record.Position,
		record.BatchNumber,
		record.Kind,
		record.Actor,
		record.To,
		record.RecordedAt.UTC(),
		record.TxID,
		record.EntryHash,
	)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		// Already projected; rebuilds and duplicate receipts replay here.
		return tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
INSERT INTO batches (batch_number, ndc, manufacture_ts, expiry_ts, content_ref, status, verified, holder, manufacturer, position, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (batch_number) DO UPDATE SET
  status = EXCLUDED.status,
  verified = EXCLUDED.verified,
  holder = EXCLUDED.holder,
  position = EXCLUDED.position,
  updated_at = EXCLUDED.updated_at
WHERE batches.position <= EXCLUDED.position
`,
		batch.BatchNumber,
		batch.NDC,
		batch.ManufactureTS,
		batch.ExpiryTS,
		batch.ContentRef,
		batch.Status,
		batch.Verified,
		batch.Holder,
		batch.Manufacturer,
		record.Position,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ListTransitions(ctx context.Context, batchNumber string) ([]protocol.TransitionRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT position, batch_number, kind, actor, destination, recorded_at, tx_id, entry_hash
FROM transitions
WHERE batch_number = $1
ORDER BY position ASC
`, batchNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]protocol.TransitionRecord, 0)
	for rows.Next() {
		var rec protocol.TransitionRecord
		if err := rows.Scan(&rec.Position, &rec.BatchNumber, &rec.Kind, &rec.Actor, &rec.To, &rec.RecordedAt, &rec.TxID, &rec.EntryHash); err != nil {
			return nil, err
		}
		rec.RecordedAt = rec.RecordedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) LatestTransition(ctx context.Context, batchNumber string) (protocol.TransitionRecord, bool, error) {
	var rec protocol.TransitionRecord
	err := s.pool.QueryRow(ctx, `
SELECT position, batch_number, kind, actor, destination, recorded_at, tx_id, entry_hash
FROM transitions
WHERE batch_number = $1
ORDER BY position DESC
LIMIT 1
`, batchNumber).Scan(&rec.Position, &rec.BatchNumber, &rec.Kind, &rec.Actor, &rec.To, &rec.RecordedAt, &rec.TxID, &rec.EntryHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	rec.RecordedAt = rec.RecordedAt.UTC()
	return rec, true, nil
}

func (s *Store) ApplyRoleGrant(ctx context.Context, grant storage.RoleGrant) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO role_grants (position, identity, role, granted_by, granted_at, revoked)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (position) DO NOTHING
`, grant.Position, grant.Identity, grant.Role, grant.GrantedBy, grant.GrantedAt.UTC(), grant.Revoked)
	return err
}

func (s *Store) RoleSnapshot(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `
SELECT DISTINCT ON (identity) identity, role, revoked
FROM role_grants
ORDER BY identity, position DESC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var identity, role string
		var revoked bool
		if err := rows.Scan(&identity, &role, &revoked); err != nil {
			return nil, err
		}
		if !revoked {
			out[identity] = role
		}
	}
	return out, rows.Err()
}

func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE drugs, batches, transitions, role_grants`)
	return err
}
