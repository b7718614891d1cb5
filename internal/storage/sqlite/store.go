package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/PARADOX-12/TrustChain-Backend/internal/protocol"
	"github.com/PARADOX-12/TrustChain-Backend/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS drugs (
  ndc TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  manufacturer TEXT NOT NULL,
  registered_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS batches (
  batch_number TEXT PRIMARY KEY,
  ndc TEXT NOT NULL,
  manufacture_ts INTEGER NOT NULL,
  expiry_ts INTEGER NOT NULL,
  content_ref TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  verified INTEGER NOT NULL DEFAULT 0,
  holder TEXT NOT NULL,
  manufacturer TEXT NOT NULL,
  position INTEGER NOT NULL DEFAULT 0,
  updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS batches_holder_idx ON batches (holder);
CREATE INDEX IF NOT EXISTS batches_manufacturer_idx ON batches (manufacturer);

CREATE TABLE IF NOT EXISTS transitions (
  position INTEGER PRIMARY KEY,
  batch_number TEXT NOT NULL,
  kind TEXT NOT NULL,
  actor TEXT NOT NULL,
  destination TEXT NOT NULL DEFAULT '',
  recorded_at TEXT NOT NULL,
  tx_id TEXT NOT NULL,
  entry_hash TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS transitions_batch_idx ON transitions (batch_number, position);

CREATE TABLE IF NOT EXISTS role_grants (
  position INTEGER PRIMARY KEY,
  identity TEXT NOT NULL,
  role TEXT NOT NULL,
  granted_by TEXT NOT NULL,
  granted_at TEXT NOT NULL,
  revoked INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS role_grants_identity_idx ON role_grants (identity, position);
`

// Store is a single-file projection cache for deployments that do not run
// postgres. Times are stored as RFC 3339 text.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = "trustchain.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Serialize writers; modernc's driver returns SQLITE_BUSY otherwise.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() {
	_ = s.db.Close()
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode timestamp %q: %w", raw, err)
	}
	return t.UTC(), nil
}

func (s *Store) UpsertDrug(ctx context.Context, drug storage.DrugRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO drugs (ndc, name, description, manufacturer, registered_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (ndc) DO NOTHING
`, drug.NDC, drug.Name, drug.Description, drug.Manufacturer, encodeTime(drug.RegisteredAt))
	return err
}

func (s *Store) GetDrug(ctx context.Context, ndc string) (storage.DrugRecord, bool, error) {
	var out storage.DrugRecord
	var registeredAt string
	err := s.db.QueryRowContext(ctx, `
SELECT ndc, name, description, manufacturer, registered_at
FROM drugs WHERE ndc = ?
`, ndc).Scan(&out.NDC, &out.Name, &out.Description, &out.Manufacturer, &registeredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	if out.RegisteredAt, err = decodeTime(registeredAt); err != nil {
		return out, false, err
	}
	return out, true, nil
}

func (s *Store) CountDrugs(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM drugs`).Scan(&count)
	return count, err
}

func (s *Store) GetBatch(ctx context.Context, batchNumber string) (storage.BatchRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT batch_number, ndc, manufacture_ts, expiry_ts, content_ref, status, verified, holder, manufacturer, position, updated_at
FROM batches WHERE batch_number = ?
`, batchNumber)
	out, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	return out, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (storage.BatchRecord, error) {
	var b storage.BatchRecord
	var updatedAt string
	err := row.Scan(
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
		&updatedAt,
	)
	if err != nil {
		return b, err
	}
	b.UpdatedAt, err = decodeTime(updatedAt)
	return b, err
}

func (s *Store) ListBatches(ctx context.Context, filter storage.ShipmentFilter) ([]storage.BatchRecord, error) {
	query := `
SELECT batch_number, ndc, manufacture_ts, expiry_ts, content_ref, status, verified, holder, manufacturer, position, updated_at
FROM batches`
	args := make([]any, 0, 2)
	switch {
	case filter.Holder != "" && filter.Manufacturer != "":
		query += ` WHERE holder = ? OR manufacturer = ?`
		args = append(args, filter.Holder, filter.Manufacturer)
	case filter.Holder != "":
		query += ` WHERE holder = ?`
		args = append(args, filter.Holder)
	case filter.Manufacturer != "":
		query += ` WHERE manufacturer = ?`
		args = append(args, filter.Manufacturer)
	}
	query += ` ORDER BY updated_at DESC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]storage.BatchRecord, 0)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) CountBatches(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM batches`).Scan(&count)
	return count, err
}

func (s *Store) UpsertBatch(ctx context.Context, batch storage.BatchRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO batches (batch_number, ndc, manufacture_ts, expiry_ts, content_ref, status, verified, holder, manufacturer, position, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (batch_number) DO UPDATE SET
  status = excluded.status,
  verified = excluded.verified,
  holder = excluded.holder,
  position = excluded.position,
  updated_at = excluded.updated_at
WHERE batches.position <= excluded.position
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
		encodeTime(time.Now()),
	)
	return err
}

func (s *Store) ApplyTransition(ctx context.Context, batch storage.BatchRecord, record protocol.TransitionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
INSERT INTO transitions (position, batch_number, kind, actor, destination, recorded_at, tx_id, entry_hash)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (position) DO NOTHING
`,
		record.Position,
		record.BatchNumber,
		record.Kind,
		record.Actor,
		record.To,
		encodeTime(record.RecordedAt),
		record.TxID,
		record.EntryHash,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO batches (batch_number, ndc, manufacture_ts, expiry_ts, content_ref, status, verified, holder, manufacturer, position, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (batch_number) DO UPDATE SET
  status = excluded.status,
  verified = excluded.verified,
  holder = excluded.holder,
  position = excluded.position,
  updated_at = excluded.updated_at
WHERE batches.position <= excluded.position
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
		encodeTime(time.Now()),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListTransitions(ctx context.Context, batchNumber string) ([]protocol.TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT position, batch_number, kind, actor, destination, recorded_at, tx_id, entry_hash
FROM transitions
WHERE batch_number = ?
ORDER BY position ASC
`, batchNumber)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]protocol.TransitionRecord, 0)
	for rows.Next() {
		var rec protocol.TransitionRecord
		var recordedAt string
		if err := rows.Scan(&rec.Position, &rec.BatchNumber, &rec.Kind, &rec.Actor, &rec.To, &recordedAt, &rec.TxID, &rec.EntryHash); err != nil {
			return nil, err
		}
		if rec.RecordedAt, err = decodeTime(recordedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) LatestTransition(ctx context.Context, batchNumber string) (protocol.TransitionRecord, bool, error) {
	var rec protocol.TransitionRecord
	var recordedAt string
	err := s.db.QueryRowContext(ctx, `
SELECT position, batch_number, kind, actor, destination, recorded_at, tx_id, entry_hash
FROM transitions
WHERE batch_number = ?
ORDER BY position DESC
LIMIT 1
`, batchNumber).Scan(&rec.Position, &rec.BatchNumber, &rec.Kind, &rec.Actor, &rec.To, &recordedAt, &rec.TxID, &rec.EntryHash)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	if rec.RecordedAt, err = decodeTime(recordedAt); err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

func (s *Store) ApplyRoleGrant(ctx context.Context, grant storage.RoleGrant) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO role_grants (position, identity, role, granted_by, granted_at, revoked)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (position) DO NOTHING
`, grant.Position, grant.Identity, grant.Role, grant.GrantedBy, encodeTime(grant.GrantedAt), grant.Revoked)
	return err
}

func (s *Store) RoleSnapshot(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT g.identity, g.role, g.revoked
FROM role_grants g
JOIN (
  SELECT identity, MAX(position) AS position
  FROM role_grants
  GROUP BY identity
) latest ON latest.identity = g.identity AND latest.position = g.position
`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
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
	for _, table := range []string{"drugs", "batches", "transitions", "role_grants"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return err
		}
	}
	return nil
}
