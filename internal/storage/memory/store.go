package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/PARADOX-12/TrustChain-Backend/internal/protocol"
	"github.com/PARADOX-12/TrustChain-Backend/internal/storage"
)

// Store keeps the projection in process memory. Used by tests and by
// single-node dev setups where durability does not matter.
type Store struct {
	mu          sync.RWMutex
	drugs       map[string]storage.DrugRecord
	batches     map[string]storage.BatchRecord
	transitions map[string][]protocol.TransitionRecord
	applied     map[int64]struct{}
	grants      []storage.RoleGrant
}

func New() *Store {
	return &Store{
		drugs:       make(map[string]storage.DrugRecord),
		batches:     make(map[string]storage.BatchRecord),
		transitions: make(map[string][]protocol.TransitionRecord),
		applied:     make(map[int64]struct{}),
	}
}

func (s *Store) Close() {}

func (s *Store) UpsertDrug(_ context.Context, drug storage.DrugRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.drugs[drug.NDC]; ok {
		return nil
	}
	drug.RegisteredAt = drug.RegisteredAt.UTC()
	s.drugs[drug.NDC] = drug
	return nil
}

func (s *Store) GetDrug(_ context.Context, ndc string) (storage.DrugRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	drug, ok := s.drugs[ndc]
	return drug, ok, nil
}

func (s *Store) CountDrugs(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.drugs), nil
}

func (s *Store) GetBatch(_ context.Context, batchNumber string) (storage.BatchRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batch, ok := s.batches[batchNumber]
	return batch, ok, nil
}

func (s *Store) ListBatches(_ context.Context, filter storage.ShipmentFilter) ([]storage.BatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.BatchRecord, 0, len(s.batches))
	for _, b := range s.batches {
		if filter.Holder != "" || filter.Manufacturer != "" {
			if !(filter.Holder != "" && b.Holder == filter.Holder) &&
				!(filter.Manufacturer != "" && b.Manufacturer == filter.Manufacturer) {
				continue
			}
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *Store) CountBatches(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.batches), nil
}

func (s *Store) UpsertBatch(_ context.Context, batch storage.BatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.batches[batch.BatchNumber]; ok && existing.Position > batch.Position {
		return nil
	}
	batch.UpdatedAt = time.Now().UTC()
	s.batches[batch.BatchNumber] = batch
	return nil
}

func (s *Store) ApplyTransition(_ context.Context, batch storage.BatchRecord, record protocol.TransitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.applied[record.Position]; ok {
		return nil
	}
	s.applied[record.Position] = struct{}{}
	record.RecordedAt = record.RecordedAt.UTC()
	s.transitions[record.BatchNumber] = append(s.transitions[record.BatchNumber], record)
	if existing, ok := s.batches[batch.BatchNumber]; ok && existing.Position > record.Position {
		return nil
	}
	batch.Position = record.Position
	batch.UpdatedAt = time.Now().UTC()
	s.batches[batch.BatchNumber] = batch
	return nil
}

func (s *Store) ListTransitions(_ context.Context, batchNumber string) ([]protocol.TransitionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.transitions[batchNumber]
	out := make([]protocol.TransitionRecord, len(records))
	copy(out, records)
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *Store) LatestTransition(ctx context.Context, batchNumber string) (protocol.TransitionRecord, bool, error) {
	records, err := s.ListTransitions(ctx, batchNumber)
	if err != nil || len(records) == 0 {
		return protocol.TransitionRecord{}, false, err
	}
	return records[len(records)-1], true, nil
}

func (s *Store) ApplyRoleGrant(_ context.Context, grant storage.RoleGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.grants {
		if existing.Position == grant.Position {
			return nil
		}
	}
	grant.GrantedAt = grant.GrantedAt.UTC()
	s.grants = append(s.grants, grant)
	return nil
}

func (s *Store) RoleSnapshot(_ context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	latest := make(map[string]storage.RoleGrant)
	for _, g := range s.grants {
		if cur, ok := latest[g.Identity]; !ok || g.Position > cur.Position {
			latest[g.Identity] = g
		}
	}
	out := make(map[string]string, len(latest))
	for identity, g := range latest {
		if !g.Revoked {
			out[identity] = g.Role
		}
	}
	return out, nil
}

func (s *Store) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drugs = make(map[string]storage.DrugRecord)
	s.batches = make(map[string]storage.BatchRecord)
	s.transitions = make(map[string][]protocol.TransitionRecord)
	s.applied = make(map[int64]struct{})
	s.grants = nil
	return nil
}
