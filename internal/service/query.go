package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/PARADOX-12/TrustChain-Backend/internal/authz"
	"github.com/PARADOX-12/TrustChain-Backend/internal/ledger"
	"github.com/PARADOX-12/TrustChain-Backend/internal/metrics"
	"github.com/PARADOX-12/TrustChain-Backend/internal/protocol"
	"github.com/PARADOX-12/TrustChain-Backend/internal/storage"
)

// QueryService serves reads with a two-tier policy: trust-sensitive answers
// (current status, verification) always come from the ledger, while history
// and listings come from the projection cache. Cached batch details older than
// the freshness threshold are refreshed from the ledger before being served.
type QueryService struct {
	store           storage.Store
	adapter         ledger.Adapter
	bootstrapAdmins []string
	freshness       time.Duration
	logger          *slog.Logger
	metrics         *metrics.Metrics
	now             func() time.Time
}

type QueryParams struct {
	Store           storage.Store
	Adapter         ledger.Adapter
	BootstrapAdmins []string
	Freshness       time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
	Now             func() time.Time
}

func NewQuery(params QueryParams) (*QueryService, error) {
	if params.Store == nil {
		return nil, errors.New("store is required")
	}
	if params.Adapter == nil {
		return nil, errors.New("ledger adapter is required")
	}
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	if params.Freshness <= 0 {
		params.Freshness = 30 * time.Second
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	return &QueryService{
		store:           params.Store,
		adapter:         params.Adapter,
		bootstrapAdmins: params.BootstrapAdmins,
		freshness:       params.Freshness,
		logger:          params.Logger,
		metrics:         params.Metrics,
		now:             params.Now,
	}, nil
}

// GetStatus answers from the ledger. The cache is never consulted: a status
// that drives a trust decision must reflect the chain head.
func (s *QueryService) GetStatus(ctx context.Context, batchNumber string) (protocol.StatusResponse, error) {
	if batchNumber == "" {
		return protocol.StatusResponse{}, BadRequest("batch_number is required")
	}
	status, err := s.adapter.BatchStatus(ctx, batchNumber)
	s.countLedgerRead("status", err)
	if errors.Is(err, ledger.ErrNotFound) {
		return protocol.StatusResponse{}, NotFound("batch not registered")
	}
	if err != nil {
		return protocol.StatusResponse{}, mapAdapterError(err)
	}
	return protocol.StatusResponse{
		BatchNumber: status.BatchNumber,
		Status:      status.Status,
		Verified:    status.Verified,
		Holder:      status.Holder,
		Position:    status.Position,
	}, nil
}

// IsVerified is ledger-authoritative for the same reason as GetStatus.
func (s *QueryService) IsVerified(ctx context.Context, batchNumber string) (protocol.VerifiedResponse, error) {
	if batchNumber == "" {
		return protocol.VerifiedResponse{}, BadRequest("batch_number is required")
	}
	verified, err := s.adapter.IsBatchVerified(ctx, batchNumber)
	s.countLedgerRead("verified", err)
	if errors.Is(err, ledger.ErrNotFound) {
		return protocol.VerifiedResponse{}, NotFound("batch not registered")
	}
	if err != nil {
		return protocol.VerifiedResponse{}, mapAdapterError(err)
	}
	return protocol.VerifiedResponse{BatchNumber: batchNumber, Verified: verified}, nil
}

// GetHistory serves the audit trail from the cache, falling back to the
// ledger on a cache miss and backfilling the cache from what it finds.
func (s *QueryService) GetHistory(ctx context.Context, batchNumber string) (protocol.HistoryResponse, error) {
	if batchNumber == "" {
		return protocol.HistoryResponse{}, BadRequest("batch_number is required")
	}
	records, err := s.store.ListTransitions(ctx, batchNumber)
	if err != nil {
		return protocol.HistoryResponse{}, Internal("list cached transitions", err)
	}
	if len(records) == 0 {
		records, err = s.adapter.BatchTransitions(ctx, batchNumber)
		s.countLedgerRead("transitions", err)
		if errors.Is(err, ledger.ErrNotFound) {
			return protocol.HistoryResponse{}, NotFound("batch not registered")
		}
		if err != nil {
			return protocol.HistoryResponse{}, mapAdapterError(err)
		}
		if len(records) == 0 {
			return protocol.HistoryResponse{}, NotFound("batch not registered")
		}
	}
	return protocol.HistoryResponse{BatchNumber: batchNumber, Transitions: records}, nil
}

// ListShipments scopes the listing by the caller's role: regulators and
// administrators see everything, manufacturers see batches they produced plus
// batches in their custody, everyone else sees only their custody.
func (s *QueryService) ListShipments(ctx context.Context, actor string) (protocol.ShipmentsResponse, error) {
	if actor == "" {
		return protocol.ShipmentsResponse{}, BadRequest("actor is required")
	}
	snapshot, err := s.store.RoleSnapshot(ctx)
	if err != nil {
		return protocol.ShipmentsResponse{}, Internal("read role snapshot", err)
	}
	reg := authz.NewRegistry(rolesFromSnapshot(snapshot), s.bootstrapAdmins)

	var filter storage.ShipmentFilter
	switch reg.RoleOf(actor) {
	case authz.RoleRegulator, authz.RoleAdministrator:
		// unscoped
	case authz.RoleManufacturer:
		filter = storage.ShipmentFilter{Holder: actor, Manufacturer: actor}
	default:
		filter = storage.ShipmentFilter{Holder: actor}
	}

	batches, err := s.store.ListBatches(ctx, filter)
	if err != nil {
		return protocol.ShipmentsResponse{}, Internal("list cached batches", err)
	}

	shipments := make([]protocol.Shipment, 0, len(batches))
	for _, batch := range batches {
		row := protocol.Shipment{
			BatchNumber: batch.BatchNumber,
			Status:      batch.Status,
			Origin:      batch.Manufacturer,
			Destination: batch.Holder,
			UpdatedAt:   batch.UpdatedAt,
		}
		if drug, ok, err := s.store.GetDrug(ctx, batch.NDC); err == nil && ok {
			row.Product = drug.Name
		}
		if latest, ok, err := s.store.LatestTransition(ctx, batch.BatchNumber); err == nil && ok {
			row.TxID = latest.TxID
		}
		shipments = append(shipments, row)
	}
	return protocol.ShipmentsResponse{Shipments: shipments}, nil
}

// BatchDetails joins cache rows for dashboards. A row past the freshness
// threshold is refreshed from the ledger first; if the ledger is unreachable
// the stale row is served rather than failing the read.
func (s *QueryService) BatchDetails(ctx context.Context, batchNumber string) (protocol.BatchDetails, error) {
	if batchNumber == "" {
		return protocol.BatchDetails{}, BadRequest("batch_number is required")
	}
	batch, found, err := s.store.GetBatch(ctx, batchNumber)
	if err != nil {
		return protocol.BatchDetails{}, Internal("read batch projection", err)
	}
	if !found || s.now().UTC().Sub(batch.UpdatedAt) > s.freshness {
		refreshed, ok := s.refresh(ctx, batchNumber, batch, found)
		if !ok && !found {
			return protocol.BatchDetails{}, NotFound("batch not registered")
		}
		if ok {
			batch = refreshed
		}
	}

	out := protocol.BatchDetails{
		BatchNumber:   batch.BatchNumber,
		NDC:           batch.NDC,
		Manufacturer:  batch.Manufacturer,
		ManufactureTS: batch.ManufactureTS,
		ExpiryTS:      batch.ExpiryTS,
		ContentRef:    batch.ContentRef,
		Status:        batch.Status,
		Verified:      batch.Verified,
		Holder:        batch.Holder,
	}
	if drug, ok, err := s.store.GetDrug(ctx, batch.NDC); err == nil && ok {
		out.DrugName = drug.Name
	}
	if latest, ok, err := s.store.LatestTransition(ctx, batchNumber); err == nil && ok {
		out.Latest = &latest
	}
	return out, nil
}

func (s *QueryService) refresh(ctx context.Context, batchNumber string, cached storage.BatchRecord, haveCached bool) (storage.BatchRecord, bool) {
	status, err := s.adapter.BatchStatus(ctx, batchNumber)
	s.countLedgerRead("status", err)
	if err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			s.logger.Warn("batch refresh failed", slog.String("batch_number", batchNumber), slog.String("error", err.Error()))
		}
		return storage.BatchRecord{}, false
	}
	if s.metrics != nil {
		s.metrics.CacheRefreshTotal.Inc()
	}
	out := cached
	if !haveCached {
		out = storage.BatchRecord{BatchNumber: status.BatchNumber, NDC: status.NDC}
	}
	out.Status = status.Status
	out.Verified = status.Verified
	out.Holder = status.Holder
	out.Position = status.Position
	// Repair the stale row so the next read within the freshness window is
	// served warm. A row the cache never held stays unpersisted: the status
	// endpoint does not carry the full registration metadata, and the rebuild
	// tool is the path for recovering whole rows.
	if haveCached {
		if err := s.store.UpsertBatch(ctx, out); err != nil {
			s.logger.Warn("cache repair failed", slog.String("batch_number", batchNumber), slog.String("error", err.Error()))
		}
	}
	return out, true
}

// Counts reports projection sizes for the health endpoint.
func (s *QueryService) Counts(ctx context.Context) (batches, drugs int) {
	if n, err := s.store.CountBatches(ctx); err == nil {
		batches = n
	}
	if n, err := s.store.CountDrugs(ctx); err == nil {
		drugs = n
	}
	return batches, drugs
}

func (s *QueryService) countLedgerRead(operation string, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.LedgerReadsTotal.WithLabelValues(operation, outcome).Inc()
}
