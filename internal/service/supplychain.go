package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PARADOX-12/TrustChain-Backend/internal/authz"
	"github.com/PARADOX-12/TrustChain-Backend/internal/ledger"
	"github.com/PARADOX-12/TrustChain-Backend/internal/lifecycle"
	"github.com/PARADOX-12/TrustChain-Backend/internal/metrics"
	"github.com/PARADOX-12/TrustChain-Backend/internal/protocol"
	"github.com/PARADOX-12/TrustChain-Backend/internal/storage"
)

// SupplyChainService coordinates batch lifecycle writes: defensive pre-checks
// against the projection cache, submission to the ledger, and projection of
// the confirmed receipt. Pre-checks exist to fail fast with a precise error;
// the ledger's own guard is the authority, and a pre-check that passes can
// still lose the race at submission time.
type SupplyChainService struct {
	store                storage.Store
	adapter              ledger.Adapter
	bootstrapAdmins      []string
	blockExpiredDispense bool
	source               string
	logger               *slog.Logger
	metrics              *metrics.Metrics
	now                  func() time.Time
}

type SupplyChainParams struct {
	Store                storage.Store
	Adapter              ledger.Adapter
	BootstrapAdmins      []string
	BlockExpiredDispense bool
	Source               string
	Logger               *slog.Logger
	Metrics              *metrics.Metrics
	Now                  func() time.Time
}

func NewSupplyChain(params SupplyChainParams) (*SupplyChainService, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if params.Adapter == nil {
		return nil, fmt.Errorf("ledger adapter is required")
	}
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	if params.Source == "" {
		params.Source = "trustchain-server"
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	return &SupplyChainService{
		store:                params.Store,
		adapter:              params.Adapter,
		bootstrapAdmins:      params.BootstrapAdmins,
		blockExpiredDispense: params.BlockExpiredDispense,
		source:               params.Source,
		logger:               params.Logger,
		metrics:              params.Metrics,
		now:                  params.Now,
	}, nil
}

func (s *SupplyChainService) RegisterDrug(ctx context.Context, req protocol.RegisterDrugRequest) (protocol.TransitionResponse, error) {
	if req.Actor == "" || req.NDC == "" || req.Name == "" {
		return protocol.TransitionResponse{}, BadRequest("actor, ndc, and name are required")
	}
	reg, err := s.registry(ctx)
	if err != nil {
		return protocol.TransitionResponse{}, err
	}
	if decision := authz.Authorize(reg, req.Actor, lifecycle.ActionRegisterDrug, authz.Subject{}); !decision.Allowed {
		return protocol.TransitionResponse{}, denyError(decision)
	}
	if _, exists, err := s.store.GetDrug(ctx, req.NDC); err != nil {
		return protocol.TransitionResponse{}, Internal("read drug projection", err)
	} else if exists {
		return protocol.TransitionResponse{}, InvalidTransition("ndc already registered", storage.ErrDrugExists)
	}

	receipt, err := s.submit(ctx, protocol.Transition{
		Action:      string(lifecycle.ActionRegisterDrug),
		Actor:       req.Actor,
		NDC:         req.NDC,
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		return protocol.TransitionResponse{}, err
	}

	if err := s.store.UpsertDrug(ctx, storage.DrugRecord{
		NDC:          req.NDC,
		Name:         req.Name,
		Description:  req.Description,
		Manufacturer: req.Actor,
		RegisteredAt: receipt.RecordedAt,
	}); err != nil {
		s.logger.Warn("drug projection update failed", slog.String("ndc", req.NDC), slog.String("error", err.Error()))
	}
	return protocol.TransitionResponse{Status: "registered", NDC: req.NDC, Receipt: receipt}, nil
}

func (s *SupplyChainService) RegisterBatch(ctx context.Context, req protocol.RegisterBatchRequest) (protocol.TransitionResponse, error) {
	if req.Actor == "" || req.BatchNumber == "" || req.NDC == "" {
		return protocol.TransitionResponse{}, BadRequest("actor, batch_number, and ndc are required")
	}
	// Zero timestamps mean the metadata was not supplied; one without the
	// other is a malformed request, not absent metadata.
	if (req.ManufactureTS != 0) != (req.ExpiryTS != 0) {
		return protocol.TransitionResponse{}, BadRequest("manufacture_ts and expiry_ts must be supplied together")
	}
	if req.ManufactureTS != 0 && req.ExpiryTS <= req.ManufactureTS {
		return protocol.TransitionResponse{}, BadRequest("expiry_ts must be after manufacture_ts")
	}
	reg, err := s.registry(ctx)
	if err != nil {
		return protocol.TransitionResponse{}, err
	}
	drug, exists, err := s.store.GetDrug(ctx, req.NDC)
	if err != nil {
		return protocol.TransitionResponse{}, Internal("read drug projection", err)
	}
	if !exists {
		return protocol.TransitionResponse{}, NotFound("drug not registered")
	}
	if decision := authz.Authorize(reg, req.Actor, lifecycle.ActionRegisterBatch, authz.Subject{DrugOwner: drug.Manufacturer}); !decision.Allowed {
		return protocol.TransitionResponse{}, denyError(decision)
	}
	if _, exists, err := s.store.GetBatch(ctx, req.BatchNumber); err != nil {
		return protocol.TransitionResponse{}, Internal("read batch projection", err)
	} else if exists {
		return protocol.TransitionResponse{}, InvalidTransition("batch number already registered", storage.ErrBatchExists)
	}

	receipt, err := s.submit(ctx, protocol.Transition{
		Action:        string(lifecycle.ActionRegisterBatch),
		Actor:         req.Actor,
		BatchNumber:   req.BatchNumber,
		NDC:           req.NDC,
		ManufactureTS: req.ManufactureTS,
		ExpiryTS:      req.ExpiryTS,
		ContentRef:    req.ContentRef,
	})
	if err != nil {
		return protocol.TransitionResponse{}, err
	}

	s.project(ctx, storage.BatchRecord{
		BatchNumber:   req.BatchNumber,
		NDC:           req.NDC,
		ManufactureTS: req.ManufactureTS,
		ExpiryTS:      req.ExpiryTS,
		ContentRef:    req.ContentRef,
		Status:        receipt.Status,
		Verified:      receipt.Verified,
		Holder:        receipt.Holder,
		Manufacturer:  req.Actor,
	}, receipt, req.Actor, "")
	return protocol.TransitionResponse{Status: "registered", BatchNumber: req.BatchNumber, NDC: req.NDC, Receipt: receipt}, nil
}

func (s *SupplyChainService) ShipBatch(ctx context.Context, req protocol.ShipBatchRequest) (protocol.TransitionResponse, error) {
	if req.Actor == "" || req.BatchNumber == "" || req.To == "" {
		return protocol.TransitionResponse{}, BadRequest("actor, batch_number, and to are required")
	}
	if req.To == req.Actor {
		return protocol.TransitionResponse{}, BadRequest("cannot ship a batch to yourself")
	}
	return s.batchAction(ctx, lifecycle.ActionShipBatch, req.Actor, req.BatchNumber, req.To)
}

func (s *SupplyChainService) ReceiveBatch(ctx context.Context, req protocol.BatchActionRequest) (protocol.TransitionResponse, error) {
	return s.simpleBatchAction(ctx, lifecycle.ActionReceiveBatch, req)
}

func (s *SupplyChainService) VerifyBatch(ctx context.Context, req protocol.BatchActionRequest) (protocol.TransitionResponse, error) {
	return s.simpleBatchAction(ctx, lifecycle.ActionVerifyBatch, req)
}

func (s *SupplyChainService) DispenseBatch(ctx context.Context, req protocol.BatchActionRequest) (protocol.TransitionResponse, error) {
	return s.simpleBatchAction(ctx, lifecycle.ActionDispenseBatch, req)
}

func (s *SupplyChainService) RecallBatch(ctx context.Context, req protocol.BatchActionRequest) (protocol.TransitionResponse, error) {
	return s.simpleBatchAction(ctx, lifecycle.ActionRecallBatch, req)
}

func (s *SupplyChainService) simpleBatchAction(ctx context.Context, action lifecycle.Action, req protocol.BatchActionRequest) (protocol.TransitionResponse, error) {
	if req.Actor == "" || req.BatchNumber == "" {
		return protocol.TransitionResponse{}, BadRequest("actor and batch_number are required")
	}
	return s.batchAction(ctx, action, req.Actor, req.BatchNumber, "")
}

func (s *SupplyChainService) batchAction(ctx context.Context, action lifecycle.Action, actor, batchNumber, to string) (protocol.TransitionResponse, error) {
	reg, err := s.registry(ctx)
	if err != nil {
		return protocol.TransitionResponse{}, err
	}
	batch, found, err := s.store.GetBatch(ctx, batchNumber)
	if err != nil {
		return protocol.TransitionResponse{}, Internal("read batch projection", err)
	}
	if !found {
		// Cache miss does not mean the batch does not exist; ask the ledger
		// before refusing.
		status, err := s.adapter.BatchStatus(ctx, batchNumber)
		if errors.Is(err, ledger.ErrNotFound) {
			return protocol.TransitionResponse{}, NotFound("batch not registered")
		}
		if err != nil {
			return protocol.TransitionResponse{}, mapAdapterError(err)
		}
		batch = storage.BatchRecord{
			BatchNumber: status.BatchNumber,
			NDC:         status.NDC,
			Status:      status.Status,
			Verified:    status.Verified,
			Holder:      status.Holder,
		}
	}

	if decision := authz.Authorize(reg, actor, action, authz.Subject{Holder: batch.Holder}); !decision.Allowed {
		return protocol.TransitionResponse{}, denyError(decision)
	}
	current := lifecycle.State{Status: lifecycle.Status(batch.Status), Verified: batch.Verified}
	if _, err := lifecycle.Next(current, action); err != nil {
		return protocol.TransitionResponse{}, InvalidTransition(err.Error(), err)
	}
	if action == lifecycle.ActionDispenseBatch && s.blockExpiredDispense && batch.ExpiryTS > 0 {
		if s.now().UTC().Unix() > batch.ExpiryTS {
			return protocol.TransitionResponse{}, InvalidTransition("batch is past its expiry date", nil)
		}
	}

	receipt, err := s.submit(ctx, protocol.Transition{
		Action:      string(action),
		Actor:       actor,
		BatchNumber: batchNumber,
		To:          to,
	})
	if err != nil {
		return protocol.TransitionResponse{}, err
	}

	updated := batch
	updated.Status = receipt.Status
	updated.Verified = receipt.Verified
	updated.Holder = receipt.Holder
	s.project(ctx, updated, receipt, actor, to)
	return protocol.TransitionResponse{Status: strings.ToLower(receipt.Status), BatchNumber: batchNumber, NDC: batch.NDC, Receipt: receipt}, nil
}

func (s *SupplyChainService) GrantRole(ctx context.Context, req protocol.GrantRoleRequest) (protocol.TransitionResponse, error) {
	if req.Actor == "" || req.Identity == "" {
		return protocol.TransitionResponse{}, BadRequest("actor and identity are required")
	}
	role, err := authz.ParseRole(req.Role)
	if err != nil {
		return protocol.TransitionResponse{}, BadRequest(err.Error())
	}
	return s.roleChange(ctx, lifecycle.ActionGrantRole, req.Actor, req.Identity, string(role))
}

func (s *SupplyChainService) RevokeRole(ctx context.Context, req protocol.GrantRoleRequest) (protocol.TransitionResponse, error) {
	if req.Actor == "" || req.Identity == "" {
		return protocol.TransitionResponse{}, BadRequest("actor and identity are required")
	}
	return s.roleChange(ctx, lifecycle.ActionRevokeRole, req.Actor, req.Identity, "")
}

func (s *SupplyChainService) roleChange(ctx context.Context, action lifecycle.Action, actor, identity, role string) (protocol.TransitionResponse, error) {
	reg, err := s.registry(ctx)
	if err != nil {
		return protocol.TransitionResponse{}, err
	}
	if decision := authz.Authorize(reg, actor, action, authz.Subject{}); !decision.Allowed {
		return protocol.TransitionResponse{}, denyError(decision)
	}

	receipt, err := s.submit(ctx, protocol.Transition{
		Action: string(action),
		Actor:  actor,
		To:     identity,
		Role:   role,
	})
	if err != nil {
		return protocol.TransitionResponse{}, err
	}

	grant := storage.RoleGrant{
		Identity:  identity,
		Role:      role,
		GrantedBy: actor,
		GrantedAt: receipt.RecordedAt,
		Revoked:   action == lifecycle.ActionRevokeRole,
		Position:  receipt.Position,
	}
	if grant.Role == "" {
		grant.Role = string(authz.RoleUser)
	}
	if err := s.store.ApplyRoleGrant(ctx, grant); err != nil {
		s.logger.Warn("role projection update failed", slog.String("identity", identity), slog.String("error", err.Error()))
	}
	return protocol.TransitionResponse{Status: "recorded", Receipt: receipt}, nil
}

// submit sends the transition with a fresh event id, retrying once on timeout
// with the same id; the ledger dedupes by event id so the retry cannot double
// apply.
func (s *SupplyChainService) submit(ctx context.Context, t protocol.Transition) (protocol.LedgerReceipt, error) {
	t.EventID = uuid.NewString()
	t.SubmittedAt = s.now().UTC()
	t.Source = s.source

	start := time.Now()
	receipt, err := s.adapter.Submit(ctx, t)
	if errors.Is(err, ledger.ErrTimeout) {
		receipt, err = s.adapter.Submit(ctx, t)
	}
	if s.metrics != nil {
		s.metrics.LedgerSubmitDuration.Observe(time.Since(start).Seconds())
		outcome := "recorded"
		if err != nil {
			outcome = "error"
		}
		s.metrics.TransitionsTotal.WithLabelValues(t.Action, outcome).Inc()
	}
	if err != nil {
		s.logger.Warn("ledger submission failed",
			slog.String("action", t.Action),
			slog.String("event_id", t.EventID),
			slog.String("error", err.Error()),
		)
		return protocol.LedgerReceipt{}, mapAdapterError(err)
	}
	s.logger.Info("transition recorded",
		slog.String("action", t.Action),
		slog.String("batch_number", t.BatchNumber),
		slog.Int64("position", receipt.Position),
		slog.String("tx_id", receipt.TxID),
		slog.Bool("duplicate", receipt.Duplicate),
	)
	return receipt, nil
}

// project applies a confirmed receipt to the cache. Failures are logged, not
// returned: the write already happened on the ledger, and the rebuild tool can
// repair a cache that fell behind.
func (s *SupplyChainService) project(ctx context.Context, batch storage.BatchRecord, receipt protocol.LedgerReceipt, actor, to string) {
	record := protocol.TransitionRecord{
		Position:    receipt.Position,
		BatchNumber: batch.BatchNumber,
		Kind:        receipt.Kind,
		Actor:       actor,
		To:          to,
		RecordedAt:  receipt.RecordedAt,
		TxID:        receipt.TxID,
		EntryHash:   receipt.EntryHash,
	}
	if err := s.store.ApplyTransition(ctx, batch, record); err != nil {
		s.logger.Warn("batch projection update failed",
			slog.String("batch_number", batch.BatchNumber),
			slog.Int64("position", receipt.Position),
			slog.String("error", err.Error()),
		)
	}
}

func (s *SupplyChainService) registry(ctx context.Context) (*authz.Registry, error) {
	snapshot, err := s.store.RoleSnapshot(ctx)
	if err != nil {
		return nil, Internal("read role snapshot", err)
	}
	return authz.NewRegistry(rolesFromSnapshot(snapshot), s.bootstrapAdmins), nil
}

func mapAdapterError(err error) *AppError {
	switch {
	case errors.Is(err, ledger.ErrRejected):
		return LedgerRejected("ledger rejected the transition", err)
	case errors.Is(err, ledger.ErrTimeout):
		return LedgerTimeout(err)
	case errors.Is(err, ledger.ErrUnavailable):
		return LedgerUnavailable(err)
	case errors.Is(err, ledger.ErrNotFound):
		return NotFound("not found on ledger")
	default:
		return Internal("ledger call failed", err)
	}
}
