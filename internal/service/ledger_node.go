package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PARADOX-12/TrustChain-Backend/internal/authz"
	"github.com/PARADOX-12/TrustChain-Backend/internal/lifecycle"
	"github.com/PARADOX-12/TrustChain-Backend/internal/protocol"
	"github.com/PARADOX-12/TrustChain-Backend/internal/storage"
)

// LedgerStore is the node's backing store. SubmitTransition must evaluate the
// guard and append atomically; a guard error leaves the chain untouched.
type LedgerStore interface {
	SubmitTransition(ctx context.Context, t protocol.Transition, guard storage.LedgerGuardFunc) (protocol.LedgerReceipt, error)
	BatchStatus(ctx context.Context, batchNumber string) (storage.BatchRecord, bool, error)
	Transitions(ctx context.Context, batchNumber string) ([]protocol.TransitionRecord, error)
	ListEntries(ctx context.Context, after int64, limit int) ([]protocol.LedgerEntry, error)
	LatestEntry(ctx context.Context) (protocol.LedgerEntry, bool, error)
}

// LedgerNodeService is the final authority on every transition. The
// application layer runs the same gate and state machine as a pre-check, but
// only the guard evaluated here, inside the store's transaction, decides.
type LedgerNodeService struct {
	store           LedgerStore
	nodeID          string
	writeToken      string
	bootstrapAdmins []string
	service         string
	version         string
}

type LedgerNodeParams struct {
	Store           LedgerStore
	NodeID          string
	WriteToken      string
	BootstrapAdmins []string
	Service         string
	Version         string
}

func NewLedgerNode(params LedgerNodeParams) (*LedgerNodeService, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if params.NodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if params.WriteToken == "" {
		return nil, fmt.Errorf("write token is required")
	}
	if params.Service == "" {
		params.Service = "trustchain-ledger-node"
	}
	if params.Version == "" {
		params.Version = "dev"
	}
	return &LedgerNodeService{
		store:           params.Store,
		nodeID:          params.NodeID,
		writeToken:      params.WriteToken,
		bootstrapAdmins: params.BootstrapAdmins,
		service:         params.Service,
		version:         params.Version,
	}, nil
}

func (s *LedgerNodeService) VerifyWriteToken(token string) bool {
	token = strings.TrimSpace(token)
	if token == "" || s.writeToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.writeToken)) == 1
}

func (s *LedgerNodeService) Submit(ctx context.Context, t protocol.Transition) (protocol.SubmitResponse, error) {
	if t.EventID == "" || t.Action == "" || t.Actor == "" {
		return protocol.SubmitResponse{}, BadRequest("event_id, action, and actor are required")
	}
	action, err := lifecycle.ParseAction(t.Action)
	if err != nil {
		return protocol.SubmitResponse{}, BadRequest(err.Error())
	}
	if err := validateShape(t, action); err != nil {
		return protocol.SubmitResponse{}, err
	}
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = time.Now().UTC()
	}

	receipt, err := s.store.SubmitTransition(ctx, t, s.guard(t, action))
	if err != nil {
		var appErr *AppError
		if errors.As(err, &appErr) {
			return protocol.SubmitResponse{}, appErr
		}
		return protocol.SubmitResponse{}, Internal("submit transition", err)
	}
	status := "recorded"
	if receipt.Duplicate {
		status = "duplicate"
	}
	return protocol.SubmitResponse{Status: status, Receipt: receipt}, nil
}

func validateShape(t protocol.Transition, action lifecycle.Action) error {
	switch action {
	case lifecycle.ActionRegisterDrug:
		if t.NDC == "" || t.Name == "" {
			return BadRequest("ndc and name are required for drug registration")
		}
	case lifecycle.ActionRegisterBatch:
		if t.BatchNumber == "" || t.NDC == "" {
			return BadRequest("batch_number and ndc are required for batch registration")
		}
		if (t.ManufactureTS != 0) != (t.ExpiryTS != 0) {
			return BadRequest("manufacture_ts and expiry_ts must be supplied together")
		}
		if t.ManufactureTS != 0 && t.ExpiryTS <= t.ManufactureTS {
			return BadRequest("expiry_ts must be after manufacture_ts")
		}
	case lifecycle.ActionShipBatch:
		if t.BatchNumber == "" || t.To == "" {
			return BadRequest("batch_number and to are required for shipping")
		}
	case lifecycle.ActionReceiveBatch, lifecycle.ActionVerifyBatch, lifecycle.ActionDispenseBatch, lifecycle.ActionRecallBatch:
		if t.BatchNumber == "" {
			return BadRequest("batch_number is required")
		}
	case lifecycle.ActionGrantRole, lifecycle.ActionRevokeRole:
		if t.To == "" {
			return BadRequest("to identity is required for role changes")
		}
		if action == lifecycle.ActionGrantRole {
			if _, err := authz.ParseRole(t.Role); err != nil {
				return BadRequest(err.Error())
			}
		}
	}
	return nil
}

// guard builds the accept-or-reject closure the store evaluates inside its
// transaction. It re-runs authorization and the state machine against the
// derived state as of the chain head, so a pre-check that passed at the
// application layer can still lose here.
func (s *LedgerNodeService) guard(t protocol.Transition, action lifecycle.Action) storage.LedgerGuardFunc {
	return func(state storage.LedgerGuardState) (storage.LedgerEffect, error) {
		reg := authz.NewRegistry(rolesFromSnapshot(state.Roles), s.bootstrapAdmins)

		switch action {
		case lifecycle.ActionRegisterDrug:
			return s.guardRegisterDrug(t, state, reg)
		case lifecycle.ActionRegisterBatch:
			return s.guardRegisterBatch(t, state, reg)
		case lifecycle.ActionGrantRole, lifecycle.ActionRevokeRole:
			return s.guardRoleChange(t, action, reg)
		default:
			return s.guardBatchAction(t, action, state, reg)
		}
	}
}

func (s *LedgerNodeService) guardRegisterDrug(t protocol.Transition, state storage.LedgerGuardState, reg *authz.Registry) (storage.LedgerEffect, error) {
	if decision := authz.Authorize(reg, t.Actor, lifecycle.ActionRegisterDrug, authz.Subject{}); !decision.Allowed {
		return storage.LedgerEffect{}, denyError(decision)
	}
	if state.DrugExists {
		return storage.LedgerEffect{}, LedgerRejected("ndc already registered", storage.ErrLedgerDrugExists)
	}
	return storage.LedgerEffect{
		Kind: string(lifecycle.KindDrugRegistered),
		Drug: &storage.DrugRecord{
			NDC:          t.NDC,
			Name:         t.Name,
			Description:  t.Description,
			Manufacturer: t.Actor,
		},
	}, nil
}

func (s *LedgerNodeService) guardRegisterBatch(t protocol.Transition, state storage.LedgerGuardState, reg *authz.Registry) (storage.LedgerEffect, error) {
	if !state.DrugExists {
		return storage.LedgerEffect{}, LedgerRejected("drug not registered", storage.ErrLedgerNoSuchDrug)
	}
	subject := authz.Subject{DrugOwner: state.Drug.Manufacturer}
	if decision := authz.Authorize(reg, t.Actor, lifecycle.ActionRegisterBatch, subject); !decision.Allowed {
		return storage.LedgerEffect{}, denyError(decision)
	}
	if state.BatchExists {
		return storage.LedgerEffect{}, LedgerRejected("batch number already registered", storage.ErrLedgerBatchExists)
	}
	initial := lifecycle.Initial()
	return storage.LedgerEffect{
		Kind: string(lifecycle.KindRegistered),
		Batch: &storage.BatchRecord{
			BatchNumber:   t.BatchNumber,
			NDC:           t.NDC,
			ManufactureTS: t.ManufactureTS,
			ExpiryTS:      t.ExpiryTS,
			ContentRef:    t.ContentRef,
			Status:        string(initial.Status),
			Verified:      initial.Verified,
			Holder:        t.Actor,
			Manufacturer:  t.Actor,
		},
	}, nil
}

func (s *LedgerNodeService) guardRoleChange(t protocol.Transition, action lifecycle.Action, reg *authz.Registry) (storage.LedgerEffect, error) {
	if decision := authz.Authorize(reg, t.Actor, action, authz.Subject{}); !decision.Allowed {
		return storage.LedgerEffect{}, denyError(decision)
	}
	grant := &storage.RoleGrant{
		Identity:  t.To,
		GrantedBy: t.Actor,
	}
	kind := lifecycle.KindRoleGranted
	if action == lifecycle.ActionRevokeRole {
		grant.Revoked = true
		grant.Role = string(authz.RoleUser)
		kind = lifecycle.KindRoleRevoked
	} else {
		role, err := authz.ParseRole(t.Role)
		if err != nil {
			return storage.LedgerEffect{}, BadRequest(err.Error())
		}
		grant.Role = string(role)
	}
	return storage.LedgerEffect{Kind: string(kind), Role: grant}, nil
}

func (s *LedgerNodeService) guardBatchAction(t protocol.Transition, action lifecycle.Action, state storage.LedgerGuardState, reg *authz.Registry) (storage.LedgerEffect, error) {
	if !state.BatchExists {
		return storage.LedgerEffect{}, LedgerRejected("batch not registered", storage.ErrLedgerNoSuchBatch)
	}
	batch := state.Batch

	// The relational check for ship/receive/dispense compares against the
	// batch's current holder; for a shipped batch that is the addressee.
	subject := authz.Subject{Holder: batch.Holder}
	if decision := authz.Authorize(reg, t.Actor, action, subject); !decision.Allowed {
		return storage.LedgerEffect{}, denyError(decision)
	}

	current := lifecycle.State{Status: lifecycle.Status(batch.Status), Verified: batch.Verified}
	next, err := lifecycle.Next(current, action)
	if err != nil {
		return storage.LedgerEffect{}, LedgerRejected(err.Error(), err)
	}

	updated := batch
	updated.Status = string(next.Status)
	updated.Verified = next.Verified
	if action == lifecycle.ActionShipBatch {
		updated.Holder = t.To
	}

	kind, ok := lifecycle.KindFor(action)
	if !ok {
		return storage.LedgerEffect{}, BadRequest(fmt.Sprintf("action %q does not produce a batch record", action))
	}
	return storage.LedgerEffect{Kind: string(kind), Batch: &updated}, nil
}

func denyError(decision authz.Decision) *AppError {
	if decision.Reason == authz.DenyNotHolder {
		return NotHolder(decision.Detail)
	}
	return Unauthorized(decision.Detail)
}

func rolesFromSnapshot(snapshot map[string]string) map[string]authz.Role {
	out := make(map[string]authz.Role, len(snapshot))
	for identity, raw := range snapshot {
		role, err := authz.ParseRole(raw)
		if err != nil {
			continue
		}
		out[identity] = role
	}
	return out
}

func (s *LedgerNodeService) BatchStatus(ctx context.Context, batchNumber string) (protocol.BatchStatusResponse, error) {
	batch, found, err := s.store.BatchStatus(ctx, batchNumber)
	if err != nil {
		return protocol.BatchStatusResponse{}, Internal("get batch status", err)
	}
	if !found {
		return protocol.BatchStatusResponse{}, NotFound("batch not registered")
	}
	return protocol.BatchStatusResponse{
		BatchNumber: batch.BatchNumber,
		NDC:         batch.NDC,
		Status:      batch.Status,
		Verified:    batch.Verified,
		Holder:      batch.Holder,
		Position:    batch.Position,
	}, nil
}

func (s *LedgerNodeService) BatchTransitions(ctx context.Context, batchNumber string) (protocol.BatchTransitionsResponse, error) {
	records, err := s.store.Transitions(ctx, batchNumber)
	if err != nil {
		return protocol.BatchTransitionsResponse{}, Internal("list batch transitions", err)
	}
	if len(records) == 0 {
		return protocol.BatchTransitionsResponse{}, NotFound("batch not registered")
	}
	return protocol.BatchTransitionsResponse{BatchNumber: batchNumber, Transitions: records}, nil
}

func (s *LedgerNodeService) IsBatchVerified(ctx context.Context, batchNumber string) (protocol.BatchVerifiedResponse, error) {
	batch, found, err := s.store.BatchStatus(ctx, batchNumber)
	if err != nil {
		return protocol.BatchVerifiedResponse{}, Internal("get batch status", err)
	}
	if !found {
		return protocol.BatchVerifiedResponse{}, NotFound("batch not registered")
	}
	return protocol.BatchVerifiedResponse{BatchNumber: batch.BatchNumber, Verified: batch.Verified}, nil
}

func (s *LedgerNodeService) ListEntries(ctx context.Context, after int64, limit int) (protocol.ListEntriesResponse, error) {
	entries, err := s.store.ListEntries(ctx, after, limit)
	if err != nil {
		return protocol.ListEntriesResponse{}, Internal("list ledger entries", err)
	}
	return protocol.ListEntriesResponse{Entries: entries}, nil
}

func (s *LedgerNodeService) LatestEntry(ctx context.Context) (protocol.LedgerEntry, bool, error) {
	entry, found, err := s.store.LatestEntry(ctx)
	if err != nil {
		return protocol.LedgerEntry{}, false, Internal("get latest entry", err)
	}
	return entry, found, nil
}

func (s *LedgerNodeService) Health(ctx context.Context) (protocol.LedgerHealthResponse, error) {
	out := protocol.LedgerHealthResponse{
		Service: s.service,
		Version: s.version,
		NodeID:  s.nodeID,
	}
	latest, found, err := s.store.LatestEntry(ctx)
	if err != nil {
		return out, Internal("get latest entry", err)
	}
	if found {
		out.LatestIndex = latest.Position
		out.LatestHash = latest.EntryHash
	}
	return out, nil
}
