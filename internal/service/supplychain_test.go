package service

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/PARADOX-12/TrustChain-Backend/internal/protocol"
	"github.com/PARADOX-12/TrustChain-Backend/internal/storage/memory"
)

type fixture struct {
	svc   *SupplyChainService
	query *QueryService
	store *memory.Store
	node  *LedgerNodeService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	node, _ := newTestNode(t)
	store := memory.New()
	adapter := &localAdapter{node: node}
	svc, err := NewSupplyChain(SupplyChainParams{
		Store:           store,
		Adapter:         adapter,
		BootstrapAdmins: []string{"0xADMIN"},
		Logger:          slog.Default(),
	})
	if err != nil {
		t.Fatalf("NewSupplyChain: %v", err)
	}
	query, err := NewQuery(QueryParams{
		Store:           store,
		Adapter:         adapter,
		BootstrapAdmins: []string{"0xADMIN"},
		Logger:          slog.Default(),
	})
	if err != nil {
		t.Fatalf("NewQuery: %v", err)
	}
	return &fixture{svc: svc, query: query, store: store, node: node}
}

func (f *fixture) grantRoles(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, grant := range []struct{ identity, role string }{
		{"0xM1", "MANUFACTURER"},
		{"0xD1", "DISTRIBUTOR"},
		{"0xR1", "REGULATOR"},
		{"0xP1", "PHARMACY"},
	} {
		if _, err := f.svc.GrantRole(ctx, protocol.GrantRoleRequest{
			Actor: "0xADMIN", Identity: grant.identity, Role: grant.role,
		}); err != nil {
			t.Fatalf("grant %s: %v", grant.identity, err)
		}
	}
}

func TestSupplyChainScenario(t *testing.T) {
	f := newFixture(t)
	f.grantRoles(t)
	ctx := context.Background()

	if _, err := f.svc.RegisterDrug(ctx, protocol.RegisterDrugRequest{
		Actor: "0xM1", Name: "Amoxicillin 500mg", NDC: "0002-1433",
	}); err != nil {
		t.Fatalf("register drug: %v", err)
	}
	if _, err := f.svc.RegisterBatch(ctx, protocol.RegisterBatchRequest{
		Actor: "0xM1", BatchNumber: "LOT-42", NDC: "0002-1433",
		ManufactureTS: 1700000000, ExpiryTS: 1800000000,
	}); err != nil {
		t.Fatalf("register batch: %v", err)
	}
	if _, err := f.svc.ShipBatch(ctx, protocol.ShipBatchRequest{
		Actor: "0xM1", BatchNumber: "LOT-42", To: "0xD1",
	}); err != nil {
		t.Fatalf("ship: %v", err)
	}
	if _, err := f.svc.ReceiveBatch(ctx, protocol.BatchActionRequest{
		Actor: "0xD1", BatchNumber: "LOT-42",
	}); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if _, err := f.svc.VerifyBatch(ctx, protocol.BatchActionRequest{
		Actor: "0xR1", BatchNumber: "LOT-42",
	}); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := f.svc.ShipBatch(ctx, protocol.ShipBatchRequest{
		Actor: "0xD1", BatchNumber: "LOT-42", To: "0xP1",
	}); err != nil {
		t.Fatalf("ship to pharmacy: %v", err)
	}
	if _, err := f.svc.ReceiveBatch(ctx, protocol.BatchActionRequest{
		Actor: "0xP1", BatchNumber: "LOT-42",
	}); err != nil {
		t.Fatalf("pharmacy receive: %v", err)
	}
	resp, err := f.svc.DispenseBatch(ctx, protocol.BatchActionRequest{
		Actor: "0xP1", BatchNumber: "LOT-42",
	})
	if err != nil {
		t.Fatalf("dispense: %v", err)
	}
	if resp.Receipt.Status != "DISPENSED" {
		t.Fatalf("dispense receipt: %+v", resp.Receipt)
	}

	status, err := f.query.GetStatus(ctx, "LOT-42")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.Status != "DISPENSED" || !status.Verified {
		t.Fatalf("status: %+v", status)
	}

	history, err := f.query.GetHistory(ctx, "LOT-42")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	wantKinds := []string{"Registered", "Shipped", "Received", "Verified", "Shipped", "Received", "Dispensed"}
	if len(history.Transitions) != len(wantKinds) {
		t.Fatalf("history length = %d, want %d", len(history.Transitions), len(wantKinds))
	}
	for i, rec := range history.Transitions {
		if rec.Kind != wantKinds[i] {
			t.Fatalf("history[%d].Kind = %s, want %s", i, rec.Kind, wantKinds[i])
		}
		if i > 0 && rec.Position <= history.Transitions[i-1].Position {
			t.Fatalf("history out of order at %d", i)
		}
	}
}

func TestSupplyChainPreCheckDenials(t *testing.T) {
	f := newFixture(t)
	f.grantRoles(t)
	ctx := context.Background()

	if _, err := f.svc.RegisterDrug(ctx, protocol.RegisterDrugRequest{
		Actor: "0xM1", Name: "Amoxicillin", NDC: "0002-1433",
	}); err != nil {
		t.Fatalf("register drug: %v", err)
	}
	if _, err := f.svc.RegisterBatch(ctx, protocol.RegisterBatchRequest{
		Actor: "0xM1", BatchNumber: "LOT-1", NDC: "0002-1433",
	}); err != nil {
		t.Fatalf("register batch: %v", err)
	}

	cases := []struct {
		name string
		run  func() error
		code string
	}{
		{"unauthorized drug registration", func() error {
			_, err := f.svc.RegisterDrug(ctx, protocol.RegisterDrugRequest{Actor: "0xD1", Name: "X", NDC: "9-1"})
			return err
		}, "UNAUTHORIZED"},
		{"duplicate ndc", func() error {
			_, err := f.svc.RegisterDrug(ctx, protocol.RegisterDrugRequest{Actor: "0xM1", Name: "Again", NDC: "0002-1433"})
			return err
		}, "INVALID_TRANSITION"},
		{"duplicate batch number", func() error {
			_, err := f.svc.RegisterBatch(ctx, protocol.RegisterBatchRequest{Actor: "0xM1", BatchNumber: "LOT-1", NDC: "0002-1433"})
			return err
		}, "INVALID_TRANSITION"},
		{"batch for unknown drug", func() error {
			_, err := f.svc.RegisterBatch(ctx, protocol.RegisterBatchRequest{Actor: "0xM1", BatchNumber: "LOT-2", NDC: "9999-9"})
			return err
		}, "NOT_FOUND"},
		{"non-holder ship", func() error {
			_, err := f.svc.ShipBatch(ctx, protocol.ShipBatchRequest{Actor: "0xD1", BatchNumber: "LOT-1", To: "0xP1"})
			return err
		}, "NOT_HOLDER"},
		{"receive before ship", func() error {
			_, err := f.svc.ReceiveBatch(ctx, protocol.BatchActionRequest{Actor: "0xM1", BatchNumber: "LOT-1"})
			return err
		}, "INVALID_TRANSITION"},
		{"dispense unverified", func() error {
			_, err := f.svc.DispenseBatch(ctx, protocol.BatchActionRequest{Actor: "0xP1", BatchNumber: "LOT-1"})
			return err
		}, "NOT_HOLDER"},
		{"unknown batch", func() error {
			_, err := f.svc.VerifyBatch(ctx, protocol.BatchActionRequest{Actor: "0xR1", BatchNumber: "LOT-404"})
			return err
		}, "NOT_FOUND"},
		{"self shipment", func() error {
			_, err := f.svc.ShipBatch(ctx, protocol.ShipBatchRequest{Actor: "0xM1", BatchNumber: "LOT-1", To: "0xM1"})
			return err
		}, "BAD_REQUEST"},
		{"expiry without manufacture timestamp", func() error {
			_, err := f.svc.RegisterBatch(ctx, protocol.RegisterBatchRequest{Actor: "0xM1", BatchNumber: "LOT-3", NDC: "0002-1433", ExpiryTS: 1_800_000_000})
			return err
		}, "BAD_REQUEST"},
		{"unknown role", func() error {
			_, err := f.svc.GrantRole(ctx, protocol.GrantRoleRequest{Actor: "0xADMIN", Identity: "0xZZ", Role: "superuser"})
			return err
		}, "BAD_REQUEST"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.run()
			if !IsCode(err, tc.code) {
				t.Fatalf("want %s, got %v", tc.code, err)
			}
		})
	}
}

func TestVerifyBatchIdempotentButAudited(t *testing.T) {
	f := newFixture(t)
	f.grantRoles(t)
	ctx := context.Background()

	if _, err := f.svc.RegisterDrug(ctx, protocol.RegisterDrugRequest{Actor: "0xM1", Name: "Amoxicillin", NDC: "0002-1433"}); err != nil {
		t.Fatalf("register drug: %v", err)
	}
	if _, err := f.svc.RegisterBatch(ctx, protocol.RegisterBatchRequest{Actor: "0xM1", BatchNumber: "LOT-V", NDC: "0002-1433"}); err != nil {
		t.Fatalf("register batch: %v", err)
	}

	// Verifying twice succeeds both times and leaves the batch verified,
	// but each attestation still lands in the audit trail.
	for i := 0; i < 2; i++ {
		resp, err := f.svc.VerifyBatch(ctx, protocol.BatchActionRequest{Actor: "0xR1", BatchNumber: "LOT-V"})
		if err != nil {
			t.Fatalf("verify %d: %v", i+1, err)
		}
		if resp.Receipt.Status != "VERIFIED" || !resp.Receipt.Verified {
			t.Fatalf("verify %d receipt: %+v", i+1, resp.Receipt)
		}
	}

	status, err := f.query.GetStatus(ctx, "LOT-V")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.Status != "VERIFIED" || !status.Verified {
		t.Fatalf("status after double verify: %+v", status)
	}

	history, err := f.query.GetHistory(ctx, "LOT-V")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	wantKinds := []string{"Registered", "Verified", "Verified"}
	if len(history.Transitions) != len(wantKinds) {
		t.Fatalf("history length = %d, want %d", len(history.Transitions), len(wantKinds))
	}
	for i, rec := range history.Transitions {
		if rec.Kind != wantKinds[i] {
			t.Fatalf("history[%d].Kind = %s, want %s", i, rec.Kind, wantKinds[i])
		}
	}
}

func TestReceiveByWrongAddresseeIsNotHolder(t *testing.T) {
	f := newFixture(t)
	f.grantRoles(t)
	ctx := context.Background()

	if _, err := f.svc.RegisterDrug(ctx, protocol.RegisterDrugRequest{Actor: "0xM1", Name: "Amoxicillin", NDC: "0002-1433"}); err != nil {
		t.Fatalf("register drug: %v", err)
	}
	if _, err := f.svc.RegisterBatch(ctx, protocol.RegisterBatchRequest{Actor: "0xM1", BatchNumber: "LOT-W", NDC: "0002-1433"}); err != nil {
		t.Fatalf("register batch: %v", err)
	}
	if _, err := f.svc.ShipBatch(ctx, protocol.ShipBatchRequest{Actor: "0xM1", BatchNumber: "LOT-W", To: "0xD1"}); err != nil {
		t.Fatalf("ship: %v", err)
	}

	// Only the addressee of the preceding shipment may receive.
	_, err := f.svc.ReceiveBatch(ctx, protocol.BatchActionRequest{Actor: "0xP1", BatchNumber: "LOT-W"})
	if !IsCode(err, "NOT_HOLDER") {
		t.Fatalf("expected NOT_HOLDER for wrong addressee, got %v", err)
	}

	// The rejected attempt left no record behind.
	history, err := f.query.GetHistory(ctx, "LOT-W")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(history.Transitions) != 2 {
		t.Fatalf("history length = %d, want 2 (Registered, Shipped)", len(history.Transitions))
	}

	if _, err := f.svc.ReceiveBatch(ctx, protocol.BatchActionRequest{Actor: "0xD1", BatchNumber: "LOT-W"}); err != nil {
		t.Fatalf("addressee receive: %v", err)
	}
}

func TestSupplyChainExpiredDispenseToggle(t *testing.T) {
	node, _ := newTestNode(t)
	store := memory.New()
	adapter := &localAdapter{node: node}
	now := time.Unix(1_900_000_000, 0)
	svc, err := NewSupplyChain(SupplyChainParams{
		Store:                store,
		Adapter:              adapter,
		BootstrapAdmins:      []string{"0xADMIN"},
		BlockExpiredDispense: true,
		Now:                  func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewSupplyChain: %v", err)
	}
	ctx := context.Background()
	for _, grant := range []struct{ identity, role string }{
		{"0xM1", "MANUFACTURER"}, {"0xR1", "REGULATOR"}, {"0xP1", "PHARMACY"},
	} {
		if _, err := svc.GrantRole(ctx, protocol.GrantRoleRequest{Actor: "0xADMIN", Identity: grant.identity, Role: grant.role}); err != nil {
			t.Fatalf("grant: %v", err)
		}
	}
	if _, err := svc.RegisterDrug(ctx, protocol.RegisterDrugRequest{Actor: "0xM1", Name: "Amoxicillin", NDC: "0002-1433"}); err != nil {
		t.Fatalf("register drug: %v", err)
	}
	// Expiry long in the past relative to the pinned clock.
	if _, err := svc.RegisterBatch(ctx, protocol.RegisterBatchRequest{
		Actor: "0xM1", BatchNumber: "LOT-EXP", NDC: "0002-1433",
		ManufactureTS: 1_700_000_000, ExpiryTS: 1_800_000_000,
	}); err != nil {
		t.Fatalf("register batch: %v", err)
	}
	if _, err := svc.ShipBatch(ctx, protocol.ShipBatchRequest{Actor: "0xM1", BatchNumber: "LOT-EXP", To: "0xP1"}); err != nil {
		t.Fatalf("ship: %v", err)
	}
	if _, err := svc.ReceiveBatch(ctx, protocol.BatchActionRequest{Actor: "0xP1", BatchNumber: "LOT-EXP"}); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if _, err := svc.VerifyBatch(ctx, protocol.BatchActionRequest{Actor: "0xR1", BatchNumber: "LOT-EXP"}); err != nil {
		t.Fatalf("verify: %v", err)
	}
	_, err = svc.DispenseBatch(ctx, protocol.BatchActionRequest{Actor: "0xP1", BatchNumber: "LOT-EXP"})
	if !IsCode(err, "INVALID_TRANSITION") {
		t.Fatalf("expected INVALID_TRANSITION for expired batch, got %v", err)
	}
}

func TestRebuildRestoresProjection(t *testing.T) {
	f := newFixture(t)
	f.grantRoles(t)
	ctx := context.Background()

	if _, err := f.svc.RegisterDrug(ctx, protocol.RegisterDrugRequest{Actor: "0xM1", Name: "Amoxicillin", NDC: "0002-1433"}); err != nil {
		t.Fatalf("register drug: %v", err)
	}
	if _, err := f.svc.RegisterBatch(ctx, protocol.RegisterBatchRequest{Actor: "0xM1", BatchNumber: "LOT-R", NDC: "0002-1433"}); err != nil {
		t.Fatalf("register batch: %v", err)
	}
	if _, err := f.svc.ShipBatch(ctx, protocol.ShipBatchRequest{Actor: "0xM1", BatchNumber: "LOT-R", To: "0xD1"}); err != nil {
		t.Fatalf("ship: %v", err)
	}

	fresh := memory.New()
	rebuilder := NewRebuilder(fresh, &localAdapter{node: f.node}, 3, slog.Default())
	applied, err := rebuilder.Rebuild(ctx)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if applied != 7 {
		t.Fatalf("applied = %d, want 7", applied)
	}

	batch, found, err := fresh.GetBatch(ctx, "LOT-R")
	if err != nil || !found {
		t.Fatalf("rebuilt batch missing: %v", err)
	}
	if batch.Status != "SHIPPED" || batch.Holder != "0xD1" {
		t.Fatalf("rebuilt batch: %+v", batch)
	}
	roles, err := fresh.RoleSnapshot(ctx)
	if err != nil {
		t.Fatalf("role snapshot: %v", err)
	}
	if roles["0xM1"] != "MANUFACTURER" || roles["0xP1"] != "PHARMACY" {
		t.Fatalf("rebuilt roles: %+v", roles)
	}
	records, err := fresh.ListTransitions(ctx, "LOT-R")
	if err != nil {
		t.Fatalf("rebuilt transitions: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("rebuilt transition count = %d, want 2", len(records))
	}
}
