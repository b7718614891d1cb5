package service

import (
	"context"
	"testing"

	"github.com/PARADOX-12/TrustChain-Backend/internal/protocol"
)

func newTestNode(t *testing.T) (*LedgerNodeService, *memLedger) {
	t.Helper()
	store := newMemLedger()
	node, err := NewLedgerNode(LedgerNodeParams{
		Store:           store,
		NodeID:          "node-test",
		WriteToken:      "test-token",
		BootstrapAdmins: []string{"0xADMIN"},
	})
	if err != nil {
		t.Fatalf("NewLedgerNode: %v", err)
	}
	return node, store
}

func mustSubmit(t *testing.T, node *LedgerNodeService, tr protocol.Transition) protocol.LedgerReceipt {
	t.Helper()
	resp, err := node.Submit(context.Background(), tr)
	if err != nil {
		t.Fatalf("submit %s (%s): %v", tr.Action, tr.EventID, err)
	}
	return resp.Receipt
}

func grantTestRoles(t *testing.T, node *LedgerNodeService) {
	t.Helper()
	for i, grant := range []struct{ identity, role string }{
		{"0xM1", "MANUFACTURER"},
		{"0xD1", "DISTRIBUTOR"},
		{"0xR1", "REGULATOR"},
		{"0xP1", "PHARMACY"},
	} {
		mustSubmit(t, node, protocol.Transition{
			EventID: "grant-" + grant.identity,
			Action:  "grant_role",
			Actor:   "0xADMIN",
			To:      grant.identity,
			Role:    grant.role,
		})
		_ = i
	}
}

func TestNodeFullLifecycle(t *testing.T) {
	node, store := newTestNode(t)
	grantTestRoles(t, node)

	mustSubmit(t, node, protocol.Transition{
		EventID: "e-drug", Action: "register_drug", Actor: "0xM1",
		NDC: "0002-1433", Name: "Amoxicillin 500mg",
	})
	receipt := mustSubmit(t, node, protocol.Transition{
		EventID: "e-batch", Action: "register_batch", Actor: "0xM1",
		BatchNumber: "LOT-42", NDC: "0002-1433",
		ManufactureTS: 1700000000, ExpiryTS: 1800000000,
	})
	if receipt.Status != "MANUFACTURED" || receipt.Holder != "0xM1" {
		t.Fatalf("register receipt: %+v", receipt)
	}

	receipt = mustSubmit(t, node, protocol.Transition{
		EventID: "e-ship1", Action: "ship_batch", Actor: "0xM1",
		BatchNumber: "LOT-42", To: "0xD1",
	})
	if receipt.Status != "SHIPPED" || receipt.Holder != "0xD1" {
		t.Fatalf("ship receipt: %+v", receipt)
	}

	receipt = mustSubmit(t, node, protocol.Transition{
		EventID: "e-recv1", Action: "receive_batch", Actor: "0xD1", BatchNumber: "LOT-42",
	})
	if receipt.Status != "DELIVERED" {
		t.Fatalf("receive receipt: %+v", receipt)
	}

	receipt = mustSubmit(t, node, protocol.Transition{
		EventID: "e-verify", Action: "verify_batch", Actor: "0xR1", BatchNumber: "LOT-42",
	})
	if receipt.Status != "VERIFIED" || !receipt.Verified {
		t.Fatalf("verify receipt: %+v", receipt)
	}

	// Verified batches keep moving: ship on to the pharmacy, receive, dispense.
	mustSubmit(t, node, protocol.Transition{
		EventID: "e-ship2", Action: "ship_batch", Actor: "0xD1",
		BatchNumber: "LOT-42", To: "0xP1",
	})
	mustSubmit(t, node, protocol.Transition{
		EventID: "e-recv2", Action: "receive_batch", Actor: "0xP1", BatchNumber: "LOT-42",
	})
	receipt = mustSubmit(t, node, protocol.Transition{
		EventID: "e-dispense", Action: "dispense_batch", Actor: "0xP1", BatchNumber: "LOT-42",
	})
	if receipt.Status != "DISPENSED" {
		t.Fatalf("dispense receipt: %+v", receipt)
	}

	// Terminal: nothing else is accepted.
	_, err := node.Submit(context.Background(), protocol.Transition{
		EventID: "e-after", Action: "ship_batch", Actor: "0xP1",
		BatchNumber: "LOT-42", To: "0xD1",
	})
	if !IsCode(err, "LEDGER_REJECTED") {
		t.Fatalf("expected LEDGER_REJECTED after dispense, got %v", err)
	}

	if len(store.entries) != 12 {
		t.Fatalf("expected 12 chained entries, got %d", len(store.entries))
	}
	for i := 1; i < len(store.entries); i++ {
		if store.entries[i].PreviousHash != store.entries[i-1].EntryHash {
			t.Fatalf("chain break at entry %d", i)
		}
	}
}

func TestNodeRejectsUnverifiedDispense(t *testing.T) {
	node, _ := newTestNode(t)
	grantTestRoles(t, node)
	mustSubmit(t, node, protocol.Transition{
		EventID: "e-drug", Action: "register_drug", Actor: "0xM1", NDC: "0002-1433", Name: "Amoxicillin",
	})
	mustSubmit(t, node, protocol.Transition{
		EventID: "e-batch", Action: "register_batch", Actor: "0xM1", BatchNumber: "LOT-7", NDC: "0002-1433",
	})
	mustSubmit(t, node, protocol.Transition{
		EventID: "e-ship", Action: "ship_batch", Actor: "0xM1", BatchNumber: "LOT-7", To: "0xP1",
	})
	mustSubmit(t, node, protocol.Transition{
		EventID: "e-recv", Action: "receive_batch", Actor: "0xP1", BatchNumber: "LOT-7",
	})

	_, err := node.Submit(context.Background(), protocol.Transition{
		EventID: "e-dispense", Action: "dispense_batch", Actor: "0xP1", BatchNumber: "LOT-7",
	})
	if !IsCode(err, "LEDGER_REJECTED") {
		t.Fatalf("expected LEDGER_REJECTED for unverified dispense, got %v", err)
	}
}

func TestNodeAuthorizationDenials(t *testing.T) {
	node, _ := newTestNode(t)
	grantTestRoles(t, node)
	mustSubmit(t, node, protocol.Transition{
		EventID: "e-drug", Action: "register_drug", Actor: "0xM1", NDC: "0002-1433", Name: "Amoxicillin",
	})
	mustSubmit(t, node, protocol.Transition{
		EventID: "e-batch", Action: "register_batch", Actor: "0xM1", BatchNumber: "LOT-9", NDC: "0002-1433",
	})

	cases := []struct {
		name string
		tr   protocol.Transition
		code string
	}{
		{"distributor registers drug", protocol.Transition{
			EventID: "d1", Action: "register_drug", Actor: "0xD1", NDC: "9999-0001", Name: "X",
		}, "UNAUTHORIZED"},
		{"non-holder ships", protocol.Transition{
			EventID: "d2", Action: "ship_batch", Actor: "0xD1", BatchNumber: "LOT-9", To: "0xP1",
		}, "NOT_HOLDER"},
		{"distributor verifies", protocol.Transition{
			EventID: "d3", Action: "verify_batch", Actor: "0xD1", BatchNumber: "LOT-9",
		}, "UNAUTHORIZED"},
		{"pharmacy recalls", protocol.Transition{
			EventID: "d4", Action: "recall_batch", Actor: "0xP1", BatchNumber: "LOT-9",
		}, "UNAUTHORIZED"},
		{"non-admin grants", protocol.Transition{
			EventID: "d5", Action: "grant_role", Actor: "0xM1", To: "0xZZ", Role: "PHARMACY",
		}, "UNAUTHORIZED"},
		{"unknown role string", protocol.Transition{
			EventID: "d6", Action: "grant_role", Actor: "0xADMIN", To: "0xZZ", Role: "SUPERUSER",
		}, "BAD_REQUEST"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := node.Submit(context.Background(), tc.tr)
			if !IsCode(err, tc.code) {
				t.Fatalf("want %s, got %v", tc.code, err)
			}
		})
	}
}

func TestNodeRejectsLopsidedBatchTimestamps(t *testing.T) {
	node, _ := newTestNode(t)
	grantTestRoles(t, node)
	mustSubmit(t, node, protocol.Transition{
		EventID: "e-drug", Action: "register_drug", Actor: "0xM1", NDC: "0002-1433", Name: "Amoxicillin",
	})
	_, err := node.Submit(context.Background(), protocol.Transition{
		EventID: "e-batch", Action: "register_batch", Actor: "0xM1",
		BatchNumber: "LOT-TS", NDC: "0002-1433", ExpiryTS: 1800000000,
	})
	if !IsCode(err, "BAD_REQUEST") {
		t.Fatalf("expected BAD_REQUEST for expiry without manufacture timestamp, got %v", err)
	}
}

func TestNodeRevokedRoleLosesAccess(t *testing.T) {
	node, _ := newTestNode(t)
	grantTestRoles(t, node)
	mustSubmit(t, node, protocol.Transition{
		EventID: "e-revoke", Action: "revoke_role", Actor: "0xADMIN", To: "0xM1",
	})
	_, err := node.Submit(context.Background(), protocol.Transition{
		EventID: "e-drug", Action: "register_drug", Actor: "0xM1", NDC: "0002-1433", Name: "Amoxicillin",
	})
	if !IsCode(err, "UNAUTHORIZED") {
		t.Fatalf("expected UNAUTHORIZED after revocation, got %v", err)
	}
}

func TestNodeDuplicateEventReturnsOriginalReceipt(t *testing.T) {
	node, _ := newTestNode(t)
	grantTestRoles(t, node)
	first := mustSubmit(t, node, protocol.Transition{
		EventID: "e-drug", Action: "register_drug", Actor: "0xM1", NDC: "0002-1433", Name: "Amoxicillin",
	})
	resp, err := node.Submit(context.Background(), protocol.Transition{
		EventID: "e-drug", Action: "register_drug", Actor: "0xM1", NDC: "0002-1433", Name: "Amoxicillin",
	})
	if err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}
	if resp.Status != "duplicate" || !resp.Receipt.Duplicate {
		t.Fatalf("expected duplicate receipt, got %+v", resp)
	}
	if resp.Receipt.Position != first.Position || resp.Receipt.EntryHash != first.EntryHash {
		t.Fatalf("duplicate receipt differs: %+v vs %+v", resp.Receipt, first)
	}
}

func TestNodeRecallIsTerminalFromAnyState(t *testing.T) {
	node, _ := newTestNode(t)
	grantTestRoles(t, node)
	mustSubmit(t, node, protocol.Transition{
		EventID: "e-drug", Action: "register_drug", Actor: "0xM1", NDC: "0002-1433", Name: "Amoxicillin",
	})
	mustSubmit(t, node, protocol.Transition{
		EventID: "e-batch", Action: "register_batch", Actor: "0xM1", BatchNumber: "LOT-11", NDC: "0002-1433",
	})
	mustSubmit(t, node, protocol.Transition{
		EventID: "e-ship", Action: "ship_batch", Actor: "0xM1", BatchNumber: "LOT-11", To: "0xD1",
	})
	receipt := mustSubmit(t, node, protocol.Transition{
		EventID: "e-recall", Action: "recall_batch", Actor: "0xR1", BatchNumber: "LOT-11",
	})
	if receipt.Status != "RECALLED" {
		t.Fatalf("recall receipt: %+v", receipt)
	}
	_, err := node.Submit(context.Background(), protocol.Transition{
		EventID: "e-recv", Action: "receive_batch", Actor: "0xD1", BatchNumber: "LOT-11",
	})
	if !IsCode(err, "LEDGER_REJECTED") {
		t.Fatalf("expected LEDGER_REJECTED for recalled batch, got %v", err)
	}
}

func TestNodeWriteToken(t *testing.T) {
	node, _ := newTestNode(t)
	if !node.VerifyWriteToken("test-token") {
		t.Fatalf("valid token rejected")
	}
	if node.VerifyWriteToken("wrong") || node.VerifyWriteToken("") {
		t.Fatalf("invalid token accepted")
	}
}
