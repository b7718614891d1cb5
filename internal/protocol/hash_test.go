package protocol

import (
	"testing"
	"time"
)

func TestEntryHashChangesWithPreviousHash(t *testing.T) {
	tr := Transition{
		EventID:     "evt_1",
		Action:      "ship_batch",
		Actor:       "0xM1",
		BatchNumber: "B1",
		To:          "0xD1",
	}
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h1, err := EntryHash(tr, "", at)
	if err != nil {
		t.Fatalf("EntryHash returned error: %v", err)
	}
	h2, err := EntryHash(tr, h1, at)
	if err != nil {
		t.Fatalf("EntryHash returned error: %v", err)
	}
	if h1 == h2 {
		t.Fatalf("expected chained hash to differ from genesis hash")
	}
}

func TestEntryHashDeterministic(t *testing.T) {
	tr := Transition{EventID: "evt_2", Action: "verify_batch", Actor: "0xR1", BatchNumber: "B1"}
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h1, err := EntryHash(tr, "prev", at)
	if err != nil {
		t.Fatalf("EntryHash returned error: %v", err)
	}
	h2, err := EntryHash(tr, "prev", at)
	if err != nil {
		t.Fatalf("EntryHash returned error: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected deterministic hash, got %s vs %s", h1, h2)
	}
}

func TestEntryHashSensitiveToPayload(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a := Transition{EventID: "evt_3", Action: "ship_batch", Actor: "0xM1", BatchNumber: "B1", To: "0xD1"}
	b := a
	b.To = "0xD2"
	ha, err := EntryHash(a, "prev", at)
	if err != nil {
		t.Fatalf("EntryHash returned error: %v", err)
	}
	hb, err := EntryHash(b, "prev", at)
	if err != nil {
		t.Fatalf("EntryHash returned error: %v", err)
	}
	if ha == hb {
		t.Fatalf("expected destination change to change entry hash")
	}
}

func TestTransactionIDPrefixed(t *testing.T) {
	id := TransactionID("evt_4", "abc")
	if len(id) != 2+64 {
		t.Fatalf("unexpected tx id length: %d", len(id))
	}
	if id[:2] != "0x" {
		t.Fatalf("expected 0x prefix, got %s", id[:2])
	}
}
