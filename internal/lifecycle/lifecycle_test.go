package lifecycle

import (
	"errors"
	"testing"
)

func TestNextTable(t *testing.T) {
	cases := []struct {
		name    string
		current State
		action  Action
		want    State
		wantErr bool
	}{
		{"ship from manufactured", State{Status: StatusManufactured}, ActionShipBatch, State{Status: StatusShipped}, false},
		{"ship from delivered", State{Status: StatusDelivered}, ActionShipBatch, State{Status: StatusShipped}, false},
		{"ship from verified keeps attestation", State{Status: StatusVerified, Verified: true}, ActionShipBatch, State{Status: StatusShipped, Verified: true}, false},
		{"ship from shipped", State{Status: StatusShipped}, ActionShipBatch, State{}, true},
		{"receive from shipped", State{Status: StatusShipped}, ActionReceiveBatch, State{Status: StatusDelivered}, false},
		{"receive from manufactured", State{Status: StatusManufactured}, ActionReceiveBatch, State{}, true},
		{"verify from manufactured", State{Status: StatusManufactured}, ActionVerifyBatch, State{Status: StatusVerified, Verified: true}, false},
		{"verify in transit keeps shipped", State{Status: StatusShipped}, ActionVerifyBatch, State{Status: StatusShipped, Verified: true}, false},
		{"verify already verified", State{Status: StatusVerified, Verified: true}, ActionVerifyBatch, State{Status: StatusVerified, Verified: true}, false},
		{"dispense verified", State{Status: StatusVerified, Verified: true}, ActionDispenseBatch, State{Status: StatusDispensed, Verified: true}, false},
		{"dispense delivered after verification", State{Status: StatusDelivered, Verified: true}, ActionDispenseBatch, State{Status: StatusDispensed, Verified: true}, false},
		{"dispense unverified delivered", State{Status: StatusDelivered}, ActionDispenseBatch, State{}, true},
		{"dispense shipped", State{Status: StatusShipped, Verified: true}, ActionDispenseBatch, State{}, true},
		{"recall manufactured", State{Status: StatusManufactured}, ActionRecallBatch, State{Status: StatusRecalled}, false},
		{"recall verified", State{Status: StatusVerified, Verified: true}, ActionRecallBatch, State{Status: StatusRecalled, Verified: true}, false},
		{"recall dispensed", State{Status: StatusDispensed}, ActionRecallBatch, State{}, true},
		{"ship recalled", State{Status: StatusRecalled}, ActionShipBatch, State{}, true},
		{"verify recalled", State{Status: StatusRecalled}, ActionVerifyBatch, State{}, true},
		{"dispense recalled", State{Status: StatusRecalled, Verified: true}, ActionDispenseBatch, State{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Next(tc.current, tc.action)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("expected ErrInvalidTransition, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Next returned error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("Next = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestTerminalStates(t *testing.T) {
	if !(State{Status: StatusDispensed}).Terminal() {
		t.Fatalf("dispensed should be terminal")
	}
	if !(State{Status: StatusRecalled}).Terminal() {
		t.Fatalf("recalled should be terminal")
	}
	if (State{Status: StatusVerified}).Terminal() {
		t.Fatalf("verified should not be terminal")
	}
}

func TestValidWalk(t *testing.T) {
	good := [][]Kind{
		{KindRegistered},
		{KindRegistered, KindShipped, KindReceived, KindVerified, KindDispensed},
		{KindRegistered, KindVerified, KindShipped, KindReceived, KindDispensed},
		{KindRegistered, KindShipped, KindVerified, KindReceived, KindDispensed},
		{KindRegistered, KindShipped, KindReceived, KindRecalled},
		{KindRegistered, KindVerified, KindVerified, KindDispensed},
	}
	for i, walk := range good {
		if err := ValidWalk(walk); err != nil {
			t.Fatalf("walk %d should be valid: %v", i, err)
		}
	}
	bad := [][]Kind{
		{},
		{KindShipped},
		{KindRegistered, KindReceived},
		{KindRegistered, KindDispensed},
		{KindRegistered, KindShipped, KindDispensed},
		{KindRegistered, KindRecalled, KindShipped},
		{KindRegistered, KindShipped, KindReceived, KindVerified, KindDispensed, KindRecalled},
	}
	for i, walk := range bad {
		if err := ValidWalk(walk); err == nil {
			t.Fatalf("walk %d should be invalid", i)
		}
	}
}

func TestParseStatusClosedSet(t *testing.T) {
	if _, err := ParseStatus("manufactured"); err != nil {
		t.Fatalf("expected case-insensitive parse: %v", err)
	}
	if _, err := ParseStatus("IN_TRANSIT"); err == nil {
		t.Fatalf("expected unknown status to be rejected")
	}
}

func TestParseActionClosedSet(t *testing.T) {
	if _, err := ParseAction("Ship_Batch"); err != nil {
		t.Fatalf("expected case-insensitive parse: %v", err)
	}
	if _, err := ParseAction("destroy_batch"); err == nil {
		t.Fatalf("expected unknown action to be rejected")
	}
}
