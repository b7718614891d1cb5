// Package lifecycle defines the batch lifecycle state machine: the closed set
// of statuses, the actions that move between them, and the deterministic
// next-state function. It is pure; both the application pre-check and the
// ledger's final guard evaluate the same table.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"
)

type Status string

const (
	StatusManufactured Status = "MANUFACTURED"
	StatusShipped      Status = "SHIPPED"
	StatusDelivered    Status = "DELIVERED"
	StatusVerified     Status = "VERIFIED"
	StatusDispensed    Status = "DISPENSED"
	StatusRecalled     Status = "RECALLED"
)

type Action string

const (
	ActionRegisterDrug  Action = "register_drug"
	ActionRegisterBatch Action = "register_batch"
	ActionShipBatch     Action = "ship_batch"
	ActionReceiveBatch  Action = "receive_batch"
	ActionVerifyBatch   Action = "verify_batch"
	ActionDispenseBatch Action = "dispense_batch"
	ActionRecallBatch   Action = "recall_batch"
	ActionGrantRole     Action = "grant_role"
	ActionRevokeRole    Action = "revoke_role"
)

// Transition record kinds, one per recorded lifecycle edge.
const (
	KindDrugRegistered Kind = "DrugRegistered"
	KindRegistered     Kind = "Registered"
	KindShipped        Kind = "Shipped"
	KindReceived       Kind = "Received"
	KindVerified       Kind = "Verified"
	KindDispensed      Kind = "Dispensed"
	KindRecalled       Kind = "Recalled"
	KindRoleGranted    Kind = "RoleGranted"
	KindRoleRevoked    Kind = "RoleRevoked"
)

type Kind string

// ErrInvalidTransition reports an action attempted from a state that does not
// permit it. Rejected attempts never produce a transition record.
var ErrInvalidTransition = errors.New("invalid transition")

// State is the guarded portion of a batch: its position in the lifecycle and
// whether an authenticity attestation has been recorded. Verified survives
// subsequent custody moves so a verified batch stays dispensable after a
// further ship/receive leg.
type State struct {
	Status   Status
	Verified bool
}

// Initial is the state of a batch immediately after registration.
func Initial() State {
	return State{Status: StatusManufactured}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s.Status == StatusDispensed || s.Status == StatusRecalled
}

// KindFor maps a batch action to the record kind it appends.
func KindFor(action Action) (Kind, bool) {
	switch action {
	case ActionRegisterBatch:
		return KindRegistered, true
	case ActionShipBatch:
		return KindShipped, true
	case ActionReceiveBatch:
		return KindReceived, true
	case ActionVerifyBatch:
		return KindVerified, true
	case ActionDispenseBatch:
		return KindDispensed, true
	case ActionRecallBatch:
		return KindRecalled, true
	}
	return "", false
}

// Next computes the state after applying action to current. It enforces only
// state legality; authorization is the gate's concern. Verification is
// idempotent in effect: verifying an already-verified batch succeeds and
// leaves the state verified, though callers still append a record for audit.
// A batch verified while in transit keeps status Shipped so the addressed
// recipient can still receive it.
func Next(current State, action Action) (State, error) {
	if current.Terminal() {
		return State{}, fmt.Errorf("%w: batch is %s", ErrInvalidTransition, strings.ToLower(string(current.Status)))
	}
	switch action {
	case ActionShipBatch:
		switch current.Status {
		case StatusManufactured, StatusDelivered, StatusVerified:
			return State{Status: StatusShipped, Verified: current.Verified}, nil
		}
	case ActionReceiveBatch:
		if current.Status == StatusShipped {
			return State{Status: StatusDelivered, Verified: current.Verified}, nil
		}
	case ActionVerifyBatch:
		switch current.Status {
		case StatusManufactured, StatusDelivered, StatusVerified:
			return State{Status: StatusVerified, Verified: true}, nil
		case StatusShipped:
			return State{Status: StatusShipped, Verified: true}, nil
		}
	case ActionDispenseBatch:
		if current.Verified && (current.Status == StatusVerified || current.Status == StatusDelivered) {
			return State{Status: StatusDispensed, Verified: current.Verified}, nil
		}
		if !current.Verified {
			return State{}, fmt.Errorf("%w: cannot dispense %s batch without verification", ErrInvalidTransition, strings.ToLower(string(current.Status)))
		}
	case ActionRecallBatch:
		return State{Status: StatusRecalled, Verified: current.Verified}, nil
	default:
		return State{}, fmt.Errorf("%w: unknown batch action %q", ErrInvalidTransition, action)
	}
	return State{}, fmt.Errorf("%w: cannot %s from %s", ErrInvalidTransition, action, strings.ToLower(string(current.Status)))
}

// ParseStatus validates a stored status string against the closed set.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusManufactured:
		return StatusManufactured, nil
	case StatusShipped:
		return StatusShipped, nil
	case StatusDelivered:
		return StatusDelivered, nil
	case StatusVerified:
		return StatusVerified, nil
	case StatusDispensed:
		return StatusDispensed, nil
	case StatusRecalled:
		return StatusRecalled, nil
	}
	return "", fmt.Errorf("unknown batch status %q", s)
}

// ParseAction validates a submitted action string.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionRegisterDrug:
		return ActionRegisterDrug, nil
	case ActionRegisterBatch:
		return ActionRegisterBatch, nil
	case ActionShipBatch:
		return ActionShipBatch, nil
	case ActionReceiveBatch:
		return ActionReceiveBatch, nil
	case ActionVerifyBatch:
		return ActionVerifyBatch, nil
	case ActionDispenseBatch:
		return ActionDispenseBatch, nil
	case ActionRecallBatch:
		return ActionRecallBatch, nil
	case ActionGrantRole:
		return ActionGrantRole, nil
	case ActionRevokeRole:
		return ActionRevokeRole, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// ValidWalk checks that an ordered sequence of record kinds is a legal
// lifecycle walk starting from registration. Used by audit tooling.
func ValidWalk(kinds []Kind) error {
	if len(kinds) == 0 {
		return errors.New("empty transition history")
	}
	if kinds[0] != KindRegistered {
		return fmt.Errorf("history must start with %s, got %s", KindRegistered, kinds[0])
	}
	state := Initial()
	for i, kind := range kinds[1:] {
		action, ok := actionForKind(kind)
		if !ok {
			return fmt.Errorf("record %d: unexpected kind %s", i+1, kind)
		}
		next, err := Next(state, action)
		if err != nil {
			return fmt.Errorf("record %d (%s): %w", i+1, kind, err)
		}
		state = next
	}
	return nil
}

func actionForKind(kind Kind) (Action, bool) {
	switch kind {
	case KindShipped:
		return ActionShipBatch, true
	case KindReceived:
		return ActionReceiveBatch, true
	case KindVerified:
		return ActionVerifyBatch, true
	case KindDispensed:
		return ActionDispenseBatch, true
	case KindRecalled:
		return ActionRecallBatch, true
	}
	return "", false
}
