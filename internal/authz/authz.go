// Package authz holds the role registry snapshot and the authorization gate.
// The gate is a pure function of (actor, action, subject) plus the snapshot;
// it performs no writes, so callers may evaluate it speculatively before
// committing a ledger submission.
package authz

import (
	"fmt"
	"strings"

	"github.com/PARADOX-12/TrustChain-Backend/internal/lifecycle"
)

type Role string

const (
	RoleAdministrator Role = "ADMINISTRATOR"
	RoleManufacturer  Role = "MANUFACTURER"
	RoleDistributor   Role = "DISTRIBUTOR"
	RoleRegulator     Role = "REGULATOR"
	RolePharmacy      Role = "PHARMACY"
	RoleUser          Role = "USER"
)

// ParseRole validates a role string against the closed set. Unknown values
// are an error, never silently degraded to USER.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleAdministrator:
		return RoleAdministrator, nil
	case RoleManufacturer:
		return RoleManufacturer, nil
	case RoleDistributor:
		return RoleDistributor, nil
	case RoleRegulator:
		return RoleRegulator, nil
	case RolePharmacy:
		return RolePharmacy, nil
	case RoleUser:
		return RoleUser, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Registry is an immutable snapshot of granted roles. Identities without a
// grant are unprivileged users. Bootstrap administrators come from config and
// exist before any grant has been recorded on the ledger.
type Registry struct {
	roles           map[string]Role
	bootstrapAdmins map[string]struct{}
}

func NewRegistry(grants map[string]Role, bootstrapAdmins []string) *Registry {
	roles := make(map[string]Role, len(grants))
	for identity, role := range grants {
		roles[identity] = role
	}
	admins := make(map[string]struct{}, len(bootstrapAdmins))
	for _, identity := range bootstrapAdmins {
		identity = strings.TrimSpace(identity)
		if identity != "" {
			admins[identity] = struct{}{}
		}
	}
	return &Registry{roles: roles, bootstrapAdmins: admins}
}

// RoleOf returns the granted role for an identity, RoleUser when none.
func (r *Registry) RoleOf(identity string) Role {
	if r == nil {
		return RoleUser
	}
	if _, ok := r.bootstrapAdmins[identity]; ok {
		return RoleAdministrator
	}
	if role, ok := r.roles[identity]; ok {
		return role
	}
	return RoleUser
}

// Subject carries the slice of entity state the gate needs. For batch actions
// Holder is the current custodian (for ship/receive/dispense relational
// checks); for batch registration DrugOwner is the manufacturer that
// registered the drug.
type Subject struct {
	Holder    string
	DrugOwner string
}

type DenyReason string

const (
	DenyUnauthorized DenyReason = "unauthorized"
	DenyNotHolder    DenyReason = "not_holder"
)

// Decision is the gate's verdict. Detail is a human-readable reason suitable
// for the error surface.
type Decision struct {
	Allowed bool
	Reason  DenyReason
	Detail  string
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason DenyReason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

// Authorize decides whether actor may perform action on subject. Structural
// role membership is checked first, then the relational holder/destination
// check for custody-specific actions.
func Authorize(reg *Registry, actor string, action lifecycle.Action, subject Subject) Decision {
	role := reg.RoleOf(actor)
	switch action {
	case lifecycle.ActionRegisterDrug:
		if role != RoleManufacturer {
			return deny(DenyUnauthorized, "drug registration requires the manufacturer role")
		}
		return allow()
	case lifecycle.ActionRegisterBatch:
		if role != RoleManufacturer {
			return deny(DenyUnauthorized, "batch registration requires the manufacturer role")
		}
		if subject.DrugOwner != actor {
			return deny(DenyUnauthorized, "batches may only be registered by the drug's registering manufacturer")
		}
		return allow()
	case lifecycle.ActionShipBatch:
		if subject.Holder != actor {
			return deny(DenyNotHolder, "only the current holder may ship a batch")
		}
		return allow()
	case lifecycle.ActionReceiveBatch:
		if subject.Holder != actor {
			return deny(DenyNotHolder, "only the addressed recipient may receive a batch")
		}
		return allow()
	case lifecycle.ActionVerifyBatch:
		if role != RoleRegulator {
			return deny(DenyUnauthorized, "batch verification requires the regulator role")
		}
		return allow()
	case lifecycle.ActionDispenseBatch:
		if role != RolePharmacy {
			return deny(DenyUnauthorized, "dispensing requires the pharmacy role")
		}
		if subject.Holder != actor {
			return deny(DenyNotHolder, "only the holding pharmacy may dispense a batch")
		}
		return allow()
	case lifecycle.ActionRecallBatch:
		if role != RoleRegulator {
			return deny(DenyUnauthorized, "batch recall requires the regulator role")
		}
		return allow()
	case lifecycle.ActionGrantRole, lifecycle.ActionRevokeRole:
		if role != RoleAdministrator {
			return deny(DenyUnauthorized, "role grants require the administrator role")
		}
		return allow()
	}
	return deny(DenyUnauthorized, fmt.Sprintf("unknown action %q", action))
}
