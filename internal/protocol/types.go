package protocol

import (
	"encoding/json"
	"time"
)

// Transition is the unit of submission to the ledger: one requested lifecycle
// change for a drug, batch, or participant role. EventID is a client-chosen
// idempotency key; resubmitting the same EventID returns the original receipt.
type Transition struct {
	EventID       string    `json:"event_id"`
	Action        string    `json:"action"`
	Actor         string    `json:"actor"`
	BatchNumber   string    `json:"batch_number,omitempty"`
	NDC           string    `json:"ndc,omitempty"`
	Name          string    `json:"name,omitempty"`
	Description   string    `json:"description,omitempty"`
	ManufactureTS int64     `json:"manufacture_ts,omitempty"`
	ExpiryTS      int64     `json:"expiry_ts,omitempty"`
	ContentRef    string    `json:"content_ref,omitempty"`
	To            string    `json:"to,omitempty"`
	Role          string    `json:"role,omitempty"`
	SubmittedAt   time.Time `json:"submitted_at"`
	Source        string    `json:"source,omitempty"`
}

// LedgerReceipt proves a transition was irreversibly ordered. Position is the
// entry index in the ledger; Duplicate is set when the submission matched an
// already-recorded event id and the original receipt was returned.
type LedgerReceipt struct {
	Position     int64     `json:"position"`
	EntryHash    string    `json:"entry_hash"`
	PreviousHash string    `json:"previous_hash,omitempty"`
	TxID         string    `json:"tx_id"`
	Kind         string    `json:"kind"`
	BatchNumber  string    `json:"batch_number,omitempty"`
	NDC          string    `json:"ndc,omitempty"`
	Status       string    `json:"status,omitempty"`
	Verified     bool      `json:"verified,omitempty"`
	Holder       string    `json:"holder,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
	Duplicate    bool      `json:"duplicate,omitempty"`
}

// TransitionRecord is one immutable audit-trail entry for a batch, as read
// back from the ledger or the projection cache.
type TransitionRecord struct {
	Position    int64     `json:"position"`
	BatchNumber string    `json:"batch_number"`
	Kind        string    `json:"kind"`
	Actor       string    `json:"actor"`
	To          string    `json:"to,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
	TxID        string    `json:"tx_id"`
	EntryHash   string    `json:"entry_hash"`
}

// LedgerEntry is the raw hash-chained ledger row, exposed for audit and
// cache-rebuild tooling.
type LedgerEntry struct {
	Position     int64           `json:"position"`
	EntryHash    string          `json:"entry_hash"`
	PreviousHash string          `json:"previous_hash,omitempty"`
	EventID      string          `json:"event_id"`
	Kind         string          `json:"kind"`
	BatchNumber  string          `json:"batch_number,omitempty"`
	NDC          string          `json:"ndc,omitempty"`
	Actor        string          `json:"actor"`
	To           string          `json:"to,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	RecordedAt   time.Time       `json:"recorded_at"`
}

type SubmitResponse struct {
	Status  string        `json:"status"`
	Receipt LedgerReceipt `json:"receipt"`
}

type BatchStatusResponse struct {
	BatchNumber string `json:"batch_number"`
	NDC         string `json:"ndc"`
	Status      string `json:"status"`
	Verified    bool   `json:"verified"`
	Holder      string `json:"holder"`
	Position    int64  `json:"position"`
}

type BatchTransitionsResponse struct {
	BatchNumber string             `json:"batch_number"`
	Transitions []TransitionRecord `json:"transitions"`
}

type BatchVerifiedResponse struct {
	BatchNumber string `json:"batch_number"`
	Verified    bool   `json:"verified"`
}

type ListEntriesResponse struct {
	Entries []LedgerEntry `json:"entries"`
}

// Application-facing requests. Actor is the caller identity already
// authenticated by the upstream auth layer.

type RegisterDrugRequest struct {
	Actor       string `json:"actor"`
	Name        string `json:"name"`
	NDC         string `json:"ndc"`
	Description string `json:"description,omitempty"`
}

type RegisterBatchRequest struct {
	Actor         string `json:"actor"`
	BatchNumber   string `json:"batch_number"`
	NDC           string `json:"ndc"`
	ManufactureTS int64  `json:"manufacture_ts"`
	ExpiryTS      int64  `json:"expiry_ts"`
	ContentRef    string `json:"content_ref,omitempty"`
}

type ShipBatchRequest struct {
	Actor       string `json:"actor"`
	BatchNumber string `json:"batch_number"`
	To          string `json:"to"`
}

type BatchActionRequest struct {
	Actor       string `json:"actor"`
	BatchNumber string `json:"batch_number"`
}

type GrantRoleRequest struct {
	Actor    string `json:"actor"`
	Identity string `json:"identity"`
	Role     string `json:"role"`
}

type TransitionResponse struct {
	Status      string        `json:"status"`
	BatchNumber string        `json:"batch_number,omitempty"`
	NDC         string        `json:"ndc,omitempty"`
	Receipt     LedgerReceipt `json:"receipt"`
}

type StatusResponse struct {
	BatchNumber string `json:"batch_number"`
	Status      string `json:"status"`
	Verified    bool   `json:"verified"`
	Holder      string `json:"holder"`
	Position    int64  `json:"position"`
}

type HistoryResponse struct {
	BatchNumber string             `json:"batch_number"`
	Transitions []TransitionRecord `json:"transitions"`
}

type VerifiedResponse struct {
	BatchNumber string `json:"batch_number"`
	Verified    bool   `json:"verified"`
}

// BatchDetails joins batch, drug, and latest transition for dashboard reads.
type BatchDetails struct {
	BatchNumber   string            `json:"batch_number"`
	DrugName      string            `json:"drug_name"`
	NDC           string            `json:"ndc"`
	Manufacturer  string            `json:"manufacturer"`
	ManufactureTS int64             `json:"manufacture_ts"`
	ExpiryTS      int64             `json:"expiry_ts"`
	ContentRef    string            `json:"content_ref,omitempty"`
	Status        string            `json:"status"`
	Verified      bool              `json:"verified"`
	Holder        string            `json:"holder"`
	Latest        *TransitionRecord `json:"latest_transition,omitempty"`
}

// Shipment is a role-scoped listing row: manufacturers see batches they made,
// holders see batches in their custody, regulators see everything.
type Shipment struct {
	BatchNumber string    `json:"batch_number"`
	Product     string    `json:"product"`
	Status      string    `json:"status"`
	Origin      string    `json:"origin"`
	Destination string    `json:"destination"`
	UpdatedAt   time.Time `json:"updated_at"`
	TxID        string    `json:"tx_id,omitempty"`
}

type ShipmentsResponse struct {
	Shipments []Shipment `json:"shipments"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type HealthResponse struct {
	Service    string `json:"service"`
	Version    string `json:"version"`
	Backend    string `json:"backend,omitempty"`
	LedgerURL  string `json:"ledger_url,omitempty"`
	BatchCount int    `json:"batch_count"`
	DrugCount  int    `json:"drug_count"`
}

type LedgerHealthResponse struct {
	Service     string `json:"service"`
	Version     string `json:"version"`
	NodeID      string `json:"node_id"`
	LatestIndex int64  `json:"latest_index"`
	LatestHash  string `json:"latest_hash,omitempty"`
}
