package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/PARADOX-12/TrustChain-Backend/internal/logging"
	"github.com/PARADOX-12/TrustChain-Backend/internal/protocol"
	"github.com/PARADOX-12/TrustChain-Backend/internal/service"
)

type LedgerNodeHandler struct {
	service      *service.LedgerNodeService
	maxBodyBytes int64
}

func NewLedgerNodeHandler(svc *service.LedgerNodeService, maxBodyBytes int64) *LedgerNodeHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &LedgerNodeHandler{service: svc, maxBodyBytes: maxBodyBytes}
}

func (h *LedgerNodeHandler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("POST /v1/ledger/transitions", h.handleSubmit)
	mux.HandleFunc("GET /v1/ledger/batches/{batch}/status", h.handleBatchStatus)
	mux.HandleFunc("GET /v1/ledger/batches/{batch}/transitions", h.handleBatchTransitions)
	mux.HandleFunc("GET /v1/ledger/batches/{batch}/verified", h.handleBatchVerified)
	mux.HandleFunc("GET /v1/ledger/entries", h.handleListEntries)
	mux.HandleFunc("GET /v1/ledger/entries/latest", h.handleLatestEntry)
	return mux
}

func (h *LedgerNodeHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Health(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "health")
	writeJSON(w, http.StatusOK, resp)
}

func (h *LedgerNodeHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.Header.Get("X-TrustChain-Write-Token"))
	if !h.service.VerifyWriteToken(token) {
		writeJSON(w, http.StatusUnauthorized, protocol.ErrorResponse{Error: protocol.ErrorBody{Code: "UNAUTHORIZED", Message: "invalid write token", Retryable: false}})
		return
	}
	var req protocol.Transition
	if err := decodeJSONLimited(r, h.maxBodyBytes, &req); err != nil {
		h.writeError(w, r, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, err))
		return
	}
	resp, err := h.service.Submit(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "ledger_submit")
	logging.AddField(r.Context(), "event_id", req.EventID)
	logging.AddField(r.Context(), "action", req.Action)
	logging.AddField(r.Context(), "position", resp.Receipt.Position)
	logging.AddField(r.Context(), "duplicate", resp.Receipt.Duplicate)
	writeJSON(w, http.StatusOK, resp)
}

func (h *LedgerNodeHandler) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	batch := r.PathValue("batch")
	resp, err := h.service.BatchStatus(r.Context(), batch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "ledger_batch_status")
	logging.AddField(r.Context(), "batch_number", batch)
	writeJSON(w, http.StatusOK, resp)
}

func (h *LedgerNodeHandler) handleBatchTransitions(w http.ResponseWriter, r *http.Request) {
	batch := r.PathValue("batch")
	resp, err := h.service.BatchTransitions(r.Context(), batch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "ledger_batch_transitions")
	logging.AddField(r.Context(), "batch_number", batch)
	writeJSON(w, http.StatusOK, resp)
}

func (h *LedgerNodeHandler) handleBatchVerified(w http.ResponseWriter, r *http.Request) {
	batch := r.PathValue("batch")
	resp, err := h.service.IsBatchVerified(r.Context(), batch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "ledger_batch_verified")
	logging.AddField(r.Context(), "batch_number", batch)
	writeJSON(w, http.StatusOK, resp)
}

func (h *LedgerNodeHandler) handleListEntries(w http.ResponseWriter, r *http.Request) {
	after := int64(0)
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			h.writeError(w, r, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", "invalid after cursor", false, err))
			return
		}
		after = parsed
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.writeError(w, r, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", "invalid limit", false, err))
			return
		}
		limit = parsed
	}
	resp, err := h.service.ListEntries(r.Context(), after, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "ledger_list_entries")
	logging.AddField(r.Context(), "after", after)
	logging.AddField(r.Context(), "entry_count", len(resp.Entries))
	writeJSON(w, http.StatusOK, resp)
}

func (h *LedgerNodeHandler) handleLatestEntry(w http.ResponseWriter, r *http.Request) {
	entry, found, err := h.service.LatestEntry(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, protocol.ErrorResponse{Error: protocol.ErrorBody{Code: "NOT_FOUND", Message: "ledger is empty", Retryable: false}})
		return
	}
	logging.AddField(r.Context(), "op", "ledger_latest_entry")
	logging.AddField(r.Context(), "position", entry.Position)
	writeJSON(w, http.StatusOK, entry)
}

func (h *LedgerNodeHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *service.AppError
	if errors.As(err, &appErr) {
		logging.AddField(r.Context(), "error_code", appErr.Code)
		logging.AddField(r.Context(), "error_message", appErr.Message)
		writeJSON(w, appErr.HTTPStatus, protocol.ErrorResponse{Error: protocol.ErrorBody{Code: appErr.Code, Message: appErr.Message, Retryable: appErr.Retryable}})
		return
	}
	logging.AddField(r.Context(), "error_code", "INTERNAL_ERROR")
	logging.AddField(r.Context(), "error_message", err.Error())
	writeJSON(w, http.StatusInternalServerError, protocol.ErrorResponse{Error: protocol.ErrorBody{Code: "INTERNAL_ERROR", Message: "internal server error", Retryable: true}})
}

func decodeJSONLimited(r *http.Request, maxBodyBytes int64, out any) error {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxBodyBytes)
	dec := json.NewDecoder(limited)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}
