package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/PARADOX-12/TrustChain-Backend/internal/logging"
	"github.com/PARADOX-12/TrustChain-Backend/internal/metrics"
	"github.com/PARADOX-12/TrustChain-Backend/internal/protocol"
	"github.com/PARADOX-12/TrustChain-Backend/internal/service"
)

type Handler struct {
	supply  *service.SupplyChainService
	query   *service.QueryService
	metrics *metrics.Metrics
	logger  *slog.Logger

	serviceName string
	version     string
	backend     string
	ledgerURL   string
}

type HandlerParams struct {
	Supply      *service.SupplyChainService
	Query       *service.QueryService
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	ServiceName string
	Version     string
	Backend     string
	LedgerURL   string
}

func NewHandler(params HandlerParams) *Handler {
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	if params.ServiceName == "" {
		params.ServiceName = "trustchain-server"
	}
	if params.Version == "" {
		params.Version = "dev"
	}
	return &Handler{
		supply:      params.Supply,
		query:       params.Query,
		metrics:     params.Metrics,
		logger:      params.Logger,
		serviceName: params.ServiceName,
		version:     params.Version,
		backend:     params.Backend,
		ledgerURL:   params.LedgerURL,
	}
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.instrument("healthz", h.handleHealth))

	mux.HandleFunc("POST /v1/drugs", h.instrument("register_drug", h.handleRegisterDrug))
	mux.HandleFunc("POST /v1/batches", h.instrument("register_batch", h.handleRegisterBatch))
	mux.HandleFunc("POST /v1/batches/ship", h.instrument("ship_batch", h.handleShip))
	mux.HandleFunc("POST /v1/batches/receive", h.instrument("receive_batch", h.handleReceive))
	mux.HandleFunc("POST /v1/batches/verify", h.instrument("verify_batch", h.handleVerify))
	mux.HandleFunc("POST /v1/batches/dispense", h.instrument("dispense_batch", h.handleDispense))
	mux.HandleFunc("POST /v1/batches/recall", h.instrument("recall_batch", h.handleRecall))
	mux.HandleFunc("POST /v1/roles/grant", h.instrument("grant_role", h.handleGrantRole))
	mux.HandleFunc("POST /v1/roles/revoke", h.instrument("revoke_role", h.handleRevokeRole))

	mux.HandleFunc("GET /v1/batches/{batch}/status", h.instrument("batch_status", h.handleStatus))
	mux.HandleFunc("GET /v1/batches/{batch}/history", h.instrument("batch_history", h.handleHistory))
	mux.HandleFunc("GET /v1/batches/{batch}/verified", h.instrument("batch_verified", h.handleVerified))
	mux.HandleFunc("GET /v1/batches/{batch}", h.instrument("batch_details", h.handleDetails))
	mux.HandleFunc("GET /v1/shipments", h.instrument("list_shipments", h.handleShipments))

	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}
	return mux
}

func (h *Handler) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	if h.metrics == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(ww, r)
		h.metrics.HTTPRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		h.metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(ww.status/100*100)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	batches, drugs := h.query.Counts(r.Context())
	logging.AddField(r.Context(), "op", "health")
	writeJSON(w, http.StatusOK, protocol.HealthResponse{
		Service:    h.serviceName,
		Version:    h.version,
		Backend:    h.backend,
		LedgerURL:  h.ledgerURL,
		BatchCount: batches,
		DrugCount:  drugs,
	})
}

func (h *Handler) handleRegisterDrug(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterDrugRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, err))
		return
	}
	resp, err := h.supply.RegisterDrug(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "register_drug")
	logging.AddField(r.Context(), "ndc", req.NDC)
	logging.AddField(r.Context(), "tx_id", resp.Receipt.TxID)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRegisterBatch(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, err))
		return
	}
	resp, err := h.supply.RegisterBatch(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "register_batch")
	logging.AddField(r.Context(), "batch_number", req.BatchNumber)
	logging.AddField(r.Context(), "tx_id", resp.Receipt.TxID)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleShip(w http.ResponseWriter, r *http.Request) {
	var req protocol.ShipBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, err))
		return
	}
	resp, err := h.supply.ShipBatch(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "ship_batch")
	logging.AddField(r.Context(), "batch_number", req.BatchNumber)
	logging.AddField(r.Context(), "to", req.To)
	logging.AddField(r.Context(), "tx_id", resp.Receipt.TxID)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	h.batchAction(w, r, "receive_batch", h.supply.ReceiveBatch)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	h.batchAction(w, r, "verify_batch", h.supply.VerifyBatch)
}

func (h *Handler) handleDispense(w http.ResponseWriter, r *http.Request) {
	h.batchAction(w, r, "dispense_batch", h.supply.DispenseBatch)
}

func (h *Handler) handleRecall(w http.ResponseWriter, r *http.Request) {
	h.batchAction(w, r, "recall_batch", h.supply.RecallBatch)
}

func (h *Handler) batchAction(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, req protocol.BatchActionRequest) (protocol.TransitionResponse, error)) {
	var req protocol.BatchActionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, err))
		return
	}
	resp, err := fn(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", op)
	logging.AddField(r.Context(), "batch_number", req.BatchNumber)
	logging.AddField(r.Context(), "tx_id", resp.Receipt.TxID)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGrantRole(w http.ResponseWriter, r *http.Request) {
	h.roleChange(w, r, "grant_role", h.supply.GrantRole)
}

func (h *Handler) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	h.roleChange(w, r, "revoke_role", h.supply.RevokeRole)
}

func (h *Handler) roleChange(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, req protocol.GrantRoleRequest) (protocol.TransitionResponse, error)) {
	var req protocol.GrantRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, err))
		return
	}
	resp, err := fn(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", op)
	logging.AddField(r.Context(), "identity", req.Identity)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	batch := r.PathValue("batch")
	resp, err := h.query.GetStatus(r.Context(), batch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "batch_status")
	logging.AddField(r.Context(), "batch_number", batch)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	batch := r.PathValue("batch")
	resp, err := h.query.GetHistory(r.Context(), batch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "batch_history")
	logging.AddField(r.Context(), "batch_number", batch)
	logging.AddField(r.Context(), "transition_count", len(resp.Transitions))
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleVerified(w http.ResponseWriter, r *http.Request) {
	batch := r.PathValue("batch")
	resp, err := h.query.IsVerified(r.Context(), batch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "batch_verified")
	logging.AddField(r.Context(), "batch_number", batch)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleDetails(w http.ResponseWriter, r *http.Request) {
	batch := r.PathValue("batch")
	resp, err := h.query.BatchDetails(r.Context(), batch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "batch_details")
	logging.AddField(r.Context(), "batch_number", batch)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleShipments(w http.ResponseWriter, r *http.Request) {
	actor := r.URL.Query().Get("actor")
	resp, err := h.query.ListShipments(r.Context(), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "list_shipments")
	logging.AddField(r.Context(), "actor", actor)
	logging.AddField(r.Context(), "shipment_count", len(resp.Shipments))
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *service.AppError
	if errors.As(err, &appErr) {
		logging.AddField(r.Context(), "error_code", appErr.Code)
		logging.AddField(r.Context(), "error_message", appErr.Message)
		writeJSON(w, appErr.HTTPStatus, protocol.ErrorResponse{Error: protocol.ErrorBody{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Retryable: appErr.Retryable,
		}})
		return
	}
	logging.AddField(r.Context(), "error_code", "INTERNAL_ERROR")
	logging.AddField(r.Context(), "error_message", err.Error())
	writeJSON(w, http.StatusInternalServerError, protocol.ErrorResponse{Error: protocol.ErrorBody{
		Code:      "INTERNAL_ERROR",
		Message:   "internal server error",
		Retryable: true,
	}})
}

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, 2<<20)
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

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
