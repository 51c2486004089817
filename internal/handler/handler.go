package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"reward-cap-engine/internal/capusage"
	"reward-cap-engine/internal/database"
	"reward-cap-engine/internal/models"
	"reward-cap-engine/internal/period"
	"reward-cap-engine/internal/service"
	"reward-cap-engine/internal/validation"
)

// Handler provides HTTP handlers for the API.
type Handler struct {
	service     *service.Service
	maxBodySize int64
	logger      *slog.Logger
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
	Logger      *slog.Logger
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 10 << 20, // 10MB default
	}
}

// NewHandler creates a new handler instance.
func NewHandler(svc *service.Service) *Handler {
	return NewHandlerWithOptions(svc, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(svc *service.Service, opts NewHandlerOptions) *Handler {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultHandlerOptions().MaxBodySize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		service:     svc,
		maxBodySize: opts.MaxBodySize,
		logger:      opts.Logger,
	}
}

// Routes mounts the API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/rules", func(r chi.Router) {
		r.Post("/", h.CreateRule)
	})

	r.Get("/card-types/{card_type_id}/rules", h.ListRules)

	r.Route("/instruments", func(r chi.Router) {
		r.Post("/", h.CreateInstrument)
		r.Get("/{instrument_id}", h.GetInstrument)
		r.Get("/{instrument_id}/cap-usage", h.GetCapUsage)
	})

	r.Route("/transactions", func(r chi.Router) {
		r.Post("/", h.CreateTransactions)
		r.Put("/{transaction_id}", h.UpdateTransaction)
		r.Delete("/{transaction_id}", h.DeleteTransaction)
	})

	r.Post("/simulate", h.Simulate)

	r.Get("/health", h.Health)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// CreateRule handles POST /rules
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req models.RewardRule
	if !h.decode(w, r, &req) {
		return
	}

	req.ID = validation.SanitizeString(req.ID)
	req.CardTypeID = validation.SanitizeString(req.CardTypeID)
	req.Name = validation.SanitizeString(req.Name)
	for i := range req.Predicates {
		for j := range req.Predicates[i].Categories {
			req.Predicates[i].Categories[j] = validation.SanitizeString(req.Predicates[i].Categories[j])
		}
	}

	if err := h.service.UpsertRule(r.Context(), req); err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, req)
}

// ListRules handles GET /card-types/{card_type_id}/rules
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	cardTypeID := validation.SanitizeString(chi.URLParam(r, "card_type_id"))

	response, err := h.service.ListRules(r.Context(), cardTypeID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, response)
}

// CreateInstrument handles POST /instruments
func (h *Handler) CreateInstrument(w http.ResponseWriter, r *http.Request) {
	var req models.PaymentInstrument
	if !h.decode(w, r, &req) {
		return
	}

	req.ID = validation.SanitizeString(req.ID)
	req.UserID = validation.SanitizeString(req.UserID)
	req.CardTypeID = validation.SanitizeString(req.CardTypeID)
	req.PointsCurrency = validation.SanitizeString(req.PointsCurrency)

	if err := h.service.UpsertInstrument(r.Context(), req); err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, req)
}

// GetInstrument handles GET /instruments/{instrument_id}
func (h *Handler) GetInstrument(w http.ResponseWriter, r *http.Request) {
	instrumentID := validation.SanitizeString(chi.URLParam(r, "instrument_id"))

	instrument, err := h.service.GetInstrument(r.Context(), instrumentID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, instrument)
}

// GetCapUsage handles GET /instruments/{instrument_id}/cap-usage?rule_id=&at=
func (h *Handler) GetCapUsage(w http.ResponseWriter, r *http.Request) {
	instrumentID := validation.SanitizeString(chi.URLParam(r, "instrument_id"))
	ruleID := validation.SanitizeString(r.URL.Query().Get("rule_id"))

	// Parse optional 'at' query parameter
	var at time.Time
	if atParam := r.URL.Query().Get("at"); atParam != "" {
		parsed, err := validation.ValidateTimeString(validation.SanitizeString(atParam))
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid 'at' parameter, must be RFC3339 format")
			return
		}
		at = parsed
	}

	usage, err := h.service.CapUsage(r.Context(), instrumentID, ruleID, at)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, usage)
}

// CreateTransactions handles POST /transactions
func (h *Handler) CreateTransactions(w http.ResponseWriter, r *http.Request) {
	var req models.CreateTransactionsRequest
	if !h.decode(w, r, &req) {
		return
	}

	for i := range req.Transactions {
		sanitizeTransaction(&req.Transactions[i])
	}

	response, err := h.service.RecordTransactions(r.Context(), req.Transactions)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, response)
}

// UpdateTransaction handles PUT /transactions/{transaction_id}
func (h *Handler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	var req models.Transaction
	if !h.decode(w, r, &req) {
		return
	}

	sanitizeTransaction(&req)
	req.ID = validation.SanitizeString(chi.URLParam(r, "transaction_id"))

	updated, err := h.service.UpdateTransaction(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, updated)
}

// DeleteTransaction handles DELETE /transactions/{transaction_id}
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	transactionID := validation.SanitizeString(chi.URLParam(r, "transaction_id"))

	if err := h.service.DeleteTransaction(r.Context(), transactionID); err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Simulate handles POST /simulate
func (h *Handler) Simulate(w http.ResponseWriter, r *http.Request) {
	var req models.SimulateRequest
	if !h.decode(w, r, &req) {
		return
	}

	req.InstrumentID = validation.SanitizeString(req.InstrumentID)
	req.Currency = validation.SanitizeString(req.Currency)
	req.MCC = validation.SanitizeString(req.MCC)

	result, err := h.service.Simulate(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

func sanitizeTransaction(txn *models.Transaction) {
	txn.ID = validation.SanitizeString(txn.ID)
	txn.InstrumentID = validation.SanitizeString(txn.InstrumentID)
	txn.Currency = validation.SanitizeString(txn.Currency)
	txn.MCC = validation.SanitizeString(txn.MCC)
	// points are always computed server side
	txn.AppliedRuleID = ""
	txn.BasePoints = 0
	txn.BonusPoints = 0
}

// decode reads a size-limited JSON body into dest, answering 400 itself on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	// Limit request body size to prevent abuse
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return false
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return false
	}
	return true
}

// respondServiceError maps a service error onto a status code.
func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var vErr *validation.ValidationError
	switch {
	case errors.As(err, &vErr), errors.Is(err, period.ErrInvalidPeriodConfig):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, database.ErrNotFound):
		h.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, capusage.ErrIncompleteLedgerWindow):
		h.respondError(w, http.StatusServiceUnavailable, "ledger history unavailable, try again later")
	default:
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		h.respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message})
}
