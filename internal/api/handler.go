// Package api exposes the wallet engine over HTTP for the order
// collaborator and operators. Handlers translate outcomes to status codes;
// idempotency collisions (AlreadyOpen, AlreadyClosed) are successful
// responses, not errors.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/smsrent/wallet-engine/internal/models"
	"github.com/smsrent/wallet-engine/internal/store"
	"github.com/smsrent/wallet-engine/internal/wallet"
)

// Handler serves the /v1 wallet API.
type Handler struct {
	engine *wallet.Engine
	store  store.Store
	log    *slog.Logger

	// Clock supplies the current time for ttl_seconds deadline arithmetic.
	// Defaults to the engine's clock so both sides agree on "now".
	Clock func() time.Time
}

// NewHandler creates the wallet API handler.
func NewHandler(engine *wallet.Engine, st store.Store, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{engine: engine, store: st, log: log, Clock: func() time.Time { return engine.Clock() }}
}

// --- Request/response types (snake_case JSON) ---

type createAccountRequest struct {
	InitialBalance int64 `json:"initial_balance"`
}

type depositRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type reserveRequest struct {
	AccountID     uuid.UUID `json:"account_id"`
	ReservationID string    `json:"reservation_id"`
	Amount        int64     `json:"amount"`
	// Deadline is absolute; TTLSeconds is the relative alternative. One of
	// the two is required.
	Deadline   *time.Time           `json:"deadline,omitempty"`
	TTLSeconds int64                `json:"ttl_seconds,omitempty"`
	OnTimeout  models.TimeoutPolicy `json:"on_timeout,omitempty"`
}

type reserveResponse struct {
	Reservation *models.Reservation `json:"reservation"`
	Account     *models.Account     `json:"account"`
	AlreadyOpen bool                `json:"already_open"`
}

type closeRequest struct {
	Reason       string              `json:"reason"`
	RefundPolicy models.RefundPolicy `json:"refund_policy,omitempty"`
}

type closeResponse struct {
	Reservation   *models.Reservation `json:"reservation"`
	Account       *models.Account     `json:"account,omitempty"`
	AlreadyClosed bool                `json:"already_closed"`
}

// --- Handlers ---

// CreateAccount handles POST /v1/accounts.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	acc, err := h.engine.CreateAccount(r.Context(), req.InitialBalance)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

// GetAccount handles GET /v1/accounts/{accountID}.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	acc, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// Deposit handles POST /v1/accounts/{accountID}/deposit.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	acc, err := h.engine.Deposit(r.Context(), id, req.Amount, req.Reason)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// Reconcile handles GET /v1/accounts/{accountID}/reconcile.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	report, err := h.engine.Reconcile(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// AccountEvents handles GET /v1/accounts/{accountID}/events.
func (h *Handler) AccountEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	events, err := h.store.EventsByAccount(r.Context(), id, 200)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if events == nil {
		events = []models.LedgerEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// Reserve handles POST /v1/reservations.
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.AccountID == uuid.Nil || req.ReservationID == "" {
		writeError(w, "account_id and reservation_id are required", http.StatusBadRequest)
		return
	}

	var deadline time.Time
	switch {
	case req.Deadline != nil:
		deadline = *req.Deadline
	case req.TTLSeconds > 0:
		deadline = h.Clock().Add(time.Duration(req.TTLSeconds) * time.Second)
	default:
		writeError(w, "deadline or ttl_seconds is required", http.StatusBadRequest)
		return
	}

	result, err := h.engine.Reserve(r.Context(), req.AccountID, req.ReservationID, req.Amount, deadline, req.OnTimeout)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	status := http.StatusCreated
	if result.AlreadyOpen {
		status = http.StatusOK
	}
	writeJSON(w, status, reserveResponse{
		Reservation: result.Reservation,
		Account:     result.Account,
		AlreadyOpen: result.AlreadyOpen,
	})
}

// GetReservation handles GET /v1/reservations/{reservationID}.
func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.store.GetReservation(r.Context(), chi.URLParam(r, "reservationID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ReservationEvents handles GET /v1/reservations/{reservationID}/events.
func (h *Handler) ReservationEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.EventsByReservation(r.Context(), chi.URLParam(r, "reservationID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if events == nil {
		events = []models.LedgerEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// Settle handles POST /v1/reservations/{reservationID}/settle.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	result, err := h.engine.Settle(r.Context(), chi.URLParam(r, "reservationID"), req.Reason)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, closeResponse{
		Reservation:   result.Reservation,
		Account:       result.Account,
		AlreadyClosed: result.AlreadyClosed,
	})
}

// Release handles POST /v1/reservations/{reservationID}/release.
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	result, err := h.engine.Release(r.Context(), chi.URLParam(r, "reservationID"), req.Reason, req.RefundPolicy)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, closeResponse{
		Reservation:   result.Reservation,
		Account:       result.Account,
		AlreadyClosed: result.AlreadyClosed,
	})
}

// --- Helpers ---

func accountID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, "invalid account id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, wallet.ErrAccountNotFound), errors.Is(err, wallet.ErrReservationNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, wallet.ErrInsufficientFunds), errors.Is(err, wallet.ErrReservationClosed),
		errors.Is(err, wallet.ErrWrongAccount):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, wallet.ErrInvalidAmount):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, wallet.ErrBusy):
		// Unknown outcome: the caller must re-query, not blind-retry.
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.log.Error("wallet request failed", "error", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
