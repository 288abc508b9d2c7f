package ar

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/arledger/internal/platform/httpx"
	"github.com/odyssey-erp/arledger/internal/rbac"
	"github.com/odyssey-erp/arledger/internal/shared"
)

// IdempotencyModule scopes payment idempotency keys.
const IdempotencyModule = "ar.payments"

// IdempotencyGuard reserves request keys so replays do not create duplicates.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// ErrorMappings binds ledger error kinds to HTTP statuses.
var ErrorMappings = []httpx.Mapping{
	{Err: ErrNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Err: ErrInvalidInput, Status: http.StatusBadRequest, Title: "Invalid Input"},
	{Err: ErrForbidden, Status: http.StatusForbidden, Title: "Forbidden"},
	{Err: ErrInvalidState, Status: http.StatusConflict, Title: "Invalid State"},
	{Err: ErrAlreadyCancelled, Status: http.StatusConflict, Title: "Already Cancelled"},
	{Err: ErrBalanceExceeded, Status: http.StatusUnprocessableEntity, Title: "Balance Exceeded"},
	{Err: ErrInvariantViolation, Status: http.StatusUnprocessableEntity, Title: "Invariant Violation"},
}

// Handler exposes the ledger over JSON.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	idempotency IdempotencyGuard
	rbac        rbac.Middleware
	validator   *validator.Validate
}

// NewHandler builds Handler instance. A nil idempotency guard disables
// Idempotency-Key handling.
func NewHandler(logger *slog.Logger, service *Service, idempotency IdempotencyGuard, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:      logger,
		service:     service,
		idempotency: idempotency,
		rbac:        rbac,
		validator:   validator.New(),
	}
}

// MountRoutes registers AR routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermFinanceARView, shared.PermFinanceAREdit))
		r.Get("/invoices/{id}", h.getInvoice)
		r.Get("/invoices/by-no/{no}", h.getInvoiceByNo)
		r.Get("/invoices/{id}/eligibility", h.eligibility)
		r.Get("/invoices/{id}/cancellations", h.cancelHistory)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermFinanceAREdit))
		r.Post("/invoices", h.createInvoice)
		r.Post("/invoices/{id}/finalize", h.finalizeInvoice)
		r.Put("/invoices/{id}/total", h.changeTotal)
		r.Post("/invoices/{id}/recalculate", h.recalculate)
		r.Post("/invoices/{id}/cancel", h.cancelInvoice)
		r.Post("/invoices/{id}/restore", h.restoreInvoice)
		r.Post("/payments", h.createPayment)
		r.Patch("/payments/{id}", h.updatePayment)
		r.Delete("/payments/{id}", h.deletePayment)
	})
}

type createInvoiceRequest struct {
	Number     string     `json:"invoiceNo" validate:"required,max=64"`
	CustomerID int64      `json:"customerId" validate:"gte=0"`
	Currency   string     `json:"currency" validate:"omitempty,len=3"`
	Total      string     `json:"total" validate:"required,numeric"`
	Status     string     `json:"status" validate:"omitempty,oneof=DRAFT UNPAID"`
	DueAt      *time.Time `json:"dueAt"`
}

type changeTotalRequest struct {
	Total string `json:"total" validate:"required,numeric"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
	Force  bool   `json:"force"`
}

type createPaymentRequest struct {
	InvoiceNo string `json:"invoiceNo" validate:"required"`
	Amount    string `json:"amount" validate:"required,numeric"`
	Method    string `json:"method" validate:"max=32"`
	Reference string `json:"reference" validate:"max=128"`
}

type updatePaymentRequest struct {
	Amount    *string `json:"amount" validate:"omitempty,numeric"`
	Method    *string `json:"method" validate:"omitempty,max=32"`
	Reference *string `json:"reference" validate:"omitempty,max=128"`
}

type invoiceResponse struct {
	ID             int64         `json:"id"`
	InvoiceNo      string        `json:"invoiceNo"`
	CustomerID     int64         `json:"customerId"`
	Currency       string        `json:"currency"`
	Total          string        `json:"total"`
	Balance        string        `json:"balance"`
	ReceivedAmount string        `json:"receivedAmount"`
	Status         InvoiceStatus `json:"status"`
	DueAt          *time.Time    `json:"dueAt,omitempty"`
	CancelledAt    *time.Time    `json:"cancelledAt,omitempty"`
	CancelledBy    *int64        `json:"cancelledBy,omitempty"`
	Payments       []paymentBody `json:"payments"`
}

type paymentBody struct {
	ID         int64     `json:"id"`
	InvoiceID  int64     `json:"invoiceId"`
	Amount     string    `json:"amount"`
	RoundOff   string    `json:"roundOff"`
	Method     string    `json:"method,omitempty"`
	Reference  string    `json:"reference,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
	CreatedBy  int64     `json:"createdBy"`
	UpdatedBy  *int64    `json:"updatedBy,omitempty"`
}

type reconcileBody struct {
	InvoiceID      int64         `json:"invoiceId"`
	InvoiceNo      string        `json:"invoiceNo"`
	Status         InvoiceStatus `json:"status"`
	Balance        string        `json:"balance"`
	ReceivedAmount string        `json:"receivedAmount"`
	Changed        bool          `json:"changed"`
}

type cancelLogBody struct {
	ID              int64         `json:"id"`
	InvoiceID       int64         `json:"invoiceId"`
	CancelledBy     int64         `json:"cancelledBy"`
	CancelledByName string        `json:"cancelledByName,omitempty"`
	Reason          string        `json:"reason"`
	ForceCancelled  bool          `json:"forceCancelled"`
	PreviousStatus  InvoiceStatus `json:"previousStatus"`
	CancelledAt     time.Time     `json:"cancelledAt"`
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.GetInvoice(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInvoiceResponse(inv))
}

func (h *Handler) getInvoiceByNo(w http.ResponseWriter, r *http.Request) {
	inv, err := h.service.GetInvoiceByNo(r.Context(), chi.URLParam(r, "no"))
	if err != nil {
		h.fail(w, r, "get invoice by number", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInvoiceResponse(inv))
}

func (h *Handler) eligibility(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	res, err := h.service.ValidateCanReceivePayment(r.Context(), id)
	if err != nil {
		h.fail(w, r, "payment eligibility", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"allowed": res.Allowed, "reason": res.Reason})
}

func (h *Handler) cancelHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	logs, err := h.service.GetCancelHistory(r.Context(), id)
	if err != nil {
		h.fail(w, r, "cancel history", err)
		return
	}
	out := make([]cancelLogBody, 0, len(logs))
	for _, l := range logs {
		out = append(out, toCancelLogBody(l))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req createInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	total, err := decimal.NewFromString(req.Total)
	if err != nil {
		h.fail(w, r, "create invoice", ruleErr(ErrInvalidInput, "total %q is not a number", req.Total))
		return
	}
	inv, err := h.service.CreateInvoice(r.Context(), CreateInvoiceInput{
		Number:     req.Number,
		CustomerID: req.CustomerID,
		Currency:   strings.ToUpper(req.Currency),
		Total:      total,
		Status:     InvoiceStatus(req.Status),
		DueAt:      req.DueAt,
		CreatedBy:  actorID,
	})
	if err != nil {
		h.fail(w, r, "create invoice", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toInvoiceResponse(InvoiceWithPayments{Invoice: inv}))
}

func (h *Handler) finalizeInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	res, err := h.service.FinalizeInvoice(r.Context(), id)
	if err != nil {
		h.fail(w, r, "finalize invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toReconcileBody(res))
}

func (h *Handler) changeTotal(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req changeTotalRequest
	if !h.decode(w, r, &req) {
		return
	}
	total, err := decimal.NewFromString(req.Total)
	if err != nil {
		h.fail(w, r, "change total", ruleErr(ErrInvalidInput, "total %q is not a number", req.Total))
		return
	}
	res, err := h.service.ChangeInvoiceTotal(r.Context(), id, total)
	if err != nil {
		h.fail(w, r, "change total", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toReconcileBody(res))
}

func (h *Handler) recalculate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	res, err := h.service.Recalculate(r.Context(), id)
	if err != nil {
		h.fail(w, r, "recalculate", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toReconcileBody(res))
}

func (h *Handler) cancelInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	entry, err := h.service.CancelInvoice(r.Context(), CancelInvoiceInput{
		InvoiceID: id,
		ActorID:   actorID,
		Reason:    req.Reason,
		Force:     req.Force,
	})
	if err != nil {
		h.fail(w, r, "cancel invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toCancelLogBody(entry))
}

func (h *Handler) restoreInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	res, err := h.service.RestoreInvoice(r.Context(), id, actorID)
	if err != nil {
		h.fail(w, r, "restore invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toReconcileBody(res))
}

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req createPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		h.fail(w, r, "create payment", ruleErr(ErrInvalidInput, "amount %q is not a number", req.Amount))
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(r.Context(), key, IdempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				httpx.Problem(w, http.StatusConflict, "Duplicate Request", "a payment with this Idempotency-Key was already submitted")
				return
			}
			h.fail(w, r, "idempotency check", err)
			return
		}
	}

	payment, err := h.service.CreatePayment(r.Context(), CreatePaymentInput{
		InvoiceNo: req.InvoiceNo,
		Amount:    amount,
		Method:    req.Method,
		Reference: req.Reference,
		ActorID:   actorID,
	})
	if err != nil {
		if key != "" && h.idempotency != nil {
			if delErr := h.idempotency.Delete(r.Context(), key, IdempotencyModule); delErr != nil {
				h.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", delErr))
			}
		}
		h.fail(w, r, "create payment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPaymentBody(payment))
}

func (h *Handler) updatePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req updatePaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	input := UpdatePaymentInput{PaymentID: id, Method: req.Method, Reference: req.Reference, ActorID: actorID}
	if req.Amount != nil {
		amount, err := decimal.NewFromString(*req.Amount)
		if err != nil {
			h.fail(w, r, "update payment", ruleErr(ErrInvalidInput, "amount %q is not a number", *req.Amount))
			return
		}
		input.Amount = &amount
	}
	payment, err := h.service.UpdatePayment(r.Context(), input)
	if err != nil {
		h.fail(w, r, "update payment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPaymentBody(payment))
}

func (h *Handler) deletePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeletePayment(r.Context(), id); err != nil {
		h.fail(w, r, "delete payment", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "acting user is required")
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "field "+fe.Field()+" failed "+fe.Tag())
			return false
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if Kind(err) == nil {
		h.logger.Error(op, slog.String("path", r.URL.Path), slog.Any("error", err))
	} else {
		h.logger.Debug(op, slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err, ErrorMappings...)
}

func money2(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func toInvoiceResponse(inv InvoiceWithPayments) invoiceResponse {
	payments := make([]paymentBody, 0, len(inv.Payments))
	for _, p := range inv.Payments {
		payments = append(payments, toPaymentBody(p))
	}
	return invoiceResponse{
		ID:             inv.ID,
		InvoiceNo:      inv.Number,
		CustomerID:     inv.CustomerID,
		Currency:       inv.Currency,
		Total:          money2(inv.Total),
		Balance:        money2(inv.Balance),
		ReceivedAmount: money2(inv.ReceivedAmount()),
		Status:         inv.Status,
		DueAt:          inv.DueAt,
		CancelledAt:    inv.CancelledAt,
		CancelledBy:    inv.CancelledBy,
		Payments:       payments,
	}
}

func toPaymentBody(p Payment) paymentBody {
	return paymentBody{
		ID:         p.ID,
		InvoiceID:  p.InvoiceID,
		Amount:     money2(p.Amount),
		RoundOff:   money2(p.RoundOff),
		Method:     p.Method,
		Reference:  p.Reference,
		ReceivedAt: p.ReceivedAt,
		CreatedBy:  p.CreatedBy,
		UpdatedBy:  p.UpdatedBy,
	}
}

func toReconcileBody(r Reconciliation) reconcileBody {
	return reconcileBody{
		InvoiceID:      r.InvoiceID,
		InvoiceNo:      r.InvoiceNo,
		Status:         r.Status,
		Balance:        money2(r.Balance),
		ReceivedAmount: money2(r.ReceivedAmount),
		Changed:        r.Changed,
	}
}

func toCancelLogBody(l CancelLog) cancelLogBody {
	return cancelLogBody{
		ID:              l.ID,
		InvoiceID:       l.InvoiceID,
		CancelledBy:     l.CancelledBy,
		CancelledByName: l.CancelledByName,
		Reason:          l.Reason,
		ForceCancelled:  l.ForceCancelled,
		PreviousStatus:  l.PreviousStatus,
		CancelledAt:     l.CancelledAt,
	}
}
