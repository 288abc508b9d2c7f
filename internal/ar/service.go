package ar

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/arledger/internal/money"
)

// Notification event names.
const (
	EventInvoiceUpdated = "invoice.updated"
	EventPaymentCreated = "payment.created"
	EventPaymentUpdated = "payment.updated"
	EventPaymentDeleted = "payment.deleted"
)

// Publisher delivers ledger notifications. Delivery is fire-and-forget.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) error
}

// Authorizer resolves elevated privileges for the force-cancel path.
type Authorizer interface {
	HasElevatedPrivilege(ctx context.Context, userID int64) (bool, error)
}

// MetricsRecorder receives ledger operation outcomes.
type MetricsRecorder interface {
	ObservePaymentOp(op, outcome string)
	ObserveCancellation(outcome string)
	ObserveNotifyFailure(event string)
}

// InvoiceUpdated is the payload of EventInvoiceUpdated.
type InvoiceUpdated struct {
	InvoiceID      int64           `json:"invoiceId"`
	InvoiceNo      string          `json:"invoiceNo"`
	Status         InvoiceStatus   `json:"status"`
	Balance        decimal.Decimal `json:"balance"`
	ReceivedAmount decimal.Decimal `json:"receivedAmount"`
}

// PaymentEvent is the payload of the payment lifecycle events.
type PaymentEvent struct {
	PaymentID int64           `json:"paymentId"`
	InvoiceID int64           `json:"invoiceId"`
	InvoiceNo string          `json:"invoiceNo"`
	Amount    decimal.Decimal `json:"amount"`
	RoundOff  decimal.Decimal `json:"roundOff"`
	Method    string          `json:"method"`
	Reference string          `json:"reference"`
}

// Service is the payment ledger and reconciliation engine.
type Service struct {
	repo      Repository
	publisher Publisher
	authz     Authorizer
	logger    *slog.Logger
	metrics   MetricsRecorder
	policy    money.Policy
	now       func() time.Time
}

// NewService builds Service instance. A nil publisher drops notifications and
// a nil authorizer grants no elevated privileges.
func NewService(repo Repository, publisher Publisher, authz Authorizer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		publisher: publisher,
		authz:     authz,
		logger:    logger,
		metrics:   noopMetrics{},
		policy:    money.DefaultPolicy(),
		now:       time.Now,
	}
}

// SetRoundOffThreshold overrides the round-off threshold used on payment creation.
func (s *Service) SetRoundOffThreshold(threshold decimal.Decimal) {
	s.policy = money.NewPolicy(threshold)
}

// SetMetrics installs the metrics recorder.
func (s *Service) SetMetrics(m MetricsRecorder) {
	if m == nil {
		m = noopMetrics{}
	}
	s.metrics = m
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Service) publish(ctx context.Context, event string, payload any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event, payload); err != nil {
		s.metrics.ObserveNotifyFailure(event)
		s.logger.Warn("publish ledger event", slog.String("event", event), slog.Any("error", err))
	}
}

// notifyInvoice re-reads the committed invoice and emits EventInvoiceUpdated.
// fallback is used when the read fails.
func (s *Service) notifyInvoice(ctx context.Context, fallback Reconciliation) {
	payload := InvoiceUpdated{
		InvoiceID:      fallback.InvoiceID,
		InvoiceNo:      fallback.InvoiceNo,
		Status:         fallback.Status,
		Balance:        fallback.Balance,
		ReceivedAmount: fallback.ReceivedAmount,
	}
	current, err := s.repo.GetInvoiceWithPayments(ctx, fallback.InvoiceID)
	if err != nil {
		s.logger.Warn("reload invoice for notification", slog.Int64("invoice_id", fallback.InvoiceID), slog.Any("error", err))
	} else {
		payload.InvoiceNo = current.Number
		payload.Status = current.Status
		payload.Balance = current.Balance
		payload.ReceivedAmount = current.ReceivedAmount()
	}
	s.publish(ctx, EventInvoiceUpdated, payload)
}

func (s *Service) notifyPayment(ctx context.Context, event string, p Payment, invoiceNo string) {
	s.publish(ctx, event, PaymentEvent{
		PaymentID: p.ID,
		InvoiceID: p.InvoiceID,
		InvoiceNo: invoiceNo,
		Amount:    p.Amount,
		RoundOff:  p.RoundOff,
		Method:    p.Method,
		Reference: p.Reference,
	})
}

// notFound replaces a bare store ErrNotFound with a descriptive rule error.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, ErrNotFound) {
		return ruleErr(ErrNotFound, format, args...)
	}
	return err
}

// outcome labels an operation result for metrics.
func outcome(err error) string {
	switch Kind(err) {
	case nil:
		if err != nil {
			return "error"
		}
		return "ok"
	case ErrNotFound:
		return "not_found"
	case ErrInvalidInput:
		return "invalid_input"
	case ErrInvalidState:
		return "invalid_state"
	case ErrBalanceExceeded:
		return "balance_exceeded"
	case ErrInvariantViolation:
		return "invariant_violation"
	case ErrForbidden:
		return "forbidden"
	case ErrAlreadyCancelled:
		return "already_cancelled"
	}
	return "error"
}

type noopMetrics struct{}

func (noopMetrics) ObservePaymentOp(string, string) {}
func (noopMetrics) ObserveCancellation(string)      {}
func (noopMetrics) ObserveNotifyFailure(string)     {}
