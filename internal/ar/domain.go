package ar

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceStatus enumerates AR invoice statuses.
type InvoiceStatus string

const (
	StatusDraft     InvoiceStatus = "DRAFT"
	StatusUnpaid    InvoiceStatus = "UNPAID"
	StatusPartial   InvoiceStatus = "PARTIAL"
	StatusPaid      InvoiceStatus = "PAID"
	StatusCancelled InvoiceStatus = "CANCELLED"
)

var statusTransitions = map[InvoiceStatus][]InvoiceStatus{
	StatusDraft:     {StatusUnpaid},
	StatusUnpaid:    {StatusPartial, StatusPaid, StatusCancelled},
	StatusPartial:   {StatusUnpaid, StatusPaid, StatusCancelled},
	StatusPaid:      {StatusUnpaid, StatusPartial, StatusCancelled},
	StatusCancelled: {StatusUnpaid, StatusPartial, StatusPaid},
}

// IsValid reports whether s is a known status.
func (s InvoiceStatus) IsValid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// IsPaymentDriven reports whether the status is derived from the payment set.
func (s InvoiceStatus) IsPaymentDriven() bool {
	return s == StatusUnpaid || s == StatusPartial || s == StatusPaid
}

// CanTransitionTo reports whether next is reachable from s. Staying in the
// same status is always allowed.
func (s InvoiceStatus) CanTransitionTo(next InvoiceStatus) bool {
	if s == next {
		return s.IsValid()
	}
	for _, candidate := range statusTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// CanReceivePayment reports whether payments may be recorded, with the reason
// when they may not.
func (s InvoiceStatus) CanReceivePayment() (bool, string) {
	switch s {
	case StatusDraft:
		return false, "invoice is a draft; finalize invoice first"
	case StatusCancelled:
		return false, "invoice is cancelled; restore invoice first"
	}
	return true, ""
}

// Invoice model.
type Invoice struct {
	ID          int64
	Number      string
	CustomerID  int64
	Currency    string
	Total       decimal.Decimal
	Balance     decimal.Decimal
	Status      InvoiceStatus
	DueAt       *time.Time
	CancelledAt *time.Time
	CancelledBy *int64
	CreatedBy   int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Payment model. Amount is already net of any round-off.
type Payment struct {
	ID         int64
	InvoiceID  int64
	Amount     decimal.Decimal
	RoundOff   decimal.Decimal
	Method     string
	Reference  string
	ReceivedAt time.Time
	CreatedBy  int64
	UpdatedBy  *int64
	UpdatedAt  time.Time
}

// InvoiceWithPayments is an invoice and its full payment set.
type InvoiceWithPayments struct {
	Invoice
	Payments []Payment
}

// CancelLog is an append-only cancellation audit record.
type CancelLog struct {
	ID              int64
	InvoiceID       int64
	CancelledBy     int64
	CancelledByName string
	Reason          string
	ForceCancelled  bool
	PreviousStatus  InvoiceStatus
	CancelledAt     time.Time
}

// Reconciliation holds the derived fields of an invoice.
type Reconciliation struct {
	InvoiceID      int64
	InvoiceNo      string
	Status         InvoiceStatus
	Balance        decimal.Decimal
	ReceivedAmount decimal.Decimal
	Changed        bool
}

// Eligibility answers whether an invoice can receive payments.
type Eligibility struct {
	Allowed bool
	Reason  string
}

// CreateInvoiceInput is supplied by the upstream order workflow.
type CreateInvoiceInput struct {
	Number     string
	CustomerID int64
	Currency   string
	Total      decimal.Decimal
	Status     InvoiceStatus
	DueAt      *time.Time
	CreatedBy  int64
}

// CreatePaymentInput records a new payment against an invoice number.
type CreatePaymentInput struct {
	InvoiceNo string
	Amount    decimal.Decimal
	Method    string
	Reference string
	ActorID   int64
}

// UpdatePaymentInput edits a payment; nil fields are left unchanged.
type UpdatePaymentInput struct {
	PaymentID int64
	Amount    *decimal.Decimal
	Method    *string
	Reference *string
	ActorID   int64
}

// CancelInvoiceInput requests an administrative cancellation.
type CancelInvoiceInput struct {
	InvoiceID int64
	ActorID   int64
	Reason    string
	Force     bool
}

// NewPayment is the row written by the store on payment creation.
type NewPayment struct {
	InvoiceID  int64
	Amount     decimal.Decimal
	RoundOff   decimal.Decimal
	Method     string
	Reference  string
	ReceivedAt time.Time
	CreatedBy  int64
}

// PaymentChanges is the set of fields written on payment update.
type PaymentChanges struct {
	Amount    decimal.Decimal
	RoundOff  decimal.Decimal
	Method    string
	Reference string
	UpdatedBy int64
	UpdatedAt time.Time
}

// NewCancelLog is the row appended on cancellation.
type NewCancelLog struct {
	InvoiceID      int64
	CancelledBy    int64
	Reason         string
	ForceCancelled bool
	PreviousStatus InvoiceStatus
	CancelledAt    time.Time
}

// ReceivedAmount sums the payment amounts at currency precision.
func (i InvoiceWithPayments) ReceivedAmount() decimal.Decimal {
	return receivedAmount(i.Payments)
}
