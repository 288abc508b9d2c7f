package ar

import (
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/arledger/internal/money"
)

// PaidTolerance is the largest residual balance still treated as fully paid.
var PaidTolerance = money.Cent

// Derived is the payment-driven status and balance of an invoice.
type Derived struct {
	Status         InvoiceStatus
	Balance        decimal.Decimal
	ReceivedAmount decimal.Decimal
}

// Derive computes status and balance from the invoice total and its payments.
// It only covers the payment-driven statuses; drafts and cancelled invoices are
// filtered out by the caller.
func Derive(total decimal.Decimal, payments []Payment) Derived {
	received := receivedAmount(payments)
	balance := money.Round(total.Sub(received))

	switch {
	case received.IsZero():
		return Derived{Status: StatusUnpaid, Balance: balance, ReceivedAmount: received}
	case balance.GreaterThan(PaidTolerance):
		return Derived{Status: StatusPartial, Balance: balance, ReceivedAmount: received}
	default:
		return Derived{Status: StatusPaid, Balance: decimal.Zero, ReceivedAmount: received}
	}
}

func receivedAmount(payments []Payment) decimal.Decimal {
	amounts := make([]decimal.Decimal, 0, len(payments))
	for _, p := range payments {
		amounts = append(amounts, p.Amount)
	}
	return money.Sum(amounts...)
}

// remainingBalance is the rounded amount still owed on total given payments.
func remainingBalance(total decimal.Decimal, payments []Payment) decimal.Decimal {
	return money.Round(total.Sub(receivedAmount(payments)))
}

func withoutPayment(payments []Payment, id int64) []Payment {
	out := make([]Payment, 0, len(payments))
	for _, p := range payments {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out
}

func findPayment(payments []Payment, id int64) (Payment, bool) {
	for _, p := range payments {
		if p.ID == id {
			return p, true
		}
	}
	return Payment{}, false
}
