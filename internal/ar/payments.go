package ar

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/arledger/internal/money"
)

// CreatePayment records a payment against the invoice identified by number.
// The payment row and the reconciled invoice commit together; notifications
// go out after commit.
func (s *Service) CreatePayment(ctx context.Context, input CreatePaymentInput) (Payment, error) {
	payment, invoiceNo, rec, err := s.createPayment(ctx, input)
	s.metrics.ObservePaymentOp("create", outcome(err))
	if err != nil {
		return Payment{}, err
	}
	s.notifyInvoice(ctx, rec)
	s.notifyPayment(ctx, EventPaymentCreated, payment, invoiceNo)
	return payment, nil
}

func (s *Service) createPayment(ctx context.Context, input CreatePaymentInput) (Payment, string, Reconciliation, error) {
	invoiceNo := strings.TrimSpace(input.InvoiceNo)
	if invoiceNo == "" {
		return Payment{}, "", Reconciliation{}, ruleErr(ErrInvalidInput, "invoice number is required")
	}
	if input.ActorID <= 0 {
		return Payment{}, "", Reconciliation{}, ruleErr(ErrInvalidInput, "acting user is required")
	}
	amount := money.Round(input.Amount)
	if !amount.IsPositive() {
		return Payment{}, "", Reconciliation{}, ruleErr(ErrInvalidInput, "payment amount must be greater than zero")
	}

	var (
		created Payment
		rec     Reconciliation
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceByNoForUpdate(ctx, invoiceNo)
		if err != nil {
			return notFound(err, "invoice %s not found", invoiceNo)
		}
		if ok, reason := inv.Status.CanReceivePayment(); !ok {
			return ruleErr(ErrInvalidState, "cannot record payment on invoice %s: %s", inv.Number, reason)
		}

		payments, err := tx.ListPayments(ctx, inv.ID)
		if err != nil {
			return err
		}
		remaining := remainingBalance(inv.Total, payments)
		if !remaining.IsPositive() {
			return ruleErr(ErrBalanceExceeded, "invoice %s has no remaining balance", inv.Number)
		}

		adj := s.policy.Compute(amount, remaining)
		if !adj.Applied && amount.GreaterThan(remaining) {
			return ruleErr(ErrBalanceExceeded, "payment of %s exceeds the remaining balance of %s on invoice %s",
				formatAmount(amount), formatAmount(remaining), inv.Number)
		}

		created, err = tx.InsertPayment(ctx, NewPayment{
			InvoiceID:  inv.ID,
			Amount:     adj.AdjustedAmount,
			RoundOff:   adj.RoundOff,
			Method:     strings.TrimSpace(input.Method),
			Reference:  strings.TrimSpace(input.Reference),
			ReceivedAt: s.now(),
			CreatedBy:  input.ActorID,
		})
		if err != nil {
			return err
		}
		rec, err = s.RecalculateWithin(ctx, tx, inv.ID)
		return err
	})
	if err != nil {
		return Payment{}, "", Reconciliation{}, err
	}
	return created, invoiceNo, rec, nil
}

// UpdatePayment edits a payment. A new amount is checked against the balance
// remaining without the edited payment; round-off is not re-applied.
func (s *Service) UpdatePayment(ctx context.Context, input UpdatePaymentInput) (Payment, error) {
	if input.ActorID <= 0 {
		return Payment{}, ruleErr(ErrInvalidInput, "acting user is required")
	}
	var (
		updated Payment
		rec     Reconciliation
	)
	err := s.mutatePayment(ctx, input.PaymentID, func(ctx context.Context, tx TxRepository, inv Invoice, current Payment, payments []Payment) error {
		changes := PaymentChanges{
			Amount:    current.Amount,
			RoundOff:  current.RoundOff,
			Method:    current.Method,
			Reference: current.Reference,
			UpdatedBy: input.ActorID,
			UpdatedAt: s.now(),
		}
		if input.Amount != nil {
			amount := money.Round(*input.Amount)
			if !amount.IsPositive() {
				return ruleErr(ErrInvalidInput, "payment amount must be greater than zero")
			}
			remaining := remainingBalance(inv.Total, withoutPayment(payments, current.ID))
			if amount.GreaterThan(remaining) {
				return ruleErr(ErrBalanceExceeded, "payment of %s exceeds the remaining balance of %s on invoice %s",
					formatAmount(amount), formatAmount(remaining), inv.Number)
			}
			changes.Amount = amount
			changes.RoundOff = decimal.Zero
		}
		if input.Method != nil {
			changes.Method = strings.TrimSpace(*input.Method)
		}
		if input.Reference != nil {
			changes.Reference = strings.TrimSpace(*input.Reference)
		}

		var err error
		updated, err = tx.UpdatePayment(ctx, current.ID, changes)
		if err != nil {
			return notFound(err, "payment %d not found", current.ID)
		}
		rec, err = s.RecalculateWithin(ctx, tx, inv.ID)
		return err
	})
	s.metrics.ObservePaymentOp("update", outcome(err))
	if err != nil {
		return Payment{}, err
	}
	s.notifyInvoice(ctx, rec)
	s.notifyPayment(ctx, EventPaymentUpdated, updated, rec.InvoiceNo)
	return updated, nil
}

// DeletePayment removes a payment and reconciles its invoice. The status may
// move backward, for example from PAID to PARTIAL.
func (s *Service) DeletePayment(ctx context.Context, paymentID int64) error {
	var (
		deleted Payment
		rec     Reconciliation
	)
	err := s.mutatePayment(ctx, paymentID, func(ctx context.Context, tx TxRepository, inv Invoice, current Payment, _ []Payment) error {
		if err := tx.DeletePayment(ctx, current.ID); err != nil {
			return notFound(err, "payment %d not found", current.ID)
		}
		deleted = current
		var err error
		rec, err = s.RecalculateWithin(ctx, tx, inv.ID)
		return err
	})
	s.metrics.ObservePaymentOp("delete", outcome(err))
	if err != nil {
		return err
	}
	s.notifyInvoice(ctx, rec)
	s.notifyPayment(ctx, EventPaymentDeleted, deleted, rec.InvoiceNo)
	return nil
}

type paymentMutation func(ctx context.Context, tx TxRepository, inv Invoice, current Payment, payments []Payment) error

// mutatePayment locks the owning invoice, confirms the payment still belongs
// to it and runs fn in the same transaction.
func (s *Service) mutatePayment(ctx context.Context, paymentID int64, fn paymentMutation) error {
	if paymentID <= 0 {
		return ruleErr(ErrInvalidInput, "payment id is required")
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return notFound(err, "payment %d not found", paymentID)
		}
		inv, err := tx.GetInvoiceForUpdate(ctx, p.InvoiceID)
		if err != nil {
			return notFound(err, "invoice %d not found", p.InvoiceID)
		}
		if ok, reason := inv.Status.CanReceivePayment(); !ok {
			return ruleErr(ErrInvalidState, "cannot change payments on invoice %s: %s", inv.Number, reason)
		}

		payments, err := tx.ListPayments(ctx, inv.ID)
		if err != nil {
			return err
		}
		current, ok := findPayment(payments, paymentID)
		if !ok {
			return ruleErr(ErrNotFound, "payment %d not found", paymentID)
		}
		return fn(ctx, tx, inv, current, payments)
	})
}
