package ar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/arledger/internal/money"
)

const sweepPageSize = 500

// Recalculate reconciles one invoice in its own transaction and emits
// EventInvoiceUpdated after commit.
func (s *Service) Recalculate(ctx context.Context, invoiceID int64) (Reconciliation, error) {
	var rec Reconciliation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		rec, err = s.RecalculateWithin(ctx, tx, invoiceID)
		return err
	})
	if err != nil {
		return Reconciliation{}, err
	}
	if rec.Status.IsPaymentDriven() {
		s.notifyInvoice(ctx, rec)
	}
	return rec, nil
}

// RecalculateWithin reconciles one invoice inside the caller's transaction.
// It never emits; the caller publishes once its own transaction commits.
// Draft and cancelled invoices are returned as stored.
func (s *Service) RecalculateWithin(ctx context.Context, tx TxRepository, invoiceID int64) (Reconciliation, error) {
	inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
	if err != nil {
		return Reconciliation{}, notFound(err, "invoice %d not found", invoiceID)
	}
	rec := Reconciliation{
		InvoiceID:      inv.ID,
		InvoiceNo:      inv.Number,
		Status:         inv.Status,
		Balance:        inv.Balance,
		ReceivedAmount: decimal.Zero,
	}
	if !inv.Status.IsPaymentDriven() {
		return rec, nil
	}

	payments, err := tx.ListPayments(ctx, inv.ID)
	if err != nil {
		return Reconciliation{}, err
	}
	derived := Derive(inv.Total, payments)
	if !inv.Status.CanTransitionTo(derived.Status) {
		return Reconciliation{}, ruleErr(ErrInvariantViolation, "invoice %s cannot move from %s to %s", inv.Number, inv.Status, derived.Status)
	}
	if err := tx.UpdateInvoiceStatusAndBalance(ctx, inv.ID, derived.Status, derived.Balance); err != nil {
		return Reconciliation{}, fmt.Errorf("ar: persist reconciliation: %w", err)
	}

	rec.Changed = inv.Status != derived.Status || !inv.Balance.Equal(derived.Balance)
	rec.Status = derived.Status
	rec.Balance = derived.Balance
	rec.ReceivedAmount = derived.ReceivedAmount
	return rec, nil
}

// RecalculateBatch reconciles several invoices in one transaction and emits
// one notification per payment-driven invoice after commit.
func (s *Service) RecalculateBatch(ctx context.Context, invoiceIDs []int64) ([]Reconciliation, error) {
	ids := slices.Clone(invoiceIDs)
	// Lock rows in a stable order so overlapping batches cannot deadlock.
	slices.Sort(ids)
	ids = slices.Compact(ids)

	results := make([]Reconciliation, 0, len(ids))
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		results = results[:0]
		for _, id := range ids {
			rec, err := s.RecalculateWithin(ctx, tx, id)
			if err != nil {
				return err
			}
			results = append(results, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, rec := range results {
		if rec.Status.IsPaymentDriven() {
			s.notifyInvoice(ctx, rec)
		}
	}
	return results, nil
}

// SweepReport summarises a repair sweep.
type SweepReport struct {
	Scanned int
	Drifted int
	Failed  int
}

// Sweep recalculates invoices with bounded concurrency, each in its own
// transaction. A nil ids slice sweeps every payment-driven invoice.
// Notifications are emitted only for invoices whose stored fields drifted.
func (s *Service) Sweep(ctx context.Context, ids []int64, concurrency int) (SweepReport, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	if ids == nil {
		all, err := s.reconcilableIDs(ctx)
		if err != nil {
			return SweepReport{}, err
		}
		ids = all
	}

	var drifted, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var rec Reconciliation
			err := s.repo.WithTx(gctx, func(ctx context.Context, tx TxRepository) error {
				var err error
				rec, err = s.RecalculateWithin(ctx, tx, id)
				return err
			})
			if err != nil {
				failed.Add(1)
				s.logger.Error("sweep invoice", slog.Int64("invoice_id", id), slog.Any("error", err))
				return nil
			}
			if rec.Changed {
				drifted.Add(1)
				s.logger.Info("invoice drift repaired",
					slog.Int64("invoice_id", id),
					slog.String("status", string(rec.Status)),
					slog.String("balance", rec.Balance.StringFixed(money.Places)))
				s.notifyInvoice(gctx, rec)
			}
			return nil
		})
	}
	err := g.Wait()
	report := SweepReport{Scanned: len(ids), Drifted: int(drifted.Load()), Failed: int(failed.Load())}
	return report, err
}

func (s *Service) reconcilableIDs(ctx context.Context) ([]int64, error) {
	var (
		ids     []int64
		afterID int64
	)
	for {
		page, err := s.repo.ListReconcilableInvoiceIDs(ctx, afterID, sweepPageSize)
		if err != nil {
			return nil, err
		}
		ids = append(ids, page...)
		if len(page) < sweepPageSize {
			return ids, nil
		}
		afterID = page[len(page)-1]
	}
}

// ValidateTotalUpdate checks that newTotal does not drop below the amount
// already received on the invoice.
func (s *Service) ValidateTotalUpdate(ctx context.Context, invoiceID int64, newTotal decimal.Decimal) error {
	inv, err := s.repo.GetInvoiceWithPayments(ctx, invoiceID)
	if err != nil {
		return notFound(err, "invoice %d not found", invoiceID)
	}
	return validateTotal(inv.Number, newTotal, inv.Payments)
}

func validateTotal(invoiceNo string, newTotal decimal.Decimal, payments []Payment) error {
	total := money.Round(newTotal)
	if total.IsNegative() {
		return ruleErr(ErrInvalidInput, "invoice total must not be negative")
	}
	received := receivedAmount(payments)
	if total.LessThan(received) {
		return ruleErr(ErrInvariantViolation,
			"invoice %s total %s is below the %s already received; delete or adjust payments first",
			invoiceNo, formatAmount(total), formatAmount(received))
	}
	return nil
}

// ValidateCanReceivePayment reports whether payments may be recorded.
func (s *Service) ValidateCanReceivePayment(ctx context.Context, invoiceID int64) (Eligibility, error) {
	inv, err := s.repo.GetInvoiceWithPayments(ctx, invoiceID)
	if err != nil {
		return Eligibility{}, notFound(err, "invoice %d not found", invoiceID)
	}
	allowed, reason := inv.Status.CanReceivePayment()
	return Eligibility{Allowed: allowed, Reason: reason}, nil
}

// CreateInvoice stores an invoice handed over by the order workflow.
func (s *Service) CreateInvoice(ctx context.Context, input CreateInvoiceInput) (Invoice, error) {
	input.Number = strings.TrimSpace(input.Number)
	if input.Number == "" {
		return Invoice{}, ruleErr(ErrInvalidInput, "invoice number is required")
	}
	input.Total = money.Round(input.Total)
	if !input.Total.IsPositive() {
		return Invoice{}, ruleErr(ErrInvalidInput, "invoice total must be greater than zero")
	}
	if input.Status == "" {
		input.Status = StatusDraft
	}
	if input.Status != StatusDraft && input.Status != StatusUnpaid {
		return Invoice{}, ruleErr(ErrInvalidInput, "new invoices must be %s or %s", StatusDraft, StatusUnpaid)
	}
	if input.Currency == "" {
		input.Currency = "IDR"
	}

	var created Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.CreateInvoice(ctx, input)
		if err != nil {
			if errors.Is(err, ErrDuplicate) {
				return ruleErr(ErrInvalidInput, "invoice %s already exists", input.Number)
			}
			return err
		}
		created = inv
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	s.logger.Info("invoice created", slog.Int64("invoice_id", created.ID), slog.String("invoice_no", created.Number))
	return created, nil
}

// FinalizeInvoice moves a draft invoice into the payment-driven lifecycle.
func (s *Service) FinalizeInvoice(ctx context.Context, invoiceID int64) (Reconciliation, error) {
	var rec Reconciliation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return notFound(err, "invoice %d not found", invoiceID)
		}
		if inv.Status != StatusDraft {
			return ruleErr(ErrInvalidState, "invoice %s is %s; only draft invoices can be finalized", inv.Number, inv.Status)
		}
		if err := tx.UpdateInvoiceStatusAndBalance(ctx, inv.ID, StatusUnpaid, money.Round(inv.Total)); err != nil {
			return err
		}
		rec, err = s.RecalculateWithin(ctx, tx, inv.ID)
		return err
	})
	if err != nil {
		return Reconciliation{}, err
	}
	s.notifyInvoice(ctx, rec)
	return rec, nil
}

// ChangeInvoiceTotal is the guarded update path for an invoice total.
func (s *Service) ChangeInvoiceTotal(ctx context.Context, invoiceID int64, newTotal decimal.Decimal) (Reconciliation, error) {
	total := money.Round(newTotal)
	if !total.IsPositive() {
		return Reconciliation{}, ruleErr(ErrInvalidInput, "invoice total must be greater than zero")
	}

	var rec Reconciliation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return notFound(err, "invoice %d not found", invoiceID)
		}
		if inv.Status == StatusCancelled {
			return ruleErr(ErrInvalidState, "invoice %s is cancelled; restore invoice first", inv.Number)
		}
		payments, err := tx.ListPayments(ctx, inv.ID)
		if err != nil {
			return err
		}
		if err := validateTotal(inv.Number, total, payments); err != nil {
			return err
		}
		if err := tx.UpdateInvoiceTotal(ctx, inv.ID, total); err != nil {
			return err
		}
		if inv.Status == StatusDraft {
			// Draft balance is owner-set and follows the total.
			if err := tx.UpdateInvoiceStatusAndBalance(ctx, inv.ID, StatusDraft, total); err != nil {
				return err
			}
			rec = Reconciliation{InvoiceID: inv.ID, InvoiceNo: inv.Number, Status: StatusDraft, Balance: total, ReceivedAmount: decimal.Zero}
			return nil
		}
		rec, err = s.RecalculateWithin(ctx, tx, inv.ID)
		return err
	})
	if err != nil {
		return Reconciliation{}, err
	}
	if rec.Status.IsPaymentDriven() {
		s.notifyInvoice(ctx, rec)
	}
	return rec, nil
}

// GetInvoice returns the invoice with its payments.
func (s *Service) GetInvoice(ctx context.Context, invoiceID int64) (InvoiceWithPayments, error) {
	inv, err := s.repo.GetInvoiceWithPayments(ctx, invoiceID)
	if err != nil {
		return InvoiceWithPayments{}, notFound(err, "invoice %d not found", invoiceID)
	}
	return inv, nil
}

// GetInvoiceByNo returns the invoice identified by its business number.
func (s *Service) GetInvoiceByNo(ctx context.Context, invoiceNo string) (InvoiceWithPayments, error) {
	inv, err := s.repo.GetInvoiceByNo(ctx, strings.TrimSpace(invoiceNo))
	if err != nil {
		return InvoiceWithPayments{}, notFound(err, "invoice %s not found", invoiceNo)
	}
	return inv, nil
}
