package ar

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// CancelInvoice moves an invoice out of the payment-driven lifecycle. Paid
// invoices require force and an actor holding elevated privilege. The
// reconciliation engine is not involved.
func (s *Service) CancelInvoice(ctx context.Context, input CancelInvoiceInput) (CancelLog, error) {
	entry, rec, err := s.cancelInvoice(ctx, input)
	s.metrics.ObserveCancellation(outcome(err))
	if err != nil {
		return CancelLog{}, err
	}
	s.logger.Info("invoice cancelled",
		slog.Int64("invoice_id", input.InvoiceID),
		slog.Int64("actor_id", input.ActorID),
		slog.Bool("forced", entry.ForceCancelled))
	s.notifyInvoice(ctx, rec)
	return entry, nil
}

func (s *Service) cancelInvoice(ctx context.Context, input CancelInvoiceInput) (CancelLog, Reconciliation, error) {
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		return CancelLog{}, Reconciliation{}, ruleErr(ErrInvalidInput, "cancellation reason is required")
	}
	if input.ActorID <= 0 {
		return CancelLog{}, Reconciliation{}, ruleErr(ErrInvalidInput, "acting user is required")
	}

	var (
		entry CancelLog
		rec   Reconciliation
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, input.InvoiceID)
		if err != nil {
			return notFound(err, "invoice %d not found", input.InvoiceID)
		}

		switch inv.Status {
		case StatusCancelled:
			return ruleErr(ErrAlreadyCancelled, "invoice %s is already cancelled", inv.Number)
		case StatusPaid:
			if !input.Force {
				return ruleErr(ErrInvalidState, "invoice %s is paid; cancelling it requires force", inv.Number)
			}
			privileged, err := s.hasElevatedPrivilege(ctx, input.ActorID)
			if err != nil {
				return err
			}
			if !privileged {
				return ruleErr(ErrForbidden, "user %d may not force-cancel paid invoice %s", input.ActorID, inv.Number)
			}
		}
		if !inv.Status.CanTransitionTo(StatusCancelled) {
			return ruleErr(ErrInvalidState, "invoice %s is %s and cannot be cancelled", inv.Number, inv.Status)
		}

		now := s.now()
		if err := tx.MarkInvoiceCancelled(ctx, inv.ID, input.ActorID, now); err != nil {
			return err
		}
		entry, err = tx.InsertCancelLog(ctx, NewCancelLog{
			InvoiceID:      inv.ID,
			CancelledBy:    input.ActorID,
			Reason:         reason,
			ForceCancelled: input.Force,
			PreviousStatus: inv.Status,
			CancelledAt:    now,
		})
		if err != nil {
			return err
		}
		rec = Reconciliation{
			InvoiceID: inv.ID,
			InvoiceNo: inv.Number,
			Status:    StatusCancelled,
			Balance:   inv.Balance,
			Changed:   true,
		}
		return nil
	})
	if err != nil {
		return CancelLog{}, Reconciliation{}, err
	}
	return entry, rec, nil
}

// RestoreInvoice returns a cancelled invoice to the payment-driven lifecycle
// and re-derives its status from the payment set.
func (s *Service) RestoreInvoice(ctx context.Context, invoiceID, actorID int64) (Reconciliation, error) {
	if actorID <= 0 {
		return Reconciliation{}, ruleErr(ErrInvalidInput, "acting user is required")
	}

	var rec Reconciliation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return notFound(err, "invoice %d not found", invoiceID)
		}
		if inv.Status != StatusCancelled {
			return ruleErr(ErrInvalidState, "invoice %s is %s; only cancelled invoices can be restored", inv.Number, inv.Status)
		}
		if err := tx.ClearInvoiceCancellation(ctx, inv.ID, StatusUnpaid); err != nil {
			return err
		}
		rec, err = s.RecalculateWithin(ctx, tx, inv.ID)
		return err
	})
	if err != nil {
		return Reconciliation{}, err
	}
	s.logger.Info("invoice restored",
		slog.Int64("invoice_id", invoiceID),
		slog.Int64("actor_id", actorID),
		slog.String("status", string(rec.Status)))
	s.notifyInvoice(ctx, rec)
	return rec, nil
}

// GetCancelHistory returns the cancellation log of an invoice, newest first.
func (s *Service) GetCancelHistory(ctx context.Context, invoiceID int64) ([]CancelLog, error) {
	if _, err := s.repo.GetInvoiceWithPayments(ctx, invoiceID); err != nil {
		return nil, notFound(err, "invoice %d not found", invoiceID)
	}
	return s.repo.ListCancelLogs(ctx, invoiceID)
}

// hasElevatedPrivilege is asked only on the paid force-cancel path.
func (s *Service) hasElevatedPrivilege(ctx context.Context, userID int64) (bool, error) {
	if s.authz == nil {
		return false, nil
	}
	ok, err := s.authz.HasElevatedPrivilege(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("ar: resolve privilege: %w", err)
	}
	return ok, nil
}
