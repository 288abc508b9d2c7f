package ar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/arledger/internal/platform/db"
)

// ErrDuplicate is returned by the store when a unique key already exists.
var ErrDuplicate = errors.New("ar: duplicate")

// Repository defines AR data access outside of a unit of work.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetInvoiceWithPayments(ctx context.Context, id int64) (InvoiceWithPayments, error)
	GetInvoiceByNo(ctx context.Context, number string) (InvoiceWithPayments, error)
	ListCancelLogs(ctx context.Context, invoiceID int64) ([]CancelLog, error)
	ListReconcilableInvoiceIDs(ctx context.Context, afterID int64, limit int) ([]int64, error)
}

// TxRepository defines operations within a unit of work. The ForUpdate reads
// lock the invoice row until the transaction ends.
type TxRepository interface {
	CreateInvoice(ctx context.Context, input CreateInvoiceInput) (Invoice, error)
	GetInvoiceForUpdate(ctx context.Context, id int64) (Invoice, error)
	GetInvoiceByNoForUpdate(ctx context.Context, number string) (Invoice, error)
	UpdateInvoiceStatusAndBalance(ctx context.Context, id int64, status InvoiceStatus, balance decimal.Decimal) error
	UpdateInvoiceTotal(ctx context.Context, id int64, total decimal.Decimal) error
	MarkInvoiceCancelled(ctx context.Context, id, actorID int64, at time.Time) error
	ClearInvoiceCancellation(ctx context.Context, id int64, status InvoiceStatus) error

	ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error)
	GetPayment(ctx context.Context, id int64) (Payment, error)
	InsertPayment(ctx context.Context, input NewPayment) (Payment, error)
	UpdatePayment(ctx context.Context, id int64, changes PaymentChanges) (Payment, error)
	DeletePayment(ctx context.Context, id int64) error

	InsertCancelLog(ctx context.Context, input NewCancelLog) (CancelLog, error)
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ Repository = (*pgRepository)(nil)
var _ TxRepository = (*pgTxRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository returns the PostgreSQL backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

// WithTx runs fn in a read-committed transaction.
func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTxOptions(ctx, r.pool, db.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{q: tx})
	})
}

func (r *pgRepository) GetInvoiceWithPayments(ctx context.Context, id int64) (InvoiceWithPayments, error) {
	inv, err := scanInvoice(r.pool.QueryRow(ctx, sqlGetInvoice, id))
	if err != nil {
		return InvoiceWithPayments{}, err
	}
	payments, err := listPayments(ctx, r.pool, inv.ID)
	if err != nil {
		return InvoiceWithPayments{}, err
	}
	return InvoiceWithPayments{Invoice: inv, Payments: payments}, nil
}

func (r *pgRepository) GetInvoiceByNo(ctx context.Context, number string) (InvoiceWithPayments, error) {
	inv, err := scanInvoice(r.pool.QueryRow(ctx, sqlGetInvoiceByNo, number))
	if err != nil {
		return InvoiceWithPayments{}, err
	}
	payments, err := listPayments(ctx, r.pool, inv.ID)
	if err != nil {
		return InvoiceWithPayments{}, err
	}
	return InvoiceWithPayments{Invoice: inv, Payments: payments}, nil
}

func (r *pgRepository) ListCancelLogs(ctx context.Context, invoiceID int64) ([]CancelLog, error) {
	rows, err := r.pool.Query(ctx, sqlListCancelLogs, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("ar: list cancel logs: %w", err)
	}
	defer rows.Close()

	var logs []CancelLog
	for rows.Next() {
		var l CancelLog
		if err := rows.Scan(&l.ID, &l.InvoiceID, &l.CancelledBy, &l.CancelledByName, &l.Reason,
			&l.ForceCancelled, &l.PreviousStatus, &l.CancelledAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (r *pgRepository) ListReconcilableInvoiceIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	rows, err := r.pool.Query(ctx, sqlListReconcilableInvoiceIDs, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("ar: list reconcilable invoices: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type pgTxRepository struct {
	q querier
}

func (t *pgTxRepository) CreateInvoice(ctx context.Context, input CreateInvoiceInput) (Invoice, error) {
	inv, err := scanInvoice(t.q.QueryRow(ctx, sqlInsertInvoice,
		input.Number,
		input.CustomerID,
		input.Currency,
		input.Total,
		input.Total,
		input.Status,
		input.DueAt,
		input.CreatedBy,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Invoice{}, ErrDuplicate
		}
		return Invoice{}, err
	}
	return inv, nil
}

func (t *pgTxRepository) GetInvoiceForUpdate(ctx context.Context, id int64) (Invoice, error) {
	return scanInvoice(t.q.QueryRow(ctx, sqlGetInvoiceForUpdate, id))
}

func (t *pgTxRepository) GetInvoiceByNoForUpdate(ctx context.Context, number string) (Invoice, error) {
	return scanInvoice(t.q.QueryRow(ctx, sqlGetInvoiceByNoForUpdate, number))
}

func (t *pgTxRepository) UpdateInvoiceStatusAndBalance(ctx context.Context, id int64, status InvoiceStatus, balance decimal.Decimal) error {
	return execOne(ctx, t.q, sqlUpdateInvoiceStatusBalance, id, status, balance)
}

func (t *pgTxRepository) UpdateInvoiceTotal(ctx context.Context, id int64, total decimal.Decimal) error {
	return execOne(ctx, t.q, sqlUpdateInvoiceTotal, id, total)
}

func (t *pgTxRepository) MarkInvoiceCancelled(ctx context.Context, id, actorID int64, at time.Time) error {
	return execOne(ctx, t.q, sqlMarkInvoiceCancelled, id, actorID, at)
}

func (t *pgTxRepository) ClearInvoiceCancellation(ctx context.Context, id int64, status InvoiceStatus) error {
	return execOne(ctx, t.q, sqlClearInvoiceCancellation, id, status)
}

func (t *pgTxRepository) ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error) {
	return listPayments(ctx, t.q, invoiceID)
}

func (t *pgTxRepository) GetPayment(ctx context.Context, id int64) (Payment, error) {
	return scanPayment(t.q.QueryRow(ctx, sqlGetPayment, id))
}

func (t *pgTxRepository) InsertPayment(ctx context.Context, input NewPayment) (Payment, error) {
	return scanPayment(t.q.QueryRow(ctx, sqlInsertPayment,
		input.InvoiceID,
		input.Amount,
		input.RoundOff,
		input.Method,
		input.Reference,
		input.ReceivedAt,
		input.CreatedBy,
	))
}

func (t *pgTxRepository) UpdatePayment(ctx context.Context, id int64, changes PaymentChanges) (Payment, error) {
	return scanPayment(t.q.QueryRow(ctx, sqlUpdatePayment,
		id,
		changes.Amount,
		changes.RoundOff,
		changes.Method,
		changes.Reference,
		changes.UpdatedBy,
		changes.UpdatedAt,
	))
}

func (t *pgTxRepository) DeletePayment(ctx context.Context, id int64) error {
	return execOne(ctx, t.q, sqlDeletePayment, id)
}

func (t *pgTxRepository) InsertCancelLog(ctx context.Context, input NewCancelLog) (CancelLog, error) {
	entry := CancelLog{
		InvoiceID:      input.InvoiceID,
		CancelledBy:    input.CancelledBy,
		Reason:         input.Reason,
		ForceCancelled: input.ForceCancelled,
		PreviousStatus: input.PreviousStatus,
		CancelledAt:    input.CancelledAt,
	}
	err := t.q.QueryRow(ctx, sqlInsertCancelLog,
		input.InvoiceID,
		input.CancelledBy,
		input.Reason,
		input.ForceCancelled,
		input.PreviousStatus,
		input.CancelledAt,
	).Scan(&entry.ID)
	if err != nil {
		return CancelLog{}, fmt.Errorf("ar: insert cancel log: %w", err)
	}
	return entry, nil
}

// --- Helpers ---

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	err := row.Scan(
		&inv.ID, &inv.Number, &inv.CustomerID, &inv.Currency, &inv.Total, &inv.Balance, &inv.Status, &inv.DueAt,
		&inv.CancelledAt, &inv.CancelledBy, &inv.CreatedBy, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, ErrNotFound
	}
	if err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.InvoiceID, &p.Amount, &p.RoundOff, &p.Method, &p.Reference, &p.ReceivedAt, &p.CreatedBy, &p.UpdatedBy, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, err
	}
	return p, nil
}

func listPayments(ctx context.Context, q querier, invoiceID int64) ([]Payment, error) {
	rows, err := q.Query(ctx, sqlListPayments, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("ar: list payments: %w", err)
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.InvoiceID, &p.Amount, &p.RoundOff, &p.Method, &p.Reference, &p.ReceivedAt, &p.CreatedBy, &p.UpdatedBy, &p.UpdatedAt); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func execOne(ctx context.Context, q querier, sql string, args ...any) error {
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
