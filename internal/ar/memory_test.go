package ar

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// memoryRepo is a transactional in-memory Repository. Each WithTx works on a
// copy of the state under a single lock and publishes it only on success, so
// transactions serialize like row locks on a single invoice and roll back on
// error.
type memoryRepo struct {
	mu    sync.Mutex
	state *memoryState
	inTx  atomic.Bool

	failStatusUpdate error
}

type memoryState struct {
	invoices      map[int64]Invoice
	payments      map[int64]Payment
	cancelLogs    []CancelLog
	users         map[int64]string
	nextInvoiceID int64
	nextPaymentID int64
	nextLogID     int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{state: &memoryState{
		invoices: make(map[int64]Invoice),
		payments: make(map[int64]Payment),
		users:    make(map[int64]string),
	}}
}

func (s *memoryState) clone() *memoryState {
	out := &memoryState{
		invoices:      make(map[int64]Invoice, len(s.invoices)),
		payments:      make(map[int64]Payment, len(s.payments)),
		cancelLogs:    slices.Clone(s.cancelLogs),
		users:         s.users,
		nextInvoiceID: s.nextInvoiceID,
		nextPaymentID: s.nextPaymentID,
		nextLogID:     s.nextLogID,
	}
	for id, inv := range s.invoices {
		out.invoices[id] = inv
	}
	for id, p := range s.payments {
		out.payments[id] = p
	}
	return out
}

func (s *memoryState) paymentsOf(invoiceID int64) []Payment {
	var out []Payment
	for _, p := range s.payments {
		if p.InvoiceID == invoiceID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inTx.Store(true)
	defer r.inTx.Store(false)

	work := r.state.clone()
	if err := fn(ctx, &memoryTx{repo: r, s: work}); err != nil {
		return err
	}
	r.state = work
	return nil
}

func (r *memoryRepo) GetInvoiceWithPayments(ctx context.Context, id int64) (InvoiceWithPayments, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.state.invoices[id]
	if !ok {
		return InvoiceWithPayments{}, ErrNotFound
	}
	return InvoiceWithPayments{Invoice: inv, Payments: r.state.paymentsOf(id)}, nil
}

func (r *memoryRepo) GetInvoiceByNo(ctx context.Context, number string) (InvoiceWithPayments, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inv := range r.state.invoices {
		if inv.Number == number {
			return InvoiceWithPayments{Invoice: inv, Payments: r.state.paymentsOf(inv.ID)}, nil
		}
	}
	return InvoiceWithPayments{}, ErrNotFound
}

func (r *memoryRepo) ListCancelLogs(ctx context.Context, invoiceID int64) ([]CancelLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []CancelLog
	for _, l := range r.state.cancelLogs {
		if l.InvoiceID == invoiceID {
			l.CancelledByName = r.state.users[l.CancelledBy]
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CancelledAt.Equal(out[j].CancelledAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CancelledAt.After(out[j].CancelledAt)
	})
	return out, nil
}

func (r *memoryRepo) ListReconcilableInvoiceIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for id, inv := range r.state.invoices {
		if id > afterID && inv.Status.IsPaymentDriven() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// seedInvoice stores an invoice directly, bypassing the service.
func (r *memoryRepo) seedInvoice(number string, total string, status InvoiceStatus) Invoice {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.nextInvoiceID++
	amount := decimal.RequireFromString(total)
	inv := Invoice{
		ID:        r.state.nextInvoiceID,
		Number:    number,
		Currency:  "IDR",
		Total:     amount,
		Balance:   amount,
		Status:    status,
		CreatedBy: 1,
		CreatedAt: fixedNow,
		UpdatedAt: fixedNow,
	}
	r.state.invoices[inv.ID] = inv
	return inv
}

// corrupt overwrites stored derived fields to simulate drift.
func (r *memoryRepo) corrupt(id int64, status InvoiceStatus, balance string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv := r.state.invoices[id]
	inv.Status = status
	inv.Balance = decimal.RequireFromString(balance)
	r.state.invoices[id] = inv
}

func (r *memoryRepo) paymentCount(invoiceID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.state.paymentsOf(invoiceID))
}

func (r *memoryRepo) cancelLogCount(invoiceID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.state.cancelLogs {
		if l.InvoiceID == invoiceID {
			n++
		}
	}
	return n
}

type memoryTx struct {
	repo *memoryRepo
	s    *memoryState
}

func (t *memoryTx) CreateInvoice(ctx context.Context, input CreateInvoiceInput) (Invoice, error) {
	for _, inv := range t.s.invoices {
		if inv.Number == input.Number {
			return Invoice{}, ErrDuplicate
		}
	}
	t.s.nextInvoiceID++
	inv := Invoice{
		ID:         t.s.nextInvoiceID,
		Number:     input.Number,
		CustomerID: input.CustomerID,
		Currency:   input.Currency,
		Total:      input.Total,
		Balance:    input.Total,
		Status:     input.Status,
		DueAt:      input.DueAt,
		CreatedBy:  input.CreatedBy,
		CreatedAt:  fixedNow,
		UpdatedAt:  fixedNow,
	}
	t.s.invoices[inv.ID] = inv
	return inv, nil
}

func (t *memoryTx) GetInvoiceForUpdate(ctx context.Context, id int64) (Invoice, error) {
	inv, ok := t.s.invoices[id]
	if !ok {
		return Invoice{}, ErrNotFound
	}
	return inv, nil
}

func (t *memoryTx) GetInvoiceByNoForUpdate(ctx context.Context, number string) (Invoice, error) {
	for _, inv := range t.s.invoices {
		if inv.Number == number {
			return inv, nil
		}
	}
	return Invoice{}, ErrNotFound
}

func (t *memoryTx) UpdateInvoiceStatusAndBalance(ctx context.Context, id int64, status InvoiceStatus, balance decimal.Decimal) error {
	if t.repo.failStatusUpdate != nil {
		return t.repo.failStatusUpdate
	}
	inv, ok := t.s.invoices[id]
	if !ok {
		return ErrNotFound
	}
	inv.Status = status
	inv.Balance = balance
	t.s.invoices[id] = inv
	return nil
}

func (t *memoryTx) UpdateInvoiceTotal(ctx context.Context, id int64, total decimal.Decimal) error {
	inv, ok := t.s.invoices[id]
	if !ok {
		return ErrNotFound
	}
	inv.Total = total
	t.s.invoices[id] = inv
	return nil
}

func (t *memoryTx) MarkInvoiceCancelled(ctx context.Context, id, actorID int64, at time.Time) error {
	inv, ok := t.s.invoices[id]
	if !ok {
		return ErrNotFound
	}
	inv.Status = StatusCancelled
	inv.CancelledAt = &at
	inv.CancelledBy = &actorID
	t.s.invoices[id] = inv
	return nil
}

func (t *memoryTx) ClearInvoiceCancellation(ctx context.Context, id int64, status InvoiceStatus) error {
	inv, ok := t.s.invoices[id]
	if !ok {
		return ErrNotFound
	}
	inv.Status = status
	inv.CancelledAt = nil
	inv.CancelledBy = nil
	t.s.invoices[id] = inv
	return nil
}

func (t *memoryTx) ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error) {
	return t.s.paymentsOf(invoiceID), nil
}

func (t *memoryTx) GetPayment(ctx context.Context, id int64) (Payment, error) {
	p, ok := t.s.payments[id]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return p, nil
}

func (t *memoryTx) InsertPayment(ctx context.Context, input NewPayment) (Payment, error) {
	t.s.nextPaymentID++
	p := Payment{
		ID:         t.s.nextPaymentID,
		InvoiceID:  input.InvoiceID,
		Amount:     input.Amount,
		RoundOff:   input.RoundOff,
		Method:     input.Method,
		Reference:  input.Reference,
		ReceivedAt: input.ReceivedAt,
		CreatedBy:  input.CreatedBy,
		UpdatedAt:  input.ReceivedAt,
	}
	t.s.payments[p.ID] = p
	return p, nil
}

func (t *memoryTx) UpdatePayment(ctx context.Context, id int64, changes PaymentChanges) (Payment, error) {
	p, ok := t.s.payments[id]
	if !ok {
		return Payment{}, ErrNotFound
	}
	p.Amount = changes.Amount
	p.RoundOff = changes.RoundOff
	p.Method = changes.Method
	p.Reference = changes.Reference
	updatedBy := changes.UpdatedBy
	p.UpdatedBy = &updatedBy
	p.UpdatedAt = changes.UpdatedAt
	t.s.payments[id] = p
	return p, nil
}

func (t *memoryTx) DeletePayment(ctx context.Context, id int64) error {
	if _, ok := t.s.payments[id]; !ok {
		return ErrNotFound
	}
	delete(t.s.payments, id)
	return nil
}

func (t *memoryTx) InsertCancelLog(ctx context.Context, input NewCancelLog) (CancelLog, error) {
	t.s.nextLogID++
	entry := CancelLog{
		ID:             t.s.nextLogID,
		InvoiceID:      input.InvoiceID,
		CancelledBy:    input.CancelledBy,
		Reason:         input.Reason,
		ForceCancelled: input.ForceCancelled,
		PreviousStatus: input.PreviousStatus,
		CancelledAt:    input.CancelledAt,
	}
	t.s.cancelLogs = append(t.s.cancelLogs, entry)
	return entry, nil
}

type publishedEvent struct {
	Name    string
	Payload any
	InTx    bool
}

type recordingPublisher struct {
	mu     sync.Mutex
	repo   *memoryRepo
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Name: event, Payload: payload, InTx: p.repo.inTx.Load()})
	return p.err
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Name)
	}
	return out
}

func (p *recordingPublisher) last(event string) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Name == event {
			return p.events[i].Payload, true
		}
	}
	return nil, false
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

type staticAuthorizer struct {
	elevated map[int64]bool
	err      error
}

func (a staticAuthorizer) HasElevatedPrivilege(ctx context.Context, userID int64) (bool, error) {
	if a.err != nil {
		return false, a.err
	}
	return a.elevated[userID], nil
}

type countingMetrics struct {
	mu       sync.Mutex
	payments map[string]int
	cancels  map[string]int
	notify   map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{payments: map[string]int{}, cancels: map[string]int{}, notify: map[string]int{}}
}

func (m *countingMetrics) ObservePaymentOp(op, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[op+"/"+outcome]++
}

func (m *countingMetrics) ObserveCancellation(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels[outcome]++
}

func (m *countingMetrics) ObserveNotifyFailure(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify[event]++
}

var errStoreDown = errors.New("store down")

var fixedNow = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
