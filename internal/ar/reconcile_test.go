package ar

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func payments(amounts ...string) []Payment {
	out := make([]Payment, 0, len(amounts))
	for i, a := range amounts {
		out = append(out, Payment{ID: int64(i + 1), Amount: dec(a)})
	}
	return out
}

func TestDerive(t *testing.T) {
	cases := []struct {
		name     string
		total    string
		payments []Payment
		status   InvoiceStatus
		balance  string
		received string
	}{
		{name: "no payments", total: "100", status: StatusUnpaid, balance: "100", received: "0"},
		{name: "partial", total: "100", payments: payments("30", "20.5"), status: StatusPartial, balance: "49.5", received: "50.5"},
		{name: "exact", total: "100", payments: payments("60", "40"), status: StatusPaid, balance: "0", received: "100"},
		{name: "sub-cent residue is paid", total: "100.01", payments: payments("100"), status: StatusPaid, balance: "0", received: "100"},
		{name: "two cents is partial", total: "100.02", payments: payments("100"), status: StatusPartial, balance: "0.02", received: "100"},
		{name: "float drift", total: "0.3", payments: payments("0.1", "0.1", "0.1"), status: StatusPaid, balance: "0", received: "0.3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Derive(dec(tc.total), tc.payments)
			require.Equal(t, tc.status, got.Status)
			requireAmount(t, tc.balance, got.Balance)
			requireAmount(t, tc.received, got.ReceivedAmount)
		})
	}
}

func TestDerivePaidBalanceIsExactlyZero(t *testing.T) {
	got := Derive(dec("10.004"), payments("10"))
	require.Equal(t, StatusPaid, got.Status)
	require.Equal(t, "0", got.Balance.String())
}

func TestStatusTransitions(t *testing.T) {
	require.True(t, StatusDraft.CanTransitionTo(StatusUnpaid))
	require.False(t, StatusDraft.CanTransitionTo(StatusPaid))
	require.False(t, StatusDraft.CanTransitionTo(StatusCancelled))
	require.True(t, StatusPaid.CanTransitionTo(StatusPartial))
	require.True(t, StatusPartial.CanTransitionTo(StatusCancelled))
	require.True(t, StatusCancelled.CanTransitionTo(StatusUnpaid))
	require.False(t, StatusCancelled.CanTransitionTo(StatusDraft))
	require.True(t, StatusPaid.CanTransitionTo(StatusPaid))
	require.False(t, InvoiceStatus("COMPLETED").CanTransitionTo(StatusPaid))
	require.False(t, InvoiceStatus("COMPLETED").IsValid())

	require.True(t, StatusPartial.IsPaymentDriven())
	require.False(t, StatusDraft.IsPaymentDriven())
	require.False(t, StatusCancelled.IsPaymentDriven())

	ok, reason := StatusUnpaid.CanReceivePayment()
	require.True(t, ok)
	require.Empty(t, reason)
}

func TestRuleErrorKinds(t *testing.T) {
	err := ruleErr(ErrBalanceExceeded, "payment of %s exceeds %s", formatAmount(dec("55")), formatAmount(dec("50.005")))
	require.ErrorIs(t, err, ErrBalanceExceeded)
	require.Equal(t, ErrBalanceExceeded, Kind(err))
	require.Equal(t, "payment of 55.00 exceeds 50.01", err.Error())
	require.Nil(t, Kind(errStoreDown))
	require.Equal(t, "balance_exceeded", outcome(err))
	require.Equal(t, "ok", outcome(nil))
	require.Equal(t, "error", outcome(errStoreDown))
}
