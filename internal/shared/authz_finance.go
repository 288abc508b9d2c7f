package shared

// Receivables permissions declared for RBAC.
const (
	PermFinanceARView        = "finance.ar.view"
	PermFinanceAREdit        = "finance.ar.edit"
	PermFinanceARForceCancel = "finance.ar.force_cancel"
	PermFinanceAdmin         = "finance.admin"
)

// FinanceScopes lists all permissions related to the receivables ledger.
func FinanceScopes() []string {
	return []string{
		PermFinanceARView,
		PermFinanceAREdit,
		PermFinanceARForceCancel,
		PermFinanceAdmin,
	}
}

// ElevatedScopes lists the permissions that allow overriding paid invoices.
func ElevatedScopes() []string {
	return []string{PermFinanceARForceCancel, PermFinanceAdmin}
}
