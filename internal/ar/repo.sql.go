package ar

const invoiceColumns = `id, number, customer_id, currency, total, balance, status, due_at,
	cancelled_at, cancelled_by, created_by, created_at, updated_at`

const paymentColumns = `id, ar_invoice_id, amount, round_off, method, reference, received_at, created_by, updated_by, updated_at`

const (
	sqlInsertInvoice = `
		INSERT INTO ar_invoices (number, customer_id, currency, total, balance, status, due_at, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING ` + invoiceColumns

	sqlGetInvoice = `SELECT ` + invoiceColumns + ` FROM ar_invoices WHERE id = $1`

	sqlGetInvoiceByNo = `SELECT ` + invoiceColumns + ` FROM ar_invoices WHERE number = $1`

	sqlGetInvoiceForUpdate = sqlGetInvoice + ` FOR UPDATE`

	sqlGetInvoiceByNoForUpdate = sqlGetInvoiceByNo + ` FOR UPDATE`

	sqlUpdateInvoiceStatusBalance = `
		UPDATE ar_invoices SET status = $2, balance = $3, updated_at = NOW()
		WHERE id = $1`

	sqlUpdateInvoiceTotal = `
		UPDATE ar_invoices SET total = $2, updated_at = NOW()
		WHERE id = $1`

	sqlMarkInvoiceCancelled = `
		UPDATE ar_invoices SET status = 'CANCELLED', cancelled_at = $3, cancelled_by = $2, updated_at = NOW()
		WHERE id = $1`

	sqlClearInvoiceCancellation = `
		UPDATE ar_invoices SET status = $2, cancelled_at = NULL, cancelled_by = NULL, updated_at = NOW()
		WHERE id = $1`

	sqlListReconcilableInvoiceIDs = `
		SELECT id FROM ar_invoices
		WHERE status IN ('UNPAID', 'PARTIAL', 'PAID') AND id > $1
		ORDER BY id
		LIMIT $2`

	sqlListPayments = `SELECT ` + paymentColumns + ` FROM ar_payments WHERE ar_invoice_id = $1 ORDER BY received_at, id`

	sqlGetPayment = `SELECT ` + paymentColumns + ` FROM ar_payments WHERE id = $1`

	sqlInsertPayment = `
		INSERT INTO ar_payments (ar_invoice_id, amount, round_off, method, reference, received_at, created_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $6)
		RETURNING ` + paymentColumns

	sqlUpdatePayment = `
		UPDATE ar_payments SET amount = $2, round_off = $3, method = $4, reference = $5, updated_by = $6, updated_at = $7
		WHERE id = $1
		RETURNING ` + paymentColumns

	sqlDeletePayment = `DELETE FROM ar_payments WHERE id = $1`

	sqlInsertCancelLog = `
		INSERT INTO ar_cancel_logs (ar_invoice_id, cancelled_by, reason, force_cancelled, previous_status, cancelled_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	sqlListCancelLogs = `
		SELECT l.id, l.ar_invoice_id, l.cancelled_by, COALESCE(u.name, ''), l.reason,
			l.force_cancelled, l.previous_status, l.cancelled_at
		FROM ar_cancel_logs l
		LEFT JOIN users u ON u.id = l.cancelled_by
		WHERE l.ar_invoice_id = $1
		ORDER BY l.cancelled_at DESC, l.id DESC`
)
