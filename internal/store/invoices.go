package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const invoiceColumns = `id, number, description, status, amount::float8, currency, issued_at, due_at, partner_name,
	rossum_annotation_url, rossum_annotation_json_url, export_xml_key, storage_key,
	account_id, assigned_to, COALESCE(created_by, ''), v, created_at, updated_at`

type InvoiceInput struct {
	Number                  string     `json:"number"`
	Description             string     `json:"description"`
	Status                  string     `json:"status"`
	Amount                  float64    `json:"amount"`
	Currency                string     `json:"currency"`
	IssuedAt                *time.Time `json:"issuedAt"`
	DueAt                   *time.Time `json:"dueAt"`
	PartnerName             string     `json:"partnerName"`
	RossumAnnotationURL     string     `json:"rossumAnnotationUrl"`
	RossumAnnotationJSONURL string     `json:"rossumAnnotationJsonUrl"`
	StorageKey              string     `json:"-"`
	AccountID               string     `json:"accountId"`
	AssignedTo              string     `json:"assignedTo"`
	DocumentIDs             *[]string  `json:"documentIds"`
	Version                 *int       `json:"v"`
}

func InvoiceInputFrom(i Invoice) InvoiceInput {
	return InvoiceInput{
		Number: i.Number, Description: i.Description, Status: i.Status, Amount: i.Amount, Currency: i.Currency,
		IssuedAt: i.IssuedAt, DueAt: i.DueAt, PartnerName: i.PartnerName,
		RossumAnnotationURL: i.RossumAnnotationURL, RossumAnnotationJSONURL: i.RossumAnnotationJSONURL,
		StorageKey: i.StorageKey, AccountID: i.AccountID, AssignedTo: i.AssignedTo,
	}
}

func scanInvoice(row interface{ Scan(...any) error }) (Invoice, error) {
	var i Invoice
	var issued, due sql.NullTime
	err := row.Scan(&i.ID, &i.Number, &i.Description, &i.Status, &i.Amount, &i.Currency, &issued, &due, &i.PartnerName,
		&i.RossumAnnotationURL, &i.RossumAnnotationJSONURL, &i.ExportXMLKey, &i.StorageKey,
		&i.AccountID, &i.AssignedTo, &i.CreatedBy, &i.Version, &i.CreatedAt, &i.UpdatedAt)
	i.IssuedAt = timePtr(issued)
	i.DueAt = timePtr(due)
	return i, err
}

func (s *PostgresStore) ListInvoices(ctx context.Context, opts ListOptions) ([]Invoice, error) {
	opts = opts.normalized()
	rows, err := s.db.QueryContext(ctx, `SELECT `+invoiceColumns+` FROM invoices ORDER BY created_at DESC LIMIT $1 OFFSET $2`, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()
	items := make([]Invoice, 0)
	for rows.Next() {
		item, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetInvoice(ctx context.Context, invoiceID string) (Invoice, error) {
	return getInvoice(ctx, s.db, invoiceID)
}

func getInvoice(ctx context.Context, q queryer, invoiceID string) (Invoice, error) {
	invoice, err := scanInvoice(q.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id=$1`, invoiceID))
	if err != nil {
		return Invoice{}, err
	}
	if invoice.DocumentIDs, err = listJunction(ctx, q, documentInvoices.reverse(), invoiceID); err != nil {
		return Invoice{}, err
	}
	return invoice, nil
}

func (s *PostgresStore) CreateInvoice(ctx context.Context, actorID, id string, in InvoiceInput) (Invoice, error) {
	var invoice Invoice
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO invoices (
				id, number, description, status, amount, currency, issued_at, due_at, partner_name,
				rossum_annotation_url, rossum_annotation_json_url, storage_key, account_id, assigned_to, created_by
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`, id, in.Number, in.Description, in.Status, in.Amount, in.Currency, nullTime(in.IssuedAt), nullTime(in.DueAt), in.PartnerName,
			in.RossumAnnotationURL, in.RossumAnnotationJSONURL, in.StorageKey, in.AccountID, in.AssignedTo, nullable(actorID))
		if err != nil {
			return fmt.Errorf("insert invoice: %w", err)
		}
		if err := reconcile(ctx, tx, id, relation{j: documentInvoices.reverse(), ids: in.DocumentIDs}); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, actorID, "invoice.create", "invoice", id, map[string]string{"number": in.Number}); err != nil {
			return err
		}
		invoice, err = getInvoice(ctx, tx, id)
		return err
	})
	return invoice, err
}

func (s *PostgresStore) UpdateInvoice(ctx context.Context, actorID, invoiceID string, in InvoiceInput) (Invoice, error) {
	var invoice Invoice
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE invoices SET
				number=$2, description=$3, status=$4, amount=$5, currency=$6, issued_at=$7, due_at=$8, partner_name=$9,
				rossum_annotation_url=$10, rossum_annotation_json_url=$11, account_id=$12, assigned_to=$13,
				v=v+1, updated_at=NOW()
			WHERE id=$1 AND ($14::bigint IS NULL OR v=$14)
		`, invoiceID, in.Number, in.Description, in.Status, in.Amount, in.Currency, nullTime(in.IssuedAt), nullTime(in.DueAt), in.PartnerName,
			in.RossumAnnotationURL, in.RossumAnnotationJSONURL, in.AccountID, in.AssignedTo, nullVersion(in.Version))
		if err != nil {
			return fmt.Errorf("update invoice: %w", err)
		}
		if err := checkUpdated(ctx, tx, res, "invoices", invoiceID); err != nil {
			return err
		}
		if err := reconcile(ctx, tx, invoiceID, relation{j: documentInvoices.reverse(), ids: in.DocumentIDs}); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, actorID, "invoice.update", "invoice", invoiceID, map[string]string{"status": in.Status}); err != nil {
			return err
		}
		invoice, err = getInvoice(ctx, tx, invoiceID)
		return err
	})
	return invoice, err
}

// SetInvoiceExportKey records where the latest XML export was stored.
func (s *PostgresStore) SetInvoiceExportKey(ctx context.Context, actorID, invoiceID, key string) (string, error) {
	var previous string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT export_xml_key FROM invoices WHERE id=$1 FOR UPDATE`, invoiceID).Scan(&previous); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE invoices SET export_xml_key=$2, v=v+1, updated_at=NOW() WHERE id=$1`, invoiceID, key); err != nil {
			return fmt.Errorf("set invoice export key: %w", err)
		}
		return insertAudit(ctx, tx, actorID, "invoice.export", "invoice", invoiceID, map[string]string{"key": key})
	})
	return previous, err
}

func (s *PostgresStore) DeleteInvoice(ctx context.Context, actorID, invoiceID string) (Removed, error) {
	var removed Removed
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var storageKey, exportKey string
		if err := tx.QueryRowContext(ctx, `SELECT storage_key, export_xml_key FROM invoices WHERE id=$1 FOR UPDATE`, invoiceID).Scan(&storageKey, &exportKey); err != nil {
			return err
		}
		if err := runCascade(ctx, tx, invoiceID,
			cascadeStep{"delete invoice documents", `DELETE FROM document_invoices WHERE invoice_id=$1`},
		); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM invoices WHERE id=$1`, invoiceID)
		if err != nil {
			return fmt.Errorf("delete invoice: %w", err)
		}
		if err := checkDeleted(res); err != nil {
			return err
		}
		for _, key := range []string{storageKey, exportKey} {
			if key != "" {
				removed.StorageKeys = append(removed.StorageKeys, key)
			}
		}
		removed.InvoiceIDs = []string{invoiceID}
		return insertAudit(ctx, tx, actorID, "invoice.delete", "invoice", invoiceID, nil)
	})
	if err != nil {
		return Removed{}, err
	}
	return removed, nil
}
