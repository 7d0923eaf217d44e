package store

import (
	"context"
	"database/sql"
	"fmt"
)

const documentColumns = `id, name, description, mime_type, size_bytes, storage_key, url,
	COALESCE(assigned_to, ''), COALESCE(created_by, ''), v, created_at, updated_at`

type DocumentInput struct {
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	MimeType       string    `json:"mimeType"`
	SizeBytes      int64     `json:"sizeBytes"`
	StorageKey     string    `json:"-"`
	URL            string    `json:"url"`
	AssignedTo     string    `json:"assignedTo"`
	AccountIDs     *[]string `json:"accountIds"`
	ContactIDs     *[]string `json:"contactIds"`
	LeadIDs        *[]string `json:"leadIds"`
	OpportunityIDs *[]string `json:"opportunityIds"`
	TaskIDs        *[]string `json:"taskIds"`
	InvoiceIDs     *[]string `json:"invoiceIds"`
	Version        *int      `json:"v"`
}

func DocumentInputFrom(d Document) DocumentInput {
	return DocumentInput{
		Name: d.Name, Description: d.Description, MimeType: d.MimeType, SizeBytes: d.SizeBytes,
		StorageKey: d.StorageKey, URL: d.URL, AssignedTo: d.AssignedTo,
	}
}

func (in DocumentInput) relations() []relation {
	return []relation{
		{j: documentAccounts, ids: in.AccountIDs},
		{j: documentContacts, ids: in.ContactIDs},
		{j: documentLeads, ids: in.LeadIDs},
		{j: documentOpportunities, ids: in.OpportunityIDs},
		{j: documentTasks, ids: in.TaskIDs},
		{j: documentInvoices, ids: in.InvoiceIDs},
	}
}

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.Name, &d.Description, &d.MimeType, &d.SizeBytes, &d.StorageKey, &d.URL,
		&d.AssignedTo, &d.CreatedBy, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

func (s *PostgresStore) ListDocuments(ctx context.Context, opts ListOptions) ([]Document, error) {
	opts = opts.normalized()
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY created_at DESC LIMIT $1 OFFSET $2`, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()
	items := make([]Document, 0)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	return getDocument(ctx, s.db, documentID)
}

func getDocument(ctx context.Context, q queryer, documentID string) (Document, error) {
	doc, err := scanDocument(q.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, documentID))
	if err != nil {
		return Document{}, err
	}
	targets := []struct {
		j   junction
		dst *[]string
	}{
		{documentAccounts, &doc.AccountIDs},
		{documentContacts, &doc.ContactIDs},
		{documentLeads, &doc.LeadIDs},
		{documentOpportunities, &doc.OpportunityIDs},
		{documentTasks, &doc.TaskIDs},
		{documentInvoices, &doc.InvoiceIDs},
	}
	for _, target := range targets {
		ids, err := listJunction(ctx, q, target.j, documentID)
		if err != nil {
			return Document{}, err
		}
		*target.dst = ids
	}
	return doc, nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, actorID, id string, in DocumentInput) (Document, error) {
	var doc Document
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO documents (id, name, description, mime_type, size_bytes, storage_key, url, assigned_to, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, id, in.Name, in.Description, in.MimeType, in.SizeBytes, in.StorageKey, in.URL, nullable(in.AssignedTo), nullable(actorID))
		if err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		if err := reconcile(ctx, tx, id, in.relations()...); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, actorID, "document.create", "document", id, map[string]string{"name": in.Name}); err != nil {
			return err
		}
		doc, err = getDocument(ctx, tx, id)
		return err
	})
	return doc, err
}

// UpdateDocument rewrites metadata and reconciles relations. Storage fields
// are fixed at upload time.
func (s *PostgresStore) UpdateDocument(ctx context.Context, actorID, documentID string, in DocumentInput) (Document, error) {
	var doc Document
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE documents SET name=$2, description=$3, assigned_to=$4, v=v+1, updated_at=NOW()
			WHERE id=$1 AND ($5::bigint IS NULL OR v=$5)
		`, documentID, in.Name, in.Description, nullable(in.AssignedTo), nullVersion(in.Version))
		if err != nil {
			return fmt.Errorf("update document: %w", err)
		}
		if err := checkUpdated(ctx, tx, res, "documents", documentID); err != nil {
			return err
		}
		if err := reconcile(ctx, tx, documentID, in.relations()...); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, actorID, "document.update", "document", documentID, nil); err != nil {
			return err
		}
		doc, err = getDocument(ctx, tx, documentID)
		return err
	})
	return doc, err
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, actorID, documentID string) (Removed, error) {
	var removed Removed
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var key string
		if err := tx.QueryRowContext(ctx, `SELECT storage_key FROM documents WHERE id=$1 FOR UPDATE`, documentID).Scan(&key); err != nil {
			return err
		}
		for _, j := range documentJunctionTables {
			if err := clearJunction(ctx, tx, j, documentID); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
		if err != nil {
			return fmt.Errorf("delete document: %w", err)
		}
		if err := checkDeleted(res); err != nil {
			return err
		}
		if key != "" {
			removed.StorageKeys = []string{key}
		}
		return insertAudit(ctx, tx, actorID, "document.delete", "document", documentID, nil)
	})
	if err != nil {
		return Removed{}, err
	}
	return removed, nil
}
