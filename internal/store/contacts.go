package store

import (
	"context"
	"database/sql"
	"fmt"
)

const contactColumns = `id, first_name, last_name, email, phone, position, status,
	COALESCE(account_id, ''), COALESCE(assigned_to, ''), COALESCE(created_by, ''), v, created_at, updated_at`

type ContactInput struct {
	FirstName      string    `json:"firstName"`
	LastName       string    `json:"lastName"`
	Email          string    `json:"email"`
	Phone          string    `json:"phone"`
	Position       string    `json:"position"`
	Status         string    `json:"status"`
	AccountID      string    `json:"accountId"`
	AssignedTo     string    `json:"assignedTo"`
	OpportunityIDs *[]string `json:"opportunityIds"`
	DocumentIDs    *[]string `json:"documentIds"`
	Version        *int      `json:"v"`
}

func ContactInputFrom(c Contact) ContactInput {
	return ContactInput{
		FirstName: c.FirstName, LastName: c.LastName, Email: c.Email, Phone: c.Phone,
		Position: c.Position, Status: c.Status, AccountID: c.AccountID, AssignedTo: c.AssignedTo,
	}
}

func scanContact(row interface{ Scan(...any) error }) (Contact, error) {
	var c Contact
	err := row.Scan(&c.ID, &c.FirstName, &c.LastName, &c.Email, &c.Phone, &c.Position, &c.Status,
		&c.AccountID, &c.AssignedTo, &c.CreatedBy, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func queryContacts(ctx context.Context, q queryer, query string, args ...any) ([]Contact, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()
	items := make([]Contact, 0)
	for rows.Next() {
		item, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ListContacts(ctx context.Context, opts ListOptions) ([]Contact, error) {
	opts = opts.normalized()
	return queryContacts(ctx, s.db, `SELECT `+contactColumns+` FROM crm_contacts ORDER BY created_at DESC LIMIT $1 OFFSET $2`, opts.Limit, opts.Offset)
}

func (s *PostgresStore) ListAccountContacts(ctx context.Context, accountID string) ([]Contact, error) {
	return queryContacts(ctx, s.db, `SELECT `+contactColumns+` FROM crm_contacts WHERE account_id=$1 ORDER BY last_name, first_name`, accountID)
}

func (s *PostgresStore) GetContact(ctx context.Context, contactID string) (Contact, error) {
	return getContact(ctx, s.db, contactID)
}

func getContact(ctx context.Context, q queryer, contactID string) (Contact, error) {
	contact, err := scanContact(q.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM crm_contacts WHERE id=$1`, contactID))
	if err != nil {
		return Contact{}, err
	}
	if contact.OpportunityIDs, err = listJunction(ctx, q, contactOpportunities, contactID); err != nil {
		return Contact{}, err
	}
	if contact.DocumentIDs, err = listJunction(ctx, q, documentContacts.reverse(), contactID); err != nil {
		return Contact{}, err
	}
	return contact, nil
}

func (s *PostgresStore) CreateContact(ctx context.Context, actorID, id string, in ContactInput) (Contact, error) {
	var contact Contact
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO crm_contacts (id, first_name, last_name, email, phone, position, status, account_id, assigned_to, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, id, in.FirstName, in.LastName, in.Email, in.Phone, in.Position, in.Status,
			nullable(in.AccountID), nullable(in.AssignedTo), nullable(actorID))
		if err != nil {
			return fmt.Errorf("insert contact: %w", err)
		}
		if err := reconcile(ctx, tx, id,
			relation{j: contactOpportunities, ids: in.OpportunityIDs},
			relation{j: documentContacts.reverse(), ids: in.DocumentIDs},
		); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, actorID, "contact.create", "contact", id, map[string]string{"lastName": in.LastName}); err != nil {
			return err
		}
		contact, err = getContact(ctx, tx, id)
		return err
	})
	return contact, err
}

func (s *PostgresStore) UpdateContact(ctx context.Context, actorID, contactID string, in ContactInput) (Contact, error) {
	var contact Contact
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE crm_contacts SET
				first_name=$2, last_name=$3, email=$4, phone=$5, position=$6, status=$7,
				account_id=$8, assigned_to=$9, v=v+1, updated_at=NOW()
			WHERE id=$1 AND ($10::bigint IS NULL OR v=$10)
		`, contactID, in.FirstName, in.LastName, in.Email, in.Phone, in.Position, in.Status,
			nullable(in.AccountID), nullable(in.AssignedTo), nullVersion(in.Version))
		if err != nil {
			return fmt.Errorf("update contact: %w", err)
		}
		if err := checkUpdated(ctx, tx, res, "crm_contacts", contactID); err != nil {
			return err
		}
		if err := reconcile(ctx, tx, contactID,
			relation{j: contactOpportunities, ids: in.OpportunityIDs},
			relation{j: documentContacts.reverse(), ids: in.DocumentIDs},
		); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, actorID, "contact.update", "contact", contactID, nil); err != nil {
			return err
		}
		contact, err = getContact(ctx, tx, contactID)
		return err
	})
	return contact, err
}

func (s *PostgresStore) DeleteContact(ctx context.Context, actorID, contactID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := runCascade(ctx, tx, contactID,
			cascadeStep{"delete contact opportunities", `DELETE FROM contact_opportunities WHERE contact_id=$1`},
			cascadeStep{"delete contact documents", `DELETE FROM document_contacts WHERE contact_id=$1`},
		); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM crm_contacts WHERE id=$1`, contactID)
		if err != nil {
			return fmt.Errorf("delete contact: %w", err)
		}
		if err := checkDeleted(res); err != nil {
			return err
		}
		return insertAudit(ctx, tx, actorID, "contact.delete", "contact", contactID, nil)
	})
}
