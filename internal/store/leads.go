package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"nextcrm/api/internal/util"
)

const leadColumns = `id, first_name, last_name, company, email, phone, job_title, description, lead_source, status,
	COALESCE(account_id, ''), COALESCE(assigned_to, ''), COALESCE(created_by, ''), v, created_at, updated_at`

type LeadInput struct {
	FirstName   string    `json:"firstName"`
	LastName    string    `json:"lastName"`
	Company     string    `json:"company"`
	Email       string    `json:"email"`
	Phone       string    `json:"phone"`
	JobTitle    string    `json:"jobTitle"`
	Description string    `json:"description"`
	LeadSource  string    `json:"leadSource"`
	Status      string    `json:"status"`
	AccountID   string    `json:"accountId"`
	AssignedTo  string    `json:"assignedTo"`
	DocumentIDs *[]string `json:"documentIds"`
	Version     *int      `json:"v"`
}

func LeadInputFrom(l Lead) LeadInput {
	return LeadInput{
		FirstName: l.FirstName, LastName: l.LastName, Company: l.Company, Email: l.Email, Phone: l.Phone,
		JobTitle: l.JobTitle, Description: l.Description, LeadSource: l.LeadSource, Status: l.Status,
		AccountID: l.AccountID, AssignedTo: l.AssignedTo,
	}
}

func scanLead(row interface{ Scan(...any) error }) (Lead, error) {
	var l Lead
	err := row.Scan(&l.ID, &l.FirstName, &l.LastName, &l.Company, &l.Email, &l.Phone, &l.JobTitle, &l.Description, &l.LeadSource, &l.Status,
		&l.AccountID, &l.AssignedTo, &l.CreatedBy, &l.Version, &l.CreatedAt, &l.UpdatedAt)
	return l, err
}

func (s *PostgresStore) ListLeads(ctx context.Context, opts ListOptions) ([]Lead, error) {
	opts = opts.normalized()
	rows, err := s.db.QueryContext(ctx, `SELECT `+leadColumns+` FROM crm_leads ORDER BY created_at DESC LIMIT $1 OFFSET $2`, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}
	defer rows.Close()
	items := make([]Lead, 0)
	for rows.Next() {
		item, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetLead(ctx context.Context, leadID string) (Lead, error) {
	return getLead(ctx, s.db, leadID)
}

func getLead(ctx context.Context, q queryer, leadID string) (Lead, error) {
	lead, err := scanLead(q.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM crm_leads WHERE id=$1`, leadID))
	if err != nil {
		return Lead{}, err
	}
	if lead.DocumentIDs, err = listJunction(ctx, q, documentLeads.reverse(), leadID); err != nil {
		return Lead{}, err
	}
	return lead, nil
}

// linkLeadAccount fills in.AccountID from the company name when no account
// was chosen explicitly. It reports the id of an account it had to create.
func linkLeadAccount(ctx context.Context, tx *sql.Tx, actorID string, in *LeadInput) (string, error) {
	if strings.TrimSpace(in.AccountID) != "" || strings.TrimSpace(in.Company) == "" {
		return "", nil
	}
	accountID, created, err := findOrCreateAccountByName(ctx, tx, actorID, util.NewID("acc"), in.Company)
	if err != nil {
		return "", err
	}
	in.AccountID = accountID
	if created {
		return accountID, nil
	}
	return "", nil
}

// CreateLead returns the lead and, when the company name produced a new
// account, that account's id.
func (s *PostgresStore) CreateLead(ctx context.Context, actorID, id string, in LeadInput) (Lead, string, error) {
	var lead Lead
	var createdAccount string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if createdAccount, err = linkLeadAccount(ctx, tx, actorID, &in); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO crm_leads (id, first_name, last_name, company, email, phone, job_title, description, lead_source, status, account_id, assigned_to, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, id, in.FirstName, in.LastName, strings.TrimSpace(in.Company), in.Email, in.Phone, in.JobTitle, in.Description, in.LeadSource, in.Status,
			nullable(in.AccountID), nullable(in.AssignedTo), nullable(actorID))
		if err != nil {
			return fmt.Errorf("insert lead: %w", err)
		}
		if err := reconcile(ctx, tx, id, relation{j: documentLeads.reverse(), ids: in.DocumentIDs}); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, actorID, "lead.create", "lead", id, map[string]string{"company": in.Company, "accountId": in.AccountID}); err != nil {
			return err
		}
		lead, err = getLead(ctx, tx, id)
		return err
	})
	return lead, createdAccount, err
}

func (s *PostgresStore) UpdateLead(ctx context.Context, actorID, leadID string, in LeadInput) (Lead, string, error) {
	var lead Lead
	var createdAccount string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if createdAccount, err = linkLeadAccount(ctx, tx, actorID, &in); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE crm_leads SET
				first_name=$2, last_name=$3, company=$4, email=$5, phone=$6, job_title=$7, description=$8,
				lead_source=$9, status=$10, account_id=$11, assigned_to=$12, v=v+1, updated_at=NOW()
			WHERE id=$1 AND ($13::bigint IS NULL OR v=$13)
		`, leadID, in.FirstName, in.LastName, strings.TrimSpace(in.Company), in.Email, in.Phone, in.JobTitle, in.Description,
			in.LeadSource, in.Status, nullable(in.AccountID), nullable(in.AssignedTo), nullVersion(in.Version))
		if err != nil {
			return fmt.Errorf("update lead: %w", err)
		}
		if err := checkUpdated(ctx, tx, res, "crm_leads", leadID); err != nil {
			return err
		}
		if err := reconcile(ctx, tx, leadID, relation{j: documentLeads.reverse(), ids: in.DocumentIDs}); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, actorID, "lead.update", "lead", leadID, nil); err != nil {
			return err
		}
		lead, err = getLead(ctx, tx, leadID)
		return err
	})
	return lead, createdAccount, err
}

func (s *PostgresStore) DeleteLead(ctx context.Context, actorID, leadID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := runCascade(ctx, tx, leadID,
			cascadeStep{"delete lead documents", `DELETE FROM document_leads WHERE lead_id=$1`},
		); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM crm_leads WHERE id=$1`, leadID)
		if err != nil {
			return fmt.Errorf("delete lead: %w", err)
		}
		if err := checkDeleted(res); err != nil {
			return err
		}
		return insertAudit(ctx, tx, actorID, "lead.delete", "lead", leadID, nil)
	})
}
