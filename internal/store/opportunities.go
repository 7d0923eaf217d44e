package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const opportunityColumns = `id, name, description, stage, status, budget::float8, expected_revenue::float8, currency, close_date, next_step,
	COALESCE(account_id, ''), COALESCE(assigned_to, ''), COALESCE(created_by, ''), v, created_at, updated_at`

type OpportunityInput struct {
	Name            string     `json:"name"`
	Description     string     `json:"description"`
	Stage           string     `json:"stage"`
	Status          string     `json:"status"`
	Budget          float64    `json:"budget"`
	ExpectedRevenue float64    `json:"expectedRevenue"`
	Currency        string     `json:"currency"`
	CloseDate       *time.Time `json:"closeDate"`
	NextStep        string     `json:"nextStep"`
	AccountID       string     `json:"accountId"`
	AssignedTo      string     `json:"assignedTo"`
	ContactIDs      *[]string  `json:"contactIds"`
	DocumentIDs     *[]string  `json:"documentIds"`
	Version         *int       `json:"v"`
}

func OpportunityInputFrom(o Opportunity) OpportunityInput {
	return OpportunityInput{
		Name: o.Name, Description: o.Description, Stage: o.Stage, Status: o.Status,
		Budget: o.Budget, ExpectedRevenue: o.ExpectedRevenue, Currency: o.Currency, CloseDate: o.CloseDate,
		NextStep: o.NextStep, AccountID: o.AccountID, AssignedTo: o.AssignedTo,
	}
}

func scanOpportunity(row interface{ Scan(...any) error }) (Opportunity, error) {
	var o Opportunity
	var closeDate sql.NullTime
	err := row.Scan(&o.ID, &o.Name, &o.Description, &o.Stage, &o.Status, &o.Budget, &o.ExpectedRevenue, &o.Currency, &closeDate, &o.NextStep,
		&o.AccountID, &o.AssignedTo, &o.CreatedBy, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	o.CloseDate = timePtr(closeDate)
	return o, err
}

func (s *PostgresStore) ListOpportunities(ctx context.Context, opts ListOptions) ([]Opportunity, error) {
	opts = opts.normalized()
	rows, err := s.db.QueryContext(ctx, `SELECT `+opportunityColumns+` FROM crm_opportunities ORDER BY created_at DESC LIMIT $1 OFFSET $2`, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("list opportunities: %w", err)
	}
	defer rows.Close()
	items := make([]Opportunity, 0)
	for rows.Next() {
		item, err := scanOpportunity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan opportunity: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetOpportunity(ctx context.Context, opportunityID string) (Opportunity, error) {
	return getOpportunity(ctx, s.db, opportunityID)
}

func getOpportunity(ctx context.Context, q queryer, opportunityID string) (Opportunity, error) {
	opp, err := scanOpportunity(q.QueryRowContext(ctx, `SELECT `+opportunityColumns+` FROM crm_opportunities WHERE id=$1`, opportunityID))
	if err != nil {
		return Opportunity{}, err
	}
	if opp.ContactIDs, err = listJunction(ctx, q, contactOpportunities.reverse(), opportunityID); err != nil {
		return Opportunity{}, err
	}
	if opp.DocumentIDs, err = listJunction(ctx, q, documentOpportunities.reverse(), opportunityID); err != nil {
		return Opportunity{}, err
	}
	return opp, nil
}

func (s *PostgresStore) CreateOpportunity(ctx context.Context, actorID, id string, in OpportunityInput) (Opportunity, error) {
	var opp Opportunity
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO crm_opportunities (id, name, description, stage, status, budget, expected_revenue, currency, close_date, next_step, account_id, assigned_to, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, id, in.Name, in.Description, in.Stage, in.Status, in.Budget, in.ExpectedRevenue, in.Currency, nullTime(in.CloseDate), in.NextStep,
			nullable(in.AccountID), nullable(in.AssignedTo), nullable(actorID))
		if err != nil {
			return fmt.Errorf("insert opportunity: %w", err)
		}
		if err := reconcile(ctx, tx, id,
			relation{j: contactOpportunities.reverse(), ids: in.ContactIDs},
			relation{j: documentOpportunities.reverse(), ids: in.DocumentIDs},
		); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, actorID, "opportunity.create", "opportunity", id, map[string]string{"name": in.Name, "stage": in.Stage}); err != nil {
			return err
		}
		opp, err = getOpportunity(ctx, tx, id)
		return err
	})
	return opp, err
}

func (s *PostgresStore) UpdateOpportunity(ctx context.Context, actorID, opportunityID string, in OpportunityInput) (Opportunity, error) {
	var opp Opportunity
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE crm_opportunities SET
				name=$2, description=$3, stage=$4, status=$5, budget=$6, expected_revenue=$7, currency=$8,
				close_date=$9, next_step=$10, account_id=$11, assigned_to=$12, v=v+1, updated_at=NOW()
			WHERE id=$1 AND ($13::bigint IS NULL OR v=$13)
		`, opportunityID, in.Name, in.Description, in.Stage, in.Status, in.Budget, in.ExpectedRevenue, in.Currency,
			nullTime(in.CloseDate), in.NextStep, nullable(in.AccountID), nullable(in.AssignedTo), nullVersion(in.Version))
		if err != nil {
			return fmt.Errorf("update opportunity: %w", err)
		}
		if err := checkUpdated(ctx, tx, res, "crm_opportunities", opportunityID); err != nil {
			return err
		}
		if err := reconcile(ctx, tx, opportunityID,
			relation{j: contactOpportunities.reverse(), ids: in.ContactIDs},
			relation{j: documentOpportunities.reverse(), ids: in.DocumentIDs},
		); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, actorID, "opportunity.update", "opportunity", opportunityID, map[string]string{"stage": in.Stage}); err != nil {
			return err
		}
		opp, err = getOpportunity(ctx, tx, opportunityID)
		return err
	})
	return opp, err
}

func (s *PostgresStore) DeleteOpportunity(ctx context.Context, actorID, opportunityID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := runCascade(ctx, tx, opportunityID,
			cascadeStep{"delete opportunity contacts", `DELETE FROM contact_opportunities WHERE opportunity_id=$1`},
			cascadeStep{"delete opportunity documents", `DELETE FROM document_opportunities WHERE opportunity_id=$1`},
		); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM crm_opportunities WHERE id=$1`, opportunityID)
		if err != nil {
			return fmt.Errorf("delete opportunity: %w", err)
		}
		if err := checkDeleted(res); err != nil {
			return err
		}
		return insertAudit(ctx, tx, actorID, "opportunity.delete", "opportunity", opportunityID, nil)
	})
}
