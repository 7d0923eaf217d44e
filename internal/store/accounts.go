package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const accountColumns = `id, name, status, type, email, phone, website, industry,
	billing_street, billing_city, billing_postal_code, billing_country,
	shipping_street, shipping_city, shipping_postal_code, shipping_country,
	COALESCE(assigned_to, ''), COALESCE(created_by, ''), v, created_at, updated_at`

type AccountInput struct {
	Name               string    `json:"name"`
	Status             string    `json:"status"`
	Type               string    `json:"type"`
	Email              string    `json:"email"`
	Phone              string    `json:"phone"`
	Website            string    `json:"website"`
	Industry           string    `json:"industry"`
	BillingStreet      string    `json:"billingStreet"`
	BillingCity        string    `json:"billingCity"`
	BillingPostalCode  string    `json:"billingPostalCode"`
	BillingCountry     string    `json:"billingCountry"`
	ShippingStreet     string    `json:"shippingStreet"`
	ShippingCity       string    `json:"shippingCity"`
	ShippingPostalCode string    `json:"shippingPostalCode"`
	ShippingCountry    string    `json:"shippingCountry"`
	AssignedTo         string    `json:"assignedTo"`
	Watchers           *[]string `json:"watchers"`
	DocumentIDs        *[]string `json:"documentIds"`
	Version            *int      `json:"v"`
}

// AccountInputFrom seeds an update with the stored scalar values so that a
// partial request body only overrides what it names.
func AccountInputFrom(a Account) AccountInput {
	return AccountInput{
		Name: a.Name, Status: a.Status, Type: a.Type, Email: a.Email, Phone: a.Phone,
		Website: a.Website, Industry: a.Industry,
		BillingStreet: a.BillingStreet, BillingCity: a.BillingCity, BillingPostalCode: a.BillingPostalCode, BillingCountry: a.BillingCountry,
		ShippingStreet: a.ShippingStreet, ShippingCity: a.ShippingCity, ShippingPostalCode: a.ShippingPostalCode, ShippingCountry: a.ShippingCountry,
		AssignedTo: a.AssignedTo,
	}
}

func scanAccount(row interface{ Scan(...any) error }) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Name, &a.Status, &a.Type, &a.Email, &a.Phone, &a.Website, &a.Industry,
		&a.BillingStreet, &a.BillingCity, &a.BillingPostalCode, &a.BillingCountry,
		&a.ShippingStreet, &a.ShippingCity, &a.ShippingPostalCode, &a.ShippingCountry,
		&a.AssignedTo, &a.CreatedBy, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (s *PostgresStore) ListAccounts(ctx context.Context, opts ListOptions) ([]Account, error) {
	opts = opts.normalized()
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM crm_accounts ORDER BY created_at DESC LIMIT $1 OFFSET $2`, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()
	items := make([]Account, 0)
	for rows.Next() {
		item, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (Account, error) {
	return getAccount(ctx, s.db, accountID)
}

func getAccount(ctx context.Context, q queryer, accountID string) (Account, error) {
	account, err := scanAccount(q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM crm_accounts WHERE id=$1`, accountID))
	if err != nil {
		return Account{}, err
	}
	if account.Watchers, err = listJunction(ctx, q, accountWatchers, accountID); err != nil {
		return Account{}, err
	}
	if account.DocumentIDs, err = listJunction(ctx, q, documentAccounts.reverse(), accountID); err != nil {
		return Account{}, err
	}
	return account, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, actorID, id string, in AccountInput) (Account, error) {
	var account Account
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertAccount(ctx, tx, actorID, id, in); err != nil {
			return err
		}
		if err := reconcile(ctx, tx, id,
			relation{j: accountWatchers, ids: in.Watchers},
			relation{j: documentAccounts.reverse(), ids: in.DocumentIDs},
		); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, actorID, "account.create", "account", id, map[string]string{"name": in.Name}); err != nil {
			return err
		}
		var err error
		account, err = getAccount(ctx, tx, id)
		return err
	})
	return account, err
}

func insertAccount(ctx context.Context, ex execer, actorID, id string, in AccountInput) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO crm_accounts (
			id, name, status, type, email, phone, website, industry,
			billing_street, billing_city, billing_postal_code, billing_country,
			shipping_street, shipping_city, shipping_postal_code, shipping_country,
			assigned_to, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, id, strings.TrimSpace(in.Name), in.Status, in.Type, in.Email, in.Phone, in.Website, in.Industry,
		in.BillingStreet, in.BillingCity, in.BillingPostalCode, in.BillingCountry,
		in.ShippingStreet, in.ShippingCity, in.ShippingPostalCode, in.ShippingCountry,
		nullable(in.AssignedTo), nullable(actorID))
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAccount(ctx context.Context, actorID, accountID string, in AccountInput) (Account, error) {
	var account Account
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE crm_accounts SET
				name=$2, status=$3, type=$4, email=$5, phone=$6, website=$7, industry=$8,
				billing_street=$9, billing_city=$10, billing_postal_code=$11, billing_country=$12,
				shipping_street=$13, shipping_city=$14, shipping_postal_code=$15, shipping_country=$16,
				assigned_to=$17, v=v+1, updated_at=NOW()
			WHERE id=$1 AND ($18::bigint IS NULL OR v=$18)
		`, accountID, strings.TrimSpace(in.Name), in.Status, in.Type, in.Email, in.Phone, in.Website, in.Industry,
			in.BillingStreet, in.BillingCity, in.BillingPostalCode, in.BillingCountry,
			in.ShippingStreet, in.ShippingCity, in.ShippingPostalCode, in.ShippingCountry,
			nullable(in.AssignedTo), nullVersion(in.Version))
		if err != nil {
			return fmt.Errorf("update account: %w", err)
		}
		if err := checkUpdated(ctx, tx, res, "crm_accounts", accountID); err != nil {
			return err
		}
		if err := reconcile(ctx, tx, accountID,
			relation{j: accountWatchers, ids: in.Watchers},
			relation{j: documentAccounts.reverse(), ids: in.DocumentIDs},
		); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, actorID, "account.update", "account", accountID, map[string]string{"name": in.Name}); err != nil {
			return err
		}
		account, err = getAccount(ctx, tx, accountID)
		return err
	})
	return account, err
}

func (s *PostgresStore) DeleteAccount(ctx context.Context, actorID, accountID string) (Removed, error) {
	var removed Removed
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if removed.TaskIDs, err = collectStrings(ctx, tx, `SELECT id FROM tasks WHERE account_id=$1`, accountID); err != nil {
			return fmt.Errorf("list account tasks: %w", err)
		}
		if removed.InvoiceIDs, err = collectStrings(ctx, tx, `SELECT id FROM invoices WHERE account_id=$1`, accountID); err != nil {
			return fmt.Errorf("list account invoices: %w", err)
		}
		if removed.StorageKeys, err = collectStrings(ctx, tx, `
			SELECT storage_key FROM invoices WHERE account_id=$1
			UNION ALL
			SELECT export_xml_key FROM invoices WHERE account_id=$1
		`, accountID); err != nil {
			return fmt.Errorf("list invoice storage keys: %w", err)
		}

		if err := runCascade(ctx, tx, accountID,
			cascadeStep{"delete account task comments", `DELETE FROM task_comments WHERE task_id IN (SELECT id FROM tasks WHERE account_id=$1)`},
			cascadeStep{"delete account task documents", `DELETE FROM document_tasks WHERE task_id IN (SELECT id FROM tasks WHERE account_id=$1)`},
			cascadeStep{"delete account tasks", `DELETE FROM tasks WHERE account_id=$1`},
			cascadeStep{"delete account watchers", `DELETE FROM account_watchers WHERE account_id=$1`},
			cascadeStep{"delete account documents", `DELETE FROM document_accounts WHERE account_id=$1`},
			cascadeStep{"detach contacts", `UPDATE crm_contacts SET account_id=NULL, updated_at=NOW() WHERE account_id=$1`},
			cascadeStep{"detach leads", `UPDATE crm_leads SET account_id=NULL, updated_at=NOW() WHERE account_id=$1`},
			cascadeStep{"detach opportunities", `UPDATE crm_opportunities SET account_id=NULL, updated_at=NOW() WHERE account_id=$1`},
			cascadeStep{"delete invoice documents", `DELETE FROM document_invoices WHERE invoice_id IN (SELECT id FROM invoices WHERE account_id=$1)`},
			cascadeStep{"delete account invoices", `DELETE FROM invoices WHERE account_id=$1`},
		); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM crm_accounts WHERE id=$1`, accountID)
		if err != nil {
			return fmt.Errorf("delete account: %w", err)
		}
		if err := checkDeleted(res); err != nil {
			return err
		}
		return insertAudit(ctx, tx, actorID, "account.delete", "account", accountID, map[string]int{
			"tasks":    len(removed.TaskIDs),
			"invoices": len(removed.InvoiceIDs),
		})
	})
	if err != nil {
		return Removed{}, err
	}
	return removed, nil
}

func (s *PostgresStore) WatchAccount(ctx context.Context, accountID, userID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := addJunctionRow(ctx, tx, accountWatchers, accountID, userID); err != nil {
			return err
		}
		return insertAudit(ctx, tx, userID, "account.watch", "account", accountID, nil)
	})
}

func (s *PostgresStore) UnwatchAccount(ctx context.Context, accountID, userID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := removeJunctionRow(ctx, tx, accountWatchers, accountID, userID); err != nil {
			return err
		}
		return insertAudit(ctx, tx, userID, "account.unwatch", "account", accountID, nil)
	})
}

func (s *PostgresStore) ListAccountWatchers(ctx context.Context, accountID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixed("u", userColumns)+`
		FROM account_watchers aw
		JOIN users u ON u.id = aw.user_id
		WHERE aw.account_id=$1
		ORDER BY u.name ASC, u.id ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list account watchers: %w", err)
	}
	defer rows.Close()
	items := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan watcher: %w", err)
		}
		items = append(items, user)
	}
	return items, rows.Err()
}

// findOrCreateAccountByName resolves a company name to an account, creating
// an inactive prospect when none matches case-insensitively.
func findOrCreateAccountByName(ctx context.Context, tx *sql.Tx, actorID, newID, name string) (string, bool, error) {
	name = strings.TrimSpace(name)
	var id string
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM crm_accounts WHERE LOWER(name)=LOWER($1) ORDER BY created_at ASC LIMIT 1 FOR UPDATE
	`, name).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("find account by name: %w", err)
	}
	if err := insertAccount(ctx, tx, actorID, newID, AccountInput{Name: name, Status: "Inactive", Type: "Prospect", AssignedTo: actorID}); err != nil {
		return "", false, err
	}
	if err := insertAudit(ctx, tx, actorID, "account.create", "account", newID, map[string]string{"name": name, "source": "lead"}); err != nil {
		return "", false, err
	}
	return newID, true, nil
}

// prefixed qualifies a column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
