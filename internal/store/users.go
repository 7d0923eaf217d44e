package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const userColumns = `id, name, email, password_hash, status, is_admin, is_account_admin, language, v, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Status, &user.IsAdmin, &user.IsAccountAdmin, &user.Language, &user.Version, &user.CreatedAt, &user.UpdatedAt)
	return user, err
}

func (s *PostgresStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CountActiveAdmins(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE is_admin AND status='ACTIVE'`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count admins: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	if user.Language == "" {
		user.Language = "en"
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, name, email, password_hash, status, is_admin, is_account_admin, language)
			VALUES ($1, $2, LOWER($3), $4, $5, $6, $7, $8)
		`, user.ID, user.Name, strings.TrimSpace(user.Email), user.PasswordHash, user.Status, user.IsAdmin, user.IsAccountAdmin, user.Language)
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		return insertAudit(ctx, tx, user.ID, "user.signup", "user", user.ID, map[string]any{"status": user.Status, "isAdmin": user.IsAdmin})
	})
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email)=LOWER($1)`, strings.TrimSpace(email)))
}

func (s *PostgresStore) ListUsers(ctx context.Context, opts ListOptions) ([]User, error) {
	opts = opts.normalized()
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at ASC LIMIT $1 OFFSET $2`, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, user)
	}
	return items, rows.Err()
}

type ProfileInput struct {
	Name     string `json:"name"`
	Language string `json:"language"`
	Version  *int   `json:"v"`
}

func (s *PostgresStore) UpdateUserProfile(ctx context.Context, userID string, in ProfileInput) (User, error) {
	var user User
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE users SET name=$2, language=$3, v=v+1, updated_at=NOW()
			WHERE id=$1 AND ($4::bigint IS NULL OR v=$4)
		`, userID, in.Name, in.Language, nullVersion(in.Version))
		if err != nil {
			return fmt.Errorf("update user profile: %w", err)
		}
		if err := checkUpdated(ctx, tx, res, "users", userID); err != nil {
			return err
		}
		user, err = scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
		return err
	})
	return user, err
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, v=v+1, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return checkDeleted(res)
}

// lockActiveAdmins row-locks every active admin and returns how many there are.
func lockActiveAdmins(ctx context.Context, tx *sql.Tx) (int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM users WHERE is_admin AND status='ACTIVE' FOR UPDATE`)
	if err != nil {
		return 0, fmt.Errorf("lock admins: %w", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
	}
	return count, rows.Err()
}

func (s *PostgresStore) SetUserStatus(ctx context.Context, actorID, userID, status string) (User, error) {
	var user User
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1 FOR UPDATE`, userID))
		if err != nil {
			return err
		}
		if current.IsAdmin && current.Status == UserStatusActive && status != UserStatusActive {
			admins, err := lockActiveAdmins(ctx, tx)
			if err != nil {
				return err
			}
			if admins <= 1 {
				return ErrLastAdmin
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE users SET status=$2, v=v+1, updated_at=NOW() WHERE id=$1`, userID, status); err != nil {
			return fmt.Errorf("update user status: %w", err)
		}
		if err := insertAudit(ctx, tx, actorID, "user.status", "user", userID, map[string]string{"from": current.Status, "to": status}); err != nil {
			return err
		}
		user, err = scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
		return err
	})
	return user, err
}

func (s *PostgresStore) SetUserAdmin(ctx context.Context, actorID, userID string, isAdmin, isAccountAdmin bool) (User, error) {
	var user User
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1 FOR UPDATE`, userID))
		if err != nil {
			return err
		}
		if current.IsAdmin && current.Status == UserStatusActive && !isAdmin {
			admins, err := lockActiveAdmins(ctx, tx)
			if err != nil {
				return err
			}
			if admins <= 1 {
				return ErrLastAdmin
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET is_admin=$2, is_account_admin=$3, v=v+1, updated_at=NOW() WHERE id=$1
		`, userID, isAdmin, isAccountAdmin); err != nil {
			return fmt.Errorf("update user admin flags: %w", err)
		}
		if err := insertAudit(ctx, tx, actorID, "user.admin", "user", userID, map[string]bool{"isAdmin": isAdmin, "isAccountAdmin": isAccountAdmin}); err != nil {
			return err
		}
		user, err = scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
		return err
	})
	return user, err
}

// DeleteUser hands everything the user owns or is assigned to over to
// actorID, detaches authorship, and removes the user row.
func (s *PostgresStore) DeleteUser(ctx context.Context, actorID, userID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		target, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1 FOR UPDATE`, userID))
		if err != nil {
			return err
		}
		if target.IsAdmin && target.Status == UserStatusActive {
			admins, err := lockActiveAdmins(ctx, tx)
			if err != nil {
				return err
			}
			if admins <= 1 {
				return ErrLastAdmin
			}
		}

		statements := []struct {
			label string
			query string
		}{
			{"reassign accounts", `UPDATE crm_accounts SET assigned_to=$2, updated_at=NOW() WHERE assigned_to=$1`},
			{"reassign contacts", `UPDATE crm_contacts SET assigned_to=$2, updated_at=NOW() WHERE assigned_to=$1`},
			{"reassign leads", `UPDATE crm_leads SET assigned_to=$2, updated_at=NOW() WHERE assigned_to=$1`},
			{"reassign opportunities", `UPDATE crm_opportunities SET assigned_to=$2, updated_at=NOW() WHERE assigned_to=$1`},
			{"reassign invoices", `UPDATE invoices SET assigned_to=$2, updated_at=NOW() WHERE assigned_to=$1`},
			{"reassign documents", `UPDATE documents SET assigned_to=$2, updated_at=NOW() WHERE assigned_to=$1`},
			{"reassign boards", `UPDATE boards SET owner_id=$2, updated_at=NOW() WHERE owner_id=$1`},
		}
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt.query, userID, actorID); err != nil {
				return fmt.Errorf("%s: %w", stmt.label, err)
			}
		}

		detach := []struct {
			label string
			query string
		}{
			{"unassign tasks", `UPDATE tasks SET assigned_to=NULL, updated_at=NOW() WHERE assigned_to=$1`},
			{"detach task creator", `UPDATE tasks SET created_by=NULL WHERE created_by=$1`},
			{"detach account creator", `UPDATE crm_accounts SET created_by=NULL WHERE created_by=$1`},
			{"detach contact creator", `UPDATE crm_contacts SET created_by=NULL WHERE created_by=$1`},
			{"detach lead creator", `UPDATE crm_leads SET created_by=NULL WHERE created_by=$1`},
			{"detach opportunity creator", `UPDATE crm_opportunities SET created_by=NULL WHERE created_by=$1`},
			{"detach invoice creator", `UPDATE invoices SET created_by=NULL WHERE created_by=$1`},
			{"detach document creator", `UPDATE documents SET created_by=NULL WHERE created_by=$1`},
			{"detach comment author", `UPDATE task_comments SET author_id=NULL WHERE author_id=$1`},
			{"remove account watches", `DELETE FROM account_watchers WHERE user_id=$1`},
			{"remove board watches", `DELETE FROM board_watchers WHERE user_id=$1`},
			{"remove refresh sessions", `DELETE FROM refresh_sessions WHERE user_id=$1`},
			{"remove password resets", `DELETE FROM password_resets WHERE user_id=$1`},
			{"remove openai key", `DELETE FROM user_openai_keys WHERE user_id=$1`},
		}
		for _, stmt := range detach {
			if _, err := tx.ExecContext(ctx, stmt.query, userID); err != nil {
				return fmt.Errorf("%s: %w", stmt.label, err)
			}
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, userID)
		if err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		if err := checkDeleted(res); err != nil {
			return err
		}
		return insertAudit(ctx, tx, actorID, "user.delete", "user", userID, map[string]string{"email": target.Email, "reassignedTo": actorID})
	})
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token_hash, user_id, expires_at) VALUES ($1, $2, $3)
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

// GetPasswordReset returns the user id for an unused, unexpired reset token.
func (s *PostgresStore) GetPasswordReset(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token_hash=$1 AND used_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// SetUserOpenAIKey stores the key; an empty key removes it.
func (s *PostgresStore) SetUserOpenAIKey(ctx context.Context, userID, apiKey string) error {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM user_openai_keys WHERE user_id=$1`, userID); err != nil {
			return fmt.Errorf("delete openai key: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_openai_keys (user_id, api_key) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET api_key=EXCLUDED.api_key, updated_at=NOW()
	`, userID, apiKey)
	if err != nil {
		return fmt.Errorf("save openai key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserOpenAIKey(ctx context.Context, userID string) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx, `SELECT api_key FROM user_openai_keys WHERE user_id=$1`, userID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read openai key: %w", err)
	}
	return key, nil
}

func (s *PostgresStore) GetUsersByIDs(ctx context.Context, ids []string) ([]User, error) {
	ids = distinctIDs(ids)
	if len(ids) == 0 {
		return []User{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ANY($1) ORDER BY name`, ids)
	if err != nil {
		return nil, fmt.Errorf("get users by ids: %w", err)
	}
	defer rows.Close()
	items := make([]User, 0, len(ids))
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, user)
	}
	return items, rows.Err()
}
