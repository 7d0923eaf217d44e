package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const SettingOpenAIKey = "openai_api_key"

func (s *PostgresStore) GetSystemSetting(ctx context.Context, name string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM system_settings WHERE name=$1`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read system setting: %w", err)
	}
	return value, nil
}

// SetSystemSetting upserts a setting; an empty value removes it.
func (s *PostgresStore) SetSystemSetting(ctx context.Context, actorID, name, value string) error {
	value = strings.TrimSpace(value)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if value == "" {
			if _, err := tx.ExecContext(ctx, `DELETE FROM system_settings WHERE name=$1`, name); err != nil {
				return fmt.Errorf("delete system setting: %w", err)
			}
		} else if _, err := tx.ExecContext(ctx, `
			INSERT INTO system_settings (name, value) VALUES ($1, $2)
			ON CONFLICT (name) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()
		`, name, value); err != nil {
			return fmt.Errorf("save system setting: %w", err)
		}
		return insertAudit(ctx, tx, actorID, "setting.update", "setting", name, map[string]bool{"set": value != ""})
	})
}
