package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// junction describes one many-to-many table as seen from ownerCol.
type junction struct {
	table    string
	ownerCol string
	otherCol string
}

func (j junction) reverse() junction {
	return junction{table: j.table, ownerCol: j.otherCol, otherCol: j.ownerCol}
}

var (
	accountWatchers        = junction{table: "account_watchers", ownerCol: "account_id", otherCol: "user_id"}
	boardWatchers          = junction{table: "board_watchers", ownerCol: "board_id", otherCol: "user_id"}
	contactOpportunities   = junction{table: "contact_opportunities", ownerCol: "contact_id", otherCol: "opportunity_id"}
	documentAccounts       = junction{table: "document_accounts", ownerCol: "document_id", otherCol: "account_id"}
	documentContacts       = junction{table: "document_contacts", ownerCol: "document_id", otherCol: "contact_id"}
	documentLeads          = junction{table: "document_leads", ownerCol: "document_id", otherCol: "lead_id"}
	documentOpportunities  = junction{table: "document_opportunities", ownerCol: "document_id", otherCol: "opportunity_id"}
	documentTasks          = junction{table: "document_tasks", ownerCol: "document_id", otherCol: "task_id"}
	documentInvoices       = junction{table: "document_invoices", ownerCol: "document_id", otherCol: "invoice_id"}
	documentJunctionTables = []junction{documentAccounts, documentContacts, documentLeads, documentOpportunities, documentTasks, documentInvoices}
)

// relation pairs a junction with a requested id set. A nil ids pointer leaves
// the stored rows untouched; an empty slice clears them.
type relation struct {
	j   junction
	ids *[]string
}

func reconcile(ctx context.Context, ex execer, ownerID string, relations ...relation) error {
	for _, rel := range relations {
		if rel.ids == nil {
			continue
		}
		if err := replaceJunction(ctx, ex, rel.j, ownerID, *rel.ids); err != nil {
			return err
		}
	}
	return nil
}

// replaceJunction deletes every row for ownerID and inserts one row per
// distinct id. Must run inside the caller's transaction.
func replaceJunction(ctx context.Context, ex execer, j junction, ownerID string, ids []string) error {
	if _, err := ex.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s=$1`, j.table, j.ownerCol), ownerID); err != nil {
		return fmt.Errorf("clear %s: %w", j.table, err)
	}
	ids = distinctIDs(ids)
	if len(ids) == 0 {
		return nil
	}

	var query strings.Builder
	fmt.Fprintf(&query, `INSERT INTO %s (%s, %s) VALUES `, j.table, j.ownerCol, j.otherCol)
	args := make([]any, 0, len(ids)+1)
	args = append(args, ownerID)
	for i, id := range ids {
		if i > 0 {
			query.WriteString(", ")
		}
		fmt.Fprintf(&query, "($1, $%d)", i+2)
		args = append(args, id)
	}
	query.WriteString(` ON CONFLICT DO NOTHING`)

	if _, err := ex.ExecContext(ctx, query.String(), args...); err != nil {
		return fmt.Errorf("insert %s: %w", j.table, err)
	}
	return nil
}

func addJunctionRow(ctx context.Context, ex execer, j junction, ownerID, otherID string) error {
	_, err := ex.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (%s, %s) VALUES ($1, $2) ON CONFLICT DO NOTHING`, j.table, j.ownerCol, j.otherCol), ownerID, otherID)
	if err != nil {
		return fmt.Errorf("insert %s: %w", j.table, err)
	}
	return nil
}

func removeJunctionRow(ctx context.Context, ex execer, j junction, ownerID, otherID string) error {
	_, err := ex.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s=$1 AND %s=$2`, j.table, j.ownerCol, j.otherCol), ownerID, otherID)
	if err != nil {
		return fmt.Errorf("delete %s: %w", j.table, err)
	}
	return nil
}

func clearJunction(ctx context.Context, ex execer, j junction, ownerID string) error {
	if _, err := ex.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s=$1`, j.table, j.ownerCol), ownerID); err != nil {
		return fmt.Errorf("clear %s: %w", j.table, err)
	}
	return nil
}

func listJunction(ctx context.Context, q queryer, j junction, ownerID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE %s=$1 ORDER BY %s`, j.otherCol, j.table, j.ownerCol, j.otherCol), ownerID)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", j.table, err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s: %w", j.table, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func distinctIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// checkUpdated turns a zero-row versioned update into ErrVersionConflict when
// the row exists, or sql.ErrNoRows when it does not.
func checkUpdated(ctx context.Context, q queryer, res sql.Result, table, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	var exists bool
	if err := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE id=$1)`, table), id).Scan(&exists); err != nil {
		return fmt.Errorf("check %s exists: %w", table, err)
	}
	if exists {
		return ErrVersionConflict
	}
	return sql.ErrNoRows
}

func checkDeleted(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func insertAudit(ctx context.Context, ex execer, actorID, action, entityType, entityID string, payload any) error {
	body := []byte("{}")
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal audit payload: %w", err)
		}
		body = encoded
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO audit_events (actor_id, action, entity_type, entity_id, payload)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, actorID, action, entityType, entityID, string(body))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// compactSections closes the gap left at removedPos.
func compactSections(ctx context.Context, ex execer, boardID string, removedPos int) error {
	if _, err := ex.ExecContext(ctx, `
		UPDATE sections SET position=position-1, updated_at=NOW()
		WHERE board_id=$1 AND position>$2
	`, boardID, removedPos); err != nil {
		return fmt.Errorf("compact sections: %w", err)
	}
	return nil
}

func compactTasks(ctx context.Context, ex execer, sectionID string, removedPos int) error {
	if _, err := ex.ExecContext(ctx, `
		UPDATE tasks SET position=position-1, updated_at=NOW()
		WHERE section_id=$1 AND position>$2
	`, sectionID, removedPos); err != nil {
		return fmt.Errorf("compact tasks: %w", err)
	}
	return nil
}

func nullable(value string) sql.NullString {
	value = strings.TrimSpace(value)
	return sql.NullString{String: value, Valid: value != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	value := t.Time
	return &value
}

func nullVersion(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// cascadeStep is one statement of a cascading delete, parameterized by the parent id.
type cascadeStep struct {
	label string
	query string
}

func runCascade(ctx context.Context, ex execer, parentID string, steps ...cascadeStep) error {
	for _, step := range steps {
		if _, err := ex.ExecContext(ctx, step.query, parentID); err != nil {
			return fmt.Errorf("%s: %w", step.label, err)
		}
	}
	return nil
}

func collectStrings(ctx context.Context, q queryer, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		if value != "" {
			out = append(out, value)
		}
	}
	return out, rows.Err()
}

// Removed reports what a cascading delete took with it so the caller can
// schedule storage and index cleanup after commit.
type Removed struct {
	StorageKeys []string
	InvoiceIDs  []string
	TaskIDs     []string
	SectionIDs  []string
}
