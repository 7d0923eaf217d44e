package store

import (
	"context"
	"fmt"
	"strings"
)

type AuditFilter struct {
	EntityType string
	EntityID   string
	ActorID    string
	ListOptions
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	opts := filter.ListOptions.normalized()
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 5)
	add := func(column, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s=$%d", column, len(args)))
	}
	add("entity_type", filter.EntityType)
	add("entity_id", filter.EntityID)
	add("actor_id", filter.ActorID)

	query := `SELECT id, actor_id, action, entity_type, entity_id, payload, created_at FROM audit_events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, opts.Limit, opts.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEvent, 0)
	for rows.Next() {
		var item AuditEvent
		var payload []byte
		if err := rows.Scan(&item.ID, &item.ActorID, &item.Action, &item.EntityType, &item.EntityID, &payload, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		item.Payload = payload
		items = append(items, item)
	}
	return items, rows.Err()
}
