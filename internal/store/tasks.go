package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const taskColumnList = `id, kind, section_id, position, account_id, title, content, priority, status, due_at, assigned_to, created_by, v, created_at, updated_at`

type TaskInput struct {
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status"`
	DueAt       *time.Time `json:"dueAt"`
	AssignedTo  string     `json:"assignedTo"`
	DocumentIDs *[]string  `json:"documentIds"`
	Version     *int       `json:"v"`
}

func TaskInputFrom(t Task) TaskInput {
	return TaskInput{Title: t.Title, Content: t.Content, Priority: t.Priority, Status: t.Status, DueAt: t.DueAt, AssignedTo: t.AssignedTo}
}

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var t Task
	var sectionID, accountID, assignedTo, createdBy sql.NullString
	var position sql.NullInt64
	var dueAt sql.NullTime
	err := row.Scan(&t.ID, &t.Kind, &sectionID, &position, &accountID, &t.Title, &t.Content, &t.Priority, &t.Status, &dueAt,
		&assignedTo, &createdBy, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Task{}, err
	}
	t.SectionID = sectionID.String
	t.AccountID = accountID.String
	t.AssignedTo = assignedTo.String
	t.CreatedBy = createdBy.String
	t.DueAt = timePtr(dueAt)
	if position.Valid {
		p := int(position.Int64)
		t.Position = &p
	}
	return t, nil
}

func queryTasks(ctx context.Context, q queryer, query string, args ...any) ([]Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	items := make([]Task, 0)
	for rows.Next() {
		item, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	return getTask(ctx, s.db, taskID)
}

func getTask(ctx context.Context, q queryer, taskID string) (Task, error) {
	task, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumnList+` FROM tasks WHERE id=$1`, taskID))
	if err != nil {
		return Task{}, err
	}
	if task.DocumentIDs, err = listJunction(ctx, q, documentTasks.reverse(), taskID); err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetTaskParent loads a task with the board its section belongs to. CRM tasks
// have no board.
func (s *PostgresStore) GetTaskParent(ctx context.Context, taskID string) (TaskParent, error) {
	task, err := getTask(ctx, s.db, taskID)
	if err != nil {
		return TaskParent{}, err
	}
	parent := TaskParent{Task: task}
	if task.Kind == TaskKindProject {
		if err := s.db.QueryRowContext(ctx, `SELECT board_id FROM sections WHERE id=$1`, task.SectionID).Scan(&parent.BoardID); err != nil {
			return TaskParent{}, fmt.Errorf("resolve task board: %w", err)
		}
	}
	return parent, nil
}

func (s *PostgresStore) ListAccountTasks(ctx context.Context, accountID string) ([]Task, error) {
	return queryTasks(ctx, s.db, `SELECT `+taskColumnList+` FROM tasks WHERE account_id=$1 ORDER BY created_at DESC`, accountID)
}

func (s *PostgresStore) ListSectionTasks(ctx context.Context, sectionID string) ([]Task, error) {
	return queryTasks(ctx, s.db, `SELECT `+taskColumnList+` FROM tasks WHERE section_id=$1 ORDER BY position`, sectionID)
}

func insertTask(ctx context.Context, tx *sql.Tx, actorID, id, kind string, sectionID string, position *int, accountID string, in TaskInput) error {
	var pos sql.NullInt64
	if position != nil {
		pos = sql.NullInt64{Int64: int64(*position), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, kind, section_id, position, account_id, title, content, priority, status, due_at, assigned_to, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, id, kind, nullable(sectionID), pos, nullable(accountID), strings.TrimSpace(in.Title), in.Content, in.Priority, in.Status,
		nullTime(in.DueAt), nullable(in.AssignedTo), nullable(actorID))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return reconcile(ctx, tx, id, relation{j: documentTasks.reverse(), ids: in.DocumentIDs})
}

// CreateProjectTask appends a task to the end of the section.
func (s *PostgresStore) CreateProjectTask(ctx context.Context, actorID, sectionID, id string, in TaskInput) (Task, error) {
	var task Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var locked string
		if err := tx.QueryRowContext(ctx, `SELECT id FROM sections WHERE id=$1 FOR UPDATE`, sectionID).Scan(&locked); err != nil {
			return err
		}
		var position int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE section_id=$1`, sectionID).Scan(&position); err != nil {
			return fmt.Errorf("count tasks: %w", err)
		}
		if err := insertTask(ctx, tx, actorID, id, TaskKindProject, sectionID, &position, "", in); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, actorID, "task.create", "task", id, map[string]any{"sectionId": sectionID, "position": position}); err != nil {
			return err
		}
		var err error
		task, err = getTask(ctx, tx, id)
		return err
	})
	return task, err
}

func (s *PostgresStore) CreateAccountTask(ctx context.Context, actorID, accountID, id string, in TaskInput) (Task, error) {
	var task Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertTask(ctx, tx, actorID, id, TaskKindCRM, "", nil, accountID, in); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, actorID, "task.create", "task", id, map[string]string{"accountId": accountID}); err != nil {
			return err
		}
		var err error
		task, err = getTask(ctx, tx, id)
		return err
	})
	return task, err
}

func (s *PostgresStore) UpdateTask(ctx context.Context, actorID, taskID string, in TaskInput) (Task, error) {
	var task Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET title=$2, content=$3, priority=$4, status=$5, due_at=$6, assigned_to=$7, v=v+1, updated_at=NOW()
			WHERE id=$1 AND ($8::bigint IS NULL OR v=$8)
		`, taskID, strings.TrimSpace(in.Title), in.Content, in.Priority, in.Status, nullTime(in.DueAt), nullable(in.AssignedTo), nullVersion(in.Version))
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if err := checkUpdated(ctx, tx, res, "tasks", taskID); err != nil {
			return err
		}
		if err := reconcile(ctx, tx, taskID, relation{j: documentTasks.reverse(), ids: in.DocumentIDs}); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, actorID, "task.update", "task", taskID, map[string]string{"status": in.Status, "assignedTo": in.AssignedTo}); err != nil {
			return err
		}
		task, err = getTask(ctx, tx, taskID)
		return err
	})
	return task, err
}

func (s *PostgresStore) CompleteTask(ctx context.Context, actorID, taskID string) (Task, error) {
	var task Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET status='COMPLETE', v=v+1, updated_at=NOW() WHERE id=$1`, taskID)
		if err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		if err := checkDeleted(res); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, actorID, "task.complete", "task", taskID, nil); err != nil {
			return err
		}
		task, err = getTask(ctx, tx, taskID)
		return err
	})
	return task, err
}

// MoveTask appends a project task to another section of the same board and
// compacts the section it left.
func (s *PostgresStore) MoveTask(ctx context.Context, actorID, taskID, targetSectionID string, version *int) (Task, error) {
	var task Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumnList+` FROM tasks WHERE id=$1 FOR UPDATE`, taskID))
		if err != nil {
			return err
		}
		if current.Kind != TaskKindProject || current.Position == nil {
			return ErrInvalidParent
		}
		if version != nil && *version != current.Version {
			return ErrVersionConflict
		}
		if current.SectionID == targetSectionID {
			task, err = getTask(ctx, tx, taskID)
			return err
		}

		var sourceBoard, targetBoard string
		if err := tx.QueryRowContext(ctx, `SELECT board_id FROM sections WHERE id=$1`, current.SectionID).Scan(&sourceBoard); err != nil {
			return fmt.Errorf("resolve source section: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT board_id FROM sections WHERE id=$1`, targetSectionID).Scan(&targetBoard); err != nil {
			return err
		}
		if sourceBoard != targetBoard {
			return ErrInvalidParent
		}

		first, second := current.SectionID, targetSectionID
		if second < first {
			first, second = second, first
		}
		if _, err := tx.ExecContext(ctx, `SELECT id FROM sections WHERE id IN ($1, $2) ORDER BY id FOR UPDATE`, first, second); err != nil {
			return fmt.Errorf("lock sections: %w", err)
		}

		var position int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE section_id=$1`, targetSectionID).Scan(&position); err != nil {
			return fmt.Errorf("count tasks: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET section_id=$2, position=$3, v=v+1, updated_at=NOW() WHERE id=$1
		`, taskID, targetSectionID, position); err != nil {
			return fmt.Errorf("move task: %w", err)
		}
		if err := compactTasks(ctx, tx, current.SectionID, *current.Position); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, actorID, "task.move", "task", taskID, map[string]string{"from": current.SectionID, "to": targetSectionID}); err != nil {
			return err
		}
		task, err = getTask(ctx, tx, taskID)
		return err
	})
	return task, err
}

func (s *PostgresStore) DeleteTask(ctx context.Context, actorID, taskID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumnList+` FROM tasks WHERE id=$1 FOR UPDATE`, taskID))
		if err != nil {
			return err
		}
		if current.Kind == TaskKindProject {
			if _, err := tx.ExecContext(ctx, `SELECT id FROM sections WHERE id=$1 FOR UPDATE`, current.SectionID); err != nil {
				return fmt.Errorf("lock section: %w", err)
			}
		}
		if err := runCascade(ctx, tx, taskID,
			cascadeStep{"delete task comments", `DELETE FROM task_comments WHERE task_id=$1`},
			cascadeStep{"delete task documents", `DELETE FROM document_tasks WHERE task_id=$1`},
			cascadeStep{"delete task", `DELETE FROM tasks WHERE id=$1`},
		); err != nil {
			return err
		}
		if current.Kind == TaskKindProject && current.Position != nil {
			if err := compactTasks(ctx, tx, current.SectionID, *current.Position); err != nil {
				return err
			}
		}
		return insertAudit(ctx, tx, actorID, "task.delete", "task", taskID, map[string]string{"kind": current.Kind})
	})
}

const commentColumns = `c.id, c.task_id, COALESCE(c.author_id, ''), COALESCE(u.name, ''), c.body, c.created_at`

func scanComment(row interface{ Scan(...any) error }) (TaskComment, error) {
	var c TaskComment
	err := row.Scan(&c.ID, &c.TaskID, &c.AuthorID, &c.AuthorName, &c.Body, &c.CreatedAt)
	return c, err
}

func (s *PostgresStore) ListTaskComments(ctx context.Context, taskID string) ([]TaskComment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM task_comments c LEFT JOIN users u ON u.id = c.author_id
		WHERE c.task_id=$1
		ORDER BY c.created_at ASC, c.id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task comments: %w", err)
	}
	defer rows.Close()
	items := make([]TaskComment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task comment: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetTaskComment(ctx context.Context, commentID string) (TaskComment, error) {
	return scanComment(s.db.QueryRowContext(ctx, `
		SELECT `+commentColumns+` FROM task_comments c LEFT JOIN users u ON u.id = c.author_id WHERE c.id=$1
	`, commentID))
}

func (s *PostgresStore) CreateTaskComment(ctx context.Context, actorID, taskID, id, body string) (TaskComment, error) {
	var comment TaskComment
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_comments (id, task_id, author_id, body) VALUES ($1, $2, $3, $4)
		`, id, taskID, nullable(actorID), body); err != nil {
			return fmt.Errorf("insert task comment: %w", err)
		}
		if err := insertAudit(ctx, tx, actorID, "comment.create", "task", taskID, map[string]string{"commentId": id}); err != nil {
			return err
		}
		var err error
		comment, err = scanComment(tx.QueryRowContext(ctx, `
			SELECT `+commentColumns+` FROM task_comments c LEFT JOIN users u ON u.id = c.author_id WHERE c.id=$1
		`, id))
		return err
	})
	return comment, err
}

func (s *PostgresStore) DeleteTaskComment(ctx context.Context, actorID, commentID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var taskID string
		if err := tx.QueryRowContext(ctx, `DELETE FROM task_comments WHERE id=$1 RETURNING task_id`, commentID).Scan(&taskID); err != nil {
			return err
		}
		return insertAudit(ctx, tx, actorID, "comment.delete", "task", taskID, map[string]string{"commentId": commentID})
	})
}
