package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"nextcrm/api/internal/util"
)

// DefaultSectionTitles seed a board created without explicit sections.
var DefaultSectionTitles = []string{"Backlog", "To do", "In progress", "Review", "Done"}

const boardColumns = `b.id, b.title, b.description, b.icon, b.visibility, b.owner_id, b.v, b.created_at, b.updated_at,
	COALESCE((SELECT string_agg(bw.user_id, ',' ORDER BY bw.user_id) FROM board_watchers bw WHERE bw.board_id = b.id), '')`

const sectionColumns = `id, board_id, title, position, v, created_at, updated_at`

type BoardInput struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Icon        string    `json:"icon"`
	Visibility  string    `json:"visibility"`
	SharedWith  *[]string `json:"sharedWith"`
	Version     *int      `json:"v"`
}

func BoardInputFrom(b Board) BoardInput {
	return BoardInput{Title: b.Title, Description: b.Description, Icon: b.Icon, Visibility: b.Visibility}
}

func scanBoard(row interface{ Scan(...any) error }) (Board, error) {
	var b Board
	var shared string
	err := row.Scan(&b.ID, &b.Title, &b.Description, &b.Icon, &b.Visibility, &b.OwnerID, &b.Version, &b.CreatedAt, &b.UpdatedAt, &shared)
	b.SharedWith = splitIDs(shared)
	return b, err
}

func splitIDs(joined string) []string {
	if joined == "" {
		return []string{}
	}
	return strings.Split(joined, ",")
}

func scanSection(row interface{ Scan(...any) error }) (Section, error) {
	var sec Section
	err := row.Scan(&sec.ID, &sec.BoardID, &sec.Title, &sec.Position, &sec.Version, &sec.CreatedAt, &sec.UpdatedAt)
	return sec, err
}

// ListBoardsForUser returns boards the user owns, watches, or can see publicly.
// Admins see every board.
func (s *PostgresStore) ListBoardsForUser(ctx context.Context, userID string, isAdmin bool) ([]Board, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+boardColumns+`
		FROM boards b
		WHERE $2::boolean
			OR b.owner_id = $1
			OR b.visibility = 'PUBLIC'
			OR EXISTS (SELECT 1 FROM board_watchers w WHERE w.board_id = b.id AND w.user_id = $1)
		ORDER BY b.created_at DESC
	`, userID, isAdmin)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	defer rows.Close()
	items := make([]Board, 0)
	for rows.Next() {
		item, err := scanBoard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan board: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetBoard(ctx context.Context, boardID string) (Board, error) {
	return scanBoard(s.db.QueryRowContext(ctx, `SELECT `+boardColumns+` FROM boards b WHERE b.id=$1`, boardID))
}

// GetBoardDetail loads the board with its ordered sections and their tasks.
func (s *PostgresStore) GetBoardDetail(ctx context.Context, boardID string) (Board, error) {
	return getBoardDetail(ctx, s.db, boardID)
}

func getBoardDetail(ctx context.Context, q queryer, boardID string) (Board, error) {
	board, err := scanBoard(q.QueryRowContext(ctx, `SELECT `+boardColumns+` FROM boards b WHERE b.id=$1`, boardID))
	if err != nil {
		return Board{}, err
	}
	sections, err := listSections(ctx, q, boardID)
	if err != nil {
		return Board{}, err
	}
	tasks, err := queryTasks(ctx, q, `
		SELECT `+prefixed("t", taskColumnList)+`
		FROM tasks t JOIN sections s ON s.id = t.section_id
		WHERE s.board_id=$1
		ORDER BY s.position, t.position
	`, boardID)
	if err != nil {
		return Board{}, err
	}
	bySection := make(map[string][]Task, len(sections))
	for _, task := range tasks {
		bySection[task.SectionID] = append(bySection[task.SectionID], task)
	}
	for i := range sections {
		sections[i].Tasks = bySection[sections[i].ID]
	}
	board.Sections = sections
	return board, nil
}

func listSections(ctx context.Context, q queryer, boardID string) ([]Section, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+sectionColumns+` FROM sections WHERE board_id=$1 ORDER BY position`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer rows.Close()
	items := make([]Section, 0)
	for rows.Next() {
		item, err := scanSection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ListSections(ctx context.Context, boardID string) ([]Section, error) {
	return listSections(ctx, s.db, boardID)
}

func (s *PostgresStore) IsBoardWatcher(ctx context.Context, boardID, userID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM board_watchers WHERE board_id=$1 AND user_id=$2)`, boardID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check board watcher: %w", err)
	}
	return ok, nil
}

// CreateBoard inserts the board owned by actorID together with its sections
// at dense positions. Empty sectionTitles falls back to DefaultSectionTitles.
func (s *PostgresStore) CreateBoard(ctx context.Context, actorID, id string, in BoardInput, sectionTitles []string) (Board, error) {
	if len(sectionTitles) == 0 {
		sectionTitles = DefaultSectionTitles
	}
	var board Board
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO boards (id, title, description, icon, visibility, owner_id)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, id, in.Title, in.Description, in.Icon, in.Visibility, actorID)
		if err != nil {
			return fmt.Errorf("insert board: %w", err)
		}
		for position, title := range sectionTitles {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO sections (id, board_id, title, position) VALUES ($1, $2, $3, $4)
			`, util.NewID("sec"), id, strings.TrimSpace(title), position); err != nil {
				return fmt.Errorf("insert section: %w", err)
			}
		}
		if err := reconcile(ctx, tx, id, relation{j: boardWatchers, ids: in.SharedWith}); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, actorID, "board.create", "board", id, map[string]any{"title": in.Title, "sections": len(sectionTitles)}); err != nil {
			return err
		}
		board, err = getBoardDetail(ctx, tx, id)
		return err
	})
	return board, err
}

func (s *PostgresStore) UpdateBoard(ctx context.Context, actorID, boardID string, in BoardInput) (Board, error) {
	var board Board
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE boards SET title=$2, description=$3, icon=$4, visibility=$5, v=v+1, updated_at=NOW()
			WHERE id=$1 AND ($6::bigint IS NULL OR v=$6)
		`, boardID, in.Title, in.Description, in.Icon, in.Visibility, nullVersion(in.Version))
		if err != nil {
			return fmt.Errorf("update board: %w", err)
		}
		if err := checkUpdated(ctx, tx, res, "boards", boardID); err != nil {
			return err
		}
		if err := reconcile(ctx, tx, boardID, relation{j: boardWatchers, ids: in.SharedWith}); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, actorID, "board.update", "board", boardID, nil); err != nil {
			return err
		}
		board, err = getBoardDetail(ctx, tx, boardID)
		return err
	})
	return board, err
}

// ShareBoard replaces the board's watcher set and reports which users were
// not watching before.
func (s *PostgresStore) ShareBoard(ctx context.Context, actorID, boardID string, userIDs []string) (Board, []string, error) {
	var board Board
	var added []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT id FROM boards WHERE id=$1 FOR UPDATE`, boardID); err != nil {
			return fmt.Errorf("lock board: %w", err)
		}
		before, err := listJunction(ctx, tx, boardWatchers, boardID)
		if err != nil {
			return err
		}
		existing := make(map[string]struct{}, len(before))
		for _, id := range before {
			existing[id] = struct{}{}
		}
		next := distinctIDs(userIDs)
		for _, id := range next {
			if _, ok := existing[id]; !ok {
				added = append(added, id)
			}
		}
		if err := replaceJunction(ctx, tx, boardWatchers, boardID, next); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE boards SET v=v+1, updated_at=NOW() WHERE id=$1`, boardID)
		if err != nil {
			return fmt.Errorf("touch board: %w", err)
		}
		if err := checkDeleted(res); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, actorID, "board.share", "board", boardID, map[string][]string{"sharedWith": next}); err != nil {
			return err
		}
		board, err = getBoardDetail(ctx, tx, boardID)
		return err
	})
	return board, added, err
}

func (s *PostgresStore) WatchBoard(ctx context.Context, boardID, userID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := addJunctionRow(ctx, tx, boardWatchers, boardID, userID); err != nil {
			return err
		}
		return insertAudit(ctx, tx, userID, "board.watch", "board", boardID, nil)
	})
}

func (s *PostgresStore) UnwatchBoard(ctx context.Context, boardID, userID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := removeJunctionRow(ctx, tx, boardWatchers, boardID, userID); err != nil {
			return err
		}
		return insertAudit(ctx, tx, userID, "board.unwatch", "board", boardID, nil)
	})
}

func (s *PostgresStore) DeleteBoard(ctx context.Context, actorID, boardID string) (Removed, error) {
	var removed Removed
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if _, err = tx.ExecContext(ctx, `SELECT id FROM boards WHERE id=$1 FOR UPDATE`, boardID); err != nil {
			return fmt.Errorf("lock board: %w", err)
		}
		if removed.SectionIDs, err = collectStrings(ctx, tx, `SELECT id FROM sections WHERE board_id=$1`, boardID); err != nil {
			return fmt.Errorf("list board sections: %w", err)
		}
		if removed.TaskIDs, err = collectStrings(ctx, tx, `
			SELECT t.id FROM tasks t JOIN sections s ON s.id = t.section_id WHERE s.board_id=$1
		`, boardID); err != nil {
			return fmt.Errorf("list board tasks: %w", err)
		}
		const boardTasks = `SELECT t.id FROM tasks t JOIN sections s ON s.id = t.section_id WHERE s.board_id=$1`
		if err := runCascade(ctx, tx, boardID,
			cascadeStep{"delete board task comments", `DELETE FROM task_comments WHERE task_id IN (` + boardTasks + `)`},
			cascadeStep{"delete board task documents", `DELETE FROM document_tasks WHERE task_id IN (` + boardTasks + `)`},
			cascadeStep{"delete board tasks", `DELETE FROM tasks WHERE section_id IN (SELECT id FROM sections WHERE board_id=$1)`},
			cascadeStep{"delete board sections", `DELETE FROM sections WHERE board_id=$1`},
			cascadeStep{"delete board watchers", `DELETE FROM board_watchers WHERE board_id=$1`},
		); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM boards WHERE id=$1`, boardID)
		if err != nil {
			return fmt.Errorf("delete board: %w", err)
		}
		if err := checkDeleted(res); err != nil {
			return err
		}
		return insertAudit(ctx, tx, actorID, "board.delete", "board", boardID, map[string]int{
			"sections": len(removed.SectionIDs),
			"tasks":    len(removed.TaskIDs),
		})
	})
	if err != nil {
		return Removed{}, err
	}
	return removed, nil
}

func (s *PostgresStore) GetSection(ctx context.Context, sectionID string) (Section, error) {
	return scanSection(s.db.QueryRowContext(ctx, `SELECT `+sectionColumns+` FROM sections WHERE id=$1`, sectionID))
}

// CreateSection appends a section at the end of the board.
func (s *PostgresStore) CreateSection(ctx context.Context, actorID, boardID, id, title string) (Section, error) {
	var section Section
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var locked string
		if err := tx.QueryRowContext(ctx, `SELECT id FROM boards WHERE id=$1 FOR UPDATE`, boardID).Scan(&locked); err != nil {
			return err
		}
		var position int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sections WHERE board_id=$1`, boardID).Scan(&position); err != nil {
			return fmt.Errorf("count sections: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sections (id, board_id, title, position) VALUES ($1, $2, $3, $4)
		`, id, boardID, strings.TrimSpace(title), position); err != nil {
			return fmt.Errorf("insert section: %w", err)
		}
		if err := insertAudit(ctx, tx, actorID, "section.create", "section", id, map[string]any{"boardId": boardID, "position": position}); err != nil {
			return err
		}
		var err error
		section, err = scanSection(tx.QueryRowContext(ctx, `SELECT `+sectionColumns+` FROM sections WHERE id=$1`, id))
		return err
	})
	return section, err
}

func (s *PostgresStore) RenameSection(ctx context.Context, actorID, sectionID, title string, version *int) (Section, error) {
	var section Section
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sections SET title=$2, v=v+1, updated_at=NOW()
			WHERE id=$1 AND ($3::bigint IS NULL OR v=$3)
		`, sectionID, strings.TrimSpace(title), nullVersion(version))
		if err != nil {
			return fmt.Errorf("rename section: %w", err)
		}
		if err := checkUpdated(ctx, tx, res, "sections", sectionID); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, actorID, "section.update", "section", sectionID, map[string]string{"title": title}); err != nil {
			return err
		}
		section, err = scanSection(tx.QueryRowContext(ctx, `SELECT `+sectionColumns+` FROM sections WHERE id=$1`, sectionID))
		return err
	})
	return section, err
}

// DeleteSection removes the section with its tasks and closes the position gap.
func (s *PostgresStore) DeleteSection(ctx context.Context, actorID, sectionID string) (Removed, error) {
	var removed Removed
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var boardID string
		if err := tx.QueryRowContext(ctx, `SELECT board_id FROM sections WHERE id=$1`, sectionID).Scan(&boardID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `SELECT id FROM boards WHERE id=$1 FOR UPDATE`, boardID); err != nil {
			return fmt.Errorf("lock board: %w", err)
		}
		var position int
		if err := tx.QueryRowContext(ctx, `SELECT position FROM sections WHERE id=$1`, sectionID).Scan(&position); err != nil {
			return err
		}
		var err error
		if removed.TaskIDs, err = collectStrings(ctx, tx, `SELECT id FROM tasks WHERE section_id=$1`, sectionID); err != nil {
			return fmt.Errorf("list section tasks: %w", err)
		}
		if err := runCascade(ctx, tx, sectionID,
			cascadeStep{"delete section task comments", `DELETE FROM task_comments WHERE task_id IN (SELECT id FROM tasks WHERE section_id=$1)`},
			cascadeStep{"delete section task documents", `DELETE FROM document_tasks WHERE task_id IN (SELECT id FROM tasks WHERE section_id=$1)`},
			cascadeStep{"delete section tasks", `DELETE FROM tasks WHERE section_id=$1`},
			cascadeStep{"delete section", `DELETE FROM sections WHERE id=$1`},
		); err != nil {
			return err
		}
		if err := compactSections(ctx, tx, boardID, position); err != nil {
			return err
		}
		removed.SectionIDs = []string{sectionID}
		return insertAudit(ctx, tx, actorID, "section.delete", "section", sectionID, map[string]any{"boardId": boardID, "position": position})
	})
	if err != nil {
		return Removed{}, err
	}
	return removed, nil
}
