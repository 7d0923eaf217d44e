package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgSearch matches case-insensitive substrings with ILIKE. It is the fallback
// whenever Meilisearch is absent or unhealthy.
type PgSearch struct {
	db *sql.DB
}

func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgSearch) Healthy() bool {
	return true
}

func (p *PgSearch) SearchModule(ctx context.Context, module Module, q Query) ([]Hit, error) {
	def, ok := modules[module]
	if !ok {
		return nil, fmt.Errorf("unknown search module %q", module)
	}
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return []Hit{}, nil
	}
	query, args := buildModuleQuery(def, text, q)
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", module, err)
	}
	defer rows.Close()
	return scanHits(def, rows)
}

// buildModuleQuery ORs an ILIKE over every field of the module. Rows are
// ranked in SQL with the same weights as Score so pagination follows
// relevance.
func buildModuleQuery(def moduleDef, text string, q Query) (string, []any) {
	conds := make([]string, 0, len(def.fields))
	scores := make([]string, 0, len(def.fields))
	for _, f := range def.fields {
		col := def.column(f)
		conds = append(conds, col+` ILIKE $1 ESCAPE '\'`)
		scores = append(scores, fmt.Sprintf(`CASE WHEN lower(btrim(%[1]s)) = $4 THEN 10 WHEN lower(btrim(%[1]s)) LIKE $5 ESCAPE '\' THEN 5 WHEN %[1]s ILIKE $1 ESCAPE '\' THEN 1 ELSE 0 END`, col))
	}
	where := "(" + strings.Join(conds, " OR ") + ")"
	if !q.IncludeInactive && def.active != "TRUE" {
		where += " AND " + def.active
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY (%s) DESC, %s LIMIT $2 OFFSET $3`,
		selectList(def), def.from, where, strings.Join(scores, " + "), def.idExpr)
	needle := strings.ToLower(text)
	return query, []any{"%" + escapeLike(text) + "%", q.limit(), q.offset(), needle, escapeLike(needle) + "%"}
}

func selectList(def moduleDef) string {
	boardID := def.boardID
	if boardID == "" {
		boardID = "''"
	}
	cols := []string{def.idExpr, def.status, boardID}
	for _, f := range def.fields {
		cols = append(cols, def.column(f))
	}
	return strings.Join(cols, ", ")
}

func scanHits(def moduleDef, rows *sql.Rows) ([]Hit, error) {
	hits := make([]Hit, 0)
	for rows.Next() {
		id, status, boardID, values, err := scanRow(def, rows)
		if err != nil {
			return nil, err
		}
		hits = append(hits, def.hit(id, status, boardID, values))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", def.module, err)
	}
	return hits, nil
}

func scanRow(def moduleDef, rows *sql.Rows) (string, string, string, map[string]string, error) {
	var id, status, boardID string
	raw := make([]string, len(def.fields))
	dest := []any{&id, &status, &boardID}
	for i := range raw {
		dest = append(dest, &raw[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return "", "", "", nil, fmt.Errorf("scan %s: %w", def.module, err)
	}
	values := make(map[string]string, len(def.fields))
	for i, f := range def.fields {
		values[f] = raw[i]
	}
	return id, status, boardID, values, nil
}

// LoadDocuments reads every row of a module for a full reindex.
func (p *PgSearch) LoadDocuments(ctx context.Context, module Module) ([]Document, error) {
	def, ok := modules[module]
	if !ok {
		return nil, fmt.Errorf("unknown search module %q", module)
	}
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s`, selectList(def), def.from))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", module, err)
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		id, status, boardID, values, err := scanRow(def, rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, Document{ID: id, Status: status, BoardID: boardID, Fields: values})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", module, err)
	}
	return docs, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
