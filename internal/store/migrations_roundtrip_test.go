package store

import (
	"context"
	"database/sql"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var relationTables = []string{
	"account_watchers", "board_watchers", "contact_opportunities",
	"document_accounts", "document_contacts", "document_leads",
	"document_opportunities", "document_invoices", "document_tasks",
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("CRM_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("CRM_TEST_DATABASE_URL is not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}

	applied, err := ApplyMigrations(ctx, db, migrationsDir())
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	files, _ := upMigrationFiles(migrationsDir())
	if len(applied) != len(files) {
		t.Fatalf("expected %d migrations applied, got %v", len(files), applied)
	}
	if again, err := ApplyMigrations(ctx, db, migrationsDir()); err != nil || len(again) != 0 {
		t.Fatalf("expected no pending migrations, got %v (err %v)", again, err)
	}

	for _, table := range relationTables {
		if !tableExists(t, ctx, db, table) {
			t.Errorf("expected relation table %s", table)
		}
	}

	// Compaction shifts section positions row by row, so uniqueness is only
	// checked at commit.
	var deferrable bool
	err = db.QueryRowContext(ctx, `
		SELECT condeferrable FROM pg_constraint
		WHERE conname = 'sections_board_position_key'
	`).Scan(&deferrable)
	if err != nil || !deferrable {
		t.Fatalf("expected a deferrable unique constraint on sections, got %v (err %v)", deferrable, err)
	}

	if err := applyDownMigrations(ctx, db); err != nil {
		t.Fatalf("apply down migrations: %v", err)
	}
	for _, table := range append([]string{"users", "crm_accounts", "tasks", "audit_events"}, relationTables...) {
		if tableExists(t, ctx, db, table) {
			t.Errorf("expected %s to be dropped", table)
		}
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}
	if _, err := ApplyMigrations(ctx, db, migrationsDir()); err != nil {
		t.Fatalf("re-apply migrations after down: %v", err)
	}
}

func tableExists(t *testing.T, ctx context.Context, db *sql.DB, table string) bool {
	t.Helper()
	var name sql.NullString
	if err := db.QueryRowContext(ctx, `SELECT to_regclass($1)::text`, table).Scan(&name); err != nil {
		t.Fatalf("look up %s: %v", table, err)
	}
	return name.Valid
}

// applyDownMigrations runs the down files newest first.
func applyDownMigrations(ctx context.Context, db *sql.DB) error {
	ups, err := upMigrationFiles(migrationsDir())
	if err != nil {
		return err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ups)))
	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		contents, err := os.ReadFile(down)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, string(contents)); err != nil {
			return err
		}
	}
	return nil
}
