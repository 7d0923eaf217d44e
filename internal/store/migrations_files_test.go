package store

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"testing"
)

var (
	migrationName = regexp.MustCompile(`^(\d{4})_[a-z0-9_]+\.(up|down)\.sql$`)
	createTable   = regexp.MustCompile(`(?i)CREATE TABLE IF NOT EXISTS\s+(\w+)`)
	dropTable     = regexp.MustCompile(`(?i)DROP TABLE IF EXISTS\s+(\w+)`)
)

func migrationsDir() string {
	return filepath.Join("..", "..", "db", "migrations")
}

func tableNames(t *testing.T, path string, pattern *regexp.Regexp) []string {
	t.Helper()
	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var names []string
	for _, match := range pattern.FindAllStringSubmatch(string(contents), -1) {
		names = append(names, strings.ToLower(match[1]))
	}
	sort.Strings(names)
	return names
}

// Every up file has a down twin that drops exactly the tables it created, and
// versions are numbered without gaps.
func TestMigrationPairsDropWhatTheyCreate(t *testing.T) {
	entries, err := os.ReadDir(migrationsDir())
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pairs := map[string]map[string]string{}
	for _, entry := range entries {
		match := migrationName.FindStringSubmatch(entry.Name())
		if entry.IsDir() || match == nil {
			t.Fatalf("unexpected file in migrations dir: %s", entry.Name())
		}
		if pairs[match[1]] == nil {
			pairs[match[1]] = map[string]string{}
		}
		pairs[match[1]][match[2]] = filepath.Join(migrationsDir(), entry.Name())
	}
	if len(pairs) == 0 {
		t.Fatal("no migrations discovered")
	}

	for i := 1; i <= len(pairs); i++ {
		version := fmt.Sprintf("%04d", i)
		pair, ok := pairs[version]
		if !ok {
			t.Fatalf("missing migration version %s", version)
		}
		if pair["up"] == "" || pair["down"] == "" {
			t.Fatalf("version %s must include both up and down files", version)
		}
		created := tableNames(t, pair["up"], createTable)
		dropped := tableNames(t, pair["down"], dropTable)
		if strings.Join(created, ",") != strings.Join(dropped, ",") {
			t.Errorf("version %s creates %v but drops %v", version, created, dropped)
		}
	}
}

func TestUpMigrationFilesAreSortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_b.up.sql", "0001_a.down.sql", "0001_a.up.sql", "README.md", "0010_c.up.sql"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "0003_dir.up.sql"), 0o755); err != nil {
		t.Fatal(err)
	}

	files, err := upMigrationFiles(dir)
	if err != nil {
		t.Fatalf("upMigrationFiles() error = %v", err)
	}
	var got []string
	for _, file := range files {
		got = append(got, filepath.Base(file))
	}
	want := []string{"0001_a.up.sql", "0002_b.up.sql", "0010_c.up.sql"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, got)
	}

	if _, err := upMigrationFiles(filepath.Join(dir, "missing")); err == nil {
		t.Fatal("expected an error for a missing directory")
	}
}
