package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestExportHistoryLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	history, err := svc.History("inv_1", 10)
	if err != nil {
		t.Fatalf("History() on missing repo error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d", len(history))
	}

	first, err := svc.CommitExport("inv_1", []byte("<Invoice>v1</Invoice>"), "Avery Admin", "Export INV-1")
	if err != nil {
		t.Fatalf("CommitExport() error = %v", err)
	}
	if len(first.Hash) != 7 {
		t.Fatalf("expected short hash, got %q", first.Hash)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "inv_1", ".git")); err != nil {
		t.Fatalf("repo missing: %v", err)
	}

	if _, err := svc.CommitExport("inv_1", []byte("<Invoice>v2</Invoice>"), "Avery Admin", "Export INV-1 again"); err != nil {
		t.Fatalf("second CommitExport() error = %v", err)
	}

	history, err = svc.History("inv_1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(history))
	}
	if history[0].Message != "Export INV-1 again" || history[1].Hash != first.Hash {
		t.Fatalf("history should be newest first: %+v", history)
	}
	if history[0].Author != "Avery Admin" {
		t.Fatalf("unexpected author %q", history[0].Author)
	}

	data, err := svc.ReadExport("inv_1", first.Hash)
	if err != nil {
		t.Fatalf("ReadExport() error = %v", err)
	}
	if string(data) != "<Invoice>v1</Invoice>" {
		t.Fatalf("unexpected export content %q", data)
	}

	limited, err := svc.History("inv_1", 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("History(limit=1) = %d entries, %v", len(limited), err)
	}
}

func TestReadExportMissing(t *testing.T) {
	svc := New(t.TempDir())
	if _, err := svc.ReadExport("inv_none", "abc1234"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.CommitExport("inv_2", []byte("x"), "Ann", "Export"); err != nil {
		t.Fatalf("CommitExport() error = %v", err)
	}
	if _, err := svc.ReadExport("inv_2", "0000000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown hash, got %v", err)
	}
}

func TestConcurrentExportsAreSerialized(t *testing.T) {
	svc := New(t.TempDir())

	const writers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			payload := []byte(fmt.Sprintf("<Invoice>%02d</Invoice>", idx))
			if _, err := svc.CommitExport("inv_1", payload, "Avery", fmt.Sprintf("Export %02d", idx)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("CommitExport() concurrent error = %v", err)
	}

	history, err := svc.History("inv_1", 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != writers {
		t.Fatalf("expected %d commits, got %d", writers, len(history))
	}
}

func TestSanitizeEmail(t *testing.T) {
	cases := map[string]string{
		"Avery Admin": "Avery.Admin",
		"ann_lee-x":   "ann.lee.x",
		"!!!":         "user",
	}
	for in, want := range cases {
		if got := sanitizeEmail(in); got != want {
			t.Errorf("sanitizeEmail(%q) = %q, want %q", in, got, want)
		}
	}
}
