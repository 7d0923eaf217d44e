package store

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"strings"
	"testing"
)

type recordedExec struct {
	query string
	args  []any
}

type fakeExecer struct {
	calls  []recordedExec
	failOn string
}

func (f *fakeExecer) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.calls = append(f.calls, recordedExec{query: query, args: args})
	if f.failOn != "" && strings.Contains(query, f.failOn) {
		return nil, errors.New("boom")
	}
	return driverResult(1), nil
}

type driverResult int64

func (r driverResult) LastInsertId() (int64, error) { return 0, nil }
func (r driverResult) RowsAffected() (int64, error) { return int64(r), nil }

func TestReplaceJunctionDeletesThenInsertsDistinctIDs(t *testing.T) {
	ex := &fakeExecer{}
	err := replaceJunction(context.Background(), ex, contactOpportunities, "con_1", []string{"opp_b", "opp_c", "opp_b", " ", "opp_c"})
	if err != nil {
		t.Fatalf("replaceJunction: %v", err)
	}
	if len(ex.calls) != 2 {
		t.Fatalf("expected delete + insert, got %d calls", len(ex.calls))
	}
	if ex.calls[0].query != `DELETE FROM contact_opportunities WHERE contact_id=$1` {
		t.Fatalf("unexpected delete query: %s", ex.calls[0].query)
	}
	wantInsert := `INSERT INTO contact_opportunities (contact_id, opportunity_id) VALUES ($1, $2), ($1, $3) ON CONFLICT DO NOTHING`
	if ex.calls[1].query != wantInsert {
		t.Fatalf("unexpected insert query:\n got %s\nwant %s", ex.calls[1].query, wantInsert)
	}
	if !reflect.DeepEqual(ex.calls[1].args, []any{"con_1", "opp_b", "opp_c"}) {
		t.Fatalf("unexpected insert args: %v", ex.calls[1].args)
	}
}

func TestReplaceJunctionEmptySetOnlyClears(t *testing.T) {
	ex := &fakeExecer{}
	if err := replaceJunction(context.Background(), ex, accountWatchers, "acc_1", []string{}); err != nil {
		t.Fatalf("replaceJunction: %v", err)
	}
	if len(ex.calls) != 1 || !strings.HasPrefix(ex.calls[0].query, "DELETE FROM account_watchers") {
		t.Fatalf("expected a single delete, got %+v", ex.calls)
	}
}

func TestReconcileSkipsAbsentRelations(t *testing.T) {
	ex := &fakeExecer{}
	docs := []string{"doc_1"}
	err := reconcile(context.Background(), ex, "opp_1",
		relation{j: contactOpportunities.reverse(), ids: nil},
		relation{j: documentOpportunities.reverse(), ids: &docs},
	)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	for _, call := range ex.calls {
		if strings.Contains(call.query, "contact_opportunities") {
			t.Fatalf("absent relation must not be touched: %s", call.query)
		}
	}
	if len(ex.calls) != 2 {
		t.Fatalf("expected delete + insert for documents, got %d", len(ex.calls))
	}
	if ex.calls[0].query != `DELETE FROM document_opportunities WHERE opportunity_id=$1` {
		t.Fatalf("reverse junction should key on opportunity_id: %s", ex.calls[0].query)
	}
}

func TestReconcileStopsOnFirstError(t *testing.T) {
	ex := &fakeExecer{failOn: "INSERT INTO account_watchers"}
	watchers := []string{"usr_1"}
	docs := []string{"doc_1"}
	err := reconcile(context.Background(), ex, "acc_1",
		relation{j: accountWatchers, ids: &watchers},
		relation{j: documentAccounts.reverse(), ids: &docs},
	)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, call := range ex.calls {
		if strings.Contains(call.query, "document_accounts") {
			t.Fatal("later relations must not run after a failure")
		}
	}
}

func TestJunctionReverse(t *testing.T) {
	got := documentTasks.reverse()
	want := junction{table: "document_tasks", ownerCol: "task_id", otherCol: "document_id"}
	if got != want {
		t.Fatalf("reverse = %+v, want %+v", got, want)
	}
	if got.reverse() != documentTasks {
		t.Fatal("reverse should round-trip")
	}
}

func TestDistinctIDs(t *testing.T) {
	cases := []struct {
		name string
		in   []string
		want []string
	}{
		{"nil", nil, []string{}},
		{"keeps order", []string{"b", "a"}, []string{"b", "a"}},
		{"drops blanks and duplicates", []string{"a", "", " a ", "b", "a"}, []string{"a", "b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := distinctIDs(tc.in); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("distinctIDs(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestCompactionStatements(t *testing.T) {
	ex := &fakeExecer{}
	if err := compactSections(context.Background(), ex, "brd_1", 2); err != nil {
		t.Fatalf("compactSections: %v", err)
	}
	if err := compactTasks(context.Background(), ex, "sec_1", 0); err != nil {
		t.Fatalf("compactTasks: %v", err)
	}
	if !strings.Contains(ex.calls[0].query, "position=position-1") || !strings.Contains(ex.calls[0].query, "position>$2") {
		t.Fatalf("unexpected section compaction: %s", ex.calls[0].query)
	}
	if !reflect.DeepEqual(ex.calls[0].args, []any{"brd_1", 2}) {
		t.Fatalf("unexpected args: %v", ex.calls[0].args)
	}
	if !strings.Contains(ex.calls[1].query, "UPDATE tasks") {
		t.Fatalf("unexpected task compaction: %s", ex.calls[1].query)
	}
}

func TestListOptionsNormalized(t *testing.T) {
	got := ListOptions{Limit: 0, Offset: -4}.normalized()
	if got.Limit != 100 || got.Offset != 0 {
		t.Fatalf("unexpected defaults: %+v", got)
	}
	got = ListOptions{Limit: 1000}.normalized()
	if got.Limit != 100 {
		t.Fatalf("oversized limit should fall back, got %d", got.Limit)
	}
}
