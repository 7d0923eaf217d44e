package search

import (
	"context"
	"errors"
	"strings"
	"testing"

	"nextcrm/api/internal/store"

	"go.uber.org/zap"
)

func TestScore(t *testing.T) {
	cases := []struct {
		name   string
		text   string
		values []string
		want   int
	}{
		{name: "exact", text: "acme", values: []string{"Acme"}, want: 10},
		{name: "prefix", text: "ac", values: []string{"Acme"}, want: 5},
		{name: "substring", text: "cm", values: []string{"Acme"}, want: 1},
		{name: "sum over fields", text: "acme", values: []string{"Acme", "acme corp", "info@acme.io"}, want: 16},
		{name: "no match", text: "zzz", values: []string{"Acme", ""}, want: 0},
		{name: "blank query", text: "  ", values: []string{"Acme"}, want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Score(tc.text, tc.values); got != tc.want {
				t.Fatalf("Score() = %d, want %d", got, tc.want)
			}
		})
	}
}

type fakeSearcher struct {
	healthy bool
	hits    map[Module][]Hit
	fail    map[Module]bool
	calls   []Module
}

func (f *fakeSearcher) Healthy() bool { return f.healthy }

func (f *fakeSearcher) SearchModule(_ context.Context, module Module, _ Query) ([]Hit, error) {
	if f.fail[module] {
		return nil, errors.New("module down")
	}
	out := make([]Hit, len(f.hits[module]))
	copy(out, f.hits[module])
	return out, nil
}

type fakeBoards struct {
	boards []store.Board
}

func (f fakeBoards) ListBoardsForUser(context.Context, string, bool) ([]store.Board, error) {
	return f.boards, nil
}

func hit(module Module, id, boardID string, fields ...string) Hit {
	return Hit{Module: module, ID: id, Title: id, boardID: boardID, fields: fields}
}

func TestSearchScoresAndMerges(t *testing.T) {
	pg := &fakeSearcher{healthy: true, hits: map[Module][]Hit{
		ModuleAccounts: {hit(ModuleAccounts, "acc_sub", "", "Big Acme Ltd"), hit(ModuleAccounts, "acc_exact", "", "Acme")},
		ModuleContacts: {hit(ModuleContacts, "con_prefix", "", "Acme Person")},
	}}
	svc := &Service{fallback: pg, logger: zap.NewNop()}

	resp := svc.Search(context.Background(), Query{Text: "acme", Modules: []Module{ModuleAccounts, ModuleContacts}, IsAdmin: true, TopN: 2})

	accounts := resp.Results[ModuleAccounts]
	if len(accounts) != 2 || accounts[0].ID != "acc_exact" || accounts[0].Score != 10 {
		t.Fatalf("accounts not ranked by score: %+v", accounts)
	}
	if len(resp.Top) != 2 || resp.Top[0].ID != "acc_exact" || resp.Top[1].ID != "con_prefix" {
		t.Fatalf("unexpected top list %+v", resp.Top)
	}
}

func TestSearchFailingModuleYieldsEmpty(t *testing.T) {
	pg := &fakeSearcher{
		healthy: true,
		hits:    map[Module][]Hit{ModuleLeads: {hit(ModuleLeads, "led_1", "", "acme")}},
		fail:    map[Module]bool{ModuleAccounts: true},
	}
	svc := &Service{fallback: pg, logger: zap.NewNop()}

	resp := svc.Search(context.Background(), Query{Text: "acme", Modules: []Module{ModuleAccounts, ModuleLeads}})
	if got, ok := resp.Results[ModuleAccounts]; !ok || got == nil || len(got) != 0 {
		t.Fatalf("failed module should be present and empty, got %#v", got)
	}
	if len(resp.Results[ModuleLeads]) != 1 {
		t.Fatalf("other modules unaffected, got %+v", resp.Results)
	}
}

func TestSearchUsersAdminOnly(t *testing.T) {
	pg := &fakeSearcher{healthy: true, hits: map[Module][]Hit{ModuleUsers: {hit(ModuleUsers, "usr_1", "", "ann")}}}
	svc := &Service{fallback: pg, logger: zap.NewNop()}

	resp := svc.Search(context.Background(), Query{Text: "ann", Modules: []Module{ModuleUsers}})
	if _, ok := resp.Results[ModuleUsers]; ok {
		t.Fatal("users module must not run for non-admins")
	}
	resp = svc.Search(context.Background(), Query{Text: "ann", IsAdmin: true})
	if len(resp.Results[ModuleUsers]) != 1 {
		t.Fatalf("admin should see users, got %+v", resp.Results)
	}
	if len(resp.Results) != len(AllModules) {
		t.Fatalf("empty module list means all modules, got %d", len(resp.Results))
	}
}

func TestSearchHidesInvisibleBoards(t *testing.T) {
	pg := &fakeSearcher{healthy: true, hits: map[Module][]Hit{
		ModuleProjects: {hit(ModuleProjects, "brd_pub", "brd_pub", "plan"), hit(ModuleProjects, "brd_priv", "brd_priv", "plan")},
		ModuleTasks:    {hit(ModuleTasks, "tsk_priv", "brd_priv", "plan"), hit(ModuleTasks, "tsk_crm", "", "plan")},
	}}
	svc := &Service{fallback: pg, boards: fakeBoards{boards: []store.Board{{ID: "brd_pub"}}}, logger: zap.NewNop()}

	resp := svc.Search(context.Background(), Query{Text: "plan", UserID: "usr_1", Modules: []Module{ModuleProjects, ModuleTasks}})
	if p := resp.Results[ModuleProjects]; len(p) != 1 || p[0].ID != "brd_pub" {
		t.Fatalf("expected only the visible board, got %+v", p)
	}
	if tk := resp.Results[ModuleTasks]; len(tk) != 1 || tk[0].ID != "tsk_crm" {
		t.Fatalf("expected only the crm task, got %+v", tk)
	}

	resp = svc.Search(context.Background(), Query{Text: "plan", IsAdmin: true, Modules: []Module{ModuleProjects}})
	if len(resp.Results[ModuleProjects]) != 2 {
		t.Fatal("admins see every board")
	}
}

func TestSearchFallsBackFromUnhealthyPrimary(t *testing.T) {
	primary := &fakeSearcher{healthy: true, fail: map[Module]bool{ModuleInvoices: true}}
	pg := &fakeSearcher{healthy: true, hits: map[Module][]Hit{ModuleInvoices: {hit(ModuleInvoices, "inv_1", "", "INV-1")}}}
	svc := &Service{primary: primary, fallback: pg, logger: zap.NewNop()}

	resp := svc.Search(context.Background(), Query{Text: "inv", Modules: []Module{ModuleInvoices}})
	if len(resp.Results[ModuleInvoices]) != 1 {
		t.Fatalf("expected postgres fallback hit, got %+v", resp.Results)
	}
}

func TestBuildModuleQuery(t *testing.T) {
	query, args := buildModuleQuery(modules[ModuleContacts], "50%_off", Query{Limit: 5, Offset: 10})
	for _, want := range []string{
		`c.first_name ILIKE $1 ESCAPE '\'`,
		" OR c.email ILIKE $1",
		"AND c.status = 'ACTIVE'",
		"LIMIT $2 OFFSET $3",
	} {
		if !strings.Contains(query, want) {
			t.Errorf("query missing %q:\n%s", want, query)
		}
	}
	if args[0] != `%50\%\_off%` || args[1] != 5 || args[2] != 10 {
		t.Fatalf("unexpected args %v", args)
	}
	if args[3] != "50%_off" || args[4] != `50\%\_off%` {
		t.Fatalf("unexpected ranking args %v", args[3:])
	}

	// Ranking happens before the page is cut.
	order := strings.Index(query, "ORDER BY (CASE WHEN lower(btrim(c.first_name)) = $4 THEN 10")
	limit := strings.Index(query, "LIMIT $2")
	if order < 0 || limit < order {
		t.Fatalf("expected score ordering ahead of LIMIT:\n%s", query)
	}
	for _, want := range []string{"LIKE $5 ESCAPE", "THEN 5", "THEN 1 ELSE 0 END", ") DESC, "} {
		if !strings.Contains(query, want) {
			t.Errorf("query missing %q:\n%s", want, query)
		}
	}

	query, _ = buildModuleQuery(modules[ModuleContacts], "x", Query{IncludeInactive: true})
	if strings.Contains(query, "status = 'ACTIVE'") {
		t.Fatal("includeInactive should drop the status filter")
	}
}

func TestParseModule(t *testing.T) {
	if m, ok := ParseModule(" Accounts "); !ok || m != ModuleAccounts {
		t.Fatalf("ParseModule accounts = %q, %v", m, ok)
	}
	if _, ok := ParseModule("spaces"); ok {
		t.Fatal("unknown module should be rejected")
	}
}

func TestDocumentToMap(t *testing.T) {
	doc := LeadDocument(store.Lead{ID: "led_1", FirstName: "Jo", Company: "NewCo", Status: "LOST"})
	m := doc.toMap(modules[ModuleLeads])
	if m["id"] != "led_1" || m["company"] != "NewCo" || m["active"] != false {
		t.Fatalf("unexpected index document %v", m)
	}
}
