package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"nextcrm/api/internal/util"
)

// newIntegrationStore resets the schema of CRM_TEST_DATABASE_URL and applies
// every migration. Tests using it are skipped when the variable is unset.
func newIntegrationStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("CRM_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("CRM_TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if _, err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db), ctx
}

func seedUser(t *testing.T, ctx context.Context, s *PostgresStore, name string, admin bool) User {
	t.Helper()
	user := User{
		ID:       util.NewID("usr"),
		Name:     name,
		Email:    strings.ToLower(name) + "@example.com",
		Status:   UserStatusActive,
		IsAdmin:  admin,
		Language: "en",
	}
	if err := s.CreateUser(ctx, user); err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return user
}

func ids(values ...string) *[]string {
	return &values
}

func countRows(t *testing.T, ctx context.Context, s *PostgresStore, query string, args ...any) int {
	t.Helper()
	var n int
	if err := s.DB().QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		t.Fatalf("count rows (%s): %v", query, err)
	}
	return n
}

func TestAccountWatchersScenario(t *testing.T) {
	s, ctx := newIntegrationStore(t)
	admin := seedUser(t, ctx, s, "Admin", true)
	u1 := seedUser(t, ctx, s, "Ursula", false)
	u2 := seedUser(t, ctx, s, "Victor", false)

	account, err := s.CreateAccount(ctx, admin.ID, util.NewID("acc"), AccountInput{
		Name: "Acme", Status: "Active", Type: "Customer", Watchers: ids(u1.ID, u2.ID),
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	watchers, err := s.ListAccountWatchers(ctx, account.ID)
	if err != nil {
		t.Fatalf("list watchers: %v", err)
	}
	if got := userIDs(watchers); !sameSet(got, []string{u1.ID, u2.ID}) {
		t.Fatalf("watchers = %v, want {u1,u2}", got)
	}

	if err := s.UnwatchAccount(ctx, account.ID, u1.ID); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	watchers, err = s.ListAccountWatchers(ctx, account.ID)
	if err != nil {
		t.Fatalf("list watchers: %v", err)
	}
	if got := userIDs(watchers); !reflect.DeepEqual(got, []string{u2.ID}) {
		t.Fatalf("watchers after unwatch = %v, want [u2]", got)
	}
}

func TestRelationSetSemantics(t *testing.T) {
	s, ctx := newIntegrationStore(t)
	admin := seedUser(t, ctx, s, "Admin", true)

	accountID := util.NewID("acc")
	if _, err := s.CreateAccount(ctx, admin.ID, accountID, AccountInput{Name: "Globex", Status: "Active", Type: "Customer"}); err != nil {
		t.Fatalf("create account: %v", err)
	}
	oppIDs := make([]string, 3)
	for i := range oppIDs {
		opp, err := s.CreateOpportunity(ctx, admin.ID, util.NewID("opp"), OpportunityInput{
			Name: "Deal", Stage: "PROSPECTING", Status: "ACTIVE", Currency: "USD", AccountID: accountID,
		})
		if err != nil {
			t.Fatalf("create opportunity: %v", err)
		}
		oppIDs[i] = opp.ID
	}
	a, b, c := oppIDs[0], oppIDs[1], oppIDs[2]

	contact, err := s.CreateContact(ctx, admin.ID, util.NewID("con"), ContactInput{
		LastName: "Doe", Status: "ACTIVE", OpportunityIDs: ids(a, b),
	})
	if err != nil {
		t.Fatalf("create contact: %v", err)
	}

	in := ContactInputFrom(contact)
	in.OpportunityIDs = ids(b, c, b)
	contact, err = s.UpdateContact(ctx, admin.ID, contact.ID, in)
	if err != nil {
		t.Fatalf("update contact: %v", err)
	}
	if !sameSet(contact.OpportunityIDs, []string{b, c}) {
		t.Fatalf("opportunities = %v, want {b,c}", contact.OpportunityIDs)
	}
	if n := countRows(t, ctx, s, `SELECT COUNT(*) FROM contact_opportunities WHERE contact_id=$1`, contact.ID); n != 2 {
		t.Fatalf("expected 2 junction rows, got %d", n)
	}

	in = ContactInputFrom(contact)
	in.FirstName = "Jane"
	contact, err = s.UpdateContact(ctx, admin.ID, contact.ID, in)
	if err != nil {
		t.Fatalf("update contact without relations: %v", err)
	}
	if !sameSet(contact.OpportunityIDs, []string{b, c}) {
		t.Fatalf("absent relation must be untouched, got %v", contact.OpportunityIDs)
	}

	in = ContactInputFrom(contact)
	in.OpportunityIDs = ids()
	contact, err = s.UpdateContact(ctx, admin.ID, contact.ID, in)
	if err != nil {
		t.Fatalf("clear relations: %v", err)
	}
	if len(contact.OpportunityIDs) != 0 {
		t.Fatalf("expected cleared relations, got %v", contact.OpportunityIDs)
	}
}

func TestVersionConflictRejectsStaleWrite(t *testing.T) {
	s, ctx := newIntegrationStore(t)
	admin := seedUser(t, ctx, s, "Admin", true)

	account, err := s.CreateAccount(ctx, admin.ID, util.NewID("acc"), AccountInput{Name: "Initech", Status: "Active", Type: "Customer"})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	stale := account.Version

	in := AccountInputFrom(account)
	in.Version = &stale
	in.Industry = "Software"
	updated, err := s.UpdateAccount(ctx, admin.ID, account.ID, in)
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	if updated.Version != stale+1 {
		t.Fatalf("expected version %d, got %d", stale+1, updated.Version)
	}

	in.Industry = "Hardware"
	if _, err := s.UpdateAccount(ctx, admin.ID, account.ID, in); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if _, err := s.UpdateAccount(ctx, admin.ID, "acc_missing", AccountInput{Name: "x", Status: "Active", Type: "Customer"}); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for missing account, got %v", err)
	}
}

func TestBoardSectionDeleteCompactsPositions(t *testing.T) {
	s, ctx := newIntegrationStore(t)
	owner := seedUser(t, ctx, s, "Owner", true)

	board, err := s.CreateBoard(ctx, owner.ID, util.NewID("brd"), BoardInput{Title: "Sprint1", Visibility: BoardPrivate}, nil)
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	if len(board.Sections) != 5 {
		t.Fatalf("expected 5 default sections, got %d", len(board.Sections))
	}

	removed := board.Sections[2]
	if _, err := s.DeleteSection(ctx, owner.ID, removed.ID); err != nil {
		t.Fatalf("delete section: %v", err)
	}

	sections, err := s.ListSections(ctx, board.ID)
	if err != nil {
		t.Fatalf("list sections: %v", err)
	}
	wantTitles := []string{"Backlog", "To do", "Review", "Done"}
	for i, section := range sections {
		if section.Position != i {
			t.Fatalf("section %q at position %d, want %d", section.Title, section.Position, i)
		}
		if section.Title != wantTitles[i] {
			t.Fatalf("section %d title = %q, want %q", i, section.Title, wantTitles[i])
		}
		if section.ID == removed.ID {
			t.Fatal("deleted section still listed")
		}
	}
	if len(sections) != 4 {
		t.Fatalf("expected 4 sections, got %d", len(sections))
	}
}

func TestTaskDeleteAndMoveKeepPositionsDense(t *testing.T) {
	s, ctx := newIntegrationStore(t)
	owner := seedUser(t, ctx, s, "Owner", true)
	board, err := s.CreateBoard(ctx, owner.ID, util.NewID("brd"), BoardInput{Title: "Ops", Visibility: BoardPublic}, []string{"Todo", "Done"})
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	todo, done := board.Sections[0].ID, board.Sections[1].ID

	taskIDs := make([]string, 3)
	for i := range taskIDs {
		task, err := s.CreateProjectTask(ctx, owner.ID, todo, util.NewID("tsk"), TaskInput{Title: "t", Priority: "normal", Status: TaskStatusActive})
		if err != nil {
			t.Fatalf("create task: %v", err)
		}
		if task.Position == nil || *task.Position != i {
			t.Fatalf("task %d appended at %v", i, task.Position)
		}
		taskIDs[i] = task.ID
	}

	moved, err := s.MoveTask(ctx, owner.ID, taskIDs[0], done, nil)
	if err != nil {
		t.Fatalf("move task: %v", err)
	}
	if moved.SectionID != done || *moved.Position != 0 {
		t.Fatalf("moved task = %+v", moved)
	}
	if err := s.DeleteTask(ctx, owner.ID, taskIDs[1]); err != nil {
		t.Fatalf("delete task: %v", err)
	}

	remaining, err := s.ListSectionTasks(ctx, todo)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != taskIDs[2] || *remaining[0].Position != 0 {
		t.Fatalf("unexpected remaining tasks: %+v", remaining)
	}
}

func TestBoardDeleteLeavesNoChildren(t *testing.T) {
	s, ctx := newIntegrationStore(t)
	owner := seedUser(t, ctx, s, "Owner", true)
	watcher := seedUser(t, ctx, s, "Watcher", false)

	board, err := s.CreateBoard(ctx, owner.ID, util.NewID("brd"), BoardInput{Title: "Launch", Visibility: BoardShared, SharedWith: ids(watcher.ID)}, nil)
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	task, err := s.CreateProjectTask(ctx, owner.ID, board.Sections[0].ID, util.NewID("tsk"), TaskInput{Title: "Ship", Priority: "high", Status: TaskStatusActive})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.CreateTaskComment(ctx, watcher.ID, task.ID, util.NewID("cmt"), "looks good"); err != nil {
		t.Fatalf("create comment: %v", err)
	}
	if _, err := s.CreateDocument(ctx, owner.ID, util.NewID("doc"), DocumentInput{Name: "spec.pdf", MimeType: "application/pdf", TaskIDs: ids(task.ID)}); err != nil {
		t.Fatalf("create document: %v", err)
	}

	removed, err := s.DeleteBoard(ctx, owner.ID, board.ID)
	if err != nil {
		t.Fatalf("delete board: %v", err)
	}
	if len(removed.TaskIDs) != 1 || len(removed.SectionIDs) != 5 {
		t.Fatalf("unexpected removed report: %+v", removed)
	}

	checks := map[string]string{
		"sections":       `SELECT COUNT(*) FROM sections WHERE board_id=$1`,
		"board_watchers": `SELECT COUNT(*) FROM board_watchers WHERE board_id=$1`,
		"tasks":          `SELECT COUNT(*) FROM tasks WHERE id='` + task.ID + `' AND $1 <> ''`,
		"task_comments":  `SELECT COUNT(*) FROM task_comments WHERE task_id='` + task.ID + `' AND $1 <> ''`,
		"document_tasks": `SELECT COUNT(*) FROM document_tasks WHERE task_id='` + task.ID + `' AND $1 <> ''`,
	}
	for table, query := range checks {
		if n := countRows(t, ctx, s, query, board.ID); n != 0 {
			t.Fatalf("%s still has %d rows", table, n)
		}
	}
	if n := countRows(t, ctx, s, `SELECT COUNT(*) FROM documents`); n != 1 {
		t.Fatalf("document itself must survive, got %d", n)
	}
}

func TestLeadCompanyFindsOrCreatesAccount(t *testing.T) {
	s, ctx := newIntegrationStore(t)
	admin := seedUser(t, ctx, s, "Admin", true)

	first, created, err := s.CreateLead(ctx, admin.ID, util.NewID("led"), LeadInput{LastName: "Smith", Company: "NewCo", Status: "NEW"})
	if err != nil {
		t.Fatalf("create lead: %v", err)
	}
	if created == "" || first.AccountID != created {
		t.Fatalf("expected a new account linked to the lead, got created=%q account=%q", created, first.AccountID)
	}
	account, err := s.GetAccount(ctx, created)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.Name != "NewCo" || account.Status != "Inactive" || account.Type != "Prospect" {
		t.Fatalf("unexpected auto-created account: %+v", account)
	}

	second, createdAgain, err := s.CreateLead(ctx, admin.ID, util.NewID("led"), LeadInput{LastName: "Jones", Company: "newco", Status: "NEW"})
	if err != nil {
		t.Fatalf("create second lead: %v", err)
	}
	if createdAgain != "" || second.AccountID != first.AccountID {
		t.Fatalf("expected account reuse, got created=%q account=%q", createdAgain, second.AccountID)
	}
	if n := countRows(t, ctx, s, `SELECT COUNT(*) FROM crm_accounts WHERE LOWER(name)=$1`, "newco"); n != 1 {
		t.Fatalf("expected exactly one NewCo account, got %d", n)
	}
}

func TestDeleteContactDetachesRelations(t *testing.T) {
	s, ctx := newIntegrationStore(t)
	admin := seedUser(t, ctx, s, "Admin", true)

	var opps []string
	for i := 0; i < 2; i++ {
		opp, err := s.CreateOpportunity(ctx, admin.ID, util.NewID("opp"), OpportunityInput{Name: "Deal", Stage: "PROPOSAL", Status: "ACTIVE", Currency: "EUR"})
		if err != nil {
			t.Fatalf("create opportunity: %v", err)
		}
		opps = append(opps, opp.ID)
	}
	contact, err := s.CreateContact(ctx, admin.ID, util.NewID("con"), ContactInput{LastName: "Roe", Status: "ACTIVE", OpportunityIDs: &opps})
	if err != nil {
		t.Fatalf("create contact: %v", err)
	}
	doc, err := s.CreateDocument(ctx, admin.ID, util.NewID("doc"), DocumentInput{Name: "nda.pdf", MimeType: "application/pdf", ContactIDs: ids(contact.ID)})
	if err != nil {
		t.Fatalf("create document: %v", err)
	}

	if err := s.DeleteContact(ctx, admin.ID, contact.ID); err != nil {
		t.Fatalf("delete contact: %v", err)
	}

	for _, id := range opps {
		opp, err := s.GetOpportunity(ctx, id)
		if err != nil {
			t.Fatalf("opportunity %s should survive: %v", id, err)
		}
		if len(opp.ContactIDs) != 0 {
			t.Fatalf("opportunity still lists contacts: %v", opp.ContactIDs)
		}
	}
	doc, err = s.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("document should survive: %v", err)
	}
	if len(doc.ContactIDs) != 0 {
		t.Fatalf("document still lists contacts: %v", doc.ContactIDs)
	}
}

func TestDeleteAccountCascades(t *testing.T) {
	s, ctx := newIntegrationStore(t)
	admin := seedUser(t, ctx, s, "Admin", true)
	account, err := s.CreateAccount(ctx, admin.ID, util.NewID("acc"), AccountInput{Name: "Umbrella", Status: "Active", Type: "Customer", Watchers: ids(admin.ID)})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	contact, err := s.CreateContact(ctx, admin.ID, util.NewID("con"), ContactInput{LastName: "Wesker", Status: "ACTIVE", AccountID: account.ID})
	if err != nil {
		t.Fatalf("create contact: %v", err)
	}
	task, err := s.CreateAccountTask(ctx, admin.ID, account.ID, util.NewID("tsk"), TaskInput{Title: "Call", Priority: "normal", Status: TaskStatusActive})
	if err != nil {
		t.Fatalf("create crm task: %v", err)
	}
	if _, err := s.CreateTaskComment(ctx, admin.ID, task.ID, util.NewID("cmt"), "ring ring"); err != nil {
		t.Fatalf("create comment: %v", err)
	}
	if _, err := s.CreateInvoice(ctx, admin.ID, util.NewID("inv"), InvoiceInput{Number: "INV-1", Status: "NEW", Currency: "USD", StorageKey: "invoices/a.pdf", AccountID: account.ID, AssignedTo: admin.ID}); err != nil {
		t.Fatalf("create invoice: %v", err)
	}

	removed, err := s.DeleteAccount(ctx, admin.ID, account.ID)
	if err != nil {
		t.Fatalf("delete account: %v", err)
	}
	if !reflect.DeepEqual(removed.StorageKeys, []string{"invoices/a.pdf"}) {
		t.Fatalf("unexpected storage keys: %v", removed.StorageKeys)
	}
	if n := countRows(t, ctx, s, `SELECT COUNT(*) FROM tasks WHERE account_id=$1`, account.ID); n != 0 {
		t.Fatalf("crm tasks left: %d", n)
	}
	if n := countRows(t, ctx, s, `SELECT COUNT(*) FROM account_watchers WHERE account_id=$1`, account.ID); n != 0 {
		t.Fatalf("watchers left: %d", n)
	}
	got, err := s.GetContact(ctx, contact.ID)
	if err != nil {
		t.Fatalf("contact should survive: %v", err)
	}
	if got.AccountID != "" {
		t.Fatalf("contact still points at deleted account: %q", got.AccountID)
	}
}

func TestDeleteUserReassignsAndProtectsLastAdmin(t *testing.T) {
	s, ctx := newIntegrationStore(t)
	admin := seedUser(t, ctx, s, "Admin", true)
	member := seedUser(t, ctx, s, "Member", false)

	account, err := s.CreateAccount(ctx, member.ID, util.NewID("acc"), AccountInput{Name: "Stark", Status: "Active", Type: "Customer", AssignedTo: member.ID})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	board, err := s.CreateBoard(ctx, member.ID, util.NewID("brd"), BoardInput{Title: "Mine", Visibility: BoardPrivate}, []string{"Only"})
	if err != nil {
		t.Fatalf("create board: %v", err)
	}

	if err := s.DeleteUser(ctx, admin.ID, admin.ID); !errors.Is(err, ErrLastAdmin) {
		t.Fatalf("expected ErrLastAdmin, got %v", err)
	}
	if err := s.DeleteUser(ctx, admin.ID, member.ID); err != nil {
		t.Fatalf("delete member: %v", err)
	}

	account, err = s.GetAccount(ctx, account.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.AssignedTo != admin.ID || account.CreatedBy != "" {
		t.Fatalf("account not reassigned: %+v", account)
	}
	board, err = s.GetBoard(ctx, board.ID)
	if err != nil {
		t.Fatalf("get board: %v", err)
	}
	if board.OwnerID != admin.ID {
		t.Fatalf("board owner = %q, want %q", board.OwnerID, admin.ID)
	}
}

func userIDs(users []User) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.ID)
	}
	return out
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, v := range a {
		seen[v]++
	}
	for _, v := range b {
		seen[v]--
		if seen[v] < 0 {
			return false
		}
	}
	return true
}
