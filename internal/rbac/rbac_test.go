package rbac

import (
	"errors"
	"testing"
)

func TestCanModifyTask(t *testing.T) {
	task := TaskRef{AssignedTo: "usr_assignee", CreatedBy: "usr_creator"}
	cases := []struct {
		name  string
		actor Actor
		allow bool
	}{
		{name: "assignee", actor: Actor{UserID: "usr_assignee"}, allow: true},
		{name: "creator", actor: Actor{UserID: "usr_creator"}, allow: true},
		{name: "admin", actor: Actor{UserID: "usr_admin", IsAdmin: true}, allow: true},
		{name: "stranger", actor: Actor{UserID: "usr_other"}, allow: false},
		{name: "anonymous", actor: Actor{}, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanModifyTask(tc.actor, task); got != tc.allow {
				t.Fatalf("CanModifyTask(%+v) = %v, want %v", tc.actor, got, tc.allow)
			}
			if got := CanComment(tc.actor, task); got != tc.allow {
				t.Fatalf("CanComment(%+v) = %v, want %v", tc.actor, got, tc.allow)
			}
		})
	}
}

func TestCanModifyTaskUnassigned(t *testing.T) {
	if CanModifyTask(Actor{UserID: "usr_1"}, TaskRef{}) {
		t.Fatal("empty assignee must not match a real user")
	}
}

func TestCanDeleteComment(t *testing.T) {
	task := TaskRef{AssignedTo: "usr_assignee"}
	if !CanDeleteComment(Actor{UserID: "usr_author"}, task, CommentRef{AuthorID: "usr_author"}) {
		t.Fatal("author should delete own comment")
	}
	if !CanDeleteComment(Actor{UserID: "usr_assignee"}, task, CommentRef{AuthorID: "usr_author"}) {
		t.Fatal("assignee should moderate comments")
	}
	if CanDeleteComment(Actor{UserID: "usr_other"}, task, CommentRef{AuthorID: "usr_author"}) {
		t.Fatal("stranger must not delete comments")
	}
}

func TestCanAccessBoard(t *testing.T) {
	private := BoardRef{OwnerID: "usr_owner", Visibility: "PRIVATE"}
	public := BoardRef{OwnerID: "usr_owner", Visibility: "PUBLIC"}
	cases := []struct {
		name    string
		actor   Actor
		board   BoardRef
		watcher bool
		allow   bool
	}{
		{name: "owner", actor: Actor{UserID: "usr_owner"}, board: private, allow: true},
		{name: "admin", actor: Actor{UserID: "usr_admin", IsAdmin: true}, board: private, allow: true},
		{name: "watcher", actor: Actor{UserID: "usr_w"}, board: private, watcher: true, allow: true},
		{name: "public", actor: Actor{UserID: "usr_x"}, board: public, allow: true},
		{name: "outsider on private", actor: Actor{UserID: "usr_x"}, board: private, allow: false},
		{name: "anonymous on public", actor: Actor{}, board: public, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanAccessBoard(tc.actor, tc.board, tc.watcher); got != tc.allow {
				t.Fatalf("CanAccessBoard = %v, want %v", got, tc.allow)
			}
		})
	}
}

func TestCanManageBoard(t *testing.T) {
	board := BoardRef{OwnerID: "usr_owner", Visibility: "PUBLIC"}
	if !CanManageBoard(Actor{UserID: "usr_owner"}, board) {
		t.Fatal("owner should manage board")
	}
	if !CanManageBoard(Actor{UserID: "usr_admin", IsAdmin: true}, board) {
		t.Fatal("admin should manage board")
	}
	if CanManageBoard(Actor{UserID: "usr_w"}, board) {
		t.Fatal("public visibility does not grant management")
	}
}

func TestCanWatchAccount(t *testing.T) {
	if !CanWatchAccount(Actor{UserID: "usr_1"}) {
		t.Fatal("any signed-in user may watch")
	}
	if CanWatchAccount(Actor{}) {
		t.Fatal("anonymous must not watch")
	}
}

func TestCheckUserDeletion(t *testing.T) {
	admin := Actor{UserID: "usr_admin", IsAdmin: true}
	cases := []struct {
		name          string
		actor         Actor
		target        string
		targetIsAdmin bool
		admins        int
		want          error
	}{
		{name: "non admin", actor: Actor{UserID: "usr_1"}, target: "usr_2", admins: 2, want: ErrNotAdmin},
		{name: "self", actor: admin, target: "usr_admin", targetIsAdmin: true, admins: 2, want: ErrSelfDelete},
		{name: "last admin", actor: admin, target: "usr_other_admin", targetIsAdmin: true, admins: 1, want: ErrLastAdmin},
		{name: "other admin", actor: admin, target: "usr_other_admin", targetIsAdmin: true, admins: 2},
		{name: "regular user", actor: admin, target: "usr_2", admins: 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckUserDeletion(tc.actor, tc.target, tc.targetIsAdmin, tc.admins)
			if !errors.Is(err, tc.want) {
				t.Fatalf("CheckUserDeletion() = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestCheckAdminDemotion(t *testing.T) {
	admin := Actor{UserID: "usr_admin", IsAdmin: true}
	if err := CheckAdminDemotion(admin, true, false, 1); !errors.Is(err, ErrLastAdmin) {
		t.Fatalf("expected ErrLastAdmin, got %v", err)
	}
	if err := CheckAdminDemotion(admin, true, false, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := CheckAdminDemotion(Actor{UserID: "usr_1"}, false, true, 3); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
}
