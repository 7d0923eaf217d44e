// Package rbac holds the authorization rules for CRM and project entities.
// Callers look the entity up first so that a missing entity is reported
// before a denied one.
package rbac

import "errors"

var (
	ErrNotAdmin   = errors.New("admin privileges required")
	ErrSelfDelete = errors.New("users cannot delete themselves")
	ErrLastAdmin  = errors.New("at least one admin must remain")
)

type Actor struct {
	UserID  string
	IsAdmin bool
}

type TaskRef struct {
	AssignedTo string
	CreatedBy  string
}

type BoardRef struct {
	OwnerID    string
	Visibility string
}

type CommentRef struct {
	AuthorID string
}

const visibilityPublic = "PUBLIC"

func CanAdmin(a Actor) bool {
	return a.UserID != "" && a.IsAdmin
}

// CanModifyTask allows the assignee, the creator, or an admin.
func CanModifyTask(a Actor, t TaskRef) bool {
	if a.UserID == "" {
		return false
	}
	if a.IsAdmin {
		return true
	}
	return a.UserID == t.AssignedTo || a.UserID == t.CreatedBy
}

func CanComment(a Actor, t TaskRef) bool {
	return CanModifyTask(a, t)
}

// CanDeleteComment allows the author, anyone who may modify the task, or an admin.
func CanDeleteComment(a Actor, t TaskRef, c CommentRef) bool {
	if a.UserID != "" && c.AuthorID == a.UserID {
		return true
	}
	return CanModifyTask(a, t)
}

// CanWatchAccount only needs an authenticated user.
func CanWatchAccount(a Actor) bool {
	return a.UserID != ""
}

// CanAccessBoard allows admins, the owner, watchers, and anyone on a public board.
func CanAccessBoard(a Actor, b BoardRef, isWatcher bool) bool {
	if a.UserID == "" {
		return false
	}
	if a.IsAdmin || a.UserID == b.OwnerID || isWatcher {
		return true
	}
	return b.Visibility == visibilityPublic
}

// CanManageBoard covers sharing and deletion.
func CanManageBoard(a Actor, b BoardRef) bool {
	if a.UserID == "" {
		return false
	}
	return a.IsAdmin || a.UserID == b.OwnerID
}

func CheckUserDeletion(a Actor, targetID string, targetIsAdmin bool, activeAdmins int) error {
	if !CanAdmin(a) {
		return ErrNotAdmin
	}
	if a.UserID == targetID {
		return ErrSelfDelete
	}
	if targetIsAdmin && activeAdmins <= 1 {
		return ErrLastAdmin
	}
	return nil
}

// CheckAdminDemotion guards removal of the admin flag.
func CheckAdminDemotion(a Actor, targetIsAdmin, keepAdmin bool, activeAdmins int) error {
	if !CanAdmin(a) {
		return ErrNotAdmin
	}
	if targetIsAdmin && !keepAdmin && activeAdmins <= 1 {
		return ErrLastAdmin
	}
	return nil
}
