// Package notify turns domain events into emails. Sends happen one per
// recipient so a single bad address does not block the others.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"nextcrm/api/internal/email"
	"nextcrm/api/internal/store"

	"go.uber.org/zap"
)

type Kind string

const (
	TaskAssigned   Kind = "task_assigned"
	TaskComment    Kind = "task_comment"
	AccountUpdated Kind = "account_updated"
	BoardShared    Kind = "board_shared"
	RecordAssigned Kind = "record_assigned"
)

// Message is rendered once and sent to every recipient.
type Message struct {
	Kind        Kind
	Subject     string
	Heading     string
	Body        string
	Path        string
	ActionLabel string
}

// Mailer is satisfied by *email.Service.
type Mailer interface {
	IsConfigured() bool
	SendNotification(to, subject string, data email.NotificationData) error
	SendPasswordResetEmail(to, userName, resetURL string) error
}

type Notifier struct {
	mailer    Mailer
	logger    *zap.Logger
	publicURL string
}

func New(mailer Mailer, logger *zap.Logger, publicURL string) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{mailer: mailer, logger: logger, publicURL: strings.TrimRight(publicURL, "/")}
}

func (n *Notifier) enabled() bool {
	return n != nil && n.mailer != nil && n.mailer.IsConfigured()
}

// Notify sends msg to each recipient. Inactive users and users without an
// address are skipped. The joined error lists every failed send.
func (n *Notifier) Notify(ctx context.Context, recipients []store.User, msg Message) error {
	if !n.enabled() {
		n.logger.Debug("email disabled, notification skipped", zap.String("kind", string(msg.Kind)))
		return nil
	}
	var errs []error
	for _, user := range recipients {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if user.Email == "" || user.Status == store.UserStatusInactive {
			continue
		}
		data := email.NotificationData{
			UserName:    user.Name,
			Heading:     msg.Heading,
			Body:        msg.Body,
			ActionURL:   n.link(msg.Path),
			ActionLabel: msg.ActionLabel,
		}
		if err := n.mailer.SendNotification(user.Email, msg.Subject, data); err != nil {
			n.logger.Warn("notification send failed",
				zap.String("kind", string(msg.Kind)),
				zap.String("user_id", user.ID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("notify %s: %w", user.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) PasswordReset(ctx context.Context, user store.User, token string) error {
	if !n.enabled() {
		n.logger.Debug("email disabled, password reset email skipped", zap.String("user_id", user.ID))
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	resetURL := n.link("/reset-password?token=" + url.QueryEscape(token))
	return n.mailer.SendPasswordResetEmail(user.Email, user.Name, resetURL)
}

func (n *Notifier) link(path string) string {
	if path == "" {
		return ""
	}
	return n.publicURL + path
}

func TaskAssignedMessage(task store.Task, actorName string) Message {
	return Message{
		Kind:        TaskAssigned,
		Subject:     fmt.Sprintf("New task assigned: %s", task.Title),
		Heading:     "A task was assigned to you",
		Body:        fmt.Sprintf("%s assigned you the task %q.", actorName, task.Title),
		Path:        taskPath(task),
		ActionLabel: "View task",
	}
}

func TaskCommentMessage(task store.Task, actorName, comment string) Message {
	return Message{
		Kind:        TaskComment,
		Subject:     fmt.Sprintf("New comment on %s", task.Title),
		Heading:     "New comment",
		Body:        fmt.Sprintf("%s commented on %q: %s", actorName, task.Title, comment),
		Path:        taskPath(task),
		ActionLabel: "View task",
	}
}

func AccountUpdatedMessage(account store.Account, actorName string) Message {
	return Message{
		Kind:        AccountUpdated,
		Subject:     fmt.Sprintf("Account updated: %s", account.Name),
		Heading:     "An account you watch was updated",
		Body:        fmt.Sprintf("%s updated the account %q.", actorName, account.Name),
		Path:        "/crm/accounts/" + account.ID,
		ActionLabel: "View account",
	}
}

func BoardSharedMessage(board store.Board, actorName string) Message {
	return Message{
		Kind:        BoardShared,
		Subject:     fmt.Sprintf("%s shared a board with you", actorName),
		Heading:     "A board was shared with you",
		Body:        fmt.Sprintf("%s shared the board %q with you.", actorName, board.Title),
		Path:        "/projects/boards/" + board.ID,
		ActionLabel: "Open board",
	}
}

// RecordAssignedMessage covers CRM records handed to another user. entity is
// the URL segment, e.g. "contacts".
func RecordAssignedMessage(entity, id, label, actorName string) Message {
	return Message{
		Kind:        RecordAssigned,
		Subject:     fmt.Sprintf("%s assigned you %s", actorName, label),
		Heading:     "A record was assigned to you",
		Body:        fmt.Sprintf("%s assigned you %s.", actorName, label),
		Path:        "/crm/" + entity + "/" + id,
		ActionLabel: "View record",
	}
}

func taskPath(task store.Task) string {
	if task.Kind == store.TaskKindCRM && task.AccountID != "" {
		return "/crm/accounts/" + task.AccountID + "?task=" + task.ID
	}
	return "/projects/tasks/" + task.ID
}
