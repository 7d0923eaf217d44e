package app

import (
	"context"
	"crypto/subtle"
	"strings"

	"nextcrm/api/internal/ai"
	"nextcrm/api/internal/authpw"
	"nextcrm/api/internal/effects"
	"nextcrm/api/internal/rbac"
	"nextcrm/api/internal/search"
	"nextcrm/api/internal/store"

	"go.uber.org/zap"
)

// ResetRequestedMessage is returned for every reset request so that the
// response never reveals whether an address is registered.
const ResetRequestedMessage = "If this email exists, a reset link has been sent"

var userStatuses = []string{store.UserStatusActive, store.UserStatusInactive, store.UserStatusPending}

// SignUpResult carries a session only for the bootstrap admin; everyone else
// waits for activation.
type SignUpResult struct {
	User    store.User
	Session *Session
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (SignUpResult, error) {
	resp, err := s.passwords.SignUp(ctx, req)
	if err != nil {
		return SignUpResult{}, err
	}
	q := &effects.Queue{}
	s.queueIndex(q, search.ModuleUsers, search.UserDocument(resp.User))
	s.afterCommit(ctx, q)

	result := SignUpResult{User: resp.User}
	if resp.FirstUser {
		session, err := s.issueSession(ctx, resp.User)
		if err != nil {
			return SignUpResult{}, err
		}
		result.Session = &session
	}
	return result, nil
}

func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (Session, store.User, error) {
	resp, err := s.passwords.SignIn(ctx, req)
	if err != nil {
		return Session{}, store.User{}, err
	}
	session, err := s.issueSession(ctx, resp.User)
	if err != nil {
		return Session{}, store.User{}, err
	}
	return session, resp.User, nil
}

func (s *Service) CurrentUser(ctx context.Context, session Session) (store.User, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	return user, missing("User", err)
}

// RequestPasswordReset answers the same way for known and unknown addresses.
// The returned token is only set in development when no mailer is configured.
func (s *Service) RequestPasswordReset(ctx context.Context, email, clientIP string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", fieldRequired("email")
	}
	decision, err := s.resetLimiter.Allow(ctx, email+"|"+clientIP)
	if err != nil {
		return "", err
	}
	if !decision.Allowed {
		s.metrics.RateLimited("password_reset")
		return "", rateLimitedError(decision.RetryAfter)
	}

	reset, err := s.passwords.RequestPasswordReset(ctx, email)
	if err != nil {
		return "", err
	}
	if reset == nil {
		return "", nil
	}
	if !s.mailEnabled && s.cfg.IsDevelopment() {
		s.logger.Info("password reset mail disabled; returning token", zap.String("user_id", reset.User.ID))
		return reset.Token, nil
	}
	if s.notifier != nil {
		q := &effects.Queue{}
		user, token := reset.User, reset.Token
		q.Add("notify.password_reset", func(ctx context.Context) error {
			return s.notifier.PasswordReset(ctx, user, token)
		})
		s.afterCommit(ctx, q)
	}
	return "", nil
}

func (s *Service) ResetPassword(ctx context.Context, req authpw.ResetPasswordRequest) error {
	return s.passwords.ResetPassword(ctx, req)
}

func (s *Service) ChangePassword(ctx context.Context, session Session, currentPassword, newPassword string) error {
	err := s.passwords.ChangePassword(ctx, session.UserID, currentPassword, newPassword)
	return missing("User", err)
}

func (s *Service) UpdateProfile(ctx context.Context, session Session, in store.ProfileInput) (store.User, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return store.User{}, fieldRequired("name")
	}
	in.Language = defaultString(in.Language, "en")
	user, err := s.store.UpdateUserProfile(ctx, session.UserID, in)
	if err != nil {
		return store.User{}, missing("User", err)
	}
	q := &effects.Queue{}
	s.queueIndex(q, search.ModuleUsers, search.UserDocument(user))
	s.afterCommit(ctx, q)
	return user, nil
}

// SetOpenAIKey stores the user's own key. An empty key removes it.
func (s *Service) SetOpenAIKey(ctx context.Context, session Session, key string) error {
	return s.store.SetUserOpenAIKey(ctx, session.UserID, strings.TrimSpace(key))
}

// Admin

func requireAdmin(session Session) error {
	if !rbac.CanAdmin(session.Actor()) {
		return forbiddenError()
	}
	return nil
}

func (s *Service) ListUsers(ctx context.Context, session Session, opts store.ListOptions) ([]store.User, error) {
	if err := requireAdmin(session); err != nil {
		return nil, err
	}
	return s.store.ListUsers(ctx, opts)
}

func (s *Service) SetUserStatus(ctx context.Context, session Session, userID, status string) (store.User, error) {
	target, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return store.User{}, missing("User", err)
	}
	status = strings.ToUpper(strings.TrimSpace(status))
	if !oneOf(status, userStatuses...) {
		return store.User{}, validationError("status is invalid", FieldError{Field: "status", Message: "must be one of " + strings.Join(userStatuses, ", ")})
	}
	activeAdmin := target.IsAdmin && target.Status == store.UserStatusActive
	admins, err := s.store.CountActiveAdmins(ctx)
	if err != nil {
		return store.User{}, err
	}
	if err := rbac.CheckAdminDemotion(session.Actor(), activeAdmin, status == store.UserStatusActive, admins); err != nil {
		return store.User{}, err
	}
	user, err := s.store.SetUserStatus(ctx, session.UserID, userID, status)
	if err != nil {
		return store.User{}, missing("User", err)
	}
	q := &effects.Queue{}
	s.queueIndex(q, search.ModuleUsers, search.UserDocument(user))
	s.afterCommit(ctx, q)
	return user, nil
}

type AdminFlags struct {
	IsAdmin        *bool `json:"isAdmin"`
	IsAccountAdmin *bool `json:"isAccountAdmin"`
}

func (s *Service) SetUserAdmin(ctx context.Context, session Session, userID string, flags AdminFlags) (store.User, error) {
	target, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return store.User{}, missing("User", err)
	}
	isAdmin, isAccountAdmin := target.IsAdmin, target.IsAccountAdmin
	if flags.IsAdmin != nil {
		isAdmin = *flags.IsAdmin
	}
	if flags.IsAccountAdmin != nil {
		isAccountAdmin = *flags.IsAccountAdmin
	}
	admins, err := s.store.CountActiveAdmins(ctx)
	if err != nil {
		return store.User{}, err
	}
	if err := rbac.CheckAdminDemotion(session.Actor(), target.IsAdmin && target.Status == store.UserStatusActive, isAdmin, admins); err != nil {
		return store.User{}, err
	}
	user, err := s.store.SetUserAdmin(ctx, session.UserID, userID, isAdmin, isAccountAdmin)
	if err != nil {
		return store.User{}, err
	}

	q := &effects.Queue{}
	s.queueIndex(q, search.ModuleUsers, search.UserDocument(user))
	s.afterCommit(ctx, q)
	return user, nil
}

// DeleteUser removes the user after handing their records to the acting admin.
func (s *Service) DeleteUser(ctx context.Context, session Session, userID string) error {
	target, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return missing("User", err)
	}
	admins, err := s.store.CountActiveAdmins(ctx)
	if err != nil {
		return err
	}
	if err := rbac.CheckUserDeletion(session.Actor(), userID, target.IsAdmin && target.Status == store.UserStatusActive, admins); err != nil {
		return err
	}
	if err := s.store.DeleteUser(ctx, session.UserID, userID); err != nil {
		return missing("User", err)
	}
	q := &effects.Queue{}
	s.queueUnindex(q, search.ModuleUsers, userID)
	s.afterCommit(ctx, q)
	return nil
}

func (s *Service) SetSystemOpenAIKey(ctx context.Context, session Session, key string) error {
	if err := requireAdmin(session); err != nil {
		return err
	}
	return s.store.SetSystemSetting(ctx, session.UserID, store.SettingOpenAIKey, strings.TrimSpace(key))
}

func (s *Service) ListAuditEvents(ctx context.Context, session Session, filter store.AuditFilter) ([]store.AuditEvent, error) {
	if err := requireAdmin(session); err != nil {
		return nil, err
	}
	return s.store.ListAuditEvents(ctx, filter)
}

// Search

type SearchRequest struct {
	Text            string
	Modules         []string
	Limit           int
	Offset          int
	IncludeInactive bool
	TopN            int
}

func (s *Service) Search(ctx context.Context, session Session, req SearchRequest) (search.Response, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return search.Response{}, fieldRequired("q")
	}
	q := search.Query{
		Text:            text,
		Limit:           req.Limit,
		Offset:          req.Offset,
		IncludeInactive: req.IncludeInactive,
		UserID:          session.UserID,
		IsAdmin:         session.IsAdmin,
		TopN:            req.TopN,
	}
	for _, raw := range req.Modules {
		module, ok := search.ParseModule(raw)
		if !ok {
			return search.Response{}, validationError("unknown search module", FieldError{Field: "modules", Message: raw + " is not searchable"})
		}
		q.Modules = append(q.Modules, module)
	}
	if s.search == nil {
		return search.Response{}, unavailableError("SEARCH_UNAVAILABLE", "Search is not configured")
	}
	return s.search.Search(ctx, q), nil
}

// AI

type CompletionResult struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	Tokens  int    `json:"tokens"`
	Source  string `json:"keySource"`
}

// Complete resolves the OpenAI key (user, then system, then environment) and
// forwards the prompt.
func (s *Service) Complete(ctx context.Context, session Session, prompt string) (CompletionResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return CompletionResult{}, fieldRequired("prompt")
	}
	if s.ai == nil {
		return CompletionResult{}, upstreamError(ai.ErrNotConfigured)
	}
	decision, err := s.aiLimiter.Allow(ctx, session.UserID)
	if err != nil {
		return CompletionResult{}, err
	}
	if !decision.Allowed {
		s.metrics.RateLimited("ai")
		return CompletionResult{}, rateLimitedError(decision.RetryAfter)
	}

	userKey, err := s.store.GetUserOpenAIKey(ctx, session.UserID)
	if err != nil {
		return CompletionResult{}, err
	}
	systemKey, err := s.store.GetSystemSetting(ctx, store.SettingOpenAIKey)
	if err != nil {
		return CompletionResult{}, err
	}
	key, source, err := ai.ResolveKey(userKey, systemKey, s.cfg.OpenAIKey)
	if err != nil {
		return CompletionResult{}, err
	}
	completion, err := s.ai.Complete(ctx, key, s.cfg.OpenAIModel, prompt)
	if err != nil {
		s.logger.Warn("ai completion failed", zap.String("key_source", source), zap.Error(err))
		return CompletionResult{}, err
	}
	return CompletionResult{Content: completion.Content, Model: completion.Model, Tokens: completion.Tokens, Source: source}, nil
}

// Webhooks

// webhookSession attributes records created by inbound forms. The empty user
// id is stored as a missing creator.
var webhookSession = Session{UserName: "Web form"}

func (s *Service) checkWebhookToken(token string) error {
	if s.cfg.WebhookToken == "" {
		return unavailableError("WEBHOOK_DISABLED", "Webhooks are not configured")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.WebhookToken)) != 1 {
		return unauthorizedError()
	}
	return nil
}

func (s *Service) CreateContactFromWebhook(ctx context.Context, token string, in store.ContactInput) (store.Contact, error) {
	if err := s.checkWebhookToken(token); err != nil {
		return store.Contact{}, err
	}
	return s.CreateContact(ctx, webhookSession, in)
}

func (s *Service) CreateLeadFromWebhook(ctx context.Context, token string, in store.LeadInput) (store.Lead, error) {
	if err := s.checkWebhookToken(token); err != nil {
		return store.Lead{}, err
	}
	if in.LeadSource == "" {
		in.LeadSource = "Web"
	}
	return s.CreateLead(ctx, webhookSession, in)
}
