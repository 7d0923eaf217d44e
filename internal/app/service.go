package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"nextcrm/api/internal/ai"
	"nextcrm/api/internal/archive"
	"nextcrm/api/internal/auth"
	"nextcrm/api/internal/authpw"
	"nextcrm/api/internal/config"
	"nextcrm/api/internal/effects"
	"nextcrm/api/internal/export"
	"nextcrm/api/internal/metrics"
	"nextcrm/api/internal/notify"
	"nextcrm/api/internal/ratelimit"
	"nextcrm/api/internal/rbac"
	"nextcrm/api/internal/search"
	"nextcrm/api/internal/storage"
	"nextcrm/api/internal/store"
	"nextcrm/api/internal/util"

	"go.uber.org/zap"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	IsAdmin      bool
	JTI          string
	ExpiresAt    time.Time
}

func (s Session) Actor() rbac.Actor {
	return rbac.Actor{UserID: s.UserID, IsAdmin: s.IsAdmin}
}

type dataStore interface {
	Ping(ctx context.Context) error

	CountUsers(context.Context) (int, error)
	CountActiveAdmins(context.Context) (int, error)
	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUsersByIDs(context.Context, []string) ([]store.User, error)
	ListUsers(context.Context, store.ListOptions) ([]store.User, error)
	UpdateUserProfile(context.Context, string, store.ProfileInput) (store.User, error)
	UpdateUserPassword(context.Context, string, string) error
	SetUserStatus(context.Context, string, string, string) (store.User, error)
	SetUserAdmin(context.Context, string, string, bool, bool) (store.User, error)
	DeleteUser(context.Context, string, string) error
	CreatePasswordReset(context.Context, string, string, time.Time) error
	GetPasswordReset(context.Context, string) (string, error)
	MarkPasswordResetUsed(context.Context, string) error
	SetUserOpenAIKey(context.Context, string, string) error
	GetUserOpenAIKey(context.Context, string) (string, error)
	GetSystemSetting(context.Context, string) (string, error)
	SetSystemSetting(context.Context, string, string, string) error
	ListAuditEvents(context.Context, store.AuditFilter) ([]store.AuditEvent, error)

	ListAccounts(context.Context, store.ListOptions) ([]store.Account, error)
	GetAccount(context.Context, string) (store.Account, error)
	CreateAccount(context.Context, string, string, store.AccountInput) (store.Account, error)
	UpdateAccount(context.Context, string, string, store.AccountInput) (store.Account, error)
	DeleteAccount(context.Context, string, string) (store.Removed, error)
	WatchAccount(context.Context, string, string) error
	UnwatchAccount(context.Context, string, string) error
	ListAccountWatchers(context.Context, string) ([]store.User, error)
	ListAccountContacts(context.Context, string) ([]store.Contact, error)

	ListContacts(context.Context, store.ListOptions) ([]store.Contact, error)
	GetContact(context.Context, string) (store.Contact, error)
	CreateContact(context.Context, string, string, store.ContactInput) (store.Contact, error)
	UpdateContact(context.Context, string, string, store.ContactInput) (store.Contact, error)
	DeleteContact(context.Context, string, string) error

	ListLeads(context.Context, store.ListOptions) ([]store.Lead, error)
	GetLead(context.Context, string) (store.Lead, error)
	CreateLead(context.Context, string, string, store.LeadInput) (store.Lead, string, error)
	UpdateLead(context.Context, string, string, store.LeadInput) (store.Lead, string, error)
	DeleteLead(context.Context, string, string) error

	ListOpportunities(context.Context, store.ListOptions) ([]store.Opportunity, error)
	GetOpportunity(context.Context, string) (store.Opportunity, error)
	CreateOpportunity(context.Context, string, string, store.OpportunityInput) (store.Opportunity, error)
	UpdateOpportunity(context.Context, string, string, store.OpportunityInput) (store.Opportunity, error)
	DeleteOpportunity(context.Context, string, string) error

	ListDocuments(context.Context, store.ListOptions) ([]store.Document, error)
	GetDocument(context.Context, string) (store.Document, error)
	CreateDocument(context.Context, string, string, store.DocumentInput) (store.Document, error)
	UpdateDocument(context.Context, string, string, store.DocumentInput) (store.Document, error)
	DeleteDocument(context.Context, string, string) (store.Removed, error)

	ListInvoices(context.Context, store.ListOptions) ([]store.Invoice, error)
	GetInvoice(context.Context, string) (store.Invoice, error)
	CreateInvoice(context.Context, string, string, store.InvoiceInput) (store.Invoice, error)
	UpdateInvoice(context.Context, string, string, store.InvoiceInput) (store.Invoice, error)
	SetInvoiceExportKey(context.Context, string, string, string) (string, error)
	DeleteInvoice(context.Context, string, string) (store.Removed, error)

	ListBoardsForUser(context.Context, string, bool) ([]store.Board, error)
	GetBoard(context.Context, string) (store.Board, error)
	GetBoardDetail(context.Context, string) (store.Board, error)
	IsBoardWatcher(context.Context, string, string) (bool, error)
	CreateBoard(context.Context, string, string, store.BoardInput, []string) (store.Board, error)
	UpdateBoard(context.Context, string, string, store.BoardInput) (store.Board, error)
	ShareBoard(context.Context, string, string, []string) (store.Board, []string, error)
	WatchBoard(context.Context, string, string) error
	UnwatchBoard(context.Context, string, string) error
	DeleteBoard(context.Context, string, string) (store.Removed, error)
	GetSection(context.Context, string) (store.Section, error)
	CreateSection(context.Context, string, string, string, string) (store.Section, error)
	RenameSection(context.Context, string, string, string, *int) (store.Section, error)
	DeleteSection(context.Context, string, string) (store.Removed, error)

	GetTaskParent(context.Context, string) (store.TaskParent, error)
	ListAccountTasks(context.Context, string) ([]store.Task, error)
	ListSectionTasks(context.Context, string) ([]store.Task, error)
	CreateProjectTask(context.Context, string, string, string, store.TaskInput) (store.Task, error)
	CreateAccountTask(context.Context, string, string, string, store.TaskInput) (store.Task, error)
	UpdateTask(context.Context, string, string, store.TaskInput) (store.Task, error)
	CompleteTask(context.Context, string, string) (store.Task, error)
	MoveTask(context.Context, string, string, string, *int) (store.Task, error)
	DeleteTask(context.Context, string, string) error
	ListTaskComments(context.Context, string) ([]store.TaskComment, error)
	GetTaskComment(context.Context, string) (store.TaskComment, error)
	CreateTaskComment(context.Context, string, string, string, string) (store.TaskComment, error)
	DeleteTaskComment(context.Context, string, string) error
}

// tokenStore keeps refresh sessions and the access-token deny list. Redis
// backs it when configured, Postgres otherwise.
type tokenStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type searchService interface {
	Search(ctx context.Context, q search.Query) search.Response
	Index(ctx context.Context, module search.Module, doc search.Document) error
	Remove(ctx context.Context, module search.Module, id string) error
}

type notifier interface {
	Notify(ctx context.Context, recipients []store.User, msg notify.Message) error
	PasswordReset(ctx context.Context, user store.User, token string) error
}

type objectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Remove(ctx context.Context, key string) error
	PresignGet(ctx context.Context, key, filename string, ttl time.Duration) (string, error)
}

type invoiceExporter interface {
	InvoiceXML(ctx context.Context, data export.InvoiceData) (*export.Result, error)
	InvoicePDF(ctx context.Context, data export.InvoiceData) (*export.Result, error)
}

type exportArchive interface {
	CommitExport(invoiceID string, data []byte, author, message string) (archive.Commit, error)
	History(invoiceID string, limit int) ([]archive.Commit, error)
	ReadExport(invoiceID, hash string) ([]byte, error)
}

type completer interface {
	Complete(ctx context.Context, key, model, prompt string) (*ai.Completion, error)
}

// Dependencies are the optional collaborators of the service. Nil members
// disable the features that need them.
type Dependencies struct {
	Tokens       tokenStore
	Search       *search.Service
	Notifier     *notify.Notifier
	Storage      *storage.Service
	Exporter     *export.Service
	Archive      *archive.Service
	AI           *ai.Client
	AILimiter    ratelimit.Limiter
	ResetLimiter ratelimit.Limiter
	Effects      *effects.Dispatcher
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
	MailEnabled  bool
}

type Service struct {
	cfg          config.Config
	store        dataStore
	tokens       tokenStore
	passwords    *authpw.Service
	search       searchService
	notifier     notifier
	objects      objectStore
	exporter     invoiceExporter
	archive      exportArchive
	ai           completer
	aiLimiter    ratelimit.Limiter
	resetLimiter ratelimit.Limiter
	effects      *effects.Dispatcher
	metrics      *metrics.Metrics
	logger       *zap.Logger
	mailEnabled  bool
	now          func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, deps Dependencies) *Service {
	return newService(cfg, dataStore, deps)
}

func newService(cfg config.Config, dataStore dataStore, deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		cfg:          cfg,
		store:        dataStore,
		tokens:       deps.Tokens,
		passwords:    authpw.NewService(dataStore),
		aiLimiter:    deps.AILimiter,
		resetLimiter: deps.ResetLimiter,
		effects:      deps.Effects,
		metrics:      deps.Metrics,
		logger:       logger,
		mailEnabled:  deps.MailEnabled,
		now:          time.Now,
	}
	if s.tokens == nil {
		if tokens, ok := dataStore.(tokenStore); ok {
			s.tokens = tokens
		}
	}
	if deps.Search != nil {
		s.search = deps.Search
	}
	if deps.Notifier != nil {
		s.notifier = deps.Notifier
	}
	if deps.Storage != nil {
		s.objects = deps.Storage
	}
	if deps.Exporter != nil {
		s.exporter = deps.Exporter
	}
	if deps.Archive != nil {
		s.archive = deps.Archive
	}
	if deps.AI != nil {
		s.ai = deps.AI
	}
	if s.effects == nil {
		s.effects = effects.NewDispatcher(logger, deps.Metrics, 0)
	}
	if s.aiLimiter == nil {
		s.aiLimiter = ratelimit.NewMemoryLimiter(cfg.AIRateLimit, cfg.RateWindow)
	}
	if s.resetLimiter == nil {
		s.resetLimiter = ratelimit.NewMemoryLimiter(cfg.ResetRateLimit, cfg.RateWindow)
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Wait blocks until every dispatched side effect has finished.
func (s *Service) Wait() {
	s.effects.Wait()
}

// afterCommit runs the queued side effects once the primary write is durable.
func (s *Service) afterCommit(ctx context.Context, q *effects.Queue) {
	if q.Len() == 0 {
		return
	}
	s.effects.Dispatch(ctx, q)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.NewClaims(user.ID, user.Name, user.IsAdmin, jti, expiresAt))
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.tokens.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Name,
		Email:        user.Email,
		IsAdmin:      user.IsAdmin,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.tokens.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	if user.Status != store.UserStatusActive {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		Email:     user.Email,
		IsAdmin:   user.IsAdmin,
		JTI:       claims.ID,
		ExpiresAt: claims.Expiry(),
	}, nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.tokens.LookupRefreshSession(ctx, tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	if user.Status != store.UserStatusActive {
		return Session{}, auth.ErrInvalidToken
	}
	if err := s.tokens.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.tokens.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.logger.Warn("revoke access token failed", zap.Error(err))
		}
	}
	if refreshToken != "" {
		if err := s.tokens.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn("revoke refresh session failed", zap.Error(err))
		}
	}
	return nil
}

// applyPatch decodes a partial JSON body over target, which the caller has
// already seeded from the stored record.
func applyPatch(patch json.RawMessage, target any) error {
	if len(patch) == 0 {
		return nil
	}
	if err := json.Unmarshal(patch, target); err != nil {
		return validationError(fmt.Sprintf("invalid JSON body: %v", err))
	}
	return nil
}

// missing reports sql.ErrNoRows as a 404 naming the entity.
func missing(entity string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return notFoundError(entity)
	}
	return err
}

func orNoRows(err error) error {
	if err == nil {
		return sql.ErrNoRows
	}
	return err
}

func oneOf(value string, allowed ...string) bool {
	for _, candidate := range allowed {
		if value == candidate {
			return true
		}
	}
	return false
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// usersToNotify loads the given users minus the actor.
func (s *Service) usersToNotify(ctx context.Context, actorID string, ids ...string) ([]store.User, error) {
	wanted := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && id != actorID {
			wanted = append(wanted, id)
		}
	}
	if len(wanted) == 0 {
		return nil, nil
	}
	return s.store.GetUsersByIDs(ctx, wanted)
}

// queueNotify schedules a notification whose recipients are resolved after commit.
func (s *Service) queueNotify(q *effects.Queue, name, actorID string, msg notify.Message, recipientIDs ...string) {
	if s.notifier == nil {
		return
	}
	q.Add(name, func(ctx context.Context) error {
		recipients, err := s.usersToNotify(ctx, actorID, recipientIDs...)
		if err != nil {
			return err
		}
		if len(recipients) == 0 {
			return nil
		}
		return s.notifier.Notify(ctx, recipients, msg)
	})
}

func (s *Service) queueIndex(q *effects.Queue, module search.Module, doc search.Document) {
	if s.search == nil {
		return
	}
	q.Add("search.index."+string(module), func(ctx context.Context) error {
		return s.search.Index(ctx, module, doc)
	})
}

func (s *Service) queueUnindex(q *effects.Queue, module search.Module, ids ...string) {
	if s.search == nil || len(ids) == 0 {
		return
	}
	q.Add("search.remove."+string(module), func(ctx context.Context) error {
		var errs []error
		for _, id := range ids {
			if err := s.search.Remove(ctx, module, id); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

func (s *Service) queueStorageCleanup(q *effects.Queue, keys ...string) {
	if s.objects == nil {
		return
	}
	for _, key := range keys {
		if key == "" {
			continue
		}
		q.Add("storage.remove", func(ctx context.Context) error {
			return s.objects.Remove(ctx, key)
		})
	}
}
