package search

import (
	"context"
	"sort"
	"sync"

	"nextcrm/api/internal/store"

	"go.uber.org/zap"
)

const defaultTopN = 10

// Searcher runs one module query.
type Searcher interface {
	SearchModule(ctx context.Context, module Module, q Query) ([]Hit, error)
	Healthy() bool
}

type indexer interface {
	IndexDocuments(ctx context.Context, module Module, docs []Document) error
	DeleteDocument(ctx context.Context, module Module, id string) error
}

type loader interface {
	LoadDocuments(ctx context.Context, module Module) ([]Document, error)
}

// BoardLister resolves which boards a non-admin may see in project and task
// results. *store.PostgresStore satisfies it.
type BoardLister interface {
	ListBoardsForUser(ctx context.Context, userID string, isAdmin bool) ([]store.Board, error)
}

// Service is the facade that tries Meilisearch first and falls back to Postgres.
type Service struct {
	primary  Searcher
	fallback Searcher
	index    indexer
	loader   loader
	boards   BoardLister
	logger   *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(m *Meili, pg *PgSearch, boards BoardLister, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{fallback: pg, loader: pg, boards: boards, logger: logger.Named("search")}
	if m != nil {
		s.primary = m
		s.index = m
	}
	return s
}

// Search queries every permitted module concurrently. A failing module
// contributes an empty list; the caller never sees the error.
func (s *Service) Search(ctx context.Context, q Query) Response {
	targets := s.permittedModules(q)
	resp := Response{Query: q.Text, Results: make(map[Module][]Hit, len(targets)), Top: []Hit{}}

	var visible map[string]bool
	if !q.IsAdmin && (contains(targets, ModuleProjects) || contains(targets, ModuleTasks)) {
		visible = s.visibleBoards(ctx, q.UserID)
	}

	results := make([][]Hit, len(targets))
	var wg sync.WaitGroup
	for i, module := range targets {
		wg.Add(1)
		go func(i int, module Module) {
			defer wg.Done()
			hits, err := s.searchModule(ctx, module, q)
			if err != nil {
				s.logger.Warn("search module failed", zap.String("module", string(module)), zap.Error(err))
				hits = []Hit{}
			}
			if visible != nil && (module == ModuleProjects || module == ModuleTasks) {
				hits = filterBoards(hits, visible)
			}
			for j := range hits {
				hits[j].Score = Score(q.Text, hits[j].fields)
			}
			sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })
			results[i] = hits
		}(i, module)
	}
	wg.Wait()

	var merged []Hit
	for i, module := range targets {
		resp.Results[module] = results[i]
		merged = append(merged, results[i]...)
	}
	sort.SliceStable(merged, func(a, b int) bool { return merged[a].Score > merged[b].Score })
	topN := q.TopN
	if topN <= 0 {
		topN = defaultTopN
	}
	if len(merged) > topN {
		merged = merged[:topN]
	}
	if merged != nil {
		resp.Top = merged
	}
	return resp
}

func (s *Service) permittedModules(q Query) []Module {
	requested := q.Modules
	if len(requested) == 0 {
		requested = AllModules
	}
	out := make([]Module, 0, len(requested))
	for _, m := range AllModules {
		if !contains(requested, m) {
			continue
		}
		if m == ModuleUsers && !q.IsAdmin {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (s *Service) searchModule(ctx context.Context, module Module, q Query) ([]Hit, error) {
	if s.primary != nil && s.primary.Healthy() {
		hits, err := s.primary.SearchModule(ctx, module, q)
		if err == nil {
			return hits, nil
		}
		s.logger.Warn("meilisearch error, falling back to postgres", zap.String("module", string(module)), zap.Error(err))
	}
	if s.fallback == nil {
		return []Hit{}, nil
	}
	return s.fallback.SearchModule(ctx, module, q)
}

func (s *Service) visibleBoards(ctx context.Context, userID string) map[string]bool {
	visible := map[string]bool{}
	if s.boards == nil || userID == "" {
		return visible
	}
	boards, err := s.boards.ListBoardsForUser(ctx, userID, false)
	if err != nil {
		s.logger.Warn("resolve visible boards", zap.Error(err))
		return visible
	}
	for _, b := range boards {
		visible[b.ID] = true
	}
	return visible
}

// filterBoards drops hits on boards the caller cannot see. CRM tasks carry no
// board and always pass.
func filterBoards(hits []Hit, visible map[string]bool) []Hit {
	out := hits[:0]
	for _, h := range hits {
		if h.boardID == "" || visible[h.boardID] {
			out = append(out, h)
		}
	}
	return out
}

// Index pushes one record into the module's index. It is a no-op without a
// healthy Meilisearch, since the Postgres fallback reads live tables.
func (s *Service) Index(ctx context.Context, module Module, doc Document) error {
	if s.index == nil || s.primary == nil || !s.primary.Healthy() {
		return nil
	}
	return s.index.IndexDocuments(ctx, module, []Document{doc})
}

func (s *Service) Remove(ctx context.Context, module Module, id string) error {
	if s.index == nil || s.primary == nil || !s.primary.Healthy() {
		return nil
	}
	return s.index.DeleteDocument(ctx, module, id)
}

// ReindexAllFromPG reindexes every module from PostgreSQL into Meilisearch.
// Called at startup.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.index == nil || s.primary == nil || !s.primary.Healthy() || s.loader == nil {
		return
	}
	for _, module := range AllModules {
		docs, err := s.loader.LoadDocuments(ctx, module)
		if err != nil {
			s.logger.Warn("reindex load failed", zap.String("module", string(module)), zap.Error(err))
			continue
		}
		if err := s.index.IndexDocuments(ctx, module, docs); err != nil {
			s.logger.Warn("reindex failed", zap.String("module", string(module)), zap.Error(err))
			continue
		}
		s.logger.Info("reindexed", zap.String("module", string(module)), zap.Int("count", len(docs)))
	}
}

func contains(list []Module, m Module) bool {
	for _, item := range list {
		if item == m {
			return true
		}
	}
	return false
}
