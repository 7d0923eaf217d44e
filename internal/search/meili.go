package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const indexPrefix = "crm_"

func indexUID(m Module) string {
	return indexPrefix + string(m)
}

// Meili searches and maintains one Meilisearch index per module.
type Meili struct {
	client  meili.ServiceManager
	logger  *zap.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. An unreachable
// server is not fatal; the health loop keeps probing.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		logger: logger.Named("meili"),
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		m.logger.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	for _, module := range AllModules {
		def := modules[module]
		uid := indexUID(module)
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        uid,
			PrimaryKey: "id",
		}); err != nil {
			m.logger.Debug("create index (may already exist)", zap.String("index", uid), zap.Error(err))
		}

		index := m.client.Index(uid)
		filterable := []interface{}{"active", "boardId", "status"}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			m.logger.Warn("update filterable attributes", zap.String("index", uid), zap.Error(err))
		}
		searchable := append([]string(nil), def.fields...)
		if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
			m.logger.Warn("update searchable attributes", zap.String("index", uid), zap.Error(err))
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) SearchModule(ctx context.Context, module Module, q Query) ([]Hit, error) {
	if !m.healthy.Load() {
		return nil, errors.New("meilisearch unhealthy")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	def, ok := modules[module]
	if !ok {
		return nil, fmt.Errorf("unknown search module %q", module)
	}

	sr := &meili.SearchRequest{
		IndexUID: indexUID(module),
		Query:    strings.TrimSpace(q.Text),
		Limit:    int64(q.limit()),
		Offset:   int64(q.offset()),
	}
	if !q.IncludeInactive {
		sr.Filter = "active = true"
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch %s: %w", module, err)
	}

	hits := make([]Hit, 0)
	for _, result := range resp.Results {
		for _, raw := range result.Hits {
			values := make(map[string]string, len(def.fields))
			for _, f := range def.fields {
				values[f] = decodeString(raw, f)
			}
			hits = append(hits, def.hit(decodeString(raw, "id"), decodeString(raw, "status"), decodeString(raw, "boardId"), values))
		}
	}
	return hits, nil
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// IndexDocuments adds or replaces documents in the module's index.
func (m *Meili) IndexDocuments(_ context.Context, module Module, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	def, ok := modules[module]
	if !ok {
		return fmt.Errorf("unknown search module %q", module)
	}
	payload := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		payload = append(payload, d.toMap(def))
	}
	_, err := m.client.Index(indexUID(module)).AddDocuments(payload, nil)
	return err
}

func (m *Meili) DeleteDocument(_ context.Context, module Module, id string) error {
	_, err := m.client.Index(indexUID(module)).DeleteDocument(id, nil)
	return err
}
