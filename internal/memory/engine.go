package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/engrama/internal/vectorindex"
)

var tracer = otel.Tracer("engrama.memory.engine")

// MetaStore is the authoritative fragment record the engine writes first and
// reads back for hydration.
type MetaStore interface {
	InsertFragment(ctx context.Context, f Fragment) error
	GetFragment(ctx context.Context, id string) (*Fragment, error)
	GetFragments(ctx context.Context, ids []string) ([]Fragment, error)
	UpdateFragment(ctx context.Context, id string, u Update, updatedAt time.Time) (bool, error)
	DeleteFragment(ctx context.Context, id string) (bool, error)
	IncrementHitCounts(ctx context.Context, ids []string) error
	UserStats(ctx context.Context, scope Scope) (*Stats, error)
}

// VectorIndex is the non-authoritative similarity index. Its answers are
// always re-checked against the metadata store before leaving the engine.
type VectorIndex interface {
	Upsert(ctx context.Context, p vectorindex.Point, vector []float32) error
	Query(ctx context.Context, vector []float32, f vectorindex.Filter, limit uint64) ([]vectorindex.Hit, error)
	Scroll(ctx context.Context, f vectorindex.Filter, limit uint32) ([]string, error)
	DeletePoints(ctx context.Context, ids []string) error
}

// Embedder turns text into vectors for the index.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Engine coordinates the metadata store, the vector index, and the embedder.
// Writes go metadata-first; a failed vector write is compensated by deleting
// the metadata row, so a fragment either exists in both stores or in neither
// (observably).
type Engine struct {
	meta     MetaStore
	index    VectorIndex
	embedder Embedder
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine wires the engine's three dependencies.
func NewEngine(meta MetaStore, index VectorIndex, embedder Embedder, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		meta:     meta,
		index:    index,
		embedder: embedder,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// AddParams carries the caller-supplied fields of a new fragment.
type AddParams struct {
	Type       Type
	Content    string
	Role       Role
	SessionID  string
	Tags       []string
	Importance float64
	Metadata   map[string]any
}

// Add stores a new fragment. The metadata row is written first; then the
// content is embedded and upserted into the vector index. If either of the
// later steps fails the metadata row is deleted again and the error is
// reported, so the caller never sees a half-written fragment.
func (e *Engine) Add(ctx context.Context, scope Scope, p AddParams) (*Fragment, error) {
	ctx, span := tracer.Start(ctx, "Engine.Add")
	defer span.End()
	span.SetAttributes(attribute.String("memory_type", string(p.Type)))

	now := e.now()
	f := Fragment{
		ID:         newID(),
		TenantID:   scope.TenantID,
		ProjectID:  scope.ProjectID,
		UserID:     scope.UserID,
		Type:       p.Type,
		Content:    p.Content,
		Role:       p.Role,
		SessionID:  p.SessionID,
		Tags:       p.Tags,
		Importance: p.Importance,
		Metadata:   p.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if f.Tags == nil {
		f.Tags = []string{}
	}

	if err := e.meta.InsertFragment(ctx, f); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("inserting fragment: %w", err)
	}

	vectors, err := e.embedder.EmbedDocuments(ctx, []string{f.Content})
	if err != nil {
		e.compensate(ctx, f.ID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	if err := e.index.Upsert(ctx, pointFor(f), vectors[0]); err != nil {
		e.compensate(ctx, f.ID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrVectorWriteFailed, err)
	}

	span.SetStatus(codes.Ok, "stored")
	return &f, nil
}

// AddMessage stores one conversational message as a session fragment.
func (e *Engine) AddMessage(ctx context.Context, scope Scope, sessionID string, role Role, content string, metadata map[string]any) (*Fragment, error) {
	return e.Add(ctx, scope, AddParams{
		Type:      TypeSession,
		Content:   content,
		Role:      role,
		SessionID: sessionID,
		Metadata:  metadata,
	})
}

// compensate undoes the metadata write after a failed vector step. It runs
// detached from the request context so a canceled request still cleans up.
func (e *Engine) compensate(ctx context.Context, id string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := e.meta.DeleteFragment(cleanupCtx, id); err != nil {
		e.logger.Error("compensating metadata delete failed; stores may diverge",
			zap.String("fragment_id", id), zap.Error(err))
	}
}

// Search embeds the query, asks the index for the scope's nearest fragments,
// and hydrates the hits from the metadata store. Index hits with no metadata
// row (orphans from interrupted deletes) are silently dropped. Hit counters
// are bumped best-effort after the results are assembled.
func (e *Engine) Search(ctx context.Context, scope Scope, query string, typeFilter Type, sessionID string, limit int) ([]ScoredFragment, error) {
	ctx, span := tracer.Start(ctx, "Engine.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("limit", limit))

	vector, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	filter := vectorindex.Filter{
		TenantID:  scope.TenantID,
		ProjectID: scope.ProjectID,
		UserID:    scope.UserID,
		Type:      string(typeFilter),
		SessionID: sessionID,
	}
	hits, err := e.index.Query(ctx, vector, filter, uint64(limit))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying index: %w", err)
	}

	fragments, err := e.hydrate(ctx, hitIDs(hits))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	results := make([]ScoredFragment, 0, len(hits))
	seen := make([]string, 0, len(hits))
	for _, h := range hits {
		f, ok := fragments[h.ID]
		if !ok {
			continue // orphaned index entry, dropped
		}
		results = append(results, ScoredFragment{Fragment: f, Score: h.Score})
		seen = append(seen, h.ID)
	}

	if len(seen) > 0 {
		if err := e.meta.IncrementHitCounts(ctx, seen); err != nil {
			e.logger.Warn("hit count update failed", zap.Error(err))
		}
	}

	span.SetAttributes(attribute.Int("results", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

// Get returns a fragment if it exists inside the caller's scope. Fragments
// outside the scope answer ErrNotFound, indistinguishable from absence.
func (e *Engine) Get(ctx context.Context, scope Scope, id string) (*Fragment, error) {
	f, err := e.meta.GetFragment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !inScope(*f, scope) {
		return nil, ErrNotFound
	}
	return f, nil
}

// Update applies a partial update to a fragment in the caller's scope. When
// the content changes the fragment is re-embedded and re-upserted so the
// index keeps matching what the metadata store says.
func (e *Engine) Update(ctx context.Context, scope Scope, id string, u Update) (*Fragment, error) {
	ctx, span := tracer.Start(ctx, "Engine.Update")
	defer span.End()
	span.SetAttributes(attribute.String("fragment_id", id))

	if _, err := e.Get(ctx, scope, id); err != nil {
		return nil, err
	}
	if u.Empty() {
		return e.Get(ctx, scope, id)
	}

	updated, err := e.meta.UpdateFragment(ctx, id, u, e.now())
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("updating fragment: %w", err)
	}
	if !updated {
		return nil, ErrNotFound
	}

	f, err := e.meta.GetFragment(ctx, id)
	if err != nil {
		return nil, err
	}

	if u.Content != nil {
		vectors, err := e.embedder.EmbedDocuments(ctx, []string{f.Content})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
		}
		if err := e.index.Upsert(ctx, pointFor(*f), vectors[0]); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("%w: %v", ErrVectorWriteFailed, err)
		}
	}

	span.SetStatus(codes.Ok, "updated")
	return f, nil
}

// Delete removes a fragment from the caller's scope. The metadata row goes
// first; a failed vector delete is logged but does not fail the operation,
// because the hydration rule makes the orphaned point invisible.
func (e *Engine) Delete(ctx context.Context, scope Scope, id string) error {
	ctx, span := tracer.Start(ctx, "Engine.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("fragment_id", id))

	if _, err := e.Get(ctx, scope, id); err != nil {
		return err
	}

	deleted, err := e.meta.DeleteFragment(ctx, id)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("deleting fragment: %w", err)
	}
	if !deleted {
		return ErrNotFound
	}

	if err := e.index.DeletePoints(ctx, []string{id}); err != nil {
		e.logger.Warn("vector delete failed; point orphaned until next sweep",
			zap.String("fragment_id", id), zap.Error(err))
	}

	span.SetStatus(codes.Ok, "deleted")
	return nil
}

// List enumerates the scope's fragments, newest first, optionally narrowed
// by type.
func (e *Engine) List(ctx context.Context, scope Scope, typeFilter Type, limit int) ([]Fragment, error) {
	filter := vectorindex.Filter{
		TenantID:  scope.TenantID,
		ProjectID: scope.ProjectID,
		UserID:    scope.UserID,
		Type:      string(typeFilter),
	}
	fragments, err := e.scrollHydrate(ctx, filter, limit)
	if err != nil {
		return nil, err
	}
	sort.Slice(fragments, func(i, j int) bool {
		if !fragments[i].CreatedAt.Equal(fragments[j].CreatedAt) {
			return fragments[i].CreatedAt.After(fragments[j].CreatedAt)
		}
		return fragments[i].ID < fragments[j].ID
	})
	if len(fragments) > limit {
		fragments = fragments[:limit]
	}
	return fragments, nil
}

// History returns a session's messages in chronological order.
func (e *Engine) History(ctx context.Context, scope Scope, sessionID string, limit int) ([]Fragment, error) {
	filter := vectorindex.Filter{
		TenantID:  scope.TenantID,
		ProjectID: scope.ProjectID,
		UserID:    scope.UserID,
		Type:      string(TypeSession),
		SessionID: sessionID,
	}
	fragments, err := e.scrollHydrate(ctx, filter, limit)
	if err != nil {
		return nil, err
	}
	sort.Slice(fragments, func(i, j int) bool {
		if !fragments[i].CreatedAt.Equal(fragments[j].CreatedAt) {
			return fragments[i].CreatedAt.Before(fragments[j].CreatedAt)
		}
		return fragments[i].ID < fragments[j].ID
	})
	if len(fragments) > limit {
		fragments = fragments[:limit]
	}
	return fragments, nil
}

// Stats summarizes the scope's fragments from the metadata store alone.
func (e *Engine) Stats(ctx context.Context, scope Scope) (*Stats, error) {
	return e.meta.UserStats(ctx, scope)
}

func (e *Engine) scrollHydrate(ctx context.Context, filter vectorindex.Filter, limit int) ([]Fragment, error) {
	ids, err := e.index.Scroll(ctx, filter, uint32(limit))
	if err != nil {
		return nil, fmt.Errorf("scrolling index: %w", err)
	}
	fragments, err := e.hydrate(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]Fragment, 0, len(fragments))
	for _, id := range ids {
		if f, ok := fragments[id]; ok {
			out = append(out, f)
		}
	}
	return out, nil
}

func (e *Engine) hydrate(ctx context.Context, ids []string) (map[string]Fragment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	fragments, err := e.meta.GetFragments(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("hydrating fragments: %w", err)
	}
	byID := make(map[string]Fragment, len(fragments))
	for _, f := range fragments {
		byID[f.ID] = f
	}
	if dropped := len(ids) - len(byID); dropped > 0 {
		e.logger.Debug("dropped orphaned index entries", zap.Int("count", dropped))
	}
	return byID, nil
}

func pointFor(f Fragment) vectorindex.Point {
	return vectorindex.Point{
		ID:        f.ID,
		TenantID:  f.TenantID,
		ProjectID: f.ProjectID,
		UserID:    f.UserID,
		Type:      string(f.Type),
		SessionID: f.SessionID,
		Content:   f.Content,
		CreatedAt: f.CreatedAt,
	}
}

func hitIDs(hits []vectorindex.Hit) []string {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	return ids
}

func inScope(f Fragment, scope Scope) bool {
	return f.TenantID == scope.TenantID &&
		f.ProjectID == scope.ProjectID &&
		f.UserID == scope.UserID
}

// newID generates a 32-char hex id, valid as a Qdrant point id.
func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
