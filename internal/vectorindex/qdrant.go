// Package vectorindex wraps the Qdrant gRPC client as the non-authoritative
// similarity index of the dual-store engine. All tenancy isolation is payload
// filtering inside one shared collection; every query carries the caller's
// scope as mandatory filter conditions.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var tracer = otel.Tracer("engrama.vectorindex.qdrant")

// Sentinel errors for the vector index.
var (
	// ErrInvalidConfig indicates invalid index configuration.
	ErrInvalidConfig = errors.New("invalid vector index config")

	// ErrConnectionFailed indicates the Qdrant client could not connect.
	ErrConnectionFailed = errors.New("qdrant connection failed")
)

// indexedPayloadFields are the payload keys that get keyword indexes so scope
// filtering stays cheap as the collection grows.
var indexedPayloadFields = []string{
	"tenant_id", "project_id", "user_id", "memory_type", "session_id",
}

// Config holds configuration for the Qdrant gRPC client.
type Config struct {
	// Host is the Qdrant server hostname or IP address.
	Host string

	// Port is the Qdrant gRPC port (6334, not the HTTP REST port).
	Port int

	// APIKey authenticates against Qdrant Cloud. Empty for local deployments.
	APIKey string

	// UseTLS enables TLS on the gRPC connection.
	UseTLS bool

	// Collection is the single shared collection all tenants write into.
	Collection string

	// VectorSize is the embedding dimensionality. Must match the encoder.
	VectorSize uint64

	// MaxRetries is the retry budget for transient failures. Default: 3.
	MaxRetries int

	// RetryBackoff is the initial backoff, doubled per retry. Default: 1s.
	RetryBackoff time.Duration

	// MaxMessageSize is the gRPC message size cap in bytes. Default: 50MB.
	MaxMessageSize int

	// CircuitBreakerThreshold is the failure count that opens the circuit.
	// Default: 5.
	CircuitBreakerThreshold int
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.Collection == "" {
		return fmt.Errorf("%w: collection required", ErrInvalidConfig)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return nil
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
}

// IsTransientError reports whether err is worth retrying: network timeouts
// and temporary unavailability, not invalid arguments or auth failures.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// Filter selects points by scope and optional narrowing fields. TenantID,
// ProjectID, and UserID must always be set by the caller; Type and SessionID
// narrow further when non-empty.
type Filter struct {
	TenantID  string
	ProjectID string
	UserID    string
	Type      string
	SessionID string
}

func (f Filter) conditions() []*qdrant.Condition {
	fields := []struct{ key, value string }{
		{"tenant_id", f.TenantID},
		{"project_id", f.ProjectID},
		{"user_id", f.UserID},
		{"memory_type", f.Type},
		{"session_id", f.SessionID},
	}
	conds := make([]*qdrant.Condition, 0, len(fields))
	for _, fc := range fields {
		if fc.value == "" {
			continue
		}
		conds = append(conds, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: fc.key,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: fc.value},
					},
				},
			},
		})
	}
	return conds
}

// Hit is one similarity result: a point id plus the index's raw score.
type Hit struct {
	ID    string
	Score float32
}

// Point is the vector-side projection of a memory fragment: the id, the
// scope fields filtering depends on, and the content that produced the
// vector. The metadata store holds everything else.
type Point struct {
	ID        string
	TenantID  string
	ProjectID string
	UserID    string
	Type      string
	SessionID string
	Content   string
	CreatedAt time.Time
}

// Index is the Qdrant-backed vector index.
type Index struct {
	client *qdrant.Client
	config Config

	circuitBreaker struct {
		failures int
		lastFail time.Time
		mu       sync.Mutex
	}
}

// NewIndex connects to Qdrant and verifies the connection with a health
// check. It does not create the collection; call EnsureCollection at startup.
func NewIndex(cfg Config) (*Index, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	idx := &Index{client: client, config: cfg}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrConnectionFailed, err)
	}

	return idx, nil
}

// Close closes the gRPC connection.
func (x *Index) Close() error {
	if x.client != nil {
		return x.client.Close()
	}
	return nil
}

// EnsureCollection creates the shared collection (cosine distance) if missing
// and declares keyword indexes on the scope payload fields. Idempotent; runs
// once at startup.
func (x *Index) EnsureCollection(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Index.EnsureCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", x.config.Collection))

	err := x.retryOperation(ctx, "ensure_collection", func() error {
		exists, err := x.client.CollectionExists(ctx, x.config.Collection)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		return x.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: x.config.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     x.config.VectorSize,
				Distance: qdrant.Distance_Cosine,
			}),
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("ensuring collection %s: %w", x.config.Collection, err)
	}

	for _, field := range indexedPayloadFields {
		err := x.retryOperation(ctx, "create_field_index", func() error {
			_, err := x.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: x.config.Collection,
				FieldName:      field,
				FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
			})
			return err
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("indexing payload field %s: %w", field, err)
		}
	}

	span.SetStatus(codes.Ok, "ready")
	return nil
}

// Upsert writes a fragment's vector and minimal search payload. The payload
// carries only what filtering and debugging need; the metadata store remains
// the authoritative record. Used for both first writes and content updates.
func (x *Index) Upsert(ctx context.Context, p Point, vector []float32) error {
	ctx, span := tracer.Start(ctx, "Index.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("fragment_id", p.ID))

	payload := map[string]*qdrant.Value{
		"tenant_id":   {Kind: &qdrant.Value_StringValue{StringValue: p.TenantID}},
		"project_id":  {Kind: &qdrant.Value_StringValue{StringValue: p.ProjectID}},
		"user_id":     {Kind: &qdrant.Value_StringValue{StringValue: p.UserID}},
		"memory_type": {Kind: &qdrant.Value_StringValue{StringValue: p.Type}},
		"content":     {Kind: &qdrant.Value_StringValue{StringValue: p.Content}},
		"created_at":  {Kind: &qdrant.Value_StringValue{StringValue: p.CreatedAt.UTC().Format(time.RFC3339Nano)}},
	}
	if p.SessionID != "" {
		payload["session_id"] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: p.SessionID}}
	}

	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(p.ID),
		Vectors: qdrant.NewVectors(vector...),
		Payload: payload,
	}

	err := x.retryOperation(ctx, "upsert", func() error {
		_, err := x.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: x.config.Collection,
			Points:         []*qdrant.PointStruct{point},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting point %s: %w", p.ID, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Query runs similarity search restricted to the filter's scope and returns
// ids with raw scores. Hydration against the metadata store is the caller's
// job.
func (x *Index) Query(ctx context.Context, vector []float32, filter Filter, limit uint64) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "Index.Query")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", x.config.Collection),
		attribute.Int("limit", int(limit)),
	)

	var results []*qdrant.ScoredPoint
	err := x.retryOperation(ctx, "query", func() error {
		res, err := x.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: x.config.Collection,
			Query:          qdrant.NewQuery(vector...),
			Filter:         &qdrant.Filter{Must: filter.conditions()},
			Limit:          qdrant.PtrOf(limit),
		})
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", x.config.Collection, err)
	}

	hits := make([]Hit, 0, len(results))
	for _, p := range results {
		id := pointID(p.Id)
		if id == "" {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: p.Score})
	}

	span.SetAttributes(attribute.Int("hits", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

// Scroll enumerates point ids matching the filter, up to limit, paging
// through the collection. Used by list and history, which order from the
// metadata store after hydration.
func (x *Index) Scroll(ctx context.Context, filter Filter, limit uint32) ([]string, error) {
	ctx, span := tracer.Start(ctx, "Index.Scroll")
	defer span.End()
	span.SetAttributes(attribute.String("collection", x.config.Collection))

	ids := make([]string, 0, limit)
	var offset *qdrant.PointId
	for uint32(len(ids)) < limit {
		batch := limit - uint32(len(ids))

		var points []*qdrant.RetrievedPoint
		var next *qdrant.PointId
		err := x.retryOperation(ctx, "scroll", func() error {
			res, nextOffset, err := x.client.ScrollAndOffset(ctx, &qdrant.ScrollPoints{
				CollectionName: x.config.Collection,
				Filter:         &qdrant.Filter{Must: filter.conditions()},
				Offset:         offset,
				Limit:          qdrant.PtrOf(batch),
			})
			if err != nil {
				return err
			}
			points, next = res, nextOffset
			return nil
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("scrolling collection %s: %w", x.config.Collection, err)
		}
		if len(points) == 0 {
			break
		}
		for _, p := range points {
			if id := pointID(p.Id); id != "" {
				ids = append(ids, id)
			}
		}
		if next == nil {
			break
		}
		offset = next
	}

	span.SetAttributes(attribute.Int("ids", len(ids)))
	span.SetStatus(codes.Ok, "success")
	return ids, nil
}

// DeletePoints removes points by id. Deleting an absent id is not an error.
func (x *Index) DeletePoints(ctx context.Context, ids []string) error {
	ctx, span := tracer.Start(ctx, "Index.DeletePoints")
	defer span.End()
	span.SetAttributes(attribute.Int("id_count", len(ids)))

	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id)
	}

	err := x.retryOperation(ctx, "delete_points", func() error {
		_, err := x.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: x.config.Collection,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Points{
					Points: &qdrant.PointsIdsList{Ids: pointIDs},
				},
			},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting points: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// DeleteByScope removes every point belonging to a project via a filter
// selector. Invoked by channel teardown when a project or tenant is deleted.
func (x *Index) DeleteByScope(ctx context.Context, tenantID, projectID string) error {
	ctx, span := tracer.Start(ctx, "Index.DeleteByScope")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("project_id", projectID),
	)

	filter := Filter{TenantID: tenantID, ProjectID: projectID}
	err := x.retryOperation(ctx, "delete_by_scope", func() error {
		_, err := x.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: x.config.Collection,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
					Filter: &qdrant.Filter{Must: filter.conditions()},
				},
			},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting project %s points: %w", projectID, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

func pointID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	switch v := id.PointIdOptions.(type) {
	case *qdrant.PointId_Uuid:
		return v.Uuid
	case *qdrant.PointId_Num:
		return fmt.Sprintf("%d", v.Num)
	}
	return ""
}

// retryOperation retries an operation with exponential backoff, bounded by
// the circuit breaker.
func (x *Index) retryOperation(ctx context.Context, operationName string, operation func() error) error {
	backoff := x.config.RetryBackoff

	for attempt := 0; attempt <= x.config.MaxRetries; attempt++ {
		err := operation()
		if err == nil {
			x.resetCircuitBreaker()
			return nil
		}

		if x.isCircuitOpen() {
			return fmt.Errorf("%s: circuit breaker open", operationName)
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", operationName, err)
		}

		x.recordFailure()

		if attempt == x.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", operationName, x.config.MaxRetries, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", operationName, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

func (x *Index) recordFailure() {
	x.circuitBreaker.mu.Lock()
	defer x.circuitBreaker.mu.Unlock()
	x.circuitBreaker.failures++
	x.circuitBreaker.lastFail = time.Now()
}

func (x *Index) resetCircuitBreaker() {
	x.circuitBreaker.mu.Lock()
	defer x.circuitBreaker.mu.Unlock()
	x.circuitBreaker.failures = 0
}

func (x *Index) isCircuitOpen() bool {
	x.circuitBreaker.mu.Lock()
	defer x.circuitBreaker.mu.Unlock()

	if x.circuitBreaker.failures >= x.config.CircuitBreakerThreshold {
		if time.Since(x.circuitBreaker.lastFail) > 30*time.Second {
			x.circuitBreaker.failures = 0
			return false
		}
		return true
	}
	return false
}
