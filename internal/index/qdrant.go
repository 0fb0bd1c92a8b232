package index

import (
	"context"
	"crypto/tls"
	"fmt"
	"sort"
	"sync"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

const rebuildBatchSize = 100

// QdrantConfig holds connection settings for the Qdrant backend.
type QdrantConfig struct {
	Host       string
	Port       int
	Collection string
	APIKey     string // Qdrant Cloud API key (enables TLS automatically)
	UseTLS     bool   // explicitly enable TLS without an API key
	Dims       int
}

// apiKeyInterceptor adds the API key to outgoing request metadata.
func apiKeyInterceptor(apiKey string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", apiKey)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// Qdrant is an approximate HNSW-backed index over a Qdrant collection.
// Reads go through a collection alias; Rebuild populates a fresh physical
// collection off to the side and repoints the alias in a single atomic
// alias change, mirroring the flat backend's snapshot swap.
//
// Version bookkeeping is process-local: the versions map is seeded by
// Rebuild, so a cold-started process must run a full reindex (the ingestion
// pipeline does this) before Apply's staleness check is meaningful.
type Qdrant struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	alias       string
	dims        int

	mu         sync.Mutex
	versions   map[int64]int64
	generation int
}

// NewQdrant connects to Qdrant and ensures the aliased collection exists.
// Supports both local Qdrant (insecure) and Qdrant Cloud (TLS + API key).
func NewQdrant(ctx context.Context, cfg *QdrantConfig) (*Qdrant, error) {
	if cfg.Dims <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", cfg.Dims)
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	var opts []grpc.DialOption
	if cfg.UseTLS || cfg.APIKey != "" {
		creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS13})
		opts = append(opts, grpc.WithTransportCredentials(creds))
		if cfg.APIKey != "" {
			opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
		}
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	q := &Qdrant{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		alias:       cfg.Collection,
		dims:        cfg.Dims,
		versions:    make(map[int64]int64),
	}
	if err := q.ensureCollection(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

// Close closes the gRPC connection.
func (q *Qdrant) Close() error {
	return q.conn.Close()
}

func (q *Qdrant) collectionName(generation int) string {
	return fmt.Sprintf("%s_v%d", q.alias, generation)
}

// ensureCollection resolves the alias to its current physical collection,
// creating generation 1 when the alias does not exist yet.
func (q *Qdrant) ensureCollection(ctx context.Context) error {
	resp, err := q.collections.ListAliases(ctx, &pb.ListAliasesRequest{})
	if err != nil {
		return fmt.Errorf("failed to list aliases: %w", err)
	}
	for _, a := range resp.GetAliases() {
		if a.GetAliasName() != q.alias {
			continue
		}
		var gen int
		if _, err := fmt.Sscanf(a.GetCollectionName(), q.alias+"_v%d", &gen); err == nil {
			q.generation = gen
			return nil
		}
	}

	q.generation = 1
	if err := q.createCollection(ctx, q.collectionName(1)); err != nil {
		return err
	}
	_, err = q.collections.UpdateAliases(ctx, &pb.ChangeAliases{
		Actions: []*pb.AliasOperations{{
			Action: &pb.AliasOperations_CreateAlias{
				CreateAlias: &pb.CreateAlias{
					CollectionName: q.collectionName(1),
					AliasName:      q.alias,
				},
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to create alias: %w", err)
	}
	return nil
}

func (q *Qdrant) createCollection(ctx context.Context, name string) error {
	_, err := q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(q.dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
		HnswConfig: &pb.HnswConfigDiff{
			M:                 optionalUint64(16),
			EfConstruct:       optionalUint64(128),
			FullScanThreshold: optionalUint64(10000),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	return nil
}

func optionalUint64(v uint64) *uint64 {
	return &v
}

func (q *Qdrant) checkDims(vector []float32) error {
	if len(vector) != q.dims {
		return fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(vector), q.dims)
	}
	return nil
}

func pointStruct(e Entry) *pb.PointStruct {
	return &pb.PointStruct{
		Id: &pb.PointId{
			PointIdOptions: &pb.PointId_Num{Num: uint64(e.ProductID)},
		},
		Vectors: &pb.Vectors{
			VectorsOptions: &pb.Vectors_Vector{
				Vector: &pb.Vector{Data: e.Vector},
			},
		},
		Payload: map[string]*pb.Value{
			"product_id": {Kind: &pb.Value_IntegerValue{IntegerValue: e.ProductID}},
			"version":    {Kind: &pb.Value_IntegerValue{IntegerValue: e.Version}},
		},
	}
}

func (q *Qdrant) upsertPoint(ctx context.Context, collection string, e Entry) error {
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: collection,
		Points:         []*pb.PointStruct{pointStruct(e)},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert point %d: %w", e.ProductID, err)
	}
	return nil
}

// Upsert inserts or replaces the entry for productID, bumping its version.
func (q *Qdrant) Upsert(ctx context.Context, productID int64, vector []float32) (int64, error) {
	if err := q.checkDims(vector); err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	version := q.versions[productID] + 1
	if err := q.upsertPoint(ctx, q.alias, Entry{ProductID: productID, Vector: vector, Version: version}); err != nil {
		return 0, err
	}
	q.versions[productID] = version
	return version, nil
}

// Apply performs a versioned upsert with last-write-wins semantics.
func (q *Qdrant) Apply(ctx context.Context, e Entry) error {
	if err := q.checkDims(e.Vector); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if cur, ok := q.versions[e.ProductID]; ok && e.Version <= cur {
		return fmt.Errorf("%w: product %d has version %d, incoming %d",
			ErrStaleVersion, e.ProductID, cur, e.Version)
	}
	if err := q.upsertPoint(ctx, q.alias, e); err != nil {
		return err
	}
	q.versions[e.ProductID] = e.Version
	return nil
}

// Remove deletes the point for productID if present.
func (q *Qdrant) Remove(ctx context.Context, productID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: q.alias,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{
					Ids: []*pb.PointId{
						{PointIdOptions: &pb.PointId_Num{Num: uint64(productID)}},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete point %d: %w", productID, err)
	}
	delete(q.versions, productID)
	return nil
}

// Query searches the aliased collection and re-sorts matches so that the
// deterministic ordering contract (similarity descending, ties by ascending
// product ID) holds regardless of server-side ordering.
func (q *Qdrant) Query(ctx context.Context, vector []float32, k int) ([]Match, error) {
	if err := q.checkDims(vector); err != nil {
		return nil, err
	}
	if q.Size() == 0 {
		return nil, ErrEmptyIndex
	}
	if k <= 0 {
		return []Match{}, nil
	}

	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: q.alias,
		Vector:         vector,
		Limit:          uint64(k),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	matches := make([]Match, 0, len(resp.GetResult()))
	for _, scored := range resp.GetResult() {
		m := Match{
			ProductID:  int64(scored.GetId().GetNum()),
			Similarity: scored.GetScore(),
		}
		if v, ok := scored.GetPayload()["version"]; ok {
			m.Version = v.GetIntegerValue()
		}
		matches = append(matches, m)
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ProductID < matches[j].ProductID
	})
	if k < len(matches) {
		matches = matches[:k]
	}
	return matches, nil
}

// Rebuild populates the next-generation collection and atomically repoints
// the alias to it, then drops the previous generation. Readers searching
// through the alias never see a partially filled collection.
func (q *Qdrant) Rebuild(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		if err := q.checkDims(e.Vector); err != nil {
			return fmt.Errorf("product %d: %w", e.ProductID, err)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	oldName := q.collectionName(q.generation)
	newName := q.collectionName(q.generation + 1)
	if err := q.createCollection(ctx, newName); err != nil {
		return err
	}

	for start := 0; start < len(entries); start += rebuildBatchSize {
		end := start + rebuildBatchSize
		if end > len(entries) {
			end = len(entries)
		}
		points := make([]*pb.PointStruct, 0, end-start)
		for _, e := range entries[start:end] {
			points = append(points, pointStruct(e))
		}
		if _, err := q.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: newName,
			Points:         points,
		}); err != nil {
			return fmt.Errorf("failed to upsert rebuild batch: %w", err)
		}
	}

	// Single request: qdrant applies alias changes atomically.
	_, err := q.collections.UpdateAliases(ctx, &pb.ChangeAliases{
		Actions: []*pb.AliasOperations{
			{
				Action: &pb.AliasOperations_DeleteAlias{
					DeleteAlias: &pb.DeleteAlias{AliasName: q.alias},
				},
			},
			{
				Action: &pb.AliasOperations_CreateAlias{
					CreateAlias: &pb.CreateAlias{
						CollectionName: newName,
						AliasName:      q.alias,
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to switch alias: %w", err)
	}
	q.generation++

	versions := make(map[int64]int64, len(entries))
	for _, e := range entries {
		versions[e.ProductID] = e.Version
	}
	q.versions = versions

	if _, err := q.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: oldName}); err != nil {
		// The alias already points at the new generation; the stale
		// collection only wastes space until it is dropped by hand.
		return fmt.Errorf("failed to drop previous collection %s: %w", oldName, err)
	}
	return nil
}

// Size returns the process-local entry count.
func (q *Qdrant) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.versions)
}
