package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-loop/internal/embedding"
	pb "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Reserved payload keys. Everything else in the payload is record metadata.
const (
	payloadID       = "_id"
	payloadDocument = "_document"
	payloadSeq      = "_seq"
)

// QdrantConfig holds connection settings for a Qdrant instance.
type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Client wraps gRPC connections to Qdrant's collections and points services.
type Client struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
}

// NewClient dials the Qdrant gRPC endpoint and returns a ready Client.
func NewClient(cfg QdrantConfig) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	return &Client{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
	}, nil
}

// EnsureCollection creates the named collection if it does not already exist.
func (c *Client) EnsureCollection(ctx context.Context, name string, dimension uint64) error {
	_, err := c.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name})
	if err == nil {
		return nil
	}
	_, err = c.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     dimension,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

// IndexSequence adds the integer payload index that ordered scrolls need.
// Qdrant accepts a repeated request for an existing index.
func (c *Client) IndexSequence(ctx context.Context, name string) error {
	wait := true
	_, err := c.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
		CollectionName: name,
		Wait:           &wait,
		FieldName:      payloadSeq,
		FieldType:      pb.FieldType_FieldTypeInteger.Enum(),
	})
	if err != nil {
		return fmt.Errorf("index %s.%s: %w", name, payloadSeq, err)
	}
	return nil
}

// DropCollection deletes a collection and all its points.
func (c *Client) DropCollection(ctx context.Context, name string) error {
	_, err := c.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: name})
	if err != nil {
		return fmt.Errorf("drop collection %s: %w", name, err)
	}
	return nil
}

// Close tears down the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Qdrant is a Backend storing every collection in a Qdrant collection of
// the same name.
type Qdrant struct {
	client   *Client
	embedder embedding.Provider
	known    map[string]*qdrantCollection
	mu       sync.Mutex
	logger   *zap.Logger
}

// NewQdrant wraps a connected client.
func NewQdrant(client *Client, embedder embedding.Provider, logger *zap.Logger) *Qdrant {
	return &Qdrant{
		client:   client,
		embedder: embedder,
		known:    make(map[string]*qdrantCollection),
		logger:   logger,
	}
}

func (q *Qdrant) dimension() uint64 {
	dim := uint64(q.embedder.Dimension())
	if dim == 0 {
		dim = 1024
	}
	return dim
}

// Collection ensures the Qdrant collection exists and returns a handle.
func (q *Qdrant) Collection(ctx context.Context, name string) (Collection, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if c, ok := q.known[name]; ok {
		return c, nil
	}
	if err := q.ensure(ctx, name); err != nil {
		return nil, err
	}
	c := &qdrantCollection{name: name, q: q}
	q.known[name] = c
	return c, nil
}

func (q *Qdrant) ensure(ctx context.Context, name string) error {
	if err := q.client.EnsureCollection(ctx, name, q.dimension()); err != nil {
		return err
	}
	return q.client.IndexSequence(ctx, name)
}

// Wipe drops and recreates every collection opened through this backend.
func (q *Qdrant) Wipe(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for name := range q.known {
		if err := q.client.DropCollection(ctx, name); err != nil {
			return err
		}
		if err := q.ensure(ctx, name); err != nil {
			return err
		}
		q.logger.Info("qdrant collection wiped", zap.String("collection", name))
	}
	return nil
}

func (q *Qdrant) Close() error { return q.client.Close() }

type qdrantCollection struct {
	name string
	q    *Qdrant
}

func (c *qdrantCollection) Name() string { return c.name }

// pointID maps an arbitrary record id onto a stable UUID.
func (c *qdrantCollection) pointID(id string) *pb.PointId {
	u := uuid.NewSHA1(uuid.NameSpaceURL, []byte(c.name+"/"+id))
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: u.String()}}
}

func (c *qdrantCollection) Add(ctx context.Context, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	docs := make([]string, len(records))
	for i, r := range records {
		if r.ID == "" {
			return fmt.Errorf("add to %s: record %d has no id", c.name, i)
		}
		docs[i] = r.Document
	}
	vectors, err := c.q.embedder.Embed(ctx, docs)
	if err != nil {
		return fmt.Errorf("embed %s: %w", c.name, err)
	}
	if len(vectors) != len(records) {
		return fmt.Errorf("embed %s: got %d vectors for %d documents", c.name, len(vectors), len(records))
	}

	existing, err := c.fetch(ctx, GetOptions{IDs: recordIDs(records)})
	if err != nil {
		return err
	}
	seqs := make(map[string]int64, len(existing))
	for _, row := range existing {
		seqs[row.rec.ID] = row.seq
	}

	base := time.Now().UnixNano()
	points := make([]*pb.PointStruct, len(records))
	for i, r := range records {
		seq, ok := seqs[r.ID]
		if !ok {
			seq = base + int64(i)
		}
		payload := make(map[string]*pb.Value, len(r.Metadata)+3)
		for k, v := range r.Metadata {
			if v == nil {
				continue
			}
			payload[k] = toValue(v)
		}
		payload[payloadID] = toValue(r.ID)
		payload[payloadDocument] = toValue(r.Document)
		payload[payloadSeq] = toValue(seq)
		points[i] = &pb.PointStruct{
			Id:      c.pointID(r.ID),
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vectors[i]}}},
			Payload: payload,
		}
	}

	wait := true
	_, err = c.q.client.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: c.name,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", c.name, err)
	}
	return nil
}

func (c *qdrantCollection) Get(ctx context.Context, opts GetOptions) ([]Record, error) {
	rows, err := c.fetch(ctx, opts)
	if err != nil {
		return nil, err
	}
	out := make([]Record, len(rows))
	for i, row := range rows {
		out[i] = row.rec
	}
	return out, nil
}

type seqRecord struct {
	rec Record
	seq int64
}

// fetch returns matching records ordered by their insertion sequence.
func (c *qdrantCollection) fetch(ctx context.Context, opts GetOptions) ([]seqRecord, error) {
	var points []*pb.RetrievedPoint
	if len(opts.IDs) > 0 {
		ids := make([]*pb.PointId, len(opts.IDs))
		for i, id := range opts.IDs {
			ids[i] = c.pointID(id)
		}
		resp, err := c.q.client.points.Get(ctx, &pb.GetPoints{
			CollectionName: c.name,
			Ids:            ids,
			WithPayload:    withPayload(),
		})
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", c.name, err)
		}
		points = resp.Result
	} else if opts.Limit > 0 {
		var err error
		points, err = c.latest(ctx, opts.Where, opts.Limit)
		if err != nil {
			return nil, err
		}
	} else {
		var err error
		points, err = c.scroll(ctx, opts.Where)
		if err != nil {
			return nil, err
		}
	}

	rows := make([]seqRecord, 0, len(points))
	for _, p := range points {
		rec, seq := fromPayload(p.Payload)
		if !matches(rec.Metadata, opts.Where) {
			continue
		}
		rows = append(rows, seqRecord{rec: rec, seq: seq})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	if opts.Limit > 0 && len(rows) > opts.Limit {
		rows = rows[len(rows)-opts.Limit:]
	}
	return rows, nil
}

// latest returns the n points with the highest sequence, newest first.
func (c *qdrantCollection) latest(ctx context.Context, where Where, n int) ([]*pb.RetrievedPoint, error) {
	limit := uint32(n)
	resp, err := c.q.client.points.Scroll(ctx, &pb.ScrollPoints{
		CollectionName: c.name,
		Filter:         toFilter(where),
		Limit:          &limit,
		WithPayload:    withPayload(),
		OrderBy: &pb.OrderBy{
			Key:       payloadSeq,
			Direction: pb.Direction_Desc.Enum(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("scroll latest %s: %w", c.name, err)
	}
	return resp.Result, nil
}

// scroll pages through every point matching where.
func (c *qdrantCollection) scroll(ctx context.Context, where Where) ([]*pb.RetrievedPoint, error) {
	limit := uint32(256)
	var offset *pb.PointId
	var all []*pb.RetrievedPoint
	for {
		resp, err := c.q.client.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: c.name,
			Filter:         toFilter(where),
			Offset:         offset,
			Limit:          &limit,
			WithPayload:    withPayload(),
		})
		if err != nil {
			return nil, fmt.Errorf("scroll %s: %w", c.name, err)
		}
		all = append(all, resp.Result...)
		if resp.NextPageOffset == nil {
			return all, nil
		}
		offset = resp.NextPageOffset
	}
}

func (c *qdrantCollection) Query(ctx context.Context, text string, n int, where Where) ([]Record, error) {
	if n <= 0 {
		n = 10
	}
	vectors, err := c.q.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, nil
	}
	resp, err := c.q.client.points.Search(ctx, &pb.SearchPoints{
		CollectionName: c.name,
		Vector:         vectors[0],
		Filter:         toFilter(where),
		Limit:          uint64(n),
		WithPayload:    withPayload(),
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", c.name, err)
	}
	out := make([]Record, 0, len(resp.Result))
	for _, r := range resp.Result {
		rec, _ := fromPayload(r.Payload)
		rec.Distance = 1 - float64(r.Score)
		out = append(out, rec)
	}
	return out, nil
}

func (c *qdrantCollection) Update(ctx context.Context, rec Record) error {
	found, err := c.Get(ctx, GetOptions{IDs: []string{rec.ID}})
	if err != nil {
		return err
	}
	if len(found) == 0 {
		return fmt.Errorf("update %s/%s: %w", c.name, rec.ID, ErrNotFound)
	}
	existing := found[0]
	if rec.Document == "" {
		rec.Document = existing.Document
	}
	for k, v := range rec.Metadata {
		existing.Metadata[k] = v
	}
	rec.Metadata = existing.Metadata
	return c.Add(ctx, rec)
}

func (c *qdrantCollection) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pids := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pids[i] = c.pointID(id)
	}
	wait := true
	_, err := c.q.client.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: c.name,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{Points: &pb.PointsIdsList{Ids: pids}},
		},
	})
	if err != nil {
		return fmt.Errorf("delete from %s: %w", c.name, err)
	}
	return nil
}

func (c *qdrantCollection) Count(ctx context.Context, where Where) (int, error) {
	exact := true
	resp, err := c.q.client.points.Count(ctx, &pb.CountPoints{
		CollectionName: c.name,
		Filter:         toFilter(where),
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", c.name, err)
	}
	return int(resp.GetResult().GetCount()), nil
}

func withPayload() *pb.WithPayloadSelector {
	return &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}}
}

func toFilter(where Where) *pb.Filter {
	if len(where) == 0 {
		return nil
	}
	f := &pb.Filter{}
	for k, v := range where {
		var m *pb.Match
		switch x := v.(type) {
		case bool:
			m = &pb.Match{MatchValue: &pb.Match_Boolean{Boolean: x}}
		case int:
			m = &pb.Match{MatchValue: &pb.Match_Integer{Integer: int64(x)}}
		case int64:
			m = &pb.Match{MatchValue: &pb.Match_Integer{Integer: x}}
		default:
			m = &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: fmt.Sprint(x)}}
		}
		f.Must = append(f.Must, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{Key: k, Match: m}},
		})
	}
	return f
}

func toValue(v any) *pb.Value {
	switch x := v.(type) {
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: x}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: x}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(x)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: x}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: x}}
	case float32:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: float64(x)}}
	default:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(x)}}
	}
}

func fromValue(v *pb.Value) any {
	switch k := v.GetKind().(type) {
	case *pb.Value_StringValue:
		return k.StringValue
	case *pb.Value_IntegerValue:
		return k.IntegerValue
	case *pb.Value_DoubleValue:
		return k.DoubleValue
	case *pb.Value_BoolValue:
		return k.BoolValue
	default:
		return nil
	}
}

func fromPayload(payload map[string]*pb.Value) (Record, int64) {
	rec := Record{Metadata: make(map[string]any, len(payload))}
	var seq int64
	for k, v := range payload {
		switch k {
		case payloadID:
			rec.ID, _ = fromValue(v).(string)
		case payloadDocument:
			rec.Document, _ = fromValue(v).(string)
		case payloadSeq:
			seq = toInt64(fromValue(v))
		default:
			rec.Metadata[k] = fromValue(v)
		}
	}
	return rec, seq
}

func recordIDs(records []Record) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	default:
		return 0
	}
}
