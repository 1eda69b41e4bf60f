// Package pinecone adapts a serverless Pinecone index to the vector store contract
// using the official Go SDK.
package pinecone

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"

	"memoire/internal/models"
)

type Options struct {
	APIKey        string
	ControllerURL string
	Index         string
	Namespace     string
	TextKey       string
	Dimension     int
	Timeout       time.Duration
}

// dataPlane is the part of *pinecone.IndexConnection the store uses.
type dataPlane interface {
	UpsertVectors(ctx context.Context, in []*pinecone.Vector) (uint32, error)
	QueryByVectorValues(ctx context.Context, in *pinecone.QueryByVectorValuesRequest) (*pinecone.QueryVectorsResponse, error)
	Close() error
}

var _ dataPlane = (*pinecone.IndexConnection)(nil)

type describeFunc func(ctx context.Context, name string) (*pinecone.Index, error)

type connectFunc func(host string) (dataPlane, error)

// Client talks to one index's data plane after resolving its host.
type Client struct {
	conn      dataPlane
	textKey   string
	dimension int
	timeout   time.Duration
}

// Open describes the index and fails with ErrStoreUnavailable when it does not exist
// or its dimension differs from opts.Dimension.
func Open(ctx context.Context, opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, models.Wrap(models.ErrStoreUnavailable, "pinecone.open", errors.New("api key is empty"))
	}
	pc, err := pinecone.NewClient(pinecone.NewClientParams{
		ApiKey: opts.APIKey,
		Host:   opts.ControllerURL,
	})
	if err != nil {
		return nil, models.Wrap(models.ErrStoreUnavailable, "pinecone.open", err)
	}

	connect := func(host string) (dataPlane, error) {
		conn, err := pc.Index(pinecone.NewIndexConnParams{Host: host, Namespace: opts.Namespace})
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	return open(ctx, opts, pc.DescribeIndex, connect)
}

func open(ctx context.Context, opts Options, describe describeFunc, connect connectFunc) (*Client, error) {
	c := &Client{textKey: opts.TextKey, timeout: opts.Timeout}
	if c.textKey == "" {
		c.textKey = models.DefaultTextKey
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	desc, err := describe(ctx, opts.Index)
	if err != nil {
		return nil, models.Wrap(models.ErrStoreUnavailable, "pinecone.open", fmt.Errorf("describe index %q: %w", opts.Index, err))
	}
	dim := int(desc.Dimension)
	if opts.Dimension > 0 && dim != opts.Dimension {
		return nil, models.Wrap(models.ErrStoreUnavailable, "pinecone.open",
			fmt.Errorf("index %q has dimension %d, configured %d", opts.Index, dim, opts.Dimension))
	}
	if desc.Host == "" {
		return nil, models.Wrap(models.ErrStoreUnavailable, "pinecone.open",
			fmt.Errorf("index %q has no host yet", opts.Index))
	}

	conn, err := connect(desc.Host)
	if err != nil {
		return nil, models.Wrap(models.ErrStoreUnavailable, "pinecone.open", err)
	}
	c.conn = conn
	c.dimension = dim
	return c, nil
}

func (c *Client) Dimension() int { return c.dimension }

func (c *Client) Upsert(ctx context.Context, rec models.Record) error {
	return c.UpsertBatch(ctx, []models.Record{rec})
}

// UpsertBatch stores the text under the configured metadata key.
func (c *Client) UpsertBatch(ctx context.Context, recs []models.Record) error {
	if len(recs) == 0 {
		return nil
	}
	vectors := make([]*pinecone.Vector, 0, len(recs))
	for _, rec := range recs {
		if rec.ID == "" {
			return models.Wrap(models.ErrInvalidInput, "pinecone.upsert", errors.New("record id is empty"))
		}
		if len(rec.Vector) != c.dimension {
			return models.Wrap(models.ErrStoreUnavailable, "pinecone.upsert",
				fmt.Errorf("record %s has %d dimensions, index expects %d", rec.ID, len(rec.Vector), c.dimension))
		}
		meta := models.CloneMetadata(rec.Metadata)
		meta[c.textKey] = rec.Text
		md, err := structpb.NewStruct(meta)
		if err != nil {
			return models.Wrap(models.ErrInvalidInput, "pinecone.upsert", fmt.Errorf("record %s metadata: %w", rec.ID, err))
		}
		vectors = append(vectors, &pinecone.Vector{Id: rec.ID, Values: rec.Vector, Metadata: md})
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.conn.UpsertVectors(ctx, vectors); err != nil {
		return models.Wrap(models.ErrStoreUnavailable, "pinecone.upsert", err)
	}
	return nil
}

func (c *Client) Query(ctx context.Context, vec []float32, k int) ([]models.Match, error) {
	if k <= 0 {
		return []models.Match{}, nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vec,
		TopK:            uint32(k),
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, models.Wrap(models.ErrStoreUnavailable, "pinecone.query", err)
	}

	matches := make([]models.Match, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		if m == nil || m.Vector == nil {
			continue
		}
		meta := map[string]any{}
		if m.Vector.Metadata != nil {
			meta = m.Vector.Metadata.AsMap()
		}
		text, _ := meta[c.textKey].(string)
		delete(meta, c.textKey)
		matches = append(matches, models.Match{ID: m.Vector.Id, Score: m.Score, Text: text, Metadata: meta})
	}
	return matches, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
