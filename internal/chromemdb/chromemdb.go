package chromemdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"memoire/internal/models"
)

// Options configures a chromem-go backed index.
type Options struct {
	Path          string
	Collection    string
	InMemory      bool
	Compress      bool
	Create        bool
	Dimension     int
	EncryptionKey string
	Timeout       time.Duration
}

// VectorDBManager encapsulates the chromem-go database operations
type VectorDBManager struct {
	db            *chromem.DB
	collection    *chromem.Collection
	dbPath        string
	compress      bool
	encryptionKey string
	filePath      string
	dimension     int
	timeout       time.Duration
}

var errPrecomputed = errors.New("embeddings must be computed before they reach the store")

// vectors are always embedded upstream, so the collection never calls out for embeddings
func noEmbedding(context.Context, string) ([]float32, error) { return nil, errPrecomputed }

// NewVectorDBManager opens the database and the configured collection.
// The collection must already exist unless opts.Create is set.
func NewVectorDBManager(opts Options) (*VectorDBManager, error) {
	var db *chromem.DB
	var err error
	if opts.InMemory {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(opts.Path, opts.Compress)
		if err != nil {
			return nil, models.Wrap(models.ErrStoreUnavailable, "chromem.open", err)
		}
	}

	m := &VectorDBManager{
		db:            db,
		dbPath:        opts.Path,
		compress:      opts.Compress,
		encryptionKey: opts.EncryptionKey,
		filePath:      filepath.Join(opts.Path, opts.Collection+".chromem"),
		dimension:     opts.Dimension,
		timeout:       opts.Timeout,
	}

	if opts.Create {
		if _, err := m.GetOrCreateCollection(opts.Collection); err != nil {
			return nil, err
		}
		return m, nil
	}

	c := db.GetCollection(opts.Collection, noEmbedding)
	if c == nil {
		return nil, models.Wrap(models.ErrStoreUnavailable, "chromem.open",
			fmt.Errorf("collection %q does not exist", opts.Collection))
	}
	m.collection = c
	return m, nil
}

// GetOrCreateCollection creates or reads a collection and makes it the active one.
func (m *VectorDBManager) GetOrCreateCollection(collectionName string) (*chromem.Collection, error) {
	meta := map[string]string{"dimension": strconv.Itoa(m.dimension)}
	c, err := m.db.GetOrCreateCollection(collectionName, meta, noEmbedding)
	if err != nil {
		return nil, models.Wrap(models.ErrStoreUnavailable, "chromem.collection", err)
	}
	m.collection = c
	return c, nil
}

func (m *VectorDBManager) Dimension() int { return m.dimension }

func (m *VectorDBManager) Count() int { return m.collection.Count() }

// Upsert adds a record, replacing any document with the same id.
func (m *VectorDBManager) Upsert(ctx context.Context, rec models.Record) error {
	doc, err := m.toDocument(rec)
	if err != nil {
		return err
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	if err := m.collection.AddDocument(ctx, doc); err != nil {
		return models.Wrap(models.ErrStoreUnavailable, "chromem.upsert", err)
	}
	return nil
}

// UpsertBatch adds multiple records concurrently.
func (m *VectorDBManager) UpsertBatch(ctx context.Context, recs []models.Record) error {
	docs := make([]chromem.Document, 0, len(recs))
	for _, rec := range recs {
		doc, err := m.toDocument(rec)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
	}
	if len(docs) == 0 {
		return nil
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	if err := m.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return models.Wrap(models.ErrStoreUnavailable, "chromem.upsert", err)
	}
	return nil
}

// Query returns up to k documents ranked by cosine similarity.
func (m *VectorDBManager) Query(ctx context.Context, vector []float32, k int) ([]models.Match, error) {
	if len(vector) != m.dimension {
		return nil, models.Wrap(models.ErrStoreUnavailable, "chromem.query",
			fmt.Errorf("query vector has %d dimensions, index expects %d", len(vector), m.dimension))
	}
	// chromem rejects nResults larger than the collection
	n := min(k, m.collection.Count())
	if n <= 0 {
		return []models.Match{}, nil
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	results, err := m.collection.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, models.Wrap(models.ErrStoreUnavailable, "chromem.query", err)
	}

	matches := make([]models.Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, models.Match{
			ID:       r.ID,
			Score:    r.Similarity,
			Text:     r.Content,
			Metadata: fromStringMap(r.Metadata),
		})
	}
	return matches, nil
}

// DeleteCollection drops the active collection.
func (m *VectorDBManager) DeleteCollection() error {
	err := m.db.DeleteCollection(m.collection.Name)
	if err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	return nil
}

// Export writes the active collection to an encrypted backup file.
func (m *VectorDBManager) Export(ctx context.Context) error {
	if m.encryptionKey == "" {
		return fmt.Errorf("encryption key is required")
	}
	if m.collection == nil {
		return fmt.Errorf("collection is required")
	}

	log.Debug().
		Str("collection", m.collection.Name).
		Str("file", m.filePath).
		Bool("compress", m.compress).
		Msg("Exporting collection")

	if err := m.db.ExportToFile(m.filePath, m.compress, m.encryptionKey, m.collection.Name); err != nil {
		return fmt.Errorf("failed to export database: %w", err)
	}
	return nil
}

// Import restores the active collection from a backup written by Export.
func (m *VectorDBManager) Import(ctx context.Context) error {
	if err := m.db.ImportFromFile(m.filePath, m.encryptionKey, m.collection.Name); err != nil {
		return fmt.Errorf("failed to import database: %w", err)
	}
	// the import replaces the collection object
	m.collection = m.db.GetCollection(m.collection.Name, noEmbedding)
	return nil
}

func (m *VectorDBManager) FilePath() string { return m.filePath }

// Close is a no-op; persistent collections are written on every change.
func (m *VectorDBManager) Close() error { return nil }

func (m *VectorDBManager) toDocument(rec models.Record) (chromem.Document, error) {
	if rec.ID == "" {
		return chromem.Document{}, models.Wrap(models.ErrInvalidInput, "chromem.upsert", errors.New("record id is empty"))
	}
	if len(rec.Vector) != m.dimension {
		return chromem.Document{}, models.Wrap(models.ErrStoreUnavailable, "chromem.upsert",
			fmt.Errorf("record %s has %d dimensions, index expects %d", rec.ID, len(rec.Vector), m.dimension))
	}
	meta, err := toStringMap(rec.Metadata)
	if err != nil {
		return chromem.Document{}, models.Wrap(models.ErrInvalidInput, "chromem.upsert", err)
	}
	return chromem.Document{
		ID:        rec.ID,
		Content:   rec.Text,
		Metadata:  meta,
		Embedding: rec.Vector,
	}, nil
}

func (m *VectorDBManager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}

// chromem only stores string metadata. Values that are not plain strings are kept
// as JSON behind typedPrefix so numbers and bools read back with their types.
const typedPrefix = "\x00json:"

func toStringMap(meta map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		if s, ok := v.(string); ok && !strings.HasPrefix(s, typedPrefix) {
			out[k] = s
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("metadata %q: %w", k, err)
		}
		out[k] = typedPrefix + string(data)
	}
	return out, nil
}

func fromStringMap(meta map[string]string) map[string]any {
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = decodeValue(v)
	}
	return out
}

func decodeValue(v string) any {
	raw, ok := strings.CutPrefix(v, typedPrefix)
	if !ok {
		return v
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return v
	}
	if n, ok := out.(json.Number); ok {
		if i, err := strconv.Atoi(n.String()); err == nil {
			return i
		}
		f, _ := n.Float64()
		return f
	}
	return out
}
