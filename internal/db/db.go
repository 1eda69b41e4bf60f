package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"memoire/internal/models"
)

// Document is one row of a pgvector index table.
type Document struct {
	bun.BaseModel `bun:"table:documents,alias:d"`
	ID            string          `bun:"id,pk"`
	Content       string          `bun:"content,notnull"`
	Metadata      map[string]any  `bun:"metadata,type:jsonb"`
	Embedding     pgvector.Vector `bun:"embedding,type:vector,notnull"`
}

type match struct {
	ID       string         `bun:"id"`
	Content  string         `bun:"content"`
	Metadata map[string]any `bun:"metadata,type:jsonb"`
	Score    float64        `bun:"score"`
}

// Options configures a pgvector backed index. Table doubles as the index name.
type Options struct {
	DSN       string
	Driver    string
	Table     string
	Dimension int
	Debug     bool
	Create    bool
	Timeout   time.Duration
}

// Store is a vector index kept in a PostgreSQL table with a pgvector column.
type Store struct {
	db        *bun.DB
	table     string
	dimension int
	timeout   time.Duration
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

// ConnectDB opens a database/sql handle with the requested driver: pgdriver, pq or pgx.
func ConnectDB(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case "", "pgdriver":
		return sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn))), nil
	case "pq":
		return sql.Open("postgres", dsn)
	case "pgx":
		return sql.Open("pgx", dsn)
	default:
		return nil, fmt.Errorf("unknown postgres driver %q", driver)
	}
}

// Open connects and checks that the index table exists with the expected dimension.
// With opts.Create the table is created first.
func Open(ctx context.Context, opts Options) (*Store, error) {
	sqldb, err := ConnectDB(opts.Driver, opts.DSN)
	if err != nil {
		return nil, models.Wrap(models.ErrStoreUnavailable, "pgvector.open", err)
	}
	s := &Store{
		db:        NewDB(sqldb, opts.Debug),
		table:     opts.Table,
		dimension: opts.Dimension,
		timeout:   opts.Timeout,
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		s.db.Close()
		return nil, models.Wrap(models.ErrStoreUnavailable, "pgvector.open", err)
	}
	if opts.Create {
		if err := s.CreateIndex(ctx); err != nil {
			s.db.Close()
			return nil, err
		}
	}
	if err := s.checkIndex(ctx); err != nil {
		s.db.Close()
		return nil, err
	}
	return s, nil
}

// CreateIndex creates the extension, the table and an HNSW cosine index.
func (s *Store) CreateIndex(ctx context.Context) error {
	queries := []struct {
		query string
		args  []any
	}{
		{"CREATE EXTENSION IF NOT EXISTS vector", nil},
		{
			"CREATE TABLE IF NOT EXISTS ? (id text PRIMARY KEY, content text NOT NULL, metadata jsonb, embedding vector(?) NOT NULL)",
			[]any{bun.Ident(s.table), s.dimension},
		},
		{
			"CREATE INDEX IF NOT EXISTS ? ON ? USING hnsw (embedding vector_cosine_ops)",
			[]any{bun.Ident(s.table + "_embedding_idx"), bun.Ident(s.table)},
		},
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q.query, q.args...); err != nil {
			return models.Wrap(models.ErrStoreUnavailable, "pgvector.create", err)
		}
	}
	return nil
}

// DropIndex drops the index table.
func (s *Store) DropIndex(ctx context.Context) error {
	_, err := s.db.NewDropTable().Table(s.table).IfExists().Exec(ctx)
	return err
}

func (s *Store) checkIndex(ctx context.Context) error {
	var regclass sql.NullString
	if err := s.db.NewRaw("SELECT to_regclass(?)::text", s.table).Scan(ctx, &regclass); err != nil {
		return models.Wrap(models.ErrStoreUnavailable, "pgvector.check", err)
	}
	if !regclass.Valid {
		return models.Wrap(models.ErrStoreUnavailable, "pgvector.check", fmt.Errorf("index table %q does not exist", s.table))
	}

	// for vector columns atttypmod holds the dimension
	var dim int
	err := s.db.NewRaw(
		"SELECT atttypmod FROM pg_attribute WHERE attrelid = to_regclass(?) AND attname = 'embedding'", s.table,
	).Scan(ctx, &dim)
	if err != nil {
		return models.Wrap(models.ErrStoreUnavailable, "pgvector.check", err)
	}
	if s.dimension > 0 && dim != s.dimension {
		return models.Wrap(models.ErrStoreUnavailable, "pgvector.check",
			fmt.Errorf("index %q has dimension %d, configured %d", s.table, dim, s.dimension))
	}
	s.dimension = dim
	return nil
}

func (s *Store) Dimension() int { return s.dimension }

func (s *Store) Upsert(ctx context.Context, rec models.Record) error {
	return s.UpsertBatch(ctx, []models.Record{rec})
}

// UpsertBatch inserts rows, overwriting content, metadata and embedding on id conflicts.
// When the batch repeats an id the last record wins.
func (s *Store) UpsertBatch(ctx context.Context, recs []models.Record) error {
	if len(recs) == 0 {
		return nil
	}
	for _, rec := range recs {
		if rec.ID == "" {
			return models.Wrap(models.ErrInvalidInput, "pgvector.upsert", errors.New("record id is empty"))
		}
		if len(rec.Vector) != s.dimension {
			return models.Wrap(models.ErrStoreUnavailable, "pgvector.upsert",
				fmt.Errorf("record %s has %d dimensions, index expects %d", rec.ID, len(rec.Vector), s.dimension))
		}
	}

	// postgres refuses to update the same row twice in one statement
	recs = lastWins(recs)
	rows := make([]Document, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, Document{
			ID:        rec.ID,
			Content:   rec.Text,
			Metadata:  rec.Metadata,
			Embedding: pgvector.NewVector(rec.Vector),
		})
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.NewInsert().
		Model(&rows).
		ModelTableExpr("?", bun.Ident(s.table)).
		On("CONFLICT (id) DO UPDATE").
		Set("content = EXCLUDED.content").
		Set("metadata = EXCLUDED.metadata").
		Set("embedding = EXCLUDED.embedding").
		Exec(ctx)
	if err != nil {
		return models.Wrap(models.ErrStoreUnavailable, "pgvector.upsert", err)
	}
	return nil
}

// Query ranks rows by cosine distance; score is reported as similarity.
func (s *Store) Query(ctx context.Context, vector []float32, k int) ([]models.Match, error) {
	if k <= 0 {
		return []models.Match{}, nil
	}
	if len(vector) != s.dimension {
		return nil, models.Wrap(models.ErrStoreUnavailable, "pgvector.query",
			fmt.Errorf("query vector has %d dimensions, index expects %d", len(vector), s.dimension))
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	vec := pgvector.NewVector(vector)
	var rows []match
	err := s.db.NewRaw(
		"SELECT id, content, metadata, 1 - (embedding <=> ?::vector) AS score FROM ? ORDER BY embedding <=> ?::vector, id LIMIT ?",
		vec, bun.Ident(s.table), vec, k,
	).Scan(ctx, &rows)
	if err != nil {
		return nil, models.Wrap(models.ErrStoreUnavailable, "pgvector.query", err)
	}

	matches := make([]models.Match, 0, len(rows))
	for _, r := range rows {
		matches = append(matches, models.Match{
			ID:       r.ID,
			Score:    float32(r.Score),
			Text:     r.Content,
			Metadata: r.Metadata,
		})
	}
	return matches, nil
}

func (s *Store) Close() error { return s.db.Close() }

// lastWins keeps the final record for each id, in order of first appearance.
func lastWins(recs []models.Record) []models.Record {
	pos := make(map[string]int, len(recs))
	out := make([]models.Record, 0, len(recs))
	for _, rec := range recs {
		if i, ok := pos[rec.ID]; ok {
			out[i] = rec
			continue
		}
		pos[rec.ID] = len(out)
		out = append(out, rec)
	}
	return out
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}
