package memory

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"

	"memoire/internal/models"
)

type turnRow struct {
	bun.BaseModel `bun:"table:turns,alias:t"`
	ID            int64     `bun:"id,pk,autoincrement"`
	Session       string    `bun:"session,notnull"`
	Question      string    `bun:"question,notnull"`
	Answer        string    `bun:"answer,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
}

// SQLite persists turns in a local database file so conversations survive restarts.
type SQLite struct {
	db *bun.DB
}

func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// sqlite serialises writers anyway
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	if _, err := db.NewCreateTable().Model((*turnRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("create turns table: %w", err)
	}
	_, err = db.NewCreateIndex().
		Model((*turnRow)(nil)).
		Index("turns_session_idx").
		IfNotExists().
		Column("session", "id").
		Exec(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create turns index: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Load(ctx context.Context, key string, n int) ([]models.Turn, error) {
	var rows []turnRow
	err := s.db.NewSelect().
		Model(&rows).
		Where("session = ?", key).
		OrderExpr("id DESC").
		Limit(n).
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	slices.Reverse(rows)
	turns := make([]models.Turn, 0, len(rows))
	for _, r := range rows {
		turns = append(turns, models.Turn{Question: r.Question, Answer: r.Answer, Timestamp: r.CreatedAt})
	}
	return turns, nil
}

func (s *SQLite) Save(ctx context.Context, key string, turn models.Turn) error {
	row := &turnRow{Session: key, Question: turn.Question, Answer: turn.Answer, CreatedAt: turn.Timestamp}
	_, err := s.db.NewInsert().Model(row).Exec(ctx)
	return err
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	_, err := s.db.NewDelete().Model((*turnRow)(nil)).Where("session = ?", key).Exec(ctx)
	return err
}

func (s *SQLite) Close() error { return s.db.Close() }
