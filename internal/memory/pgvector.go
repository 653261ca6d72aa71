package memory

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// pgxConn is the subset of *pgxpool.Pool the store uses.
type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PgvectorStore stores memories in Postgres with the pgvector extension.
// Similarity is 1 - cosine distance.
type PgvectorStore struct {
	db    pgxConn
	pool  *pgxpool.Pool
	table string
	dims  int
}

// Connect opens a traced pgx pool and returns a store over table.
func Connect(ctx context.Context, dsn, table string, dims int) (*PgvectorStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse vector DSN: %w", err)
	}
	poolConfig.ConnConfig.Tracer = otelpgx.NewTracer(otelpgx.WithTrimSQLInSpanName())

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to vector database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping vector database: %w", err)
	}

	s, err := newPgvectorStore(pool, table, dims)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.pool = pool
	return s, nil
}

func newPgvectorStore(db pgxConn, table string, dims int) (*PgvectorStore, error) {
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid memory table name %q", table)
	}
	if dims <= 0 {
		return nil, fmt.Errorf("invalid embedding dimensions %d", dims)
	}
	return &PgvectorStore{db: db, table: table, dims: dims}, nil
}

// Close releases the pool when the store owns one.
func (s *PgvectorStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for readiness probes.
func (s *PgvectorStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Migrate creates the extension, table and indexes when missing.
func (s *PgvectorStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL,
			content          TEXT NOT NULL,
			embedding        vector(%d) NOT NULL,
			importance       DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			tags             TEXT[] NOT NULL DEFAULT '{}',
			source           TEXT NOT NULL DEFAULT '',
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_accessed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.table, s.dims),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_user_idx ON %s (user_id, created_at DESC)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrating memory table: %w", err)
		}
	}
	return nil
}

const memoryColumns = `id, user_id, content, importance, tags, source, created_at, last_accessed_at`

func (s *PgvectorStore) Add(ctx context.Context, m *Memory) error {
	if len(m.Embedding) != s.dims {
		return fmt.Errorf("embedding has %d dimensions, table expects %d", len(m.Embedding), s.dims)
	}
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, user_id, content, embedding, importance, tags, source, created_at, last_accessed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, s.table)
	_, err := s.db.Exec(ctx, query,
		m.ID, m.UserID, m.Content, pgvector.NewVector(m.Embedding),
		m.Importance, tags, m.Source, m.CreatedAt, m.LastAccessedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting memory: %w", err)
	}
	return nil
}

func (s *PgvectorStore) Search(ctx context.Context, userID string, vector []float32, limit int, minScore float64) ([]Match, error) {
	query := fmt.Sprintf(`SELECT %s, 1 - (embedding <=> $2) AS score
		FROM %s
		WHERE user_id = $1 AND 1 - (embedding <=> $2) >= $3
		ORDER BY embedding <=> $2
		LIMIT $4`, memoryColumns, s.table)

	rows, err := s.db.Query(ctx, query, userID, pgvector.NewVector(vector), minScore, limit)
	if err != nil {
		return nil, fmt.Errorf("searching memories: %w", err)
	}
	defer rows.Close()

	var matches []Match
	ids := make([]string, 0, limit)
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.UserID, &m.Content, &m.Importance, &m.Tags, &m.Source,
			&m.CreatedAt, &m.LastAccessedAt, &m.Score); err != nil {
			return nil, fmt.Errorf("scanning memory: %w", err)
		}
		matches = append(matches, m)
		ids = append(ids, m.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating memories: %w", err)
	}

	if len(ids) > 0 {
		touch := fmt.Sprintf(`UPDATE %s SET last_accessed_at = now() WHERE id = ANY($1)`, s.table)
		if _, err := s.db.Exec(ctx, touch, ids); err != nil {
			return nil, fmt.Errorf("touching memories: %w", err)
		}
	}
	return matches, nil
}

func (s *PgvectorStore) Get(ctx context.Context, userID, id string) (*Memory, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = $1 AND id = $2`, memoryColumns, s.table)
	var m Memory
	err := s.db.QueryRow(ctx, query, userID, id).Scan(&m.ID, &m.UserID, &m.Content, &m.Importance,
		&m.Tags, &m.Source, &m.CreatedAt, &m.LastAccessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading memory: %w", err)
	}
	return &m, nil
}

func (s *PgvectorStore) Delete(ctx context.Context, userID, id string) error {
	tag, err := s.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE user_id = $1 AND id = $2`, s.table), userID, id)
	if err != nil {
		return fmt.Errorf("deleting memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgvectorStore) List(ctx context.Context, userID string, limit int) ([]Memory, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, memoryColumns, s.table)
	rows, err := s.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var m Memory
		if err := rows.Scan(&m.ID, &m.UserID, &m.Content, &m.Importance, &m.Tags, &m.Source,
			&m.CreatedAt, &m.LastAccessedAt); err != nil {
			return nil, fmt.Errorf("scanning memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PgvectorStore) Prune(ctx context.Context, olderThan time.Time, maxImportance float64) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1 AND last_accessed_at < $1 AND importance < $2`, s.table)
	tag, err := s.db.Exec(ctx, query, olderThan, maxImportance)
	if err != nil {
		return 0, fmt.Errorf("pruning memories: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
