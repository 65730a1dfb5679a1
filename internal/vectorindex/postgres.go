package vectorindex

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// collectionName is the stable table/collection identifier so that restarts
// re-attach to the same on-disk state rather than creating a fresh one.
const collectionName = "nacos_mcp_router_collection"

// PostgresIndex is the pgvector-backed [Index] implementation. It owns a
// connection pool and an [Embedder] used to turn document/query text into
// vectors before they reach Postgres.
//
// All methods are safe for concurrent use.
type PostgresIndex struct {
	pool     *pgxpool.Pool
	embedder Embedder
}

// NewPostgresIndex connects to dsn, registers pgvector types on every
// connection, ensures the backing table/index exist, and returns a ready
// [PostgresIndex].
func NewPostgresIndex(ctx context.Context, dsn string, embedder Embedder) (*PostgresIndex, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: parse dsn: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("vectorindex: ping: %w", err)
	}

	idx := &PostgresIndex{pool: pool, embedder: embedder}
	if err := idx.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("vectorindex: migrate: %w", err)
	}
	return idx, nil
}

func (p *PostgresIndex) migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`)
	if err != nil {
		return err
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
		    id         text PRIMARY KEY,
		    document   text NOT NULL,
		    embedding  vector(%d) NOT NULL
		)`, collectionName, p.embedder.Dimensions())
	if _, err := p.pool.Exec(ctx, createTable); err != nil {
		return err
	}

	createIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s
		USING hnsw (embedding vector_cosine_ops)`, collectionName, collectionName)
	_, err = p.pool.Exec(ctx, createIndex)
	return err
}

// Close releases all connections held by the underlying pool.
func (p *PostgresIndex) Close() {
	p.pool.Close()
}

// Upsert implements [Index].
func (p *PostgresIndex) Upsert(ctx context.Context, ids []string, documents []string) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(documents) {
		return fmt.Errorf("vectorindex: upsert: ids and documents length mismatch (%d vs %d)", len(ids), len(documents))
	}

	batch := &pgx.Batch{}
	q := fmt.Sprintf(`
		INSERT INTO %s (id, document, embedding)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
		    document  = EXCLUDED.document,
		    embedding = EXCLUDED.embedding`, collectionName)

	for i, id := range ids {
		vec, err := p.embedder.Embed(ctx, documents[i])
		if err != nil {
			return fmt.Errorf("vectorindex: embed document %q: %w", id, err)
		}
		batch.Queue(q, id, documents[i], pgvector.NewVector(vec))
	}

	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range ids {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("vectorindex: upsert batch: %w", err)
		}
	}
	return nil
}

// QueryTopK implements [Index].
func (p *PostgresIndex) QueryTopK(ctx context.Context, queryText string, k int) ([]string, error) {
	if k <= 0 {
		return []string{}, nil
	}

	vec, err := p.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: embed query: %w", err)
	}

	q := fmt.Sprintf(`
		SELECT id FROM %s
		ORDER BY embedding <=> $1
		LIMIT $2`, collectionName)

	rows, err := p.pool.Query(ctx, q, pgvector.NewVector(vec), k)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: query: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("vectorindex: scan query results: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// ListAllIDs implements [Index].
func (p *PostgresIndex) ListAllIDs(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`SELECT id FROM %s`, collectionName))
	if err != nil {
		return nil, fmt.Errorf("vectorindex: list all ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("vectorindex: scan list results: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// Delete implements [Index].
func (p *PostgresIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, collectionName), ids)
	if err != nil {
		return fmt.Errorf("vectorindex: delete: %w", err)
	}
	return nil
}

var _ Index = (*PostgresIndex)(nil)
