package store

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/livesync/internal/cache"
	"github.com/rickgao/livesync/internal/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS livesync_cache (
	client_id  TEXT        NOT NULL,
	key        TEXT        NOT NULL,
	value      JSONB       NOT NULL,
	origin     TEXT        NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (client_id, key)
)`

// BuildConnString builds a PostgreSQL connection string from config.
func BuildConnString(cfg config.DBConfig) string {
	// URL-encode password to handle special characters
	escapedPassword := url.QueryEscape(cfg.Password)

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(cfg.User),
		escapedPassword,
		cfg.Host,
		cfg.Port,
		cfg.Name,
		sslMode,
	)
}

// Connect creates a connection pool and checks it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// Postgres stores records for one client id in livesync_cache.
type Postgres struct {
	pool     *pgxpool.Pool
	clientID string
}

// NewPostgres wraps an open pool. Close closes the pool.
func NewPostgres(pool *pgxpool.Pool, clientID string) *Postgres {
	return &Postgres{pool: pool, clientID: clientID}
}

// EnsureSchema creates the cache table if missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create livesync_cache: %w", err)
	}
	return nil
}

func (p *Postgres) Load(ctx context.Context) ([]Record, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT key, value, origin, updated_at FROM livesync_cache WHERE client_id = $1 ORDER BY key`,
		p.clientID)
	if err != nil {
		return nil, fmt.Errorf("query livesync_cache: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r      Record
			value  []byte
			origin string
		)
		if err := rows.Scan(&r.Key, &value, &origin, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan livesync_cache: %w", err)
		}
		r.Value = value
		r.Origin = cache.ParseOrigin(origin)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read livesync_cache: %w", err)
	}
	return out, nil
}

// Save upserts records in one pgx.Batch.
func (p *Postgres) Save(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`
			INSERT INTO livesync_cache (client_id, key, value, origin, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (client_id, key) DO UPDATE
			SET value = EXCLUDED.value, origin = EXCLUDED.origin, updated_at = EXCLUDED.updated_at
			WHERE livesync_cache.updated_at <= EXCLUDED.updated_at
		`, p.clientID, r.Key, string(r.Value), r.Origin.String(), r.UpdatedAt)
	}

	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert livesync_cache: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx,
		`DELETE FROM livesync_cache WHERE client_id = $1 AND key = ANY($2)`,
		p.clientID, keys)
	if err != nil {
		return fmt.Errorf("delete livesync_cache: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

var _ Store = (*Postgres)(nil)
