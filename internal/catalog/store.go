// Package catalog writes canonical vehicles to the PostgreSQL vehicle store.
//
// The table is owned by the catalog service; this package only upserts and
// tombstones rows. It expects, in the configured schema:
//
//	vehicles (
//	    id             uuid PRIMARY KEY,
//	    source         text NOT NULL,
//	    external_id    text NOT NULL,
//	    make, model, trim text NOT NULL,
//	    price_amount   numeric NOT NULL,
//	    price_currency text NOT NULL,
//	    images         text[] NOT NULL,
//	    attributes     jsonb NOT NULL,
//	    year, mileage_km, engine_cc integer NOT NULL,
//	    source_url     text NOT NULL,
//	    is_visible     boolean NOT NULL,
//	    content_hash   text NOT NULL,
//	    updated_at     timestamptz NOT NULL,
//	    deleted_at     timestamptz,
//	    UNIQUE (source, external_id)
//	)
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/njoerd114/listingrelay/internal/model"
)

// ErrUnavailable wraps connection failures and timeouts talking to the store.
var ErrUnavailable = errors.New("vehicle store unavailable")

// Options configures the store connection.
type Options struct {
	DSN      string
	Schema   string
	MaxConns int
}

// Store is the PostgreSQL-backed vehicle store client.
type Store struct {
	pool  *pgxpool.Pool
	table string
}

// Open connects to the vehicle store and verifies the connection.
func Open(ctx context.Context, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing catalog dsn: %w", err)
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = 4
	}
	cfg.MaxConns = int32(opts.MaxConns) //nolint:gosec // bounded by config validation
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to catalog: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging catalog: %w", classify(err))
	}
	return &Store{pool: pool, table: tableName(opts.Schema)}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func tableName(schema string) string {
	if schema == "" {
		return pgx.Identifier{"vehicles"}.Sanitize()
	}
	return pgx.Identifier{schema, "vehicles"}.Sanitize()
}

// Upsert inserts v or updates the live row for (v.Source, v.ExternalID) in
// place. The stored id is never changed. The write is skipped when the stored
// row is newer (last-writer-wins on updated_at) or already holds identical
// content, so redelivering the same offer leaves the row untouched. It
// reports whether a row was written.
func (s *Store) Upsert(ctx context.Context, v *model.Vehicle) (bool, error) {
	args, err := upsertArgs(v)
	if err != nil {
		return false, err
	}
	q := fmt.Sprintf(`
		INSERT INTO %[1]s AS v
		    (id, source, external_id, make, model, trim, price_amount, price_currency,
		     images, attributes, year, mileage_km, engine_cc, source_url, is_visible,
		     content_hash, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NULL)
		ON CONFLICT (source, external_id) DO UPDATE SET
		    make           = EXCLUDED.make,
		    model          = EXCLUDED.model,
		    trim           = EXCLUDED.trim,
		    price_amount   = EXCLUDED.price_amount,
		    price_currency = EXCLUDED.price_currency,
		    images         = EXCLUDED.images,
		    attributes     = EXCLUDED.attributes,
		    year           = EXCLUDED.year,
		    mileage_km     = EXCLUDED.mileage_km,
		    engine_cc      = EXCLUDED.engine_cc,
		    source_url     = EXCLUDED.source_url,
		    is_visible     = EXCLUDED.is_visible,
		    content_hash   = EXCLUDED.content_hash,
		    updated_at     = EXCLUDED.updated_at,
		    deleted_at     = NULL
		WHERE v.updated_at <= EXCLUDED.updated_at
		  AND (v.content_hash IS DISTINCT FROM EXCLUDED.content_hash OR v.deleted_at IS NOT NULL)`, s.table)

	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("upserting %s/%s: %w", v.Source, v.ExternalID, classify(err))
	}
	return tag.RowsAffected() > 0, nil
}

// Tombstone marks the live row for (src, externalID) deleted. A missing or
// already-tombstoned row is a no-op. It reports whether a row was changed.
func (s *Store) Tombstone(ctx context.Context, src model.Source, externalID string, at time.Time) (bool, error) {
	q := fmt.Sprintf(`
		UPDATE %s
		   SET deleted_at = $3, is_visible = false, updated_at = $3
		 WHERE source = $1 AND external_id = $2
		   AND deleted_at IS NULL AND updated_at <= $3`, s.table)
	tag, err := s.pool.Exec(ctx, q, string(src), externalID, at.UTC())
	if err != nil {
		return false, fmt.Errorf("tombstoning %s/%s: %w", src, externalID, classify(err))
	}
	return tag.RowsAffected() > 0, nil
}

// CountLive returns the number of live rows for src.
func (s *Store) CountLive(ctx context.Context, src model.Source) (int64, error) {
	q := fmt.Sprintf(`SELECT count(*) FROM %s WHERE source = $1 AND deleted_at IS NULL`, s.table)
	var n int64
	if err := s.pool.QueryRow(ctx, q, string(src)).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s vehicles: %w", src, classify(err))
	}
	return n, nil
}

func upsertArgs(v *model.Vehicle) ([]any, error) {
	if v.ExternalID == "" || !v.Source.IsValid() {
		return nil, fmt.Errorf("vehicle key (%q, %q) is incomplete", v.Source, v.ExternalID)
	}
	attrs := v.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrJSON, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("encoding attributes: %w", err)
	}
	images := v.Images
	if images == nil {
		images = []string{}
	}
	return []any{
		v.ID,
		string(v.Source),
		v.ExternalID,
		v.Make,
		v.Model,
		v.Trim,
		v.PriceAmount,
		v.PriceCurrency,
		images,
		attrJSON,
		v.Year,
		v.MileageKm,
		v.EngineCC,
		v.SourceURL,
		v.IsVisible,
		v.ContentHash(),
		v.UpdatedAt.UTC(),
	}, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
