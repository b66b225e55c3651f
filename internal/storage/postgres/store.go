// Package postgres provides Postgres-backed persistence for every crawler store.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
)

//go:embed schema.sql
var schema string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// DB is the subset of pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store implements the target, match, notification, site map and session stores.
type Store struct {
	db DB
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{db: pool}, nil
}

// NewWithDB wraps an existing pool (primarily for testing).
func NewWithDB(db DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

const targetColumns = `id, domain, origin_url, site_type, adapter_type, search_url_pattern,
	requires_auth, challenge_protected, enabled, paused, expires_at, keyword,
	username, password, channels, recipients, interval_seconds,
	last_checked_at, last_content_hash, status`

func scanTarget(row scanner) (crawler.MonitoredTarget, error) {
	var (
		t          crawler.MonitoredTarget
		siteType   string
		status     string
		channels   []string
		recipients []byte
		interval   int64
	)
	err := row.Scan(
		&t.ID,
		&t.Domain,
		&t.OriginURL,
		&siteType,
		&t.AdapterType,
		&t.SearchURLPattern,
		&t.RequiresAuth,
		&t.ChallengeProtected,
		&t.Enabled,
		&t.Paused,
		&t.ExpiresAt,
		&t.Keyword,
		&t.Username,
		&t.Password,
		&channels,
		&recipients,
		&interval,
		&t.LastCheckedAt,
		&t.LastContentHash,
		&status,
	)
	if err != nil {
		return crawler.MonitoredTarget{}, err
	}
	t.SiteType = crawler.SiteType(siteType)
	t.Status = crawler.TargetStatus(status)
	t.Interval = time.Duration(interval) * time.Second
	for _, c := range channels {
		t.Channels = append(t.Channels, crawler.Channel(c))
	}
	if len(recipients) > 0 {
		if err := json.Unmarshal(recipients, &t.Recipients); err != nil {
			return crawler.MonitoredTarget{}, fmt.Errorf("decode recipients: %w", err)
		}
	}
	return t, nil
}

// PutTarget inserts or replaces a target's configuration. Scrape bookkeeping
// columns are preserved on conflict.
func (s *Store) PutTarget(ctx context.Context, t crawler.MonitoredTarget) error {
	if t.ID == "" {
		return fmt.Errorf("put target: id is required")
	}
	if t.Status == "" {
		t.Status = crawler.TargetActive
	}
	channels := make([]string, 0, len(t.Channels))
	for _, c := range t.Channels {
		channels = append(channels, string(c))
	}
	recipients, err := json.Marshal(t.Recipients)
	if err != nil {
		return fmt.Errorf("marshal recipients: %w", err)
	}
	if t.Recipients == nil {
		recipients = []byte("{}")
	}
	query := `
INSERT INTO targets (
	id, domain, origin_url, site_type, adapter_type, search_url_pattern,
	requires_auth, challenge_protected, enabled, paused, expires_at, keyword,
	username, password, channels, recipients, interval_seconds, status
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
ON CONFLICT (id) DO UPDATE SET
	domain = EXCLUDED.domain,
	origin_url = EXCLUDED.origin_url,
	site_type = EXCLUDED.site_type,
	adapter_type = EXCLUDED.adapter_type,
	search_url_pattern = EXCLUDED.search_url_pattern,
	requires_auth = EXCLUDED.requires_auth,
	challenge_protected = EXCLUDED.challenge_protected,
	enabled = EXCLUDED.enabled,
	paused = EXCLUDED.paused,
	expires_at = EXCLUDED.expires_at,
	keyword = EXCLUDED.keyword,
	username = EXCLUDED.username,
	password = EXCLUDED.password,
	channels = EXCLUDED.channels,
	recipients = EXCLUDED.recipients,
	interval_seconds = EXCLUDED.interval_seconds,
	status = EXCLUDED.status`
	args := []any{
		t.ID,
		t.Domain,
		t.OriginURL,
		string(t.SiteType),
		t.AdapterType,
		t.SearchURLPattern,
		t.RequiresAuth,
		t.ChallengeProtected,
		t.Enabled,
		t.Paused,
		t.ExpiresAt,
		t.Keyword,
		t.Username,
		t.Password,
		channels,
		recipients,
		int64(t.Interval / time.Second),
		string(t.Status),
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert target %s: %w", t.ID, err)
	}
	return nil
}

// ListTargets returns every target ordered by ID.
func (s *Store) ListTargets(ctx context.Context) ([]crawler.MonitoredTarget, error) {
	rows, err := s.db.Query(ctx, `SELECT `+targetColumns+` FROM targets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var out []crawler.MonitoredTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan target row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate targets: %w", err)
	}
	return out, nil
}

// GetTarget fetches a target by ID.
func (s *Store) GetTarget(ctx context.Context, id string) (crawler.MonitoredTarget, error) {
	t, err := scanTarget(s.db.QueryRow(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.MonitoredTarget{}, fmt.Errorf("target %s: %w", id, crawler.ErrNotFound)
		}
		return crawler.MonitoredTarget{}, fmt.Errorf("get target %s: %w", id, err)
	}
	return t, nil
}

// UpdateTargetChecked records the time and hash of the latest scrape.
func (s *Store) UpdateTargetChecked(ctx context.Context, id string, at time.Time, contentHash string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE targets SET last_checked_at = $2, last_content_hash = $3 WHERE id = $1`,
		id, at, contentHash)
	if err != nil {
		return fmt.Errorf("update target checked %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("target %s: %w", id, crawler.ErrNotFound)
	}
	return nil
}

// SetTargetStatus changes a target's lifecycle state. Pausing and resuming
// also flip the paused flag.
func (s *Store) SetTargetStatus(ctx context.Context, id string, status crawler.TargetStatus) error {
	tag, err := s.db.Exec(ctx, `
UPDATE targets SET status = $2,
	paused = CASE WHEN $2 = 'paused' THEN TRUE WHEN $2 = 'active' THEN FALSE ELSE paused END
WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("set target status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("target %s: %w", id, crawler.ErrNotFound)
	}
	return nil
}
