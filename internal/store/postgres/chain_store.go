package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/driftline/driftline/internal/crawl"
)

// ChainStore persists fragment histories: chain_bases holds the one
// materialized head per (target, kind), chain_deltas the reverse patches.
type ChainStore struct {
	db querier
}

// NewChainStore wraps a pool or mock.
func NewChainStore(db querier) *ChainStore {
	return &ChainStore{db: db}
}

// GetBase returns the chain head.
func (s *ChainStore) GetBase(ctx context.Context, key crawl.TargetKey, kind string) (crawl.Base, error) {
	base := crawl.Base{Key: key.Clone(), Kind: kind}
	err := s.db.QueryRow(ctx, `
SELECT version, payload, fingerprint, fetched_at, stored_at, observations, last_seen_at
FROM chain_bases WHERE canonical_key = $1 AND kind = $2`,
		key.Canonical(), kind,
	).Scan(&base.Version, &base.Payload, &base.Fingerprint,
		&base.FetchedAt, &base.StoredAt, &base.Observations, &base.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawl.Base{}, fmt.Errorf("chain %s/%s: %w", key.Canonical(), kind, crawl.ErrNotFound)
	}
	if err != nil {
		return crawl.Base{}, fmt.Errorf("get chain base: %w", err)
	}
	return base, nil
}

// RecordObservation notes a fingerprint-identical re-fetch on the chain head.
func (s *ChainStore) RecordObservation(ctx context.Context, key crawl.TargetKey, kind string, seenAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE chain_bases SET observations = observations + 1, last_seen_at = $3
WHERE canonical_key = $1 AND kind = $2`,
		key.Canonical(), kind, seenAt)
	if err != nil {
		return fmt.Errorf("record observation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chain %s/%s: %w", key.Canonical(), kind, crawl.ErrNotFound)
	}
	return nil
}

// AppendVersion installs a new base and, for every version after the first,
// the delta reconstructing the previous one, atomically. The row lock on
// the base serializes concurrent appends; a version that does not directly
// follow the head fails with ErrConflict.
func (s *ChainStore) AppendVersion(ctx context.Context, base crawl.Base, delta *crawl.Delta) error {
	canonical := base.Key.Canonical()
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append version: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var headVersion uint64
	err = tx.QueryRow(ctx,
		`SELECT version FROM chain_bases WHERE canonical_key = $1 AND kind = $2 FOR UPDATE`,
		canonical, base.Kind).Scan(&headVersion)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if delta != nil {
			return fmt.Errorf("chain %s/%s: delta on first version", canonical, base.Kind)
		}
		params, err := json.Marshal(base.Key)
		if err != nil {
			return fmt.Errorf("marshal key params: %w", err)
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO chain_bases (canonical_key, kind, key_params, version, payload, fingerprint,
                         fetched_at, stored_at, observations, last_seen_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			canonical, base.Kind, params, base.Version, base.Payload, base.Fingerprint,
			base.FetchedAt, base.StoredAt, base.Observations, base.LastSeenAt); err != nil {
			return fmt.Errorf("insert chain base: %w", err)
		}
		return tx.Commit(ctx)
	case err != nil:
		return fmt.Errorf("lock chain base: %w", err)
	}

	if base.Version != headVersion+1 {
		return fmt.Errorf("chain %s/%s: version %d does not follow %d: %w",
			canonical, base.Kind, base.Version, headVersion, crawl.ErrConflict)
	}
	if delta == nil {
		return fmt.Errorf("chain %s/%s: missing delta for version %d", canonical, base.Kind, headVersion)
	}
	if _, err := tx.Exec(ctx, `
UPDATE chain_bases
SET version = $3, payload = $4, fingerprint = $5, fetched_at = $6, stored_at = $7,
    observations = $8, last_seen_at = $9
WHERE canonical_key = $1 AND kind = $2`,
		canonical, base.Kind, base.Version, base.Payload, base.Fingerprint,
		base.FetchedAt, base.StoredAt, base.Observations, base.LastSeenAt); err != nil {
		return fmt.Errorf("update chain base: %w", err)
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO chain_deltas (canonical_key, kind, version, patch, fingerprint, fetched_at, stored_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		canonical, base.Kind, delta.Version, delta.Patch, delta.Fingerprint,
		delta.FetchedAt, delta.StoredAt); err != nil {
		return fmt.Errorf("insert chain delta: %w", err)
	}
	return tx.Commit(ctx)
}

// Deltas returns stored deltas for versions strictly below fromVersion,
// newest first, at most limit entries.
func (s *ChainStore) Deltas(ctx context.Context, key crawl.TargetKey, kind string, fromVersion uint64, limit int) ([]crawl.Delta, error) {
	var exists bool
	if err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM chain_bases WHERE canonical_key = $1 AND kind = $2)`,
		key.Canonical(), kind).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check chain: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("chain %s/%s: %w", key.Canonical(), kind, crawl.ErrNotFound)
	}

	query := `
SELECT version, patch, fingerprint, fetched_at, stored_at
FROM chain_deltas
WHERE canonical_key = $1 AND kind = $2 AND version < $3
ORDER BY version DESC`
	args := []any{key.Canonical(), kind, fromVersion}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf("\nLIMIT $%d", len(args))
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chain deltas: %w", err)
	}
	defer rows.Close()

	var out []crawl.Delta
	for rows.Next() {
		var d crawl.Delta
		if err := rows.Scan(&d.Version, &d.Patch, &d.Fingerprint, &d.FetchedAt, &d.StoredAt); err != nil {
			return nil, fmt.Errorf("scan chain delta: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read chain deltas: %w", err)
	}
	return out, nil
}
