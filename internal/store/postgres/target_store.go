package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/driftline/driftline/internal/crawl"
)

// TargetStore persists targets in the targets and target_steps tables.
// Step state rows are keyed (target, series, stage, step) and carry the
// generation, so restarting a series never needs a sweep over old state.
type TargetStore struct {
	db    querier
	clock crawl.Clock
}

// NewTargetStore wraps a pool or mock.
func NewTargetStore(db querier, clock crawl.Clock) *TargetStore {
	return &TargetStore{db: db, clock: clock}
}

// UpsertTargets merges seeds into the registry inside one transaction.
// Existing targets only gain tags.
func (s *TargetStore) UpsertTargets(ctx context.Context, seeds []crawl.TargetSeed) (crawl.UpsertResult, error) {
	var res crawl.UpsertResult
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := s.clock.Now()
	for _, seed := range seeds {
		if err := seed.Key.Validate(); err != nil {
			return res, fmt.Errorf("upsert targets: %w", err)
		}
		params, err := json.Marshal(seed.Key)
		if err != nil {
			return res, fmt.Errorf("marshal key params: %w", err)
		}
		var inserted bool
		err = tx.QueryRow(ctx, `
INSERT INTO targets (canonical_key, key_params, tags, weight, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (canonical_key) DO UPDATE
SET tags = (
	SELECT array_agg(DISTINCT tag) FROM unnest(targets.tags || EXCLUDED.tags) AS tag
)
RETURNING (xmax = 0)`,
			seed.Key.Canonical(), params, seed.Tags, seed.Weight, now,
		).Scan(&inserted)
		if err != nil {
			return res, fmt.Errorf("upsert target %s: %w", seed.Key.Canonical(), err)
		}
		if inserted {
			res.Created++
		} else {
			res.Updated++
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("commit upsert: %w", err)
	}
	return res, nil
}

// Get returns one target with all of its step state rows.
func (s *TargetStore) Get(ctx context.Context, key crawl.TargetKey) (crawl.Target, error) {
	var (
		target crawl.Target
		params []byte
	)
	err := s.db.QueryRow(ctx, `
SELECT key_params, tags, weight, inactive, created_at
FROM targets WHERE canonical_key = $1`,
		key.Canonical(),
	).Scan(&params, &target.Tags, &target.Weight, &target.Inactive, &target.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawl.Target{}, fmt.Errorf("target %s: %w", key.Canonical(), crawl.ErrNotFound)
	}
	if err != nil {
		return crawl.Target{}, fmt.Errorf("get target: %w", err)
	}
	if err := json.Unmarshal(params, &target.Key); err != nil {
		return crawl.Target{}, fmt.Errorf("decode key params: %w", err)
	}

	rows, err := s.db.Query(ctx, `
SELECT series_id, stage_id, step_index, generation, completed, failed, claimed,
       COALESCE(claimed_at, 'epoch'::timestamptz),
       retry_count,
       COALESCE(last_attempt_at, 'epoch'::timestamptz),
       COALESCE(last_success_at, 'epoch'::timestamptz),
       last_error
FROM target_steps WHERE canonical_key = $1`,
		key.Canonical())
	if err != nil {
		return crawl.Target{}, fmt.Errorf("get target steps: %w", err)
	}
	defer rows.Close()

	target.States = make(map[crawl.StepRef]crawl.StepState)
	for rows.Next() {
		var (
			ref   crawl.StepRef
			state crawl.StepState
		)
		if err := rows.Scan(&ref.SeriesID, &ref.StageID, &ref.StepIndex,
			&state.Generation, &state.Completed, &state.Failed, &state.Claimed,
			&state.ClaimedAt, &state.RetryCount, &state.LastAttemptAt,
			&state.LastSuccessAt, &state.LastError); err != nil {
			return crawl.Target{}, fmt.Errorf("scan target step: %w", err)
		}
		target.States[ref] = state
	}
	if err := rows.Err(); err != nil {
		return crawl.Target{}, fmt.Errorf("read target steps: %w", err)
	}
	return target, nil
}

// Deactivate marks a target inactive.
func (s *TargetStore) Deactivate(ctx context.Context, key crawl.TargetKey) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE targets SET inactive = TRUE WHERE canonical_key = $1`, key.Canonical())
	if err != nil {
		return fmt.Errorf("deactivate target: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("target %s: %w", key.Canonical(), crawl.ErrNotFound)
	}
	return nil
}

// UpdateWeight stores a new scheduling weight.
func (s *TargetStore) UpdateWeight(ctx context.Context, key crawl.TargetKey, weight float64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE targets SET weight = $2 WHERE canonical_key = $1`, key.Canonical(), weight)
	if err != nil {
		return fmt.Errorf("update target weight: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("target %s: %w", key.Canonical(), crawl.ErrNotFound)
	}
	return nil
}

// QueryEligible selects targets whose queried step is still pending for the
// generation. The state join and prerequisite checks happen in SQL, so the
// answer is one round trip regardless of registry size.
func (s *TargetStore) QueryEligible(ctx context.Context, q crawl.EligibilityQuery) ([]crawl.TargetKey, error) {
	var (
		sb   strings.Builder
		args []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	sb.WriteString(`
SELECT t.key_params
FROM targets t
LEFT JOIN target_steps st
  ON st.canonical_key = t.canonical_key
 AND st.series_id = ` + arg(q.SeriesID) + `
 AND st.stage_id = ` + arg(q.StageID) + `
 AND st.step_index = ` + arg(q.StepIndex) + `
WHERE NOT t.inactive
  AND (st.canonical_key IS NULL
       OR st.generation <> ` + arg(q.Generation) + `
       OR (NOT st.completed AND NOT st.failed AND NOT st.claimed))`)

	if len(q.Filter.Tags) > 0 {
		sb.WriteString("\n  AND t.tags @> " + arg(q.Filter.Tags))
	}
	if len(q.Filter.ExcludeTags) > 0 {
		sb.WriteString("\n  AND NOT (t.tags && " + arg(q.Filter.ExcludeTags) + ")")
	}
	if len(q.Filter.Params) > 0 {
		params, err := json.Marshal(q.Filter.Params)
		if err != nil {
			return nil, fmt.Errorf("marshal filter params: %w", err)
		}
		sb.WriteString("\n  AND t.key_params @> " + arg(params))
	}
	for _, prereq := range q.Prereqs {
		sb.WriteString(`
  AND EXISTS (
    SELECT 1 FROM target_steps p
    WHERE p.canonical_key = t.canonical_key
      AND p.series_id = ` + arg(prereq.SeriesID) + `
      AND p.stage_id = ` + arg(prereq.StageID) + `
      AND p.step_index = ` + arg(prereq.StepIndex) + `
      AND p.generation = ` + arg(q.Generation) + `
      AND p.completed)`)
	}

	switch q.Order {
	case crawl.OrderOldestAttempt:
		sb.WriteString("\nORDER BY st.last_attempt_at ASC NULLS FIRST, t.created_at ASC")
	case crawl.OrderWeightDesc:
		sb.WriteString("\nORDER BY t.weight DESC, t.created_at ASC")
	default:
		sb.WriteString("\nORDER BY t.created_at ASC")
	}
	if q.Limit > 0 {
		sb.WriteString("\nLIMIT " + arg(q.Limit))
	}

	rows, err := s.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query eligible: %w", err)
	}
	defer rows.Close()

	var keys []crawl.TargetKey
	for rows.Next() {
		var params []byte
		if err := rows.Scan(&params); err != nil {
			return nil, fmt.Errorf("scan eligible target: %w", err)
		}
		var key crawl.TargetKey
		if err := json.Unmarshal(params, &key); err != nil {
			return nil, fmt.Errorf("decode key params: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read eligible targets: %w", err)
	}
	return keys, nil
}

// Claim marks the step in flight in one conditional upsert: the row version
// of a compare-and-swap. Zero affected rows means another claimer won.
func (s *TargetStore) Claim(ctx context.Context, key crawl.TargetKey, ref crawl.StepRef, generation uint64) (bool, error) {
	tag, err := s.db.Exec(ctx, `
INSERT INTO target_steps (canonical_key, series_id, stage_id, step_index, generation, claimed, claimed_at)
VALUES ($1, $2, $3, $4, $5, TRUE, $6)
ON CONFLICT (canonical_key, series_id, stage_id, step_index) DO UPDATE
SET generation = EXCLUDED.generation,
    completed = FALSE,
    failed = FALSE,
    claimed = TRUE,
    claimed_at = EXCLUDED.claimed_at,
    retry_count = CASE WHEN target_steps.generation = EXCLUDED.generation THEN target_steps.retry_count ELSE 0 END,
    last_attempt_at = CASE WHEN target_steps.generation = EXCLUDED.generation THEN target_steps.last_attempt_at ELSE NULL END,
    last_success_at = CASE WHEN target_steps.generation = EXCLUDED.generation THEN target_steps.last_success_at ELSE NULL END,
    last_error = CASE WHEN target_steps.generation = EXCLUDED.generation THEN target_steps.last_error ELSE '' END
WHERE target_steps.generation <> EXCLUDED.generation
   OR (NOT target_steps.completed AND NOT target_steps.failed AND NOT target_steps.claimed)`,
		key.Canonical(), ref.SeriesID, ref.StageID, ref.StepIndex, generation, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("claim step: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release drops a claim without recording an outcome.
func (s *TargetStore) Release(ctx context.Context, key crawl.TargetKey, ref crawl.StepRef, generation uint64) error {
	if _, err := s.db.Exec(ctx, `
UPDATE target_steps SET claimed = FALSE
WHERE canonical_key = $1 AND series_id = $2 AND stage_id = $3 AND step_index = $4
  AND generation = $5 AND claimed`,
		key.Canonical(), ref.SeriesID, ref.StageID, ref.StepIndex, generation); err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// MarkStepResult records a task outcome. A transient failure keeps the
// claim, because the delayed retry task still owns the step.
func (s *TargetStore) MarkStepResult(ctx context.Context, key crawl.TargetKey, ref crawl.StepRef, generation uint64, outcome crawl.Outcome, errText string) error {
	now := s.clock.Now()
	var set string
	switch outcome {
	case crawl.OutcomeSucceeded:
		set = `completed = TRUE, claimed = FALSE, last_attempt_at = $6, last_success_at = $6, last_error = ''`
	case crawl.OutcomeTransientFailed:
		set = `retry_count = target_steps.retry_count + 1, last_attempt_at = $6, last_error = $7`
	case crawl.OutcomePermanentFailed:
		set = `failed = TRUE, claimed = FALSE, last_attempt_at = $6, last_error = $7`
	default:
		return fmt.Errorf("mark step result: unknown outcome %q", outcome)
	}
	query := `
UPDATE target_steps SET ` + set + `
WHERE canonical_key = $1 AND series_id = $2 AND stage_id = $3 AND step_index = $4 AND generation = $5`

	args := []any{key.Canonical(), ref.SeriesID, ref.StageID, ref.StepIndex, generation, now}
	if outcome != crawl.OutcomeSucceeded {
		args = append(args, errText)
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark step result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark step result for %s: %w", key.Canonical(), crawl.ErrNotFound)
	}
	return nil
}

// ClaimedCount reports outstanding claims for the series generation.
func (s *TargetStore) ClaimedCount(ctx context.Context, seriesID string, generation uint64) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `
SELECT COUNT(*) FROM target_steps
WHERE series_id = $1 AND generation = $2 AND claimed`,
		seriesID, generation).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("claimed count: %w", err)
	}
	return count, nil
}
