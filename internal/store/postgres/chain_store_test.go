package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/crawl"
)

func chainTestBase(version uint64) crawl.Base {
	now := time.Unix(1700000000, 0).UTC()
	return crawl.Base{
		Key:         crawl.TargetKey{"id": "app-1"},
		Kind:        "detail",
		Version:     version,
		Payload:     []byte(`{"name":"driftline"}`),
		Fingerprint: "fp-base",
		FetchedAt:   now,
		StoredAt:    now,
		LastSeenAt:  now,
	}
}

func TestGetBaseScansHead(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	want := chainTestBase(3)
	mock.ExpectQuery("SELECT version, payload, fingerprint").
		WithArgs(want.Key.Canonical(), want.Kind).
		WillReturnRows(pgxmock.NewRows([]string{
			"version", "payload", "fingerprint", "fetched_at", "stored_at", "observations", "last_seen_at",
		}).AddRow(want.Version, want.Payload, want.Fingerprint,
			want.FetchedAt, want.StoredAt, uint64(5), want.LastSeenAt))

	got, err := NewChainStore(mock).GetBase(context.Background(), want.Key, want.Kind)
	require.NoError(t, err)
	require.Equal(t, uint64(3), got.Version)
	require.Equal(t, uint64(5), got.Observations)
	require.JSONEq(t, string(want.Payload), string(got.Payload))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBaseUnknownChain(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	key := crawl.TargetKey{"id": "missing"}
	mock.ExpectQuery("SELECT version, payload, fingerprint").
		WithArgs(key.Canonical(), "detail").
		WillReturnError(pgx.ErrNoRows)

	_, err = NewChainStore(mock).GetBase(context.Background(), key, "detail")
	require.ErrorIs(t, err, crawl.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordObservationUnknownChain(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	key := crawl.TargetKey{"id": "missing"}
	seen := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE chain_bases SET observations").
		WithArgs(key.Canonical(), "detail", seen).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = NewChainStore(mock).RecordObservation(context.Background(), key, "detail", seen)
	require.ErrorIs(t, err, crawl.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendFirstVersionInsertsBase(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	base := chainTestBase(1)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT version FROM chain_bases").
		WithArgs(base.Key.Canonical(), base.Kind).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO chain_bases").
		WithArgs(base.Key.Canonical(), base.Kind, []byte(`{"id":"app-1"}`),
			base.Version, base.Payload, base.Fingerprint,
			base.FetchedAt, base.StoredAt, base.Observations, base.LastSeenAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	err = NewChainStore(mock).AppendVersion(context.Background(), base, nil)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendVersionWritesBaseAndDelta(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	base := chainTestBase(4)
	delta := &crawl.Delta{
		Version:     3,
		Patch:       []byte(`[{"op":"replace","path":"/name","value":"old"}]`),
		Fingerprint: "fp-old",
		FetchedAt:   base.FetchedAt,
		StoredAt:    base.StoredAt,
	}
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT version FROM chain_bases").
		WithArgs(base.Key.Canonical(), base.Kind).
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(uint64(3)))
	mock.ExpectExec("UPDATE chain_bases").
		WithArgs(base.Key.Canonical(), base.Kind, base.Version, base.Payload, base.Fingerprint,
			base.FetchedAt, base.StoredAt, base.Observations, base.LastSeenAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO chain_deltas").
		WithArgs(base.Key.Canonical(), base.Kind, delta.Version, delta.Patch,
			delta.Fingerprint, delta.FetchedAt, delta.StoredAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	err = NewChainStore(mock).AppendVersion(context.Background(), base, delta)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendVersionGapIsConflict(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	base := chainTestBase(5)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT version FROM chain_bases").
		WithArgs(base.Key.Canonical(), base.Kind).
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(uint64(3)))
	mock.ExpectRollback()

	err = NewChainStore(mock).AppendVersion(context.Background(), base, &crawl.Delta{Version: 3})
	require.ErrorIs(t, err, crawl.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeltasAppliesFromVersionAndLimit(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	key := crawl.TargetKey{"id": "app-1"}
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(key.Canonical(), "detail").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT version, patch, fingerprint").
		WithArgs(key.Canonical(), "detail", uint64(4), 2).
		WillReturnRows(pgxmock.NewRows([]string{
			"version", "patch", "fingerprint", "fetched_at", "stored_at",
		}).
			AddRow(uint64(3), []byte(`[]`), "fp-3", now, now).
			AddRow(uint64(2), []byte(`[]`), "fp-2", now, now))

	deltas, err := NewChainStore(mock).Deltas(context.Background(), key, "detail", 4, 2)
	require.NoError(t, err)
	require.Len(t, deltas, 2)
	require.Equal(t, uint64(3), deltas[0].Version)
	require.Equal(t, uint64(2), deltas[1].Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeltasUnknownChain(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	key := crawl.TargetKey{"id": "missing"}
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(key.Canonical(), "detail").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	_, err = NewChainStore(mock).Deltas(context.Background(), key, "detail", 4, 0)
	require.ErrorIs(t, err, crawl.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
