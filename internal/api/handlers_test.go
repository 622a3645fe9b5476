package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/capability"
	"github.com/driftline/driftline/internal/catalog"
	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/crawl"
	"github.com/driftline/driftline/internal/fingerprint/sha256"
	"github.com/driftline/driftline/internal/history"
	"github.com/driftline/driftline/internal/store/memory"
)

// --- fakes ---

type stubClock struct{ now time.Time }

func (c stubClock) Now() time.Time { return c.now }

type seqIDs struct{ n atomic.Int64 }

func (g *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%04d", g.n.Add(1)), nil
}

type nopFetcher struct{}

func (nopFetcher) Fetch(context.Context, crawl.FetchRequest) (crawl.FetchResult, error) {
	return crawl.FetchResult{}, nil
}

func (nopFetcher) SourceKey(crawl.FetchRequest) string { return "test" }

// --- fixture ---

type apiFixture struct {
	handler http.Handler
	engine  *history.Engine
	clock   stubClock
}

func newTestAPI(t *testing.T, mutate func(*config.Config)) *apiFixture {
	t.Helper()

	cfg := config.Config{}
	cfg.Server.TimeoutSeconds = 5
	if mutate != nil {
		mutate(&cfg)
	}

	clock := stubClock{now: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
	registry := capability.NewRegistry()
	require.NoError(t, registry.RegisterFetcher("detail", nopFetcher{}))

	service := catalog.NewService(
		memory.NewCatalog(), registry, clock, &seqIDs{}, nil, nil, nil)
	engine := history.New(memory.NewChainStore(), sha256.New(), clock, nil)
	targets := memory.NewTargetStore(clock)

	ready := func(context.Context) error { return nil }
	server := NewServer(cfg, targets, service, engine, nil, ready, nil)
	return &apiFixture{handler: server.Handler(), engine: engine, clock: clock}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func detailStage() crawl.Stage {
	return crawl.Stage{
		Name: "detail pass",
		Steps: []crawl.Step{
			{Capability: "detail", Class: crawl.ClassNonBlocking},
		},
	}
}

// --- tests ---

func TestHealthz(t *testing.T) {
	t.Parallel()

	f := newTestAPI(t, nil)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadyzReportsFailure(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.Server.TimeoutSeconds = 5
	server := NewServer(cfg, nil, nil, nil, nil, func(context.Context) error {
		return errors.New("pool down")
	}, nil)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPIKeyGuardsRoutes(t *testing.T) {
	t.Parallel()

	f := newTestAPI(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.APIKey = "secret"
	})

	rec := f.do(t, http.MethodGet, "/v1/series", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/series", nil)
	req.Header.Set("X-API-Key", "secret")
	ok := httptest.NewRecorder()
	f.handler.ServeHTTP(ok, req)
	require.Equal(t, http.StatusOK, ok.Code)
}

func TestImportTargets(t *testing.T) {
	t.Parallel()

	f := newTestAPI(t, nil)
	rec := f.do(t, http.MethodPost, "/v1/targets/import", importTargetsRequest{
		Targets: []crawl.TargetSeed{
			{Key: crawl.TargetKey{"id": "com.example.one"}, Tags: []string{"games"}},
			{Key: crawl.TargetKey{"id": "com.example.two"}, Weight: 2},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	result := decodeBody[crawl.UpsertResult](t, rec)
	require.Equal(t, 2, result.Created)
	require.Equal(t, 0, result.Updated)
}

func TestImportTargetsRejectsBadInput(t *testing.T) {
	t.Parallel()

	f := newTestAPI(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/targets/import", importTargetsRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/targets/import", bytes.NewBufferString("{not json"))
	bad := httptest.NewRecorder()
	f.handler.ServeHTTP(bad, req)
	require.Equal(t, http.StatusBadRequest, bad.Code)

	rec = f.do(t, http.MethodPost, "/v1/targets/import", importTargetsRequest{
		Targets: []crawl.TargetSeed{{Key: crawl.TargetKey{}}},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRegisterAndGetStage(t *testing.T) {
	t.Parallel()

	f := newTestAPI(t, nil)
	rec := f.do(t, http.MethodPost, "/v1/stages", detailStage())
	require.Equal(t, http.StatusCreated, rec.Code)

	created := decodeBody[crawl.Stage](t, rec)
	require.NotEmpty(t, created.ID)

	rec = f.do(t, http.MethodGet, "/v1/stages/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "detail pass", decodeBody[crawl.Stage](t, rec).Name)
}

func TestRegisterStageUnknownCapabilityIs422(t *testing.T) {
	t.Parallel()

	f := newTestAPI(t, nil)
	stage := detailStage()
	stage.Steps[0].Capability = "teleport"
	rec := f.do(t, http.MethodPost, "/v1/stages", stage)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetStageNotFound(t *testing.T) {
	t.Parallel()

	f := newTestAPI(t, nil)
	rec := f.do(t, http.MethodGet, "/v1/stages/ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSeriesLifecycle(t *testing.T) {
	t.Parallel()

	f := newTestAPI(t, nil)
	rec := f.do(t, http.MethodPost, "/v1/series", registerSeriesRequest{
		Series: crawl.Series{Name: "nightly"},
		Stages: []crawl.Stage{detailStage()},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	series := decodeBody[crawl.Series](t, rec)
	require.Equal(t, crawl.SeriesPending, series.Status)

	rec = f.do(t, http.MethodPost, "/v1/series/"+series.ID+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	started := decodeBody[crawl.Series](t, rec)
	require.Equal(t, crawl.SeriesActive, started.Status)
	require.Equal(t, uint64(1), started.Generation)

	// A second start while the run is active is a lifecycle conflict.
	rec = f.do(t, http.MethodPost, "/v1/series/"+series.ID+"/start", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/series/"+series.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, crawl.SeriesCancelled, decodeBody[crawl.Series](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/v1/series/"+series.ID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/series", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listing := decodeBody[map[string][]crawl.Series](t, rec)
	require.Len(t, listing["series"], 1)
}

func TestStartUnknownSeriesIs404(t *testing.T) {
	t.Parallel()

	f := newTestAPI(t, nil)
	rec := f.do(t, http.MethodPost, "/v1/series/ghost/start", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterSeriesUnknownStageIs422(t *testing.T) {
	t.Parallel()

	f := newTestAPI(t, nil)
	rec := f.do(t, http.MethodPost, "/v1/series", registerSeriesRequest{
		Series: crawl.Series{Name: "nightly", StageIDs: []string{"ghost"}},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

// seedChain writes three versions of a detail fragment so the history
// endpoints have something to walk.
func seedChain(t *testing.T, f *apiFixture, key crawl.TargetKey) {
	t.Helper()
	ctx := context.Background()
	for i, rating := range []float64{4.1, 4.3, 4.6} {
		payload := map[string]any{"id": "app-1", "rating": rating}
		outcome, err := f.engine.Store(ctx, key, "detail", payload, f.clock.now)
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), outcome.Version)
	}
}

func TestGetHistoryNewestFirst(t *testing.T) {
	t.Parallel()

	f := newTestAPI(t, nil)
	key := crawl.TargetKey{"id": "app-1"}
	seedChain(t, f, key)

	rec := f.do(t, http.MethodGet, "/v1/history?key=id%3Dapp-1&kind=detail", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Key      string          `json:"key"`
		Kind     string          `json:"kind"`
		Versions []history.Entry `json:"versions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "id=app-1", body.Key)
	require.Equal(t, "detail", body.Kind)
	require.Len(t, body.Versions, 3)
	require.Equal(t, uint64(3), body.Versions[0].Version)
	require.Equal(t, uint64(1), body.Versions[2].Version)
	// Payloads stay out of the listing unless asked for.
	require.Nil(t, body.Versions[0].Payload)

	rec = f.do(t, http.MethodGet, "/v1/history?key=id%3Dapp-1&kind=detail&limit=1&payloads=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Versions, 1)
	require.Equal(t, 4.6, body.Versions[0].Payload["rating"])
}

func TestGetHistoryBadRequests(t *testing.T) {
	t.Parallel()

	f := newTestAPI(t, nil)
	seedChain(t, f, crawl.TargetKey{"id": "app-1"})

	for _, path := range []string{
		"/v1/history?kind=detail",                          // missing key
		"/v1/history?key=id%3Dapp-1",                       // missing kind
		"/v1/history?key=id%3Dapp-1&kind=detail&limit=0",   // non-positive limit
		"/v1/history?key=id%3Dapp-1&kind=detail&limit=abc", // non-numeric limit
	} {
		rec := f.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestGetHistoryUnknownChainIs404(t *testing.T) {
	t.Parallel()

	f := newTestAPI(t, nil)
	rec := f.do(t, http.MethodGet, "/v1/history?key=id%3Dghost&kind=detail", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetHistoryVersion(t *testing.T) {
	t.Parallel()

	f := newTestAPI(t, nil)
	seedChain(t, f, crawl.TargetKey{"id": "app-1"})

	rec := f.do(t, http.MethodGet, "/v1/history/version?key=id%3Dapp-1&kind=detail&version=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entry := decodeBody[history.Entry](t, rec)
	require.Equal(t, uint64(2), entry.Version)
	require.Equal(t, 4.3, entry.Payload["rating"])

	rec = f.do(t, http.MethodGet, "/v1/history/version?key=id%3Dapp-1&kind=detail&version=99", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/history/version?key=id%3Dapp-1&kind=detail&version=zero", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
