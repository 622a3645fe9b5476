package static

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/crawl"
)

func fetchRequest(id string) crawl.FetchRequest {
	return crawl.FetchRequest{
		Target:    crawl.Target{Key: crawl.TargetKey{"id": id}},
		Kind:      "detail",
		UserAgent: "driftline-test/1.0",
	}
}

func TestFetchWrapsHTMLIntoPayload(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/apps/com.example.one", r.URL.Path)
		require.Equal(t, "driftline-test/1.0", r.Header.Get("User-Agent"))
		fmt.Fprint(w, `<html><body><h1>Driftline Notes</h1></body></html>`)
	}))
	defer server.Close()

	fetcher, err := New(Config{URLTemplate: server.URL + "/apps/{id}"})
	require.NoError(t, err)

	result, err := fetcher.Fetch(context.Background(), fetchRequest("com.example.one"))
	require.NoError(t, err)
	require.Equal(t, "detail", result.Fragment.Kind)
	require.Contains(t, result.Fragment.Payload["html"], "Driftline Notes")
	require.Equal(t, 200, result.Fragment.Payload["status"])
	require.NotEmpty(t, result.RawBody)
	require.Nil(t, result.Continuation)
}

func TestFetchNotFoundIsPermanent(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	fetcher, err := New(Config{URLTemplate: server.URL + "/apps/{id}"})
	require.NoError(t, err)

	_, err = fetcher.Fetch(context.Background(), fetchRequest("gone"))
	require.True(t, crawl.IsPermanent(err))
	require.ErrorIs(t, err, crawl.ErrTargetGone)
}

func TestFetchServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	fetcher, err := New(Config{URLTemplate: server.URL + "/apps/{id}"})
	require.NoError(t, err)

	_, err = fetcher.Fetch(context.Background(), fetchRequest("flaky"))
	require.Error(t, err)
	require.False(t, crawl.IsPermanent(err))
}

func TestFetchMissingKeyParameterIsPermanent(t *testing.T) {
	t.Parallel()

	fetcher, err := New(Config{URLTemplate: "https://store.example/{region}/apps/{id}"})
	require.NoError(t, err)

	_, err = fetcher.Fetch(context.Background(), fetchRequest("com.example.one"))
	require.True(t, crawl.IsPermanent(err))
}

func TestSourceKeyIsPageHost(t *testing.T) {
	t.Parallel()

	fetcher, err := New(Config{URLTemplate: "https://store.example/apps/{id}"})
	require.NoError(t, err)
	require.Equal(t, "store.example", fetcher.SourceKey(fetchRequest("com.example.one")))
}

func TestNewRequiresTemplate(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}
