// Package restjson fetches fragments from JSON HTTP APIs.
package restjson

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/driftline/driftline/internal/capability"
	"github.com/driftline/driftline/internal/crawl"
)

// Config describes one JSON API endpoint.
type Config struct {
	// URLTemplate is the endpoint with {param} placeholders filled from the
	// target key, e.g. "https://api.example.com/apps/{id}".
	URLTemplate string
	// Query adds fixed query parameters to every request.
	Query map[string]string
	// PageParam names the query parameter carrying the continuation token.
	// Empty disables pagination.
	PageParam string
	// NextTokenField is the dotted path in the response that holds the next
	// page token, e.g. "paging.next". An absent or empty token ends the loop.
	NextTokenField string
	// Timeout caps one request, on top of the executor's per-fetch context.
	Timeout time.Duration
}

// Fetcher retrieves JSON documents with resty. Responses decode straight
// into the fragment payload.
type Fetcher struct {
	cfg    Config
	client *resty.Client
}

// New builds a Fetcher. Retries are left to the task retry state machine,
// so the client itself never retries.
func New(cfg Config) (*Fetcher, error) {
	if cfg.URLTemplate == "" {
		return nil, fmt.Errorf("restjson fetcher needs a url template")
	}
	client := resty.New().
		SetRetryCount(0).
		SetHeader("Accept", "application/json")
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return &Fetcher{cfg: cfg, client: client}, nil
}

// Fetch performs one GET and decodes the JSON body.
func (f *Fetcher) Fetch(ctx context.Context, req crawl.FetchRequest) (crawl.FetchResult, error) {
	endpoint, err := capability.ExpandURL(f.cfg.URLTemplate, req.Target.Key)
	if err != nil {
		return crawl.FetchResult{}, crawl.Permanent(err)
	}

	r := f.client.R().SetContext(ctx)
	if req.UserAgent != "" {
		r.SetHeader("User-Agent", req.UserAgent)
	}
	for name, value := range f.cfg.Query {
		r.SetQueryParam(name, value)
	}
	if f.cfg.PageParam != "" {
		if token, ok := req.Continuation[f.cfg.PageParam]; ok {
			r.SetQueryParam(f.cfg.PageParam, token)
		}
	}

	var payload map[string]any
	r.SetResult(&payload)
	resp, err := r.Get(endpoint)
	if err != nil {
		return crawl.FetchResult{}, fmt.Errorf("get %s: %w", endpoint, err)
	}
	if err := classifyStatus(resp.StatusCode(), endpoint); err != nil {
		return crawl.FetchResult{}, err
	}
	if payload == nil {
		return crawl.FetchResult{}, crawl.Permanent(fmt.Errorf("get %s: response is not a JSON object", endpoint))
	}

	result := crawl.FetchResult{
		Fragment: crawl.Fragment{Kind: req.Kind, Payload: payload},
		RawBody:  append([]byte(nil), resp.Body()...),
	}
	if f.cfg.PageParam != "" && f.cfg.NextTokenField != "" {
		token := lookupString(payload, f.cfg.NextTokenField)
		if token == "" {
			result.Exhausted = true
		} else {
			result.Continuation = map[string]string{f.cfg.PageParam: token}
		}
	}
	return result, nil
}

// SourceKey buckets politeness by endpoint host.
func (f *Fetcher) SourceKey(req crawl.FetchRequest) string {
	endpoint, err := capability.ExpandURL(f.cfg.URLTemplate, req.Target.Key)
	if err != nil {
		return "unknown"
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "unknown"
	}
	return u.Hostname()
}

// classifyStatus maps HTTP statuses onto the retry taxonomy: client errors
// are permanent, 429 and server errors are transient.
func classifyStatus(status int, endpoint string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("get %s: status %d", endpoint, status)
	case status == http.StatusNotFound || status == http.StatusGone:
		return crawl.Permanent(fmt.Errorf("get %s: %w (status %d)", endpoint, crawl.ErrTargetGone, status))
	case status >= 400 && status < 500:
		return crawl.Permanent(fmt.Errorf("get %s: status %d", endpoint, status))
	default:
		return fmt.Errorf("get %s: status %d", endpoint, status)
	}
}

// lookupString walks a dotted path through nested objects.
func lookupString(payload map[string]any, path string) string {
	current := any(payload)
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current, ok = obj[part]
		if !ok {
			return ""
		}
	}
	s, _ := current.(string)
	return s
}
