// Package static fetches server-rendered HTML pages with colly.
package static

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/driftline/driftline/internal/capability"
	"github.com/driftline/driftline/internal/crawl"
)

// Config describes one static HTML source.
type Config struct {
	// URLTemplate is the page address with {param} placeholders filled from
	// the target key.
	URLTemplate string
	// Timeout caps one request.
	Timeout time.Duration
}

// Fetcher retrieves a page and wraps the raw HTML into a fragment payload
// under the "html" field, which the extract pipeline turns into structured
// data.
type Fetcher struct {
	cfg  Config
	base *colly.Collector
}

// New builds a Fetcher with a pooled transport shared by all fetches.
func New(cfg Config) (*Fetcher, error) {
	if cfg.URLTemplate == "" {
		return nil, fmt.Errorf("static fetcher needs a url template")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	base := colly.NewCollector(colly.Async(false))
	base.WithTransport(newHTTPTransport())
	return &Fetcher{cfg: cfg, base: base}, nil
}

// Fetch performs one GET through a cloned collector.
func (f *Fetcher) Fetch(ctx context.Context, req crawl.FetchRequest) (crawl.FetchResult, error) {
	endpoint, err := capability.ExpandURL(f.cfg.URLTemplate, req.Target.Key)
	if err != nil {
		return crawl.FetchResult{}, crawl.Permanent(err)
	}

	collector := f.base.Clone()
	collector.IgnoreRobotsTxt = false
	collector.SetRequestTimeout(f.cfg.Timeout)
	if req.UserAgent != "" {
		collector.UserAgent = req.UserAgent
	}

	var (
		body     []byte
		status   int
		finalURL string
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
		status = r.StatusCode
		finalURL = r.Request.URL.String()
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	if err := runCollector(ctx, collector, endpoint); err != nil {
		return crawl.FetchResult{}, err
	}
	if fetchErr != nil {
		return crawl.FetchResult{}, classify(status, fmt.Errorf("visit %s: %w", endpoint, fetchErr))
	}

	payload := map[string]any{
		"html":   string(body),
		"url":    finalURL,
		"status": status,
	}
	return crawl.FetchResult{
		Fragment: crawl.Fragment{Kind: req.Kind, Payload: payload},
		RawBody:  body,
	}, nil
}

// SourceKey buckets politeness by page host.
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

// runCollector bridges colly's blocking Visit with context cancellation.
func runCollector(ctx context.Context, collector *colly.Collector, endpoint string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(endpoint)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit %s: %w", endpoint, err)
		}
		return nil
	}
}

func classify(status int, err error) error {
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return crawl.Permanent(fmt.Errorf("%w: %w", crawl.ErrTargetGone, err))
	case status >= 400 && status < 500 && status != http.StatusTooManyRequests:
		return crawl.Permanent(err)
	default:
		return err
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
