// Package headless fetches JavaScript-rendered pages with a real browser.
// It belongs on the blocking class: a render holds a browser tab for
// seconds, not milliseconds.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/driftline/driftline/internal/capability"
	"github.com/driftline/driftline/internal/crawl"
)

// Config controls the browser pool.
type Config struct {
	// URLTemplate is the page address with {param} placeholders filled from
	// the target key.
	URLTemplate string
	// MaxParallel caps concurrent browser tabs; zero means unlimited.
	MaxParallel int
	// NavigationTimeout bounds one render.
	NavigationTimeout time.Duration
	// WaitSelector is the element that must exist before the DOM is read.
	WaitSelector string
	// SettleDelay is extra time after the selector appears, for late
	// JavaScript mutations.
	SettleDelay time.Duration
}

// Fetcher renders pages with chromedp and returns the final DOM in the
// fragment payload's "html" field.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates the shared browser allocator.
func New(cfg Config) (*Fetcher, error) {
	if cfg.URLTemplate == "" {
		return nil, fmt.Errorf("headless fetcher needs a url template")
	}
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "body"
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close tears down the browser allocator.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch renders one page.
func (f *Fetcher) Fetch(ctx context.Context, req crawl.FetchRequest) (crawl.FetchResult, error) {
	endpoint, err := capability.ExpandURL(f.cfg.URLTemplate, req.Target.Key)
	if err != nil {
		return crawl.FetchResult{}, crawl.Permanent(err)
	}
	if err := f.acquire(ctx); err != nil {
		return crawl.FetchResult{}, err
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, f.cfg.NavigationTimeout)
	defer cancel()

	// Stop rendering as soon as the caller gives up.
	go func() {
		select {
		case <-ctx.Done():
			taskCancel()
		case <-taskCtx.Done():
		}
	}()

	meta := &documentMeta{}
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.setupAction(req.UserAgent),
		chromedp.Navigate(endpoint),
		chromedp.WaitReady(f.cfg.WaitSelector, chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return crawl.FetchResult{}, fmt.Errorf("render %s: %w", endpoint, err)
	}

	status := meta.statusOr(http.StatusOK)
	if status == http.StatusNotFound || status == http.StatusGone {
		return crawl.FetchResult{}, crawl.Permanent(fmt.Errorf("render %s: %w (status %d)", endpoint, crawl.ErrTargetGone, status))
	}
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return crawl.FetchResult{}, crawl.Permanent(fmt.Errorf("render %s: status %d", endpoint, status))
	}
	if status >= 400 {
		return crawl.FetchResult{}, fmt.Errorf("render %s: status %d", endpoint, status)
	}

	if finalURL == "" {
		finalURL = endpoint
	}
	payload := map[string]any{
		"html":   html,
		"url":    finalURL,
		"status": status,
	}
	return crawl.FetchResult{
		Fragment: crawl.Fragment{Kind: req.Kind, Payload: payload},
		RawBody:  []byte(html),
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

func (f *Fetcher) setupAction(userAgent string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if userAgent != "" {
			if err := emulation.SetUserAgentOverride(userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

// documentMeta records the main document response status from CDP events.
type documentMeta struct {
	mu     sync.Mutex
	status int
}

func (m *documentMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.mu.Unlock()
}

func (m *documentMeta) statusOr(fallback int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == 0 {
		return fallback
	}
	return m.status
}
