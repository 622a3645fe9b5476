// Package pipeline holds the fragment transformations that run between
// fetch and storage.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/driftline/driftline/internal/crawl"
)

// HTMLExtractConfig maps output field names to CSS selectors.
type HTMLExtractConfig struct {
	// SourceField is the payload field holding the HTML, default "html".
	SourceField string
	// Fields maps output names to selectors. A selector matching several
	// nodes yields a list of strings.
	Fields map[string]string
	// Attributes maps output names to "selector@attribute" pairs, for
	// values carried in attributes rather than text, e.g. "a.next@href".
	Attributes map[string]string
	// KeepSource leaves the raw HTML in the payload instead of dropping it.
	KeepSource bool
}

// HTMLExtract turns a fetched HTML document into a structured payload.
// Storing selector output instead of markup keeps the delta chains small:
// layout churn no longer counts as a content change.
type HTMLExtract struct {
	cfg HTMLExtractConfig
}

// NewHTMLExtract validates the selector table.
func NewHTMLExtract(cfg HTMLExtractConfig) (*HTMLExtract, error) {
	if cfg.SourceField == "" {
		cfg.SourceField = "html"
	}
	if len(cfg.Fields) == 0 && len(cfg.Attributes) == 0 {
		return nil, fmt.Errorf("html extract pipeline has no fields")
	}
	for name, spec := range cfg.Attributes {
		if _, _, ok := splitAttrSpec(spec); !ok {
			return nil, fmt.Errorf("html extract field %q: %q is not selector@attribute", name, spec)
		}
	}
	return &HTMLExtract{cfg: cfg}, nil
}

// Apply parses the HTML and replaces it with the extracted fields.
func (p *HTMLExtract) Apply(_ context.Context, _ crawl.PipelineContext, fragment crawl.Fragment) (crawl.Fragment, error) {
	html, ok := fragment.Payload[p.cfg.SourceField].(string)
	if !ok {
		return fragment, crawl.Permanent(fmt.Errorf("payload field %q is not a string", p.cfg.SourceField))
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return fragment, fmt.Errorf("parse html: %w", err)
	}

	out := make(map[string]any, len(fragment.Payload))
	for name, value := range fragment.Payload {
		if name == p.cfg.SourceField && !p.cfg.KeepSource {
			continue
		}
		out[name] = value
	}
	for name, selector := range p.cfg.Fields {
		out[name] = selectText(doc, selector)
	}
	for name, spec := range p.cfg.Attributes {
		selector, attr, _ := splitAttrSpec(spec)
		out[name] = selectAttr(doc, selector, attr)
	}

	fragment.Payload = out
	return fragment, nil
}

func selectText(doc *goquery.Document, selector string) any {
	var values []any
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		values = append(values, strings.TrimSpace(sel.Text()))
	})
	return collapse(values)
}

func selectAttr(doc *goquery.Document, selector, attr string) any {
	var values []any
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		if value, ok := sel.Attr(attr); ok {
			values = append(values, strings.TrimSpace(value))
		}
	})
	return collapse(values)
}

// collapse flattens zero and one element lists: a missing selector reads as
// nil and a unique match as its value, which is what stage authors expect.
func collapse(values []any) any {
	switch len(values) {
	case 0:
		return nil
	case 1:
		return values[0]
	default:
		return values
	}
}

func splitAttrSpec(spec string) (selector, attr string, ok bool) {
	at := strings.LastIndex(spec, "@")
	if at <= 0 || at == len(spec)-1 {
		return "", "", false
	}
	return spec[:at], spec[at+1:], true
}
