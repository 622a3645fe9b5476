package pipeline

import (
	"context"
	"fmt"

	"dario.cat/mergo"

	"github.com/driftline/driftline/internal/crawl"
)

// DiscoveryConfig describes how to mine new targets out of a fragment.
type DiscoveryConfig struct {
	// ItemsField is the payload field holding the list of candidate items.
	ItemsField string
	// KeyParams maps item fields to target key parameters, e.g.
	// {"appId": "id"} takes each item's "appId" as the new key's "id".
	KeyParams map[string]string
	// Defaults are key parameters applied when the item does not provide
	// them, typically inherited source parameters such as locale.
	Defaults map[string]string
	// Tags are attached to every discovered target.
	Tags []string
}

// Discovery emits target seeds for records a fragment mentions, which is
// how a listing crawl grows the registry: the executor upserts the seeds
// once the step succeeds.
type Discovery struct {
	cfg DiscoveryConfig
}

// NewDiscovery validates the field mapping.
func NewDiscovery(cfg DiscoveryConfig) (*Discovery, error) {
	if cfg.ItemsField == "" {
		return nil, fmt.Errorf("discovery pipeline names no items field")
	}
	if len(cfg.KeyParams) == 0 {
		return nil, fmt.Errorf("discovery pipeline maps no key parameters")
	}
	return &Discovery{cfg: cfg}, nil
}

// Apply collects seeds without touching the fragment.
func (p *Discovery) Apply(_ context.Context, pctx crawl.PipelineContext, fragment crawl.Fragment) (crawl.Fragment, error) {
	if pctx.Discovered == nil {
		return fragment, nil
	}
	items, ok := fragment.Payload[p.cfg.ItemsField].([]any)
	if !ok {
		// A page without the list is a content shape the caller decided to
		// tolerate, not a crawl failure.
		return fragment, nil
	}

	defaults := p.sessionDefaults(pctx)
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		key := make(crawl.TargetKey, len(p.cfg.KeyParams)+len(defaults))
		complete := true
		for field, param := range p.cfg.KeyParams {
			value, ok := item[field].(string)
			if !ok || value == "" {
				complete = false
				break
			}
			key[param] = value
		}
		if !complete {
			continue
		}
		if err := mergo.Merge(&key, crawl.TargetKey(defaults)); err != nil {
			return fragment, fmt.Errorf("merge default parameters: %w", err)
		}
		if key.Equal(pctx.Target.Key) {
			continue
		}
		*pctx.Discovered = append(*pctx.Discovered, crawl.TargetSeed{
			Key:  key,
			Tags: append([]string(nil), p.cfg.Tags...),
		})
	}
	return fragment, nil
}

// sessionDefaults layers the configured defaults over the series filter's
// pinned parameters, so discoveries inherit the scope they were found in.
func (p *Discovery) sessionDefaults(pctx crawl.PipelineContext) map[string]string {
	defaults := make(map[string]string, len(p.cfg.Defaults)+len(pctx.Series.Filter.Params))
	for name, value := range pctx.Series.Filter.Params {
		defaults[name] = value
	}
	for name, value := range p.cfg.Defaults {
		defaults[name] = value
	}
	return defaults
}
