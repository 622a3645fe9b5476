package capability

import (
	"fmt"
	"net/url"
	"regexp"

	"github.com/driftline/driftline/internal/crawl"
)

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_.-]+)\}`)

// ExpandURL substitutes {name} placeholders in the template with the
// target key's parameter values, path-escaped. A placeholder without a
// matching parameter is an error: fetching the wrong URL silently would
// poison the chain.
func ExpandURL(template string, key crawl.TargetKey) (string, error) {
	var missing string
	out := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		value, ok := key[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return match
		}
		return url.PathEscape(value)
	})
	if missing != "" {
		return "", fmt.Errorf("url template %q: target key has no parameter %q", template, missing)
	}
	return out, nil
}
