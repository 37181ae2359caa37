package cache

import (
	"fmt"
	"regexp"
	"strings"
)

const regexRulePrefix = "re:"

// Exclusions decides whether responses for a given model should bypass the
// cache. Rules come from a single flat list: plain entries match the model
// name exactly, entries prefixed with "re:" are compiled as regular
// expressions. A nil *Exclusions matches nothing.
type Exclusions struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// ParseExclusions builds an Exclusions from a rule list. Invalid regex rules
// fail parsing so misconfiguration surfaces at startup rather than as silently
// uncached traffic.
func ParseExclusions(rules []string) (*Exclusions, error) {
	ex := &Exclusions{
		exact: make(map[string]struct{}, len(rules)),
	}

	for _, rule := range rules {
		rule = strings.TrimSpace(rule)
		if rule == "" {
			continue
		}
		if pat, ok := strings.CutPrefix(rule, regexRulePrefix); ok {
			re, err := regexp.Compile(pat)
			if err != nil {
				return nil, fmt.Errorf("cache exclusion: invalid rule %q: %w", rule, err)
			}
			ex.patterns = append(ex.patterns, re)
			continue
		}
		ex.exact[rule] = struct{}{}
	}

	return ex, nil
}

// Excluded reports whether the model is barred from caching. Exact rules are
// checked before patterns.
func (ex *Exclusions) Excluded(model string) bool {
	if ex == nil {
		return false
	}
	if _, ok := ex.exact[model]; ok {
		return true
	}
	for _, re := range ex.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len returns the number of configured rules.
func (ex *Exclusions) Len() int {
	if ex == nil {
		return 0
	}
	return len(ex.exact) + len(ex.patterns)
}
