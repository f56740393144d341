package symbols

import (
	"path"
	"sort"
	"strings"
)

// Filter selects venue symbols from a list of patterns. A pattern is either
// a symbol, a glob ("*USDT", "BTC*") or an exclusion prefixed with "!".
// A symbol is selected when any inclusion matches and no exclusion does.
type Filter struct {
	include []string
	exclude []string
}

// NewFilter parses patterns, case insensitive
func NewFilter(patterns []string) *Filter {
	f := &Filter{}
	for _, p := range patterns {
		p = strings.ToUpper(strings.TrimSpace(p))
		switch {
		case p == "" || p == "!":
		case strings.HasPrefix(p, "!"):
			f.exclude = append(f.exclude, p[1:])
		default:
			f.include = append(f.include, p)
		}
	}
	return f
}

// Match reports whether symbol is selected
func (f *Filter) Match(symbol string) bool {
	symbol = strings.ToUpper(symbol)
	if !matchAny(f.include, symbol) {
		return false
	}
	return !matchAny(f.exclude, symbol)
}

// Apply returns the selected symbols of available, sorted and deduplicated
func (f *Filter) Apply(available []string) []string {
	seen := make(map[string]bool, len(available))
	var out []string
	for _, s := range available {
		s = strings.ToUpper(s)
		if seen[s] || !f.Match(s) {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Literals returns the inclusion patterns without wildcards that are not
// excluded, usable when no exchange metadata is available
func (f *Filter) Literals() []string {
	var out []string
	for _, p := range f.include {
		if isPattern(p) || matchAny(f.exclude, p) {
			continue
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// HasWildcards reports whether resolving the filter needs exchange metadata
func (f *Filter) HasWildcards() bool {
	for _, p := range f.include {
		if isPattern(p) {
			return true
		}
	}
	return false
}

func isPattern(p string) bool {
	return strings.ContainsAny(p, "*?[")
}

func matchAny(patterns []string, symbol string) bool {
	for _, p := range patterns {
		if p == symbol {
			return true
		}
		if ok, err := path.Match(p, symbol); err == nil && ok {
			return true
		}
	}
	return false
}
