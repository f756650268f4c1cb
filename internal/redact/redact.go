// Package redact scrubs sensitive material from exchange payloads before
// hashing. Redaction changes content identity on purpose: a redacted and
// an unredacted capture of the same real content hash differently.
package redact

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/interchange-dev/packmirror/internal/canon"
	"github.com/interchange-dev/packmirror/internal/record"
)

// Replacement is the fixed token substituted for scrubbed spans.
const Replacement = "[REDACTED]"

// defaultHeaders are object keys whose values are always scrubbed when
// redaction is enabled, matched case-insensitively.
var defaultHeaders = []string{
	"authorization",
	"proxy-authorization",
	"cookie",
	"set-cookie",
	"x-api-key",
	"api-key",
}

// builtinPatterns scrub sensitive spans inside string values.
var builtinPatterns = []patternRule{
	{name: "pattern:bearer_token", re: regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]{8,}`)},
	{name: "pattern:api_key", re: regexp.MustCompile(`\b(?:sk|pk|api|key)[-_][A-Za-z0-9]{16,}\b`)},
	{name: "pattern:generic_secret", re: regexp.MustCompile(`(?i)\b(?:password|secret|token)["']?\s*[:=]\s*[^\s",}]+`)},
	{name: "pattern:email", re: regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
}

type patternRule struct {
	name string
	re   *regexp.Regexp
}

// Match records one applied redaction: the rule that fired, the path of
// the affected value, the span within the original string, and the text
// substituted in.
type Match struct {
	Rule        string `json:"rule"`
	Path        string `json:"path"`
	Span        [2]int `json:"span"`
	Replacement string `json:"replacement"`
}

// Redactor applies a compiled redaction policy. Construct once per
// operation via New; Apply is safe for concurrent use.
type Redactor struct {
	enabled  bool
	headers  map[string]bool
	patterns []patternRule
}

// New compiles a redaction policy. Custom patterns from the policy are
// named pattern:custom_N in declaration order; an invalid custom pattern
// fails closed here rather than being silently skipped.
func New(policy record.RedactionPolicy) (*Redactor, error) {
	r := &Redactor{
		enabled: policy.Enabled,
		headers: make(map[string]bool),
	}
	if !policy.Enabled {
		return r, nil
	}

	for _, h := range defaultHeaders {
		r.headers[strings.ToLower(h)] = true
	}
	for _, h := range policy.HeadersToRedact {
		r.headers[strings.ToLower(h)] = true
	}

	r.patterns = append(r.patterns, builtinPatterns...)
	for i, p := range policy.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redaction pattern %d (%q): %w", i, p, err)
		}
		r.patterns = append(r.patterns, patternRule{
			name: fmt.Sprintf("pattern:custom_%d", i),
			re:   re,
		})
	}

	return r, nil
}

// Apply scrubs a value and reports every applied redaction. When the
// policy is disabled it returns the value unchanged with an empty match
// list, keeping call sites uniform.
//
// Overlap policy: within one string, candidate matches are ordered by
// start offset, then by descending length (longest-match-first at equal
// starts); a candidate overlapping an already-accepted span is dropped.
func (r *Redactor) Apply(v canon.Value) (canon.Value, []Match) {
	if !r.enabled || v == nil {
		return v, nil
	}
	var matches []Match
	out := r.walk(v, "", &matches)
	return out, matches
}

// RuleNames extracts the rule names applied, first-seen order, no
// duplicates. This is what lands in redactions_applied on the record.
func RuleNames(matches []Match) []string {
	seen := make(map[string]bool, len(matches))
	var names []string
	for _, m := range matches {
		if !seen[m.Rule] {
			seen[m.Rule] = true
			names = append(names, m.Rule)
		}
	}
	return names
}

func (r *Redactor) walk(v canon.Value, path string, matches *[]Match) canon.Value {
	switch val := v.(type) {
	case canon.String:
		return r.scrubString(string(val), path, matches)
	case canon.Array:
		out := make(canon.Array, len(val))
		for i, elem := range val {
			out[i] = r.walk(elem, fmt.Sprintf("%s/%d", path, i), matches)
		}
		return out
	case canon.Object:
		out := make(canon.Object, len(val))
		// SortedKeys keeps match order deterministic.
		for _, k := range val.SortedKeys() {
			childPath := path + "/" + k
			if r.headers[strings.ToLower(k)] {
				original := renderedLength(val[k])
				out[k] = canon.String(Replacement)
				*matches = append(*matches, Match{
					Rule:        "header:" + strings.ToLower(k),
					Path:        childPath,
					Span:        [2]int{0, original},
					Replacement: Replacement,
				})
				continue
			}
			out[k] = r.walk(val[k], childPath, matches)
		}
		return out
	default:
		// Null, Int, Float, Bool carry no text to scrub.
		return v
	}
}

// renderedLength reports the length of the span a header redaction
// covers: the string length for strings, zero for anything else.
func renderedLength(v canon.Value) int {
	if s, ok := v.(canon.String); ok {
		return len(s)
	}
	return 0
}

// candidate is one potential pattern match inside a string.
type candidate struct {
	rule       string
	start, end int
}

func (r *Redactor) scrubString(s, path string, matches *[]Match) canon.Value {
	var candidates []candidate
	for _, p := range r.patterns {
		for _, loc := range p.re.FindAllStringIndex(s, -1) {
			candidates = append(candidates, candidate{rule: p.name, start: loc[0], end: loc[1]})
		}
	}
	if len(candidates) == 0 {
		return canon.String(s)
	}

	// Left-to-right, longest-match-first at equal starts; rule name as a
	// final tie-break so the outcome never depends on pattern slice order.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].start != candidates[j].start {
			return candidates[i].start < candidates[j].start
		}
		if candidates[i].end != candidates[j].end {
			return candidates[i].end > candidates[j].end
		}
		return candidates[i].rule < candidates[j].rule
	})

	var accepted []candidate
	lastEnd := -1
	for _, c := range candidates {
		if c.start < lastEnd {
			continue // overlaps an accepted span
		}
		accepted = append(accepted, c)
		lastEnd = c.end
	}

	// Rebuild the string front to back, substituting accepted spans.
	var b strings.Builder
	prev := 0
	for _, c := range accepted {
		b.WriteString(s[prev:c.start])
		b.WriteString(Replacement)
		prev = c.end
		*matches = append(*matches, Match{
			Rule:        c.rule,
			Path:        path,
			Span:        [2]int{c.start, c.end},
			Replacement: Replacement,
		})
	}
	b.WriteString(s[prev:])
	return canon.String(b.String())
}
