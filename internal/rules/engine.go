// Package rules implements the rewrite rule engine: an ordered list of
// match-and-replace rules applied at six well-defined hook points. The
// engine is pure — no I/O, no global state beyond the compiled-regex cache —
// and runs on all traffic, intercepted or not.
package rules

import (
	"strconv"
	"strings"

	"mitmrelay/internal/logger"
	"mitmrelay/internal/model"
)

// Engine applies an ordered, read-mostly snapshot of rules.
type Engine struct {
	log   logger.Logger
	cache *RegexCache
}

// New builds an Engine. If cache is nil a private cache is created; pass a
// shared cache to reuse compiled patterns with the exclusion filter, which
// compiles user-supplied patterns from the same kind of source.
func New(log logger.Logger, cache *RegexCache) *Engine {
	if cache == nil {
		cache = NewSharedCache()
	}
	return &Engine{log: log.Component("rules"), cache: cache}
}

// Snapshot is an immutable, ordered rule list. Writers clone-and-replace
// rather than mutate in place so the Coordinator can hold a reference for
// the duration of a single rewrite pass without locking.
type Snapshot struct {
	rules []model.MatchReplaceRule
}

// NewSnapshot builds a Snapshot from the current rule list, preserving
// insertion order.
func NewSnapshot(rules []model.MatchReplaceRule) *Snapshot {
	cp := make([]model.MatchReplaceRule, len(rules))
	copy(cp, rules)
	return &Snapshot{rules: cp}
}

// Apply runs every enabled rule matching scope over a body or first-line
// payload, in index order; the output of rule i is the input of rule i+1.
// Header scopes are handled by ApplyHeaders instead, since headers need
// line synthesis/reparsing rather than a flat byte-string replace.
func (e *Engine) Apply(snap *Snapshot, scope model.Scope, payload []byte) []byte {
	if snap == nil {
		return payload
	}
	s := string(payload)
	for i := range snap.rules {
		r := snap.rules[i]
		if !r.Enabled || r.Scope != scope {
			continue
		}
		s = e.applyOne(r, s)
	}
	return []byte(s)
}

// ApplyHeaders runs the header-scope rules. It synthesizes "Name: Value" for
// each header, applies each enabled rule over the synthesized line in order,
// and reparses. A rule that replaces with the empty string deletes the
// header. A rule whose output contains no colon leaves that header unchanged
// and is logged as malformed.
func (e *Engine) ApplyHeaders(snap *Snapshot, scope model.Scope, headers model.Headers) model.Headers {
	if snap == nil {
		return headers
	}
	out := make(model.Headers, 0, len(headers))
	for _, h := range headers {
		line := h.Name + ": " + h.Value
		orig := line
		for i := range snap.rules {
			r := snap.rules[i]
			if !r.Enabled || r.Scope != scope {
				continue
			}
			line = e.applyOne(r, line)
		}
		if line == "" {
			continue // replaced to empty string: header deleted
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			e.log.Warn().Str("header", orig).Msg("rewrite produced malformed header line, leaving header unchanged")
			out = append(out, h)
			continue
		}
		name := line[:idx]
		value := strings.TrimPrefix(line[idx+1:], " ")
		out = append(out, model.Header{Name: name, Value: value})
	}
	return out
}

// ApplyFirstLine runs the first-line-scope rules over a single line string.
func (e *Engine) ApplyFirstLine(snap *Snapshot, scope model.Scope, line string) string {
	return string(e.Apply(snap, scope, []byte(line)))
}

// applyOne applies a single rule's literal-or-regex substitution to s.
func (e *Engine) applyOne(r model.MatchReplaceRule, s string) string {
	if !r.IsRegex {
		return strings.ReplaceAll(s, r.Match, r.Replace)
	}
	re, err := e.cache.Get(r.Match)
	if err != nil {
		e.log.Warn().Str("pattern", r.Match).Err(err).Msg("invalid regex pattern, rule disabled for this exchange")
		return s
	}
	return re.ReplaceAllString(s, r.Replace)
}

// RecomputeContentLength replaces any existing Content-Length header (and
// strips Transfer-Encoding, since a recomputed fixed length and chunked
// encoding cannot coexist) with the length of body, adding the header if a
// body is present but none existed before. Called after any rewrite or
// operator edit that changes a body, per the pinned Content-Length contract.
func RecomputeContentLength(headers model.Headers, body []byte) model.Headers {
	out := headers.Del("Transfer-Encoding")
	if len(body) == 0 && out.Get("Content-Length") == "" {
		return out
	}
	return out.Set("Content-Length", strconv.Itoa(len(body)))
}
