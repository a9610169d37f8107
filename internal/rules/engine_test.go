package rules

import (
	"testing"

	"mitmrelay/internal/logger"
	"mitmrelay/internal/model"
)

func rule(scope model.Scope, match, replace string, isRegex bool) model.MatchReplaceRule {
	return model.MatchReplaceRule{Enabled: true, Scope: scope, Match: match, Replace: replace, IsRegex: isRegex}
}

func TestApplyBodyLiteral(t *testing.T) {
	e := New(logger.Nop(), nil)
	snap := NewSnapshot([]model.MatchReplaceRule{rule(model.ScopeResponseBody, "foo", "bar", false)})
	out := e.Apply(snap, model.ScopeResponseBody, []byte("foo foo baz"))
	if string(out) != "bar bar baz" {
		t.Fatalf("got %q", out)
	}
}

func TestApplyBodyRuleOrderingComposes(t *testing.T) {
	// scenario 6: rule A replaces foo->bar, rule B replaces bar->baz; "foo" -> "baz"
	e := New(logger.Nop(), nil)
	snap := NewSnapshot([]model.MatchReplaceRule{
		rule(model.ScopeResponseBody, "foo", "bar", false),
		rule(model.ScopeResponseBody, "bar", "baz", false),
	})
	out := e.Apply(snap, model.ScopeResponseBody, []byte("foo"))
	if string(out) != "baz" {
		t.Fatalf("got %q, want baz", out)
	}
}

func TestApplyHeadersRegexPreservesCount(t *testing.T) {
	// scenario 5: User-Agent rewritten via regex, header count unchanged
	e := New(logger.Nop(), nil)
	snap := NewSnapshot([]model.MatchReplaceRule{rule(model.ScopeRequestHeader, "User-Agent: .*", "User-Agent: X", true)})
	headers := model.Headers{{Name: "User-Agent", Value: "curl/8.0"}, {Name: "Accept", Value: "*/*"}}
	out := e.ApplyHeaders(snap, model.ScopeRequestHeader, headers)
	if len(out) != len(headers) {
		t.Fatalf("expected header count unchanged, got %d want %d", len(out), len(headers))
	}
	if got := out.Get("User-Agent"); got != "X" {
		t.Fatalf("got User-Agent %q, want X", got)
	}
}

func TestApplyHeadersEmptyReplaceDeletesHeader(t *testing.T) {
	e := New(logger.Nop(), nil)
	snap := NewSnapshot([]model.MatchReplaceRule{rule(model.ScopeRequestHeader, "X-Tracking: .*", "", true)})
	headers := model.Headers{{Name: "X-Tracking", Value: "abc"}, {Name: "Accept", Value: "*/*"}}
	out := e.ApplyHeaders(snap, model.ScopeRequestHeader, headers)
	if len(out) != 1 {
		t.Fatalf("expected header deleted, got %v", out)
	}
}

func TestApplyHeadersMalformedResultLeavesHeaderUnchanged(t *testing.T) {
	e := New(logger.Nop(), nil)
	// replacing the whole line with something lacking a colon is malformed
	snap := NewSnapshot([]model.MatchReplaceRule{rule(model.ScopeRequestHeader, "X-Foo: bar", "no-colon-here", false)})
	headers := model.Headers{{Name: "X-Foo", Value: "bar"}}
	out := e.ApplyHeaders(snap, model.ScopeRequestHeader, headers)
	if len(out) != 1 || out[0].Name != "X-Foo" || out[0].Value != "bar" {
		t.Fatalf("expected header left unchanged, got %v", out)
	}
}

func TestApplyFirstLine(t *testing.T) {
	e := New(logger.Nop(), nil)
	snap := NewSnapshot([]model.MatchReplaceRule{rule(model.ScopeRequestFirstLine, "/old", "/new", false)})
	out := e.ApplyFirstLine(snap, model.ScopeRequestFirstLine, "GET /old HTTP/1.1")
	if out != "GET /new HTTP/1.1" {
		t.Fatalf("got %q", out)
	}
}

func TestInvalidRegexDisablesRuleWithoutFailingTraffic(t *testing.T) {
	e := New(logger.Nop(), nil)
	snap := NewSnapshot([]model.MatchReplaceRule{rule(model.ScopeResponseBody, "(unterminated", "x", true)})
	out := e.Apply(snap, model.ScopeResponseBody, []byte("unchanged"))
	if string(out) != "unchanged" {
		t.Fatalf("got %q, want input passed through unchanged", out)
	}
}

func TestDisabledRuleSkipped(t *testing.T) {
	e := New(logger.Nop(), nil)
	r := rule(model.ScopeResponseBody, "foo", "bar", false)
	r.Enabled = false
	snap := NewSnapshot([]model.MatchReplaceRule{r})
	out := e.Apply(snap, model.ScopeResponseBody, []byte("foo"))
	if string(out) != "foo" {
		t.Fatalf("got %q, want unchanged", out)
	}
}

func TestRecomputeContentLength(t *testing.T) {
	headers := model.Headers{{Name: "Content-Length", Value: "3"}, {Name: "Transfer-Encoding", Value: "chunked"}}
	out := RecomputeContentLength(headers, []byte("hello"))
	if out.Get("Content-Length") != "5" {
		t.Fatalf("got %q, want 5", out.Get("Content-Length"))
	}
	if out.Get("Transfer-Encoding") != "" {
		t.Fatalf("expected Transfer-Encoding stripped")
	}
}
