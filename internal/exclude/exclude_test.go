package exclude

import (
	"testing"

	"mitmrelay/internal/model"
)

func TestIsExcludedDomain(t *testing.T) {
	f := New(nil)
	rules := []model.ExclusionRule{{Type: model.ExclusionDomain, Value: "ads.example.com"}}
	if !f.IsExcluded("https://ads.example.com/track", rules) {
		t.Fatal("expected match")
	}
	if f.IsExcluded("https://app.example.com/api", rules) {
		t.Fatal("expected no match")
	}
}

func TestIsExcludedURL(t *testing.T) {
	f := New(nil)
	rules := []model.ExclusionRule{{Type: model.ExclusionURL, Value: "/track"}}
	if !f.IsExcluded("https://a.test/track?x=1", rules) {
		t.Fatal("expected match")
	}
}

func TestIsExcludedRegex(t *testing.T) {
	f := New(nil)
	rules := []model.ExclusionRule{{Type: model.ExclusionRegex, Value: `\.png$`}}
	if !f.IsExcluded("https://a.test/logo.png", rules) {
		t.Fatal("expected match")
	}
	if f.IsExcluded("https://a.test/logo.png.html", rules) {
		t.Fatal("expected no match")
	}
}

func TestFirstMatchWins(t *testing.T) {
	f := New(nil)
	rules := []model.ExclusionRule{
		{Type: model.ExclusionURL, Value: "nonexistent"},
		{Type: model.ExclusionDomain, Value: "a.test"},
	}
	if !f.IsExcluded("https://a.test/x", rules) {
		t.Fatal("expected second rule to match")
	}
}

func TestMalformedPatternNeverMatches(t *testing.T) {
	f := New(nil)
	rules := []model.ExclusionRule{{Type: model.ExclusionRegex, Value: "(unterminated"}}
	if f.IsExcluded("https://a.test/x", rules) {
		t.Fatal("malformed pattern must never match")
	}
}

func TestMalformedURLNeverMatchesDomainRule(t *testing.T) {
	f := New(nil)
	rules := []model.ExclusionRule{{Type: model.ExclusionDomain, Value: "a.test"}}
	if f.IsExcluded("not a url \x7f", rules) {
		t.Fatal("malformed url must never match")
	}
}
