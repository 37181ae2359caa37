package cache

import (
	"testing"
)

func TestExclusionsNilSafe(t *testing.T) {
	var ex *Exclusions
	if ex.Excluded("gpt-4o") {
		t.Fatal("nil Exclusions must never match")
	}
	if ex.Len() != 0 {
		t.Fatal("nil Exclusions Len must be 0")
	}
}

func TestExclusionsExactMatch(t *testing.T) {
	ex, err := ParseExclusions([]string{"gpt-4o", "gemini-1.5-pro"})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		model string
		want  bool
	}{
		{"gpt-4o", true},
		{"gemini-1.5-pro", true},
		{"gpt-4-turbo-preview", false},
		{"GPT-4O", false}, // case-sensitive
		{"gpt-4", false},
		{"claude-3-5-sonnet", false},
	}
	for _, c := range cases {
		if got := ex.Excluded(c.model); got != c.want {
			t.Errorf("Excluded(%q) = %v, want %v", c.model, got, c.want)
		}
	}
}

func TestExclusionsRegexRules(t *testing.T) {
	ex, err := ParseExclusions([]string{`re:^gpt-4`, `re:claude-3-opus`})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		model string
		want  bool
	}{
		{"gpt-4o", true},
		{"gpt-4-turbo-preview", true},
		{"gpt-4", true},
		{"claude-3-opus", true},
		{"claude-3-5-sonnet", false},
		{"gpt-3.5-turbo", false},
		{"gemini-1.5-flash", false},
	}
	for _, c := range cases {
		if got := ex.Excluded(c.model); got != c.want {
			t.Errorf("Excluded(%q) = %v, want %v", c.model, got, c.want)
		}
	}
}

func TestExclusionsMixedRules(t *testing.T) {
	ex, err := ParseExclusions([]string{"gemini-2.0-flash", `re:^gpt-4`})
	if err != nil {
		t.Fatal(err)
	}

	if !ex.Excluded("gemini-2.0-flash") {
		t.Error("exact rule missed")
	}
	if !ex.Excluded("gpt-4o-mini") {
		t.Error("regex rule missed")
	}
	if ex.Excluded("gemini-1.5-flash") {
		t.Error("should not match")
	}
}

func TestExclusionsInvalidPattern(t *testing.T) {
	if _, err := ParseExclusions([]string{`re:[invalid(`}); err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestExclusionsBlankRulesSkipped(t *testing.T) {
	ex, err := ParseExclusions([]string{"", " gpt-4o ", "", `re:^claude`})
	if err != nil {
		t.Fatal(err)
	}
	if !ex.Excluded("gpt-4o") {
		t.Error("trimmed exact rule should match gpt-4o")
	}
	if !ex.Excluded("claude-3-opus") {
		t.Error("regex rule should match claude-3-opus")
	}
	if ex.Len() != 2 {
		t.Errorf("Len = %d, want 2", ex.Len())
	}
}
