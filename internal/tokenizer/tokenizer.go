// Package tokenizer estimates token counts for LLM prompts and completions.
//
// The proxy needs a deterministic, fast, offline counter: the same text must
// always produce the same count (cost estimates feed the savings counters),
// and counting happens on the hot path before every upstream call. A full
// BPE tokenizer would require shipping or fetching per-model vocabularies,
// so the default implementation is a heuristic calibrated against GPT-style
// tokenizers (~4 characters per token for English prose, with word and
// punctuation boundaries taken into account). Counts are close enough for
// cost estimation; providers return exact usage for billing-grade numbers.
package tokenizer

import (
	"strings"
	"unicode"
)

// Tokenizer counts tokens in a piece of text. Implementations must be
// deterministic and safe for concurrent use.
type Tokenizer interface {
	Count(text string) int
}

// Heuristic is the default Tokenizer. The zero value is ready to use.
type Heuristic struct{}

// New returns the default heuristic tokenizer.
func New() Heuristic { return Heuristic{} }

// Count estimates the number of tokens in text.
//
// Rules, in order of application per segment:
//   - whitespace separates segments and contributes no tokens;
//   - an ASCII word contributes ceil(len/4) tokens, minimum 1;
//   - each punctuation or symbol rune is its own token;
//   - each non-ASCII rune (CJK and similar) is its own token.
//
// Empty or all-whitespace text counts as 0.
func (Heuristic) Count(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}

	tokens := 0
	wordLen := 0

	flush := func() {
		if wordLen == 0 {
			return
		}
		tokens += (wordLen + 3) / 4
		wordLen = 0
	}

	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case r > unicode.MaxASCII:
			flush()
			tokens++
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			tokens++
		default:
			wordLen++
		}
	}
	flush()

	return tokens
}
