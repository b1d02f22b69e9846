package keyword

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/go-ego/gse"
)

// Tokenizer splits transcript text into tokens.
type Tokenizer interface {
	Tokenize(text string) []string
}

// termFrequency is the weight given to vocabulary terms. It is high enough
// that a term beats any split of itself, and low enough that two adjacent
// terms still beat one longer term plus leftover characters.
const termFrequency = 1_000_000

// WordTokenizer segments Chinese text with the gse dictionary segmenter.
// Every vocabulary term is registered as a single word, so terms always come
// out whole.
type WordTokenizer struct {
	seg *gse.Segmenter
}

// NewWordTokenizer loads the embedded dictionary and registers terms on top
// of it. Loading takes about a second; build one per process.
func NewWordTokenizer(terms ...string) (*WordTokenizer, error) {
	seg := &gse.Segmenter{SkipLog: true}
	if err := seg.LoadDictEmbed(); err != nil {
		return nil, fmt.Errorf("load segmenter dictionary: %w", err)
	}
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		// Existing entries keep their corpus weight unless re-added.
		_ = seg.RemoveToken(term)
		if err := seg.AddToken(term, termFrequency, "n"); err != nil {
			return nil, fmt.Errorf("register term %q: %w", term, err)
		}
	}
	seg.CalcToken()
	return &WordTokenizer{seg: seg}, nil
}

// Tokenize cuts text with the HMM fallback for unknown runs and drops
// whitespace and punctuation tokens.
func (t *WordTokenizer) Tokenize(text string) []string {
	var tokens []string
	for _, token := range t.seg.Cut(text, true) {
		token = strings.TrimSpace(token)
		if token == "" || strings.IndexFunc(token, isWordRune) < 0 {
			continue
		}
		tokens = append(tokens, token)
	}
	return tokens
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
