package keyword

import (
	"sort"
	"sync"
)

// AnsweredSet is the cumulative set of terms already credited in a streaming
// session. It only grows until the owner calls Reset.
type AnsweredSet struct {
	mu    sync.Mutex
	terms map[string]struct{}
}

func NewAnsweredSet() *AnsweredSet {
	return &AnsweredSet{terms: make(map[string]struct{})}
}

// Merge adds found and returns the new size plus the terms that were not
// already present, sorted.
func (a *AnsweredSet) Merge(found map[string]struct{}) (int, []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var newly []string
	for term := range found {
		if _, ok := a.terms[term]; ok {
			continue
		}
		a.terms[term] = struct{}{}
		newly = append(newly, term)
	}
	sort.Strings(newly)
	return len(a.terms), newly
}

func (a *AnsweredSet) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.terms)
}

func (a *AnsweredSet) List() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.terms))
	for term := range a.terms {
		out = append(out, term)
	}
	sort.Strings(out)
	return out
}

func (a *AnsweredSet) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.terms = make(map[string]struct{})
}

type Matcher struct {
	tokenizer Tokenizer
}

func NewMatcher(tokenizer Tokenizer) *Matcher {
	return &Matcher{tokenizer: tokenizer}
}

// Match returns the distinct vocabulary terms present in text.
func (m *Matcher) Match(text string, terms Terms) map[string]struct{} {
	found := make(map[string]struct{})
	for _, token := range m.tokenizer.Tokenize(text) {
		if terms.Contains(token) {
			found[token] = struct{}{}
		}
	}
	return found
}

// Observe credits the terms in text that answered does not hold yet. It
// returns the updated total and the newly credited terms.
func (m *Matcher) Observe(text string, terms Terms, answered *AnsweredSet) (int, []string) {
	return answered.Merge(m.Match(text, terms))
}
