// Package keyword holds the quiz vocabularies and the matching used to
// score transcripts against them.
package keyword

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed vocabulary.yaml
var defaultVocabulary []byte

// ErrUnknownCategory is returned for categories the vocabulary does not define.
var ErrUnknownCategory = errors.New("keyword: unknown category")

type vocabularyFile struct {
	Version    string                  `yaml:"version"`
	Categories map[string]categoryFile `yaml:"categories"`
}

type categoryFile struct {
	Label string   `yaml:"label"`
	Terms []string `yaml:"terms"`
}

// Terms is an immutable set of vocabulary terms.
type Terms struct {
	set  map[string]struct{}
	list []string
}

func NewTerms(terms ...string) Terms {
	t := Terms{set: make(map[string]struct{}, len(terms))}
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		if _, ok := t.set[term]; ok {
			continue
		}
		t.set[term] = struct{}{}
		t.list = append(t.list, term)
	}
	sort.Strings(t.list)
	return t
}

func (t Terms) Contains(term string) bool {
	_, ok := t.set[term]
	return ok
}

func (t Terms) Len() int { return len(t.list) }

// List returns the terms sorted. The slice is a copy.
func (t Terms) List() []string {
	return append([]string(nil), t.list...)
}

// Vocabulary maps category names to their terms. It is loaded once and
// shared read-only.
type Vocabulary struct {
	version    string
	labels     map[string]string
	categories map[string]Terms
}

// LoadVocabulary reads a vocabulary file, or the built-in one when path is
// empty.
func LoadVocabulary(path string) (*Vocabulary, error) {
	if path == "" {
		return ParseVocabulary(defaultVocabulary)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	return ParseVocabulary(data)
}

// DefaultVocabulary returns the built-in vegetables and animals lists.
func DefaultVocabulary() *Vocabulary {
	v, err := ParseVocabulary(defaultVocabulary)
	if err != nil {
		panic(fmt.Sprintf("embedded vocabulary is invalid: %v", err))
	}
	return v
}

func ParseVocabulary(data []byte) (*Vocabulary, error) {
	var file vocabularyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse vocabulary: %w", err)
	}
	if len(file.Categories) == 0 {
		return nil, errors.New("vocabulary defines no categories")
	}
	v := &Vocabulary{
		version:    file.Version,
		labels:     make(map[string]string, len(file.Categories)),
		categories: make(map[string]Terms, len(file.Categories)),
	}
	for name, cat := range file.Categories {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, errors.New("vocabulary category with empty name")
		}
		terms := NewTerms(cat.Terms...)
		if terms.Len() == 0 {
			return nil, fmt.Errorf("vocabulary category %q has no terms", name)
		}
		v.categories[name] = terms
		v.labels[name] = cat.Label
	}
	return v, nil
}

func (v *Vocabulary) Version() string { return v.version }

func (v *Vocabulary) Has(category string) bool {
	_, ok := v.categories[category]
	return ok
}

func (v *Vocabulary) Terms(category string) (Terms, error) {
	terms, ok := v.categories[category]
	if !ok {
		return Terms{}, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	return terms, nil
}

// Label is the display name of a category, falling back to its key.
func (v *Vocabulary) Label(category string) string {
	if label := v.labels[category]; label != "" {
		return label
	}
	return category
}

func (v *Vocabulary) Categories() []string {
	names := make([]string, 0, len(v.categories))
	for name := range v.categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllTerms returns every term of every category, for tokenizer registration.
func (v *Vocabulary) AllTerms() []string {
	var all []string
	for _, name := range v.Categories() {
		all = append(all, v.categories[name].list...)
	}
	return all
}
