// Package collection holds the catalogue of content collections the assistant
// can ground its answers in, and resolves loosely typed or spoken names to a
// collection identifier.
//
// Resolution proceeds in stages and stops at the first hit:
//
//  1. Exact identifier or display name, case-insensitive.
//  2. Unique prefix of an identifier or display name.
//  3. Double Metaphone overlap ranked by Jaro-Winkler similarity, accepted
//     above the phonetic threshold (default 0.70).
//  4. Pure Jaro-Winkler similarity above the fuzzy threshold (default 0.85).
//
// Identifiers are split on '-' and '_' for phonetic comparison, so "mbbs
// guide" and "m b b s guide" both reach "mbbs-guide".
package collection

import (
	"errors"
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// ErrNoMatch is returned by [Catalogue.Resolve] when no collection matches.
var ErrNoMatch = errors.New("collection: no matching collection")

// ErrAmbiguous is returned when a prefix matches more than one collection.
var ErrAmbiguous = errors.New("collection: ambiguous name")

// Collection is one selectable content set.
type Collection struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// Label returns the display name, falling back to the identifier.
func (c Collection) Label() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// Defaults is the catalogue offered by the study-assistant backend.
func Defaults() []Collection {
	return []Collection{
		{ID: "nmc-regulations", Name: "NMC Regulations"},
		{ID: "mbbs-guide", Name: "MBBS Guide"},
		{ID: "ai-research", Name: "AI Research"},
	}
}

// DefaultID is selected when no collection is configured.
const DefaultID = "nmc-regulations"

// Option is a functional option for configuring a [Catalogue].
type Option func(*Catalogue)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically matched collection. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Catalogue) { c.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score when no phonetic
// match exists. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Catalogue) { c.fuzzyThreshold = threshold }
}

// Catalogue is read-only after construction and safe for concurrent use.
type Catalogue struct {
	items             []Collection
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a catalogue over items. An empty list uses [Defaults].
func New(items []Collection, opts ...Option) *Catalogue {
	if len(items) == 0 {
		items = Defaults()
	}
	c := &Catalogue{
		items:             append([]Collection(nil), items...),
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// All returns the collections in catalogue order.
func (c *Catalogue) All() []Collection {
	return append([]Collection(nil), c.items...)
}

// Lookup returns the collection with identifier id.
func (c *Catalogue) Lookup(id string) (Collection, bool) {
	for _, it := range c.items {
		if it.ID == id {
			return it, true
		}
	}
	return Collection{}, false
}

// Resolve maps name to a collection.
func (c *Catalogue) Resolve(name string) (Collection, error) {
	q := strings.ToLower(strings.TrimSpace(name))
	if q == "" {
		return Collection{}, ErrNoMatch
	}

	for _, it := range c.items {
		if strings.ToLower(it.ID) == q || strings.ToLower(it.Name) == q {
			return it, nil
		}
	}

	var prefixed []Collection
	for _, it := range c.items {
		if strings.HasPrefix(strings.ToLower(it.ID), q) || strings.HasPrefix(strings.ToLower(it.Name), q) {
			prefixed = append(prefixed, it)
		}
	}
	switch len(prefixed) {
	case 1:
		return prefixed[0], nil
	case 0:
	default:
		return Collection{}, fmt.Errorf("%w: %q matches %d collections", ErrAmbiguous, name, len(prefixed))
	}

	if it, ok := c.fuzzy(q); ok {
		return it, nil
	}
	return Collection{}, fmt.Errorf("%w: %q", ErrNoMatch, name)
}

type candidate struct {
	item     Collection
	score    float64
	phonetic bool
	found    bool
}

func (c *Catalogue) fuzzy(q string) (Collection, bool) {
	qTokens := tokens(q)
	qCodes := codesForTokens(qTokens)

	var best candidate
	for _, it := range c.items {
		for _, form := range []string{it.ID, it.Name} {
			if form == "" {
				continue
			}
			fTokens := tokens(strings.ToLower(form))
			score := bestJWScore(qTokens, fTokens)
			if codesOverlap(qCodes, codesForTokens(fTokens)) {
				if score >= c.phoneticThreshold && (!best.phonetic || score > best.score) {
					best = candidate{item: it, score: score, phonetic: true, found: true}
				}
			} else if !best.phonetic && score >= c.fuzzyThreshold && score > best.score {
				best = candidate{item: it, score: score, found: true}
			}
		}
	}
	return best.item, best.found
}

func tokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == '-' || r == '_' })
}

// codesForTokens returns the union of the Double Metaphone codes of tokens.
func codesForTokens(toks []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(toks)*2)
	for _, t := range toks {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore takes the highest of the joined-string score and the average
// best pairwise token score.
func bestJWScore(in, form []string) float64 {
	if len(in) == 0 || len(form) == 0 {
		return 0
	}
	score := matchr.JaroWinkler(strings.Join(in, ""), strings.Join(form, ""), false)

	var sum float64
	for _, it := range in {
		var top float64
		for _, ft := range form {
			if s := matchr.JaroWinkler(it, ft, false); s > top {
				top = s
			}
		}
		sum += top
	}
	if avg := sum / float64(len(in)); avg > score {
		score = avg
	}
	return score
}
