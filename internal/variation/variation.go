// Package variation resolves {{option|option}} markup into literal text.
//
// Choice points that offer the same option list (after trimming each option)
// form one coherence group and always resolve to the same option within one
// message. Different option lists are resolved independently.
package variation

import (
	"errors"
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"
)

// choicePattern matches a complete choice point. The body may not contain '}',
// so an opener without a matching closer is never substituted.
var choicePattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// ErrUnterminated reports a "{{" with no matching "}}".
var ErrUnterminated = errors.New("variation markup has an unterminated '{{'")

// group is one coherence group: its options and every distinct literal spelling.
type group struct {
	options  []string
	literals []string
}

// Resolver resolves markup using an injectable random source.
// The zero value uses the global math/rand/v2 source.
type Resolver struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewResolver creates a resolver drawing choices from src. A nil src uses the
// global source.
func NewResolver(src rand.Source) *Resolver {
	if src == nil {
		return &Resolver{}
	}
	return &Resolver{rnd: rand.New(src)}
}

// Resolve replaces every choice point in template with one of its options.
// A template without markup is returned unchanged.
func (r *Resolver) Resolve(template string) string {
	matches := choicePattern.FindAllStringSubmatch(template, -1)
	if len(matches) == 0 {
		return template
	}

	// Groups keyed by the joined option list, in order of first appearance.
	var order []string
	groups := make(map[string]*group)
	for _, m := range matches {
		options := strings.Split(m[1], "|")
		for i := range options {
			options[i] = strings.TrimSpace(options[i])
		}
		key := strings.Join(options, "|")
		g, ok := groups[key]
		if !ok {
			g = &group{options: options}
			groups[key] = g
			order = append(order, key)
		}
		g.literals = append(g.literals, m[0])
	}

	result := template
	for _, key := range order {
		g := groups[key]
		chosen := g.options[r.intN(len(g.options))]
		for _, literal := range g.literals {
			result = strings.ReplaceAll(result, literal, chosen)
		}
	}
	return result
}

// Generate returns count independently resolved variations of template.
func (r *Resolver) Generate(template string, count int) []string {
	if count <= 0 {
		return []string{}
	}
	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, r.Resolve(template))
	}
	return out
}

func (r *Resolver) intN(n int) int {
	if r.rnd == nil {
		return rand.IntN(n)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.IntN(n)
}

var defaultResolver = &Resolver{}

// Resolve uses the default resolver.
func Resolve(template string) string {
	return defaultResolver.Resolve(template)
}

// Generate uses the default resolver.
func Generate(template string, count int) []string {
	return defaultResolver.Generate(template, count)
}

// HasMarkup reports whether template contains at least one choice point.
func HasMarkup(template string) bool {
	return choicePattern.MatchString(template)
}

// Validate reports syntax problems that would leave markup literal in the
// output. It never rejects option content.
func Validate(template string) error {
	rest := choicePattern.ReplaceAllString(template, "")
	if strings.Contains(rest, "{{") {
		return ErrUnterminated
	}
	return nil
}
