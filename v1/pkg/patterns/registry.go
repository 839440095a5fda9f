// Package patterns holds the secret-name expression and the set of literal
// sensitive values harvested from the environment.
package patterns

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"artifact-scanner/v1/pkg/logger"
)

// DefaultKeywords is the keyword superset every registry starts from.
var DefaultKeywords = []string{"SECRET", "PASSWORD", "ACCESS_KEY", "TOKEN"}

const (
	previewRunes  = 4
	previewMarker = "..."
)

// Registry is built once before scanning starts and only read afterwards.
// It is safe for concurrent readers.
type Registry struct {
	keywords  []string
	pattern   *regexp.Regexp
	anchored  *regexp.Regexp
	minLength int
	literals  []string
	seen      map[string]struct{}
	log       *logger.NamedLogger
}

// Option configures a Registry.
type Option func(*Registry)

// WithKeywords appends keywords to DefaultKeywords.
func WithKeywords(keywords ...string) Option {
	return func(r *Registry) {
		r.keywords = append(r.keywords, keywords...)
	}
}

// WithMinSecretLength skips harvested values shorter than n runes.
func WithMinSecretLength(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.minLength = n
		}
	}
}

func NewRegistry(opts ...Option) (*Registry, error) {
	r := &Registry{
		keywords:  append([]string(nil), DefaultKeywords...),
		minLength: 1,
		seen:      make(map[string]struct{}),
		log:       logger.WithName("patterns"),
	}
	for _, opt := range opts {
		opt(r)
	}

	alternatives := make([]string, 0, len(r.keywords))
	unique := make(map[string]struct{}, len(r.keywords))
	for _, kw := range r.keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			return nil, fmt.Errorf("secret keyword must not be empty")
		}
		if _, ok := unique[kw]; ok {
			continue
		}
		unique[kw] = struct{}{}
		alternatives = append(alternatives, regexp.QuoteMeta(kw))
	}

	expr := `[A-Z_]*(` + strings.Join(alternatives, "|") + `)[A-Z_]*`
	pattern, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to compile secret pattern: %w", err)
	}
	r.pattern = pattern
	r.anchored = regexp.MustCompile(`^(?:` + expr + `)`)

	r.log.V(2).InfoS("Compiled secret-name pattern", "pattern", expr)
	return r, nil
}

// Pattern returns the unanchored expression used for content matches.
func (r *Registry) Pattern() string {
	return r.pattern.String()
}

// MatchesSecretName reports whether the pattern matches at the start of name.
// The match is not anchored at the end, so "TOKEN_URL" and "MY_TOKEN2" both
// qualify while "my_token" does not.
func (r *Registry) MatchesSecretName(name string) bool {
	return r.anchored.MatchString(name)
}

// FindAll returns every non-overlapping pattern match in line.
func (r *Registry) FindAll(line string) []string {
	return r.pattern.FindAllString(line, -1)
}

// ScanEnvironment harvests the values of every KEY=VALUE entry whose key is a
// secret name and returns how many new literals were added. It is meant to
// be called with os.Environ().
func (r *Registry) ScanEnvironment(environ []string) int {
	added := 0
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !r.MatchesSecretName(name) {
			continue
		}
		if r.AddLiteral(value) {
			added++
			r.log.V(3).InfoS("Harvested sensitive value", "variable", name, "preview", Preview(value))
		}
	}
	r.log.V(1).InfoS("Scanned environment for sensitive values", "added", added, "total", len(r.literals))
	return added
}

// AddLiteral adds value to the literal set. Values shorter than the minimum
// length and values already present are ignored.
func (r *Registry) AddLiteral(value string) bool {
	if utf8.RuneCountInString(value) < r.minLength {
		return false
	}
	if _, ok := r.seen[value]; ok {
		return false
	}
	r.seen[value] = struct{}{}
	r.literals = append(r.literals, value)
	return true
}

// Literals returns a copy of the literal set in insertion order.
func (r *Registry) Literals() []string {
	return append([]string(nil), r.literals...)
}

// MatchLiterals returns every literal contained in line, in insertion order.
// The comparison is case-sensitive.
func (r *Registry) MatchLiterals(line string) []string {
	var hits []string
	for _, lit := range r.literals {
		if strings.Contains(line, lit) {
			hits = append(hits, lit)
		}
	}
	return hits
}

// Preview returns the first four characters of value followed by "...".
func Preview(value string) string {
	if utf8.RuneCountInString(value) <= previewRunes {
		return value + previewMarker
	}
	runes := []rune(value)
	return string(runes[:previewRunes]) + previewMarker
}
