// Package linescan turns decoded artifact content into findings, line by line.
package linescan

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"

	"artifact-scanner/v1/pkg/findings"
	"artifact-scanner/v1/pkg/logger"
	"artifact-scanner/v1/pkg/patterns"
)

// Detector is an additional rule pack run once per unit over its full
// content.
type Detector interface {
	Detect(content string, source string) []findings.Finding
}

// Scanner matches content against a patterns.Registry. It holds no mutable
// state and may be shared between goroutines.
type Scanner struct {
	registry       *patterns.Registry
	envSecretsOnly bool
	detector       Detector
	log            *logger.NamedLogger
}

type Option func(*Scanner)

// WithEnvSecretsOnly restricts detection to literal values harvested from
// the environment.
func WithEnvSecretsOnly(enabled bool) Option {
	return func(s *Scanner) {
		s.envSecretsOnly = enabled
	}
}

// WithDetector adds a rule pack. It is skipped in env-secrets-only mode.
func WithDetector(d Detector) Option {
	return func(s *Scanner) {
		s.detector = d
	}
}

func New(registry *patterns.Registry, opts ...Option) *Scanner {
	s := &Scanner{
		registry: registry,
		log:      logger.WithName("linescan"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scanner) EnvSecretsOnly() bool {
	return s.envSecretsOnly
}

// Scan decodes content and returns its findings labelled with source.
func (s *Scanner) Scan(content []byte, source string) []findings.Finding {
	text := Decode(content)

	var out []findings.Finding
	for i, line := range SplitLines(text) {
		lineNo := i + 1
		if !s.envSecretsOnly {
			for _, match := range s.registry.FindAll(line) {
				out = append(out, findings.Finding{
					Path: source,
					Line: lineNo,
					Text: match,
					Rule: findings.RulePattern,
				})
			}
		}
		for _, lit := range s.registry.MatchLiterals(line) {
			out = append(out, findings.Finding{
				Path: source,
				Line: lineNo,
				Text: patterns.Preview(lit),
				Rule: findings.RuleEnv,
			})
		}
	}

	if s.detector != nil && !s.envSecretsOnly {
		out = append(out, s.detector.Detect(text, source)...)
	}

	if len(out) > 0 {
		s.log.V(3).InfoS("Unit produced findings", "source", source, "count", len(out))
	}
	return out
}

// Decode converts content to text, replacing malformed UTF-8 with U+FFFD.
// It never fails.
func Decode(content []byte) string {
	if utf8.Valid(content) {
		return string(content)
	}
	text, _, err := transform.String(runes.ReplaceIllFormed(), string(content))
	if err != nil {
		return strings.ToValidUTF8(string(content), string(utf8.RuneError))
	}
	return text
}

// SplitLines splits text on "\n", "\r\n" and "\r". A trailing terminator does
// not produce a final empty line.
func SplitLines(text string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '\n':
			lines = append(lines, text[start:i])
			start = i + 1
		case '\r':
			lines = append(lines, text[start:i])
			if i+1 < len(text) && text[i+1] == '\n' {
				i++
			}
			start = i + 1
		}
	}
	if start < len(text) {
		lines = append(lines, text[start:])
	}
	return lines
}
