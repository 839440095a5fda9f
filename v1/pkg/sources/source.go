// Package sources enumerates the blobs a scan reads: objects under an S3
// prefix or files below local paths.
package sources

import (
	"context"
	"fmt"

	"github.com/gobwas/glob"
)

// Blob is one addressable artifact. Its bytes are fetched only when Open is
// called, so listing and fetching can happen on different goroutines.
type Blob struct {
	Key  string
	Size int64
	open func(ctx context.Context) ([]byte, error)
}

func NewBlob(key string, size int64, open func(ctx context.Context) ([]byte, error)) Blob {
	return Blob{Key: key, Size: size, open: open}
}

// Open fetches the blob content. Failures are returned as *ReadError.
func (b Blob) Open(ctx context.Context) ([]byte, error) {
	if b.open == nil {
		return nil, &ReadError{Key: b.Key, Err: fmt.Errorf("blob has no reader")}
	}
	return b.open(ctx)
}

// Source yields blobs in its natural order. Enumerate stops at the first
// error returned by yield and returns it.
type Source interface {
	Enumerate(ctx context.Context, yield func(Blob) error) error
	Describe() string
}

// ReadError reports a blob whose bytes could not be fetched.
type ReadError struct {
	Key string
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("failed to read %s: %v", e.Key, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Filter keeps keys that match any include pattern (or all keys when there
// are none) and no exclude pattern. "*" does not cross "/", "**" does.
type Filter struct {
	include []glob.Glob
	exclude []glob.Glob
}

func NewFilter(include, exclude []string) (*Filter, error) {
	inc, err := compileGlobs(include)
	if err != nil {
		return nil, fmt.Errorf("invalid include pattern: %w", err)
	}
	exc, err := compileGlobs(exclude)
	if err != nil {
		return nil, fmt.Errorf("invalid exclude pattern: %w", err)
	}
	return &Filter{include: inc, exclude: exc}, nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Match reports whether key passes the filter. A nil Filter matches all keys.
func (f *Filter) Match(key string) bool {
	if f == nil {
		return true
	}
	for _, g := range f.exclude {
		if g.Match(key) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, g := range f.include {
		if g.Match(key) {
			return true
		}
	}
	return false
}
