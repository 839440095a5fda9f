package sources

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"artifact-scanner/v1/pkg/logger"
)

// FilesystemSource yields regular files given directly or found by walking
// directories. Symlinks met during a walk are not followed.
type FilesystemSource struct {
	paths   []string
	filter  *Filter
	invalid func(path string)
	log     *logger.NamedLogger
}

type FilesystemOption func(*FilesystemSource)

func WithFilesystemFilter(f *Filter) FilesystemOption {
	return func(s *FilesystemSource) {
		s.filter = f
	}
}

// WithInvalidPathHandler is called for each argument that is neither a file
// nor a directory.
func WithInvalidPathHandler(fn func(path string)) FilesystemOption {
	return func(s *FilesystemSource) {
		s.invalid = fn
	}
}

func NewFilesystemSource(paths []string, opts ...FilesystemOption) *FilesystemSource {
	s := &FilesystemSource{
		paths: paths,
		log:   logger.WithName("sources").Named("files"),
	}
	s.invalid = func(path string) {
		s.log.Warning("Invalid path", "path", path)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *FilesystemSource) Describe() string {
	return strings.Join(s.paths, ", ")
}

func (s *FilesystemSource) Enumerate(ctx context.Context, yield func(Blob) error) error {
	for _, p := range s.paths {
		if err := ctx.Err(); err != nil {
			return err
		}

		info, err := os.Stat(p)
		switch {
		case err != nil:
			s.invalid(p)
		case info.Mode().IsRegular():
			if err := s.yieldFile(p, info.Size(), yield); err != nil {
				return err
			}
		case info.IsDir():
			if err := s.walk(ctx, p, yield); err != nil {
				return err
			}
		default:
			s.invalid(p)
		}
	}
	return nil
}

func (s *FilesystemSource) walk(ctx context.Context, root string, yield func(Blob) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.log.Warning("Skipping unreadable path", "path", path, "error", err)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		var size int64
		if info, err := d.Info(); err == nil {
			size = info.Size()
		}
		return s.yieldFile(path, size, yield)
	})
}

func (s *FilesystemSource) yieldFile(path string, size int64, yield func(Blob) error) error {
	if !s.filter.Match(filepath.ToSlash(path)) {
		s.log.V(3).InfoS("Filtered out", "path", path)
		return nil
	}
	return yield(NewBlob(path, size, func(ctx context.Context) ([]byte, error) {
		return readFile(path)
	}))
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ReadError{Key: path, Err: err}
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, &ReadError{Key: path, Err: fmt.Errorf("failed to read file: %w", err)}
	}
	return data, nil
}
