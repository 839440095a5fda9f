package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"artifact-scanner/v1/pkg/logger"
)

const (
	FormatDeb = "deb"
	FormatRPM = "rpm"
)

// ErrFileTooLarge is returned when an extracted file exceeds MaxFileBytes.
var ErrFileTooLarge = errors.New("extracted file exceeds size limit")

// Tools names the helper binaries. Empty fields fall back to DefaultTools.
type Tools struct {
	DpkgDeb  string
	Rpm2cpio string
	Cpio     string
}

func DefaultTools() Tools {
	return Tools{DpkgDeb: "dpkg-deb", Rpm2cpio: "rpm2cpio", Cpio: "cpio"}
}

func (t Tools) withDefaults() Tools {
	d := DefaultTools()
	if t.DpkgDeb == "" {
		t.DpkgDeb = d.DpkgDeb
	}
	if t.Rpm2cpio == "" {
		t.Rpm2cpio = d.Rpm2cpio
	}
	if t.Cpio == "" {
		t.Cpio = d.Cpio
	}
	return t
}

// Extractor unpacks one package format. Every call works in its own temp file
// and temp directory, so one Extractor can serve concurrent workers.
type Extractor struct {
	format       string
	tools        Tools
	runner       CommandRunner
	tempDir      string
	maxFileBytes int64
	log          *logger.NamedLogger
}

type Option func(*Extractor)

// WithRunner replaces the os/exec runner, mainly for tests.
func WithRunner(r CommandRunner) Option {
	return func(e *Extractor) {
		e.runner = r
	}
}

// WithTempDir sets the parent directory for temp files. Empty means os.TempDir.
func WithTempDir(dir string) Option {
	return func(e *Extractor) {
		e.tempDir = dir
	}
}

// WithMaxFileBytes bounds each extracted file. Zero disables the check.
func WithMaxFileBytes(n int64) Option {
	return func(e *Extractor) {
		e.maxFileBytes = n
	}
}

func NewDebExtractor(tools Tools, opts ...Option) *Extractor {
	return newExtractor(FormatDeb, tools, opts...)
}

func NewRPMExtractor(tools Tools, opts ...Option) *Extractor {
	return newExtractor(FormatRPM, tools, opts...)
}

func newExtractor(format string, tools Tools, opts ...Option) *Extractor {
	e := &Extractor{
		format: format,
		tools:  tools.withDefaults(),
		runner: ExecRunner{},
		log:    logger.WithName("extract").Named(format),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Extractor) Format() string {
	return e.format
}

// Extract writes data to a temp file, unpacks it into a temp directory and
// calls visit for every regular file found. Both temp paths are removed
// before Extract returns, whatever the outcome.
func (e *Extractor) Extract(ctx context.Context, data []byte, name string, visit func(rel string, content []byte) error) error {
	pkgFile, err := e.writeTemp(data)
	if err != nil {
		return err
	}
	defer e.remove(pkgFile, os.Remove)

	root, err := os.MkdirTemp(e.tempDir, "artifact-scanner-"+e.format+"-*")
	if err != nil {
		return fmt.Errorf("failed to create extraction directory: %w", err)
	}
	defer e.remove(root, os.RemoveAll)

	e.log.V(2).InfoS("Unpacking package", "name", name, "bytes", len(data), "dir", root)
	if err := e.unpack(ctx, pkgFile, root); err != nil {
		return err
	}
	return e.walk(root, visit)
}

func (e *Extractor) writeTemp(data []byte) (string, error) {
	f, err := os.CreateTemp(e.tempDir, "artifact-scanner-*."+e.format)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	return f.Name(), nil
}

func (e *Extractor) unpack(ctx context.Context, pkgFile, root string) error {
	switch e.format {
	case FormatDeb:
		_, err := e.runner.Run(ctx, Command{Name: e.tools.DpkgDeb, Args: []string{"-x", pkgFile, root}})
		return err
	case FormatRPM:
		payload, err := e.runner.Run(ctx, Command{Name: e.tools.Rpm2cpio, Args: []string{pkgFile}})
		if err != nil {
			return err
		}
		_, err = e.runner.Run(ctx, Command{
			Name:  e.tools.Cpio,
			Args:  []string{"-idm", "--quiet", "--no-absolute-filenames"},
			Dir:   root,
			Stdin: bytes.NewReader(payload),
		})
		return err
	default:
		return fmt.Errorf("unsupported package format %q", e.format)
	}
}

// walk visits regular files under root in lexical order. Symlinks are not
// followed and files that cannot be read are skipped.
func (e *Extractor) walk(root string, visit func(rel string, content []byte) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			e.log.Warning("Skipping unreadable path", "path", path, "error", err)
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("failed to relativize %s: %w", path, err)
		}
		content, err := e.readFile(path)
		if errors.Is(err, ErrFileTooLarge) {
			return fmt.Errorf("failed to read extracted file %s: %w", filepath.ToSlash(rel), err)
		}
		if err != nil {
			e.log.Warning("Skipping unreadable file", "path", filepath.ToSlash(rel), "error", err)
			return nil
		}
		return visit(filepath.ToSlash(rel), content)
	})
}

func (e *Extractor) readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if e.maxFileBytes <= 0 {
		return io.ReadAll(f)
	}
	data, err := io.ReadAll(io.LimitReader(f, e.maxFileBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > e.maxFileBytes {
		return nil, ErrFileTooLarge
	}
	return data, nil
}

func (e *Extractor) remove(path string, rm func(string) error) {
	if err := rm(path); err != nil && !os.IsNotExist(err) {
		e.log.Warning("Failed to remove temporary path", "path", path, "error", err)
	}
}
