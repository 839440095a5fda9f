// Package archive unpacks nested artifact containers into scannable units.
//
// A Dispatcher maps file-name suffixes to Decoders. The Walker re-enters the
// dispatcher for every unit a decoder emits, so archives nested inside
// archives are unpacked depth-first until a leaf is reached or the depth
// limit stops the descent.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Format names used in decoder registration and DecodeError.
const (
	FormatTar    = "tar"
	FormatTarGz  = "tar.gz"
	FormatGzip   = "gz"
	FormatTarZst = "tar.zst"
	FormatZstd   = "zst"
	FormatZip    = "zip"
	FormatDeb    = "deb"
	FormatRPM    = "rpm"
)

var (
	ErrUnitTooLarge   = errors.New("unit exceeds size limit")
	ErrTooManyEntries = errors.New("archive exceeds entry limit")
)

// Unit is one named piece of content flowing between decoder stages. Path is
// the accumulated logical path, e.g. "artifacts.tar.gz/bin/run.sh". Name, when
// set, replaces Path for decoder selection only.
type Unit struct {
	Path string
	Name string
	Data []byte
}

// DispatchName is the name the dispatcher resolves the unit by.
func (u Unit) DispatchName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Path
}

// trimSuffixFold removes suffix from name, ignoring case.
func trimSuffixFold(name, suffix string) string {
	if len(name) > len(suffix) && strings.EqualFold(name[len(name)-len(suffix):], suffix) {
		return name[:len(name)-len(suffix)]
	}
	return name
}

// EmitFunc receives each unit a decoder extracts. A non-nil return stops the
// decoder and is returned unchanged.
type EmitFunc func(Unit) error

// Decoder unpacks one container format.
type Decoder interface {
	Format() string
	Decode(ctx context.Context, data []byte, prefix string, emit EmitFunc) error
}

// PackageExtractor unpacks an OS package through external tooling. visit is
// called once per regular file with its slash-separated path relative to the
// package root.
type PackageExtractor interface {
	Extract(ctx context.Context, data []byte, name string, visit func(rel string, content []byte) error) error
}

// Limits bound the work done on untrusted input.
type Limits struct {
	MaxDepth     int
	MaxUnitBytes int64
	MaxEntries   int
}

const (
	DefaultMaxDepth     = 8
	DefaultMaxUnitBytes = 512 << 20
	DefaultMaxEntries   = 100000
)

func DefaultLimits() Limits {
	return Limits{
		MaxDepth:     DefaultMaxDepth,
		MaxUnitBytes: DefaultMaxUnitBytes,
		MaxEntries:   DefaultMaxEntries,
	}
}

// withDefaults fills zero or negative fields from DefaultLimits.
func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxDepth <= 0 {
		l.MaxDepth = d.MaxDepth
	}
	if l.MaxUnitBytes <= 0 {
		l.MaxUnitBytes = d.MaxUnitBytes
	}
	if l.MaxEntries <= 0 {
		l.MaxEntries = d.MaxEntries
	}
	return l
}

// DecodeError reports a container that could not be fully decoded. Units
// emitted before the failure have already been scanned.
type DecodeError struct {
	Path   string
	Format string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s archive %s: %v", e.Format, e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// JoinPath appends a member name to a logical prefix. Leading "./" and "/"
// are dropped from the member so paths never contain empty segments.
func JoinPath(prefix, member string) string {
	for {
		trimmed := strings.TrimPrefix(strings.TrimLeft(member, "/"), "./")
		if trimmed == member {
			break
		}
		member = trimmed
	}
	if member == "" {
		return prefix
	}
	if prefix == "" {
		return member
	}
	return prefix + "/" + member
}

// readBounded reads r fully, failing with ErrUnitTooLarge past max bytes.
func readBounded(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w (%d bytes)", ErrUnitTooLarge, max)
	}
	return data, nil
}
