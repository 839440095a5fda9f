package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// layerFunc wraps the raw archive stream in a decompressor.
type layerFunc func(io.Reader) (io.ReadCloser, error)

func plainLayer(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

func gzipLayer(r io.Reader) (io.ReadCloser, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	return zr, nil
}

func zstdLayer(r io.Reader) (io.ReadCloser, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open zstd stream: %w", err)
	}
	return zr.IOReadCloser(), nil
}

// tarDecoder emits every regular file of a tar stream, optionally behind a
// compression layer.
type tarDecoder struct {
	format string
	layer  layerFunc
	limits Limits
}

func NewTarDecoder(limits Limits) Decoder {
	return &tarDecoder{format: FormatTar, layer: plainLayer, limits: limits.withDefaults()}
}

func NewTarGzipDecoder(limits Limits) Decoder {
	return &tarDecoder{format: FormatTarGz, layer: gzipLayer, limits: limits.withDefaults()}
}

func NewTarZstdDecoder(limits Limits) Decoder {
	return &tarDecoder{format: FormatTarZst, layer: zstdLayer, limits: limits.withDefaults()}
}

func (d *tarDecoder) Format() string {
	return d.format
}

func (d *tarDecoder) Decode(ctx context.Context, data []byte, prefix string, emit EmitFunc) error {
	stream, err := d.layer(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer stream.Close()

	tr := tar.NewReader(stream)
	entries := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar header: %w", err)
		}

		entries++
		if entries > d.limits.MaxEntries {
			return fmt.Errorf("%w (%d)", ErrTooManyEntries, d.limits.MaxEntries)
		}
		if !hdr.FileInfo().Mode().IsRegular() {
			continue
		}

		content, err := readBounded(tr, d.limits.MaxUnitBytes)
		if err != nil {
			return fmt.Errorf("failed to read tar member %s: %w", hdr.Name, err)
		}
		if err := emit(Unit{Path: JoinPath(prefix, hdr.Name), Data: content}); err != nil {
			return err
		}
	}
}
