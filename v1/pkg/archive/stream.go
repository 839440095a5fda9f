package archive

import (
	"bytes"
	"context"
	"fmt"
)

// streamDecoder handles single-member formats. The decompressed content keeps
// the container's own name for reporting and is dispatched by that name
// without the compression suffix, so "build.log.gz" is scanned as
// "build.log".
type streamDecoder struct {
	format string
	layer  layerFunc
	limits Limits
}

func NewGzipDecoder(limits Limits) Decoder {
	return &streamDecoder{format: FormatGzip, layer: gzipLayer, limits: limits.withDefaults()}
}

func NewZstdDecoder(limits Limits) Decoder {
	return &streamDecoder{format: FormatZstd, layer: zstdLayer, limits: limits.withDefaults()}
}

func (d *streamDecoder) Format() string {
	return d.format
}

func (d *streamDecoder) Decode(ctx context.Context, data []byte, prefix string, emit EmitFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stream, err := d.layer(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer stream.Close()

	content, err := readBounded(stream, d.limits.MaxUnitBytes)
	if err != nil {
		return fmt.Errorf("failed to decompress %s stream: %w", d.format, err)
	}
	return emit(Unit{Path: prefix, Name: trimSuffixFold(prefix, "."+d.format), Data: content})
}
