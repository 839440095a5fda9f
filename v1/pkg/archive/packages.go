package archive

import (
	"context"
	"path"
)

// packageDecoder adapts a PackageExtractor (dpkg-deb, rpm2cpio) to Decoder.
type packageDecoder struct {
	format    string
	extractor PackageExtractor
}

func NewPackageDecoder(format string, extractor PackageExtractor) Decoder {
	return &packageDecoder{format: format, extractor: extractor}
}

func (d *packageDecoder) Format() string {
	return d.format
}

func (d *packageDecoder) Decode(ctx context.Context, data []byte, prefix string, emit EmitFunc) error {
	return d.extractor.Extract(ctx, data, path.Base(prefix), func(rel string, content []byte) error {
		return emit(Unit{Path: JoinPath(prefix, rel), Data: content})
	})
}
