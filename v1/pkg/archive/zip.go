package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/klauspost/compress/zip"
)

type zipDecoder struct {
	limits Limits
}

func NewZipDecoder(limits Limits) Decoder {
	return &zipDecoder{limits: limits.withDefaults()}
}

func (d *zipDecoder) Format() string {
	return FormatZip
}

// Decode walks the central directory and emits every non-directory entry.
func (d *zipDecoder) Decode(ctx context.Context, data []byte, prefix string, emit EmitFunc) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}
	if len(zr.File) > d.limits.MaxEntries {
		return fmt.Errorf("%w (%d)", ErrTooManyEntries, d.limits.MaxEntries)
	}

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			continue
		}

		content, err := d.readEntry(f)
		if err != nil {
			return err
		}
		if err := emit(Unit{Path: JoinPath(prefix, f.Name), Data: content}); err != nil {
			return err
		}
	}
	return nil
}

func (d *zipDecoder) readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open zip member %s: %w", f.Name, err)
	}
	defer rc.Close()

	content, err := readBounded(rc, d.limits.MaxUnitBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to read zip member %s: %w", f.Name, err)
	}
	return content, nil
}
