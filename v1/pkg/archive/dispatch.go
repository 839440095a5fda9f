package archive

import (
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Dispatcher selects a Decoder by file-name suffix. Suffixes are compared
// case-insensitively, longest first, so ".tar.gz" wins over ".gz".
type Dispatcher struct {
	table    map[string]Decoder
	suffixes []string
	sniff    bool
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{table: make(map[string]Decoder)}
}

// Packages holds the extractors used for .deb and .rpm. A nil extractor
// leaves the suffix unregistered, so such files are scanned as plain text.
type Packages struct {
	Deb PackageExtractor
	RPM PackageExtractor
}

// NewDefaultDispatcher registers the standard artifact formats.
func NewDefaultDispatcher(limits Limits, pkgs Packages) *Dispatcher {
	d := NewDispatcher()
	d.Register(".tar", NewTarDecoder(limits))
	d.Register(".tar.gz", NewTarGzipDecoder(limits))
	d.Register(".tgz", NewTarGzipDecoder(limits))
	d.Register(".gz", NewGzipDecoder(limits))
	d.Register(".tar.zst", NewTarZstdDecoder(limits))
	d.Register(".zst", NewZstdDecoder(limits))
	d.Register(".zip", NewZipDecoder(limits))
	if pkgs.Deb != nil {
		d.Register(".deb", NewPackageDecoder(FormatDeb, pkgs.Deb))
	}
	if pkgs.RPM != nil {
		d.Register(".rpm", NewPackageDecoder(FormatRPM, pkgs.RPM))
	}
	return d
}

// Register maps suffix to dec, replacing any previous mapping.
func (d *Dispatcher) Register(suffix string, dec Decoder) {
	suffix = normalizeSuffix(suffix)
	if _, exists := d.table[suffix]; !exists {
		d.suffixes = append(d.suffixes, suffix)
	}
	d.table[suffix] = dec

	sort.Slice(d.suffixes, func(i, j int) bool {
		if len(d.suffixes[i]) != len(d.suffixes[j]) {
			return len(d.suffixes[i]) > len(d.suffixes[j])
		}
		return d.suffixes[i] < d.suffixes[j]
	})
}

// EnableSniffing makes Resolve fall back to content detection when no
// suffix matches.
func (d *Dispatcher) EnableSniffing(enabled bool) {
	d.sniff = enabled
}

// Suffixes returns the registered suffixes in match order.
func (d *Dispatcher) Suffixes() []string {
	return append([]string(nil), d.suffixes...)
}

// Lookup matches name against the suffix table.
func (d *Dispatcher) Lookup(name string) (Decoder, string, bool) {
	lower := strings.ToLower(name)
	for _, suffix := range d.suffixes {
		if strings.HasSuffix(lower, suffix) {
			return d.table[suffix], suffix, true
		}
	}
	return nil, "", false
}

// Resolve returns the decoder for a unit, or nil when it should be scanned as
// plain text. Content is only inspected when sniffing is enabled.
func (d *Dispatcher) Resolve(name string, data []byte) Decoder {
	if dec, _, ok := d.Lookup(name); ok {
		return dec
	}
	if !d.sniff {
		return nil
	}
	suffix := SniffSuffix(data)
	if suffix == "" {
		return nil
	}
	return d.table[suffix]
}

// sniffTable maps detected MIME types to registered suffixes.
var sniffTable = map[string]string{
	"application/gzip":                      ".gz",
	"application/zip":                       ".zip",
	"application/x-tar":                     ".tar",
	"application/zstd":                      ".zst",
	"application/vnd.debian.binary-package": ".deb",
	"application/x-rpm":                     ".rpm",
}

// SniffSuffix detects the container format of data and returns the suffix it
// is registered under, or "" for anything else. Types derived from zip, such
// as jar, resolve to ".zip".
func SniffSuffix(data []byte) string {
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		if suffix, ok := sniffTable[m.String()]; ok {
			return suffix
		}
	}
	return ""
}

func normalizeSuffix(suffix string) string {
	suffix = strings.ToLower(strings.TrimSpace(suffix))
	if !strings.HasPrefix(suffix, ".") {
		suffix = "." + suffix
	}
	return suffix
}
