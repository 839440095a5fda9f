package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_SuffixOrder(t *testing.T) {
	d := NewDefaultDispatcher(DefaultLimits(), Packages{Deb: &fakeExtractor{}, RPM: &fakeExtractor{}})

	assert.Equal(t, []string{
		".tar.zst", ".tar.gz",
		".deb", ".rpm", ".tar", ".tgz", ".zip", ".zst",
		".gz",
	}, d.Suffixes())
}

func TestDispatcher_Lookup(t *testing.T) {
	d := NewDefaultDispatcher(DefaultLimits(), Packages{Deb: &fakeExtractor{}, RPM: &fakeExtractor{}})

	tests := []struct {
		name   string
		format string
		suffix string
	}{
		{name: "release/artifacts.tar.gz", format: FormatTarGz, suffix: ".tar.gz"},
		{name: "artifacts.TGZ", format: FormatTarGz, suffix: ".tgz"},
		{name: "logs/build.log.gz", format: FormatGzip, suffix: ".gz"},
		{name: "rootfs.tar.zst", format: FormatTarZst, suffix: ".tar.zst"},
		{name: "dump.zst", format: FormatZstd, suffix: ".zst"},
		{name: "image.tar", format: FormatTar, suffix: ".tar"},
		{name: "bundle.zip", format: FormatZip, suffix: ".zip"},
		{name: "clickhouse_24.3_amd64.deb", format: FormatDeb, suffix: ".deb"},
		{name: "clickhouse-24.3.x86_64.rpm", format: FormatRPM, suffix: ".rpm"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec, suffix, ok := d.Lookup(tt.name)
			require.True(t, ok)
			assert.Equal(t, tt.format, dec.Format())
			assert.Equal(t, tt.suffix, suffix)
		})
	}

	for _, name := range []string{"build.log", "tarball", "archive.tar.bz2", "gz"} {
		_, _, ok := d.Lookup(name)
		assert.False(t, ok, name)
	}
}

func TestDispatcher_PackagesOptional(t *testing.T) {
	d := NewDefaultDispatcher(DefaultLimits(), Packages{})

	_, _, ok := d.Lookup("app.deb")
	assert.False(t, ok)
	assert.NotContains(t, d.Suffixes(), ".rpm")
}

func TestDispatcher_RegisterNormalizes(t *testing.T) {
	d := NewDispatcher()
	d.Register("JAR", NewZipDecoder(DefaultLimits()))

	dec, suffix, ok := d.Lookup("lib/app.jar")
	require.True(t, ok)
	assert.Equal(t, ".jar", suffix)
	assert.Equal(t, FormatZip, dec.Format())
}

func TestSniffSuffix(t *testing.T) {
	payload := tarBytes(t, member{name: "env.txt", body: "API_TOKEN=1"})

	assert.Equal(t, ".gz", SniffSuffix(gzipBytes(t, []byte("hello"))))
	assert.Equal(t, ".zip", SniffSuffix(zipBytes(t, member{name: "a.txt", body: "a"})))
	assert.Equal(t, ".zst", SniffSuffix(zstdBytes(t, []byte("hello"))))
	assert.Equal(t, ".tar", SniffSuffix(payload))
	assert.Equal(t, "", SniffSuffix([]byte("just some text\n")))
}

func TestDispatcher_Sniffing(t *testing.T) {
	payload := tarBytes(t, member{name: "env.txt", body: "API_TOKEN=1"})

	w, d := newTestWalker(t, DefaultLimits(), Packages{})
	assert.Nil(t, d.Resolve("payload.bin", payload))

	res, err := w.Walk(context.Background(), "payload.bin", payload)
	require.NoError(t, err)
	assert.NotContains(t, paths(res.Findings), "payload.bin/env.txt:1: API_TOKEN")

	d.EnableSniffing(true)
	require.NotNil(t, d.Resolve("payload.bin", payload))

	res, err = w.Walk(context.Background(), "payload.bin", payload)
	require.NoError(t, err)
	assert.Equal(t, []string{"payload.bin/env.txt:1: API_TOKEN"}, paths(res.Findings))
}

func TestJoinPath(t *testing.T) {
	tests := []struct {
		prefix, member, want string
	}{
		{"archive.tar", "config.txt", "archive.tar/config.txt"},
		{"archive.tar", "./config.txt", "archive.tar/config.txt"},
		{"archive.tar", "/etc/passwd", "archive.tar/etc/passwd"},
		{"archive.tar", ".//./x", "archive.tar/x"},
		{"archive.tar", "", "archive.tar"},
		{"", "member", "member"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, JoinPath(tt.prefix, tt.member), "%s + %s", tt.prefix, tt.member)
	}
}

func TestUnit_DispatchName(t *testing.T) {
	tests := []struct {
		unit Unit
		want string
	}{
		{Unit{Path: "build.log.gz"}, "build.log.gz"},
		{Unit{Path: "build.log.gz", Name: "build.log"}, "build.log"},
		{Unit{Path: "a.tar/b.zst", Name: trimSuffixFold("a.tar/b.zst", ".zst")}, "a.tar/b"},
		{Unit{Path: "LOG.GZ", Name: trimSuffixFold("LOG.GZ", ".gz")}, "LOG"},
		{Unit{Path: ".gz", Name: trimSuffixFold(".gz", ".gz")}, ".gz"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.unit.DispatchName(), tt.unit.Path)
	}
}
