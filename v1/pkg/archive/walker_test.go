package archive

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWalker_TarRoundTrip(t *testing.T) {
	w, _ := newTestWalker(t, DefaultLimits(), Packages{})
	data := tarBytes(t, member{name: "config.txt", body: "MY_SECRET_TOKEN=hello\n"})

	res, err := w.Walk(context.Background(), "archive.tar", data)
	require.NoError(t, err)

	require.Len(t, res.Findings, 1)
	assert.Equal(t, "archive.tar/config.txt", res.Findings[0].Path)
	assert.Equal(t, 1, res.Findings[0].Line)
	assert.Equal(t, "MY_SECRET_TOKEN", res.Findings[0].Text)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 1, res.Units)
}

func TestWalker_Formats(t *testing.T) {
	payload := tarBytes(t,
		member{name: "etc/", dir: true},
		member{name: "./etc/app.env", body: "ok=1\nDB_PASSWORD=x\n"},
	)

	tests := []struct {
		name string
		path string
		data []byte
		want []string
	}{
		{
			name: "tar.gz",
			path: "artifacts.tar.gz",
			data: gzipBytes(t, payload),
			want: []string{"artifacts.tar.gz/etc/app.env:2: DB_PASSWORD"},
		},
		{
			name: "tgz",
			path: "artifacts.tgz",
			data: gzipBytes(t, payload),
			want: []string{"artifacts.tgz/etc/app.env:2: DB_PASSWORD"},
		},
		{
			name: "tar.zst",
			path: "artifacts.tar.zst",
			data: zstdBytes(t, payload),
			want: []string{"artifacts.tar.zst/etc/app.env:2: DB_PASSWORD"},
		},
		{
			name: "gz single stream",
			path: "build.log.gz",
			data: gzipBytes(t, []byte("line\nGITHUB_TOKEN=abc\n")),
			want: []string{"build.log.gz:2: GITHUB_TOKEN"},
		},
		{
			name: "zst single stream",
			path: "build.log.zst",
			data: zstdBytes(t, []byte("API_TOKEN=abc\n")),
			want: []string{"build.log.zst:1: API_TOKEN"},
		},
		{
			name: "gz inside gz",
			path: "build.log.gz.gz",
			data: gzipBytes(t, gzipBytes(t, []byte("DB_PASSWORD=x\n"))),
			want: []string{"build.log.gz.gz:1: DB_PASSWORD"},
		},
		{
			name: "gz wrapping tar",
			path: "bundle.tar.GZ",
			data: gzipBytes(t, tarBytes(t, member{name: "env", body: "AWS_SECRET=1"})),
			want: []string{"bundle.tar.GZ/env:1: AWS_SECRET"},
		},
		{
			name: "zip",
			path: "bundle.ZIP",
			data: zipBytes(t, member{name: "conf/", dir: true}, member{name: "conf/app.conf", body: "PASSWORD=xyz"}),
			want: []string{"bundle.ZIP/conf/app.conf:1: PASSWORD"},
		},
		{
			name: "plain text",
			path: "notes.txt",
			data: []byte("nothing\nSIGNING_SECRET=1\n"),
			want: []string{"notes.txt:2: SIGNING_SECRET"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := newTestWalker(t, DefaultLimits(), Packages{})
			res, err := w.Walk(context.Background(), tt.path, tt.data)
			require.NoError(t, err)
			assert.Empty(t, res.Errors)
			assert.Equal(t, tt.want, paths(res.Findings))
		})
	}
}

func nestedZipInTarGz(t *testing.T) []byte {
	inner := zipBytes(t, member{name: "app.conf", body: "PASSWORD=xyz\n"})
	return gzipBytes(t, tarBytes(t, member{name: "inner.zip", body: string(inner)}))
}

func TestWalker_ZipNestedInTarGzIsReached(t *testing.T) {
	w, _ := newTestWalker(t, DefaultLimits(), Packages{})

	res, err := w.Walk(context.Background(), "outer.tar.gz", nestedZipInTarGz(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"outer.tar.gz/inner.zip/app.conf:1: PASSWORD"}, paths(res.Findings))
	assert.Zero(t, res.Truncated)
}

func TestWalker_DepthLimitStopsNestedDecode(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxDepth = 1
	w, _ := newTestWalker(t, limits, Packages{})

	res, err := w.Walk(context.Background(), "outer.tar.gz", nestedZipInTarGz(t))
	require.NoError(t, err)

	for _, f := range res.Findings {
		assert.False(t, strings.HasPrefix(f.Path, "outer.tar.gz/inner.zip/"), "unexpected nested finding %s", f)
	}
	assert.Equal(t, 1, res.Truncated)
	assert.Equal(t, 1, res.Units)
}

func TestWalker_CorruptedZip(t *testing.T) {
	w, _ := newTestWalker(t, DefaultLimits(), Packages{})

	res, err := w.Walk(context.Background(), "broken.zip", []byte("PK\x03\x04 definitely not a zip"))
	require.NoError(t, err)

	assert.Empty(t, res.Findings)
	require.Len(t, res.Errors, 1)
	var derr *DecodeError
	require.True(t, errors.As(res.Errors[0], &derr))
	assert.Equal(t, "broken.zip", derr.Path)
	assert.Equal(t, FormatZip, derr.Format)
}

func TestWalker_TruncatedArchiveKeepsEarlierMembers(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	noise := make([]byte, 64<<10)
	rng.Read(noise)

	full := gzipBytes(t, tarBytes(t,
		member{name: "first.env", body: "DEPLOY_TOKEN=abc\n"},
		member{name: "second.bin", body: string(noise)},
	))
	truncated := full[:len(full)-1024]

	w, _ := newTestWalker(t, DefaultLimits(), Packages{})
	res, err := w.Walk(context.Background(), "partial.tar.gz", truncated)
	require.NoError(t, err)

	assert.Contains(t, paths(res.Findings), "partial.tar.gz/first.env:1: DEPLOY_TOKEN")
	require.Len(t, res.Errors, 1)
	var derr *DecodeError
	assert.True(t, errors.As(res.Errors[0], &derr))
	assert.Equal(t, FormatTarGz, derr.Format)
}

func TestWalker_NestedFailureDoesNotAbortOuter(t *testing.T) {
	data := tarBytes(t,
		member{name: "bad.zip", body: "not a zip"},
		member{name: "good.txt", body: "RELEASE_TOKEN=1"},
	)
	w, _ := newTestWalker(t, DefaultLimits(), Packages{})

	res, err := w.Walk(context.Background(), "bundle.tar", data)
	require.NoError(t, err)

	assert.Equal(t, []string{"bundle.tar/good.txt:1: RELEASE_TOKEN"}, paths(res.Findings))
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error(), "bundle.tar/bad.zip")
}

func TestWalker_UnitSizeLimit(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxUnitBytes = 16
	w, _ := newTestWalker(t, limits, Packages{})

	data := gzipBytes(t, []byte(strings.Repeat("A", 64)))
	res, err := w.Walk(context.Background(), "big.gz", data)
	require.NoError(t, err)

	require.Len(t, res.Errors, 1)
	assert.True(t, errors.Is(res.Errors[0], ErrUnitTooLarge))
}

func TestWalker_EntryLimit(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxEntries = 2
	w, _ := newTestWalker(t, limits, Packages{})

	data := tarBytes(t,
		member{name: "a", body: "A_TOKEN"},
		member{name: "b", body: "B_TOKEN"},
		member{name: "c", body: "C_TOKEN"},
	)
	res, err := w.Walk(context.Background(), "many.tar", data)
	require.NoError(t, err)

	assert.Equal(t, []string{"many.tar/a:1: A_TOKEN", "many.tar/b:1: B_TOKEN"}, paths(res.Findings))
	require.Len(t, res.Errors, 1)
	assert.True(t, errors.Is(res.Errors[0], ErrTooManyEntries))
}

func TestWalker_Cancelled(t *testing.T) {
	w, _ := newTestWalker(t, DefaultLimits(), Packages{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.Walk(ctx, "archive.tar", tarBytes(t, member{name: "a", body: "A_TOKEN"}))
	assert.ErrorIs(t, err, context.Canceled)
}

type fakeExtractor struct {
	files map[string]string
	order []string
	err   error
	names []string
}

func (f *fakeExtractor) Extract(ctx context.Context, data []byte, name string, visit func(rel string, content []byte) error) error {
	f.names = append(f.names, name)
	if f.err != nil {
		return f.err
	}
	for _, rel := range f.order {
		if err := visit(rel, []byte(f.files[rel])); err != nil {
			return err
		}
	}
	return nil
}

func TestWalker_PackageContentsAreRedispatched(t *testing.T) {
	nested := gzipBytes(t, tarBytes(t, member{name: "conf/db.ini", body: "DB_PASSWORD=1\n"}))
	deb := &fakeExtractor{
		order: []string{"usr/share/doc/README", "opt/app/assets.tar.gz"},
		files: map[string]string{
			"usr/share/doc/README":  "ACCESS_KEY in docs\n",
			"opt/app/assets.tar.gz": string(nested),
		},
	}
	w, _ := newTestWalker(t, DefaultLimits(), Packages{Deb: deb})

	res, err := w.Walk(context.Background(), "pool/app_1.0_amd64.deb", []byte("!<arch>"))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"pool/app_1.0_amd64.deb/usr/share/doc/README:1: ACCESS_KEY",
		"pool/app_1.0_amd64.deb/opt/app/assets.tar.gz/conf/db.ini:1: DB_PASSWORD",
	}, paths(res.Findings))
	assert.Equal(t, []string{"app_1.0_amd64.deb"}, deb.names)
}

func TestWalker_PackageToolFailure(t *testing.T) {
	rpm := &fakeExtractor{err: fmt.Errorf("rpm2cpio: exit status 1")}
	w, _ := newTestWalker(t, DefaultLimits(), Packages{RPM: rpm})

	res, err := w.Walk(context.Background(), "app.rpm", []byte("raw"))
	require.NoError(t, err)

	assert.Empty(t, res.Findings)
	require.Len(t, res.Errors, 1)
	var derr *DecodeError
	require.True(t, errors.As(res.Errors[0], &derr))
	assert.Equal(t, FormatRPM, derr.Format)
}

func TestWalker_Idempotent(t *testing.T) {
	w, _ := newTestWalker(t, DefaultLimits(), Packages{})
	data := nestedZipInTarGz(t)

	first, err := w.Walk(context.Background(), "outer.tar.gz", data)
	require.NoError(t, err)
	second, err := w.Walk(context.Background(), "outer.tar.gz", data)
	require.NoError(t, err)

	assert.Equal(t, first.Findings, second.Findings)
}
