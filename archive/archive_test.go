package archive

import (
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io/fs"
	"net/http"
	"runtime"
	"strconv"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"

	"github.com/dragonfly-scan/dragonfly"
	"github.com/dragonfly-scan/dragonfly/test"
)

var sdist = map[string]string{
	"foo-1.0/PKG-INFO":          "Metadata-Version: 2.1\nName: foo\nVersion: 1.0\n",
	"foo-1.0/setup.py":          "from setuptools import setup\nsetup(name='foo')\n",
	"foo-1.0/foo/__init__.py":   "import os\n",
	"foo-1.0/foo/util/x.py":     "print('x')\n",
	"foo-1.0/tests/test_foo.py": "",
}

func walk(t *testing.T, fsys fs.FS) []string {
	t.Helper()
	var got []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			got = append(got, p)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestFetchFormats(t *testing.T) {
	ctx := test.Logging(t)
	srv := test.NewServer(t)
	f := Fetcher{Client: srv.Client(), MaxSize: 1 << 20}
	want := []string{
		"foo-1.0/PKG-INFO",
		"foo-1.0/foo/__init__.py",
		"foo-1.0/foo/util/x.py",
		"foo-1.0/setup.py",
		"foo-1.0/tests/test_foo.py",
	}

	tt := []struct {
		Name        string
		Path        string
		Body        []byte
		Format      Format
		Compression string
	}{
		{"Tar", "/foo-1.0.tar", test.Tar(t, sdist), FormatTar, "none"},
		{"Gzip", "/foo-1.0.tar.gz", test.TarGz(t, sdist), FormatTar, "gzip"},
		{"Zstd", "/foo-1.0.tar.zst", test.Zstd(t, test.Tar(t, sdist)), FormatTar, "zstd"},
		{"Xz", "/foo-1.0.tar.xz", test.Xz(t, test.Tar(t, sdist)), FormatTar, "xz"},
		// Compression is sniffed, not taken from the name.
		{"Misnamed", "/foo-1.0.tar.bz2", test.TarGz(t, sdist), FormatTar, "gzip"},
		{"Wheel", "/foo-1.0-py3-none-any.whl", test.Zip(t, sdist), FormatZip, "none"},
		{"Zip", "/foo-1.0.ZIP", test.Zip(t, sdist), FormatZip, "none"},
	}
	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			ctx := test.Logging(t, ctx)
			a, err := f.Fetch(ctx, srv.Serve(tc.Path, tc.Body))
			if err != nil {
				t.Fatal(err)
			}
			if got, want := a.Format, tc.Format; got != want {
				t.Errorf("format: got: %v, want: %v", got, want)
			}
			if got, want := a.Compression, tc.Compression; got != want {
				t.Errorf("compression: got: %q, want: %q", got, want)
			}
			if got := walk(t, a); !cmp.Equal(got, want) {
				t.Error(cmp.Diff(got, want))
			}
			b, err := fs.ReadFile(a, "foo-1.0/setup.py")
			if err != nil {
				t.Fatal(err)
			}
			if got, want := string(b), sdist["foo-1.0/setup.py"]; got != want {
				t.Errorf("got: %q, want: %q", got, want)
			}
		})
	}
}

func TestTarFS(t *testing.T) {
	tfs, err := newTarFS(test.Tar(t, sdist))
	if err != nil {
		t.Fatal(err)
	}
	if err := fstest.TestFS(tfs,
		"foo-1.0/PKG-INFO",
		"foo-1.0/setup.py",
		"foo-1.0/foo/__init__.py",
		"foo-1.0/foo/util/x.py",
		"foo-1.0/tests/test_foo.py",
	); err != nil {
		t.Error(err)
	}
}

func TestTarFSEmpty(t *testing.T) {
	tfs, err := newTarFS(nil)
	if err != nil {
		t.Fatal(err)
	}
	es, err := tfs.ReadDir(".")
	if err != nil {
		t.Fatal(err)
	}
	if len(es) != 0 {
		t.Errorf("unexpected entries: %v", es)
	}
}

func TestNormPath(t *testing.T) {
	for in, want := range map[string]string{
		"./foo/bar":        "foo/bar",
		"/abs/path":        "abs/path",
		"../../etc/passwd": "etc/passwd",
		"dir/":             "dir",
		"":                 ".",
	} {
		if got := normPath(in); got != want {
			t.Errorf("%q: got: %q, want: %q", in, got, want)
		}
	}
}

func TestTooLarge(t *testing.T) {
	ctx := test.Logging(t)
	srv := test.NewServer(t)
	body := test.Tar(t, sdist) // at least several 512-byte blocks
	f := Fetcher{Client: srv.Client(), MaxSize: int64(len(body)) - 1}

	for _, p := range []string{"/big.tar", "/big.whl"} {
		a, err := f.Fetch(ctx, srv.Serve(p, body))
		t.Log(err)
		if !errors.Is(err, dragonfly.ErrDownloadTooLarge) {
			t.Errorf("%s: unexpected error: %v", p, err)
		}
		if a != nil {
			t.Errorf("%s: partial archive returned", p)
		}
	}

	// Exactly at the ceiling is fine.
	f.MaxSize = int64(len(body))
	if _, err := f.Fetch(ctx, srv.Serve("/exact.tar", body)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestGzipBomb(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping in short mode")
	}
	ctx := test.Logging(t)
	srv := test.NewServer(t)
	f := Fetcher{Client: srv.Client(), MaxSize: 100 << 20}

	a, err := f.FetchTarball(ctx, srv.Handle("/bomb.tar.gz", test.GzipBomb(10<<30)))
	t.Log(err)
	if !errors.Is(err, dragonfly.ErrDownloadTooLarge) {
		t.Errorf("unexpected error: %v", err)
	}
	if a != nil {
		t.Error("partial archive returned")
	}
}

func TestFetchErrors(t *testing.T) {
	ctx := test.Logging(t)
	srv := test.NewServer(t)
	f := Fetcher{Client: srv.Client(), MaxSize: 1 << 20}
	junk := []byte("this is not an archive of any kind, just some text")

	tt := []struct {
		Name string
		URL  string
		Kind dragonfly.ErrorKind
	}{
		{"NotFound", srv.URL + "/missing.tar.gz", dragonfly.ErrNetwork},
		{"JunkTarball", srv.Serve("/junk.tar.gz", junk), dragonfly.ErrArchiveFormat},
		{"JunkWheel", srv.Serve("/junk.whl", junk), dragonfly.ErrArchiveFormat},
		{"BadGzip", srv.Serve("/bad.tar.gz", []byte{0x1F, 0x8B, 0x08, 0xFF, 0xFF, 0xFF, 0x00}), dragonfly.ErrArchiveFormat},
		{"ServerError", srv.Handle("/broken.tar.gz", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "oops", http.StatusBadGateway)
		}), dragonfly.ErrNetwork},
	}
	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			a, err := f.Fetch(ctx, tc.URL)
			t.Log(err)
			if !errors.Is(err, tc.Kind) {
				t.Errorf("unexpected error: %v", err)
			}
			if a != nil {
				t.Error("archive returned alongside error")
			}
		})
	}
}

func TestFetchCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(test.Logging(t))
	cancel()
	srv := test.NewServer(t)
	f := Fetcher{Client: srv.Client(), MaxSize: 1 << 20}
	_, err := f.Fetch(ctx, srv.Serve("/foo.tar", test.Tar(t, sdist)))
	if !errors.Is(err, dragonfly.ErrNetwork) || !errors.Is(err, context.Canceled) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestIsZip(t *testing.T) {
	for in, want := range map[string]bool{
		"https://files.example/packages/ab/foo-1.0-py3-none-any.whl": true,
		"https://files.example/foo-1.0.zip":                           true,
		"https://files.example/foo-1.0-py2.7.egg":                     true,
		"https://files.example/foo-1.0.tar.gz":                        false,
		"https://files.example/foo-1.0.tar.gz?x=.whl":                 false,
		"https://files.example/foo.whl/download.tgz":                  false,
	} {
		if got := IsZip(in); got != want {
			t.Errorf("%q: got: %v, want: %v", in, got, want)
		}
	}
}

func TestDetectCompression(t *testing.T) {
	for _, tc := range []struct {
		In   []byte
		Want compression
	}{
		{[]byte{0x1F, 0x8B, 0x08, 0x00}, cmpGzip},
		{[]byte{0x28, 0xB5, 0x2F, 0xFD, 0x04}, cmpZstd},
		{[]byte{0xFD, '7', 'z', 'X', 'Z', 0x00}, cmpXz},
		{[]byte("BZh91AY&SY"), cmpBzip2},
		{[]byte("foo-1.0/"), cmpNone},
		{nil, cmpNone},
	} {
		if got := detectCompression(tc.In); got != tc.Want {
			t.Errorf("%x: got: %v, want: %v", tc.In, got, tc.Want)
		}
	}
}

// ZstdFrame returns a zstd frame that declares a window of 1<<windowLog
// bytes and holds a single raw byte.
func zstdFrame(windowLog int) []byte {
	return []byte{
		0x28, 0xB5, 0x2F, 0xFD, // Magic
		0x00,                        // No content size, not single segment
		byte(windowLog-10) << 3,     // Window descriptor
		0x09, 0x00, 0x00,            // Last block, raw, 1 byte
		'x',
	}
}

// XzHeader returns an xz stream header followed by a block header declaring
// an LZMA2 dictionary with the given size code.
func xzHeader(dictCode byte) []byte {
	var b []byte
	flags := []byte{0x00, 0x01} // CRC32
	b = append(b, 0xFD, '7', 'z', 'X', 'Z', 0x00)
	b = append(b, flags...)
	b = binary.LittleEndian.AppendUint32(b, crc32.ChecksumIEEE(flags))
	bh := []byte{
		0x02,             // (2+1)*4 bytes
		0x00,             // One filter, no sizes
		0x21, 0x01, dictCode, // LZMA2
		0x00, 0x00, 0x00, // Padding
	}
	bh = binary.LittleEndian.AppendUint32(bh, crc32.ChecksumIEEE(bh))
	return append(b, bh...)
}

func TestDecoderWindow(t *testing.T) {
	ctx := test.Logging(t)
	srv := test.NewServer(t)
	f := Fetcher{Client: srv.Client(), MaxSize: 1 << 20}

	tt := []struct {
		Name string
		Body []byte
	}{
		{"Zstd", zstdFrame(29)},                                // 512 MiB window
		{"Xz", append(xzHeader(40), make([]byte, 64)...)}, // 4 GiB dictionary
	}
	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			ctx := test.Logging(t, ctx)
			u := srv.Serve("/big-window-"+tc.Name+"-1.0.tar", tc.Body)
			var before, after runtime.MemStats
			runtime.ReadMemStats(&before)
			a, err := f.FetchTarball(ctx, u)
			runtime.ReadMemStats(&after)
			t.Log(err)
			if !errors.Is(err, dragonfly.ErrDownloadTooLarge) {
				t.Errorf("unexpected error: %v", err)
			}
			if a != nil {
				t.Error("partial archive returned")
			}
			if got := after.TotalAlloc - before.TotalAlloc; got > 64<<20 {
				t.Errorf("allocated %d bytes", got)
			}
		})
	}
}

func TestDecoderWindowAllowed(t *testing.T) {
	// Streamed encoders declare windows larger than a small ceiling; those
	// still decode.
	ctx := test.Logging(t)
	srv := test.NewServer(t)
	f := Fetcher{Client: srv.Client(), MaxSize: 64 << 10}
	for i, b := range [][]byte{
		test.Zstd(t, test.Tar(t, sdist)),
		test.Xz(t, test.Tar(t, sdist)),
	} {
		if _, err := f.FetchTarball(ctx, srv.Serve("/small-"+strconv.Itoa(i)+"-1.0.tar", b)); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}
}

func TestXzDictCap(t *testing.T) {
	for _, tc := range []struct {
		Name string
		In   []byte
		Want int64
	}{
		{"8MiB", xzHeader(22), 8 << 20},
		{"Max", xzHeader(40), 1<<32 - 1},
		{"Short", xzHeader(22)[:14], 0},
		{"Empty", nil, 0},
		{"BadCode", xzHeader(41), 0},
	} {
		if got := xzDictCap(tc.In); got != tc.Want {
			t.Errorf("%s: got: %d, want: %d", tc.Name, got, tc.Want)
		}
	}
}
