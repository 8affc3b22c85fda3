// Package archive retrieves distribution archives into memory under a size
// ceiling and exposes their contents as an [fs.FS].
package archive

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dragonfly-scan/dragonfly"
	"github.com/dragonfly-scan/dragonfly/internal/httputil"
)

// Format is the container format of an Archive.
type Format int

// Supported container formats.
const (
	FormatTar Format = iota
	FormatZip
)

func (f Format) String() string {
	switch f {
	case FormatTar:
		return "tar"
	case FormatZip:
		return "zip"
	}
	return "unknown"
}

// Archive is a fully buffered distribution.
//
// The embedded FS serves the archive's regular files and directories. For
// zip archives, entries are inflated on read, so the bytes read through the
// FS may exceed Size.
type Archive struct {
	fs.FS
	Format Format
	// Compression is the outer compression of a tarball, or "none".
	Compression string
	// Size is the number of bytes buffered.
	Size int64
}

// Fetcher downloads archives.
//
// The zero value is not usable; Client must be set and MaxSize must be
// positive.
type Fetcher struct {
	Client *http.Client
	// MaxSize is the most bytes that will be buffered for one archive. For a
	// tarball this counts decompressed bytes.
	MaxSize int64
}

// Fetch dispatches on the URL's suffix: ".whl", ".zip" and ".egg" files are
// zip archives, everything else is treated as a tarball.
func (f *Fetcher) Fetch(ctx context.Context, uri string) (*Archive, error) {
	if IsZip(uri) {
		return f.FetchZip(ctx, uri)
	}
	return f.FetchTarball(ctx, uri)
}

// IsZip reports whether the URL names a zip-format distribution.
func IsZip(uri string) bool {
	p := uri
	if u, err := url.Parse(uri); err == nil {
		p = u.Path
	}
	p = strings.ToLower(p)
	for _, ext := range []string{".whl", ".zip", ".egg"} {
		if strings.HasSuffix(p, ext) {
			return true
		}
	}
	return false
}

// FetchTarball downloads a possibly compressed tar. The compression is
// detected from the leading bytes of the body: gzip, zstd, xz and bzip2 are
// understood, anything else is read as a plain tar.
//
// If the decompressed stream exceeds MaxSize, the download is abandoned and
// an error of kind [dragonfly.ErrDownloadTooLarge] is returned.
func (f *Fetcher) FetchTarball(ctx context.Context, uri string) (*Archive, error) {
	const op = `archive.FetchTarball`
	start := time.Now()
	res, err := f.get(ctx, op, uri)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body := &bodyReader{r: res.Body}
	br := bufio.NewReader(body)
	magic, err := br.Peek(magicLen)
	if err != nil && !errors.Is(err, io.EOF) {
		if body.err != nil {
			return nil, httputil.NetworkError(op, body.err)
		}
		return nil, formatError(op, uri, err)
	}
	cmp := detectCompression(magic)
	r, done, err := decompress(cmp, br, f.MaxSize)
	defer done()
	switch {
	case err == nil:
	case isTooLarge(err):
		return nil, f.tooLarge(op, uri, err)
	default:
		return nil, f.readError(op, uri, body, err)
	}
	buf, err := f.readAll(op, uri, body, r)
	if err != nil {
		return nil, err
	}
	tfs, err := newTarFS(buf)
	if err != nil {
		return nil, formatError(op, uri, err)
	}
	a := &Archive{
		FS:          tfs,
		Format:      FormatTar,
		Compression: cmp.String(),
		Size:        int64(len(buf)),
	}
	f.observe(ctx, uri, a, start)
	return a, nil
}

// FetchZip downloads a zip archive. The raw body counts against MaxSize.
func (f *Fetcher) FetchZip(ctx context.Context, uri string) (*Archive, error) {
	const op = `archive.FetchZip`
	start := time.Now()
	res, err := f.get(ctx, op, uri)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body := &bodyReader{r: res.Body}
	buf, err := f.readAll(op, uri, body, body)
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, formatError(op, uri, err)
	}
	a := &Archive{
		FS:          zr,
		Format:      FormatZip,
		Compression: cmpNone.String(),
		Size:        int64(len(buf)),
	}
	f.observe(ctx, uri, a, start)
	return a, nil
}

func (f *Fetcher) get(ctx context.Context, op, uri string) (*http.Response, error) {
	// Distribution hosts are public; no credential is sent.
	req, err := httputil.NewRequest(ctx, http.MethodGet, uri, "", nil)
	if err != nil {
		return nil, &dragonfly.Error{
			Op:      op,
			Kind:    dragonfly.ErrInvalid,
			URL:     uri,
			Message: "bad distribution url",
			Inner:   err,
		}
	}
	req.Header.Set("Accept", "*/*")
	res, err := f.Client.Do(req)
	if err != nil {
		fetchCounter.WithLabelValues("unknown", "network").Inc()
		return nil, httputil.NetworkError(op, err)
	}
	if err := httputil.CheckSuccess(op, res); err != nil {
		res.Body.Close()
		fetchCounter.WithLabelValues("unknown", "network").Inc()
		return nil, err
	}
	return res, nil
}

// ReadAll buffers "r" up to the size ceiling.
func (f *Fetcher) readAll(op, uri string, body *bodyReader, r io.Reader) ([]byte, error) {
	lr := &limitReader{r: r, max: f.MaxSize}
	buf, err := io.ReadAll(lr)
	switch {
	case err == nil:
		return buf, nil
	case isTooLarge(err):
		return nil, f.tooLarge(op, uri, err)
	}
	return nil, f.readError(op, uri, body, err)
}

func (f *Fetcher) tooLarge(op, uri string, err error) error {
	fetchCounter.WithLabelValues("unknown", "too_large").Inc()
	return &dragonfly.Error{
		Op:      op,
		Kind:    dragonfly.ErrDownloadTooLarge,
		URL:     uri,
		Message: "exceeds " + humanize.IBytes(uint64(f.MaxSize)),
		Inner:   err,
	}
}

// ReadError attributes a read failure to the network if the body itself
// failed, and to the archive contents otherwise.
func (f *Fetcher) readError(op, uri string, body *bodyReader, err error) error {
	if body.err != nil {
		fetchCounter.WithLabelValues("unknown", "network").Inc()
		return httputil.NetworkError(op, body.err)
	}
	return formatError(op, uri, err)
}

func (f *Fetcher) observe(ctx context.Context, uri string, a *Archive, start time.Time) {
	format := a.Format.String()
	fetchCounter.WithLabelValues(format, "ok").Inc()
	fetchBytes.WithLabelValues(format).Add(float64(a.Size))
	fetchDuration.WithLabelValues(format).Observe(time.Since(start).Seconds())
	slog.DebugContext(ctx, "fetched archive",
		"url", uri,
		"format", format,
		"compression", a.Compression,
		"size", humanize.IBytes(uint64(a.Size)))
}

func formatError(op, uri string, err error) error {
	fetchCounter.WithLabelValues("unknown", "format").Inc()
	return &dragonfly.Error{
		Op:    op,
		Kind:  dragonfly.ErrArchiveFormat,
		URL:   uri,
		Inner: err,
	}
}

var errTooLarge = errors.New("size limit exceeded")

// LimitReader fails once more than "max" bytes have been read through it.
// Unlike [io.LimitReader], hitting the limit is an error rather than EOF.
type limitReader struct {
	r      io.Reader
	n, max int64
}

func (l *limitReader) Read(b []byte) (int, error) {
	n, err := l.r.Read(b)
	l.n += int64(n)
	if l.n > l.max {
		return n, errTooLarge
	}
	return n, err
}

// BodyReader remembers transport errors so they can be told apart from
// decoding errors further up the stack.
type bodyReader struct {
	r   io.Reader
	err error
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		b.err = err
	}
	return n, err
}
