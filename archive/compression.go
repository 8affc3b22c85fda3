package archive

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

type compression int

const (
	cmpGzip compression = iota
	cmpZstd
	cmpXz
	cmpBzip2
	cmpNone
)

var cmpHeaders = [...][]byte{
	{0x1F, 0x8B, 0x08},
	{0x28, 0xB5, 0x2F, 0xFD},
	{0xFD, '7', 'z', 'X', 'Z', 0x00},
	{'B', 'Z', 'h'},
}

// Longest header above.
const magicLen = 6

func detectCompression(b []byte) compression {
	for c, h := range cmpHeaders {
		if len(b) < len(h) {
			continue
		}
		if bytes.Equal(h, b[:len(h)]) {
			return compression(c)
		}
	}
	return cmpNone
}

func (c compression) String() string {
	switch c {
	case cmpGzip:
		return "gzip"
	case cmpZstd:
		return "zstd"
	case cmpXz:
		return "xz"
	case cmpBzip2:
		return "bzip2"
	case cmpNone:
		return "none"
	}
	return "unknown"
}

// Decoders are allowed at least this much window or dictionary regardless
// of the size ceiling: it's what common encoders declare for streamed input.
const minWindow = 8 << 20

// DecoderLimit is the most memory a decoder may reserve for its window when
// the output is capped at "maxSize" bytes.
func decoderLimit(maxSize int64) uint64 {
	l := uint64(max(maxSize, minWindow))
	return min(l, zstd.MaxWindowSize)
}

// Decompress wraps "r" in a decoder for "c". The returned function releases
// decoder resources and must be called.
//
// Streams that declare a window larger than the limit derived from
// "maxSize" are rejected with an error satisfying [isTooLarge] before the
// window is allocated.
func decompress(c compression, r *bufio.Reader, maxSize int64) (io.Reader, func(), error) {
	nop := func() {}
	limit := decoderLimit(maxSize)
	switch c {
	case cmpGzip:
		g, err := gzip.NewReader(r)
		if err != nil {
			return nil, nop, err
		}
		return g, func() { g.Close() }, nil
	case cmpZstd:
		s, err := zstd.NewReader(r,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderLowmem(true),
			zstd.WithDecoderMaxWindow(limit),
			zstd.WithDecoderMaxMemory(limit),
		)
		if err != nil {
			return nil, nop, err
		}
		return s, s.Close, nil
	case cmpXz:
		// The reader's DictCap is only a floor; the block header decides.
		hdr, _ := r.Peek(xzStreamHeaderLen + xzMaxBlockHeaderLen)
		if dc := xzDictCap(hdr); uint64(dc) > limit {
			return nil, nop, fmt.Errorf("xz dictionary of %s: %w", humanize.IBytes(uint64(dc)), errTooLarge)
		}
		x, err := xz.NewReader(r)
		if err != nil {
			return nil, nop, err
		}
		return x, nop, nil
	case cmpBzip2:
		return bzip2.NewReader(r), nop, nil
	}
	return r, nop, nil
}

// IsTooLarge reports whether "err" means the stream would exceed the size
// ceiling.
func isTooLarge(err error) bool {
	return errors.Is(err, errTooLarge) ||
		errors.Is(err, zstd.ErrWindowSizeExceeded) ||
		errors.Is(err, zstd.ErrDecoderSizeExceeded)
}

const (
	xzStreamHeaderLen   = 12
	xzMaxBlockHeaderLen = 1024
	xzFilterLZMA2       = 0x21
)

// XzDictCap returns the LZMA2 dictionary size declared by the first block
// header in "b", or 0 if there's no complete block header.
//
// Only the first block is inspected. Streams written by xz without threads
// and by the Python lzma module are a single block.
func xzDictCap(b []byte) int64 {
	if len(b) <= xzStreamHeaderLen {
		return 0
	}
	b = b[xzStreamHeaderLen:]
	if b[0] == 0x00 { // Index: no blocks.
		return 0
	}
	n := (int(b[0]) + 1) * 4
	if len(b) < n {
		return 0
	}
	flags, h := b[1], b[2:n-4]
	for _, present := range []byte{0x40, 0x80} { // Compressed and uncompressed sizes.
		if flags&present == 0 {
			continue
		}
		_, k := binary.Uvarint(h)
		if k <= 0 {
			return 0
		}
		h = h[k:]
	}
	for range int(flags&0x03) + 1 {
		id, k := binary.Uvarint(h)
		if k <= 0 {
			return 0
		}
		h = h[k:]
		sz, k := binary.Uvarint(h)
		if k <= 0 || sz > uint64(len(h)-k) {
			return 0
		}
		props := h[k : k+int(sz)]
		h = h[k+int(sz):]
		if id != xzFilterLZMA2 || len(props) != 1 {
			continue
		}
		dc, err := lzma.DecodeDictCap(props[0])
		if err != nil {
			return 0
		}
		return dc
	}
	return 0
}
