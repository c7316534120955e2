// Package codec provides streaming decompression for the compressed index
// files published alongside a Debian-style release (.gz, .xz, .bz2). Each
// decoder wraps its source reader without buffering the full compressed or
// plaintext payload, so it can sit inline in a download's write path.
package codec

import (
	"compress/bzip2"
	"compress/gzip"
	"io"
	"strings"

	"github.com/etnz/apt-refresh/refresherr"
	"github.com/ulikunitz/xz"
)

// Algo names a supported compression algorithm, matching the suffix used in
// release checksum-table entries.
type Algo string

const (
	Gzip Algo = "gz"
	XZ   Algo = "xz"
	BZ2  Algo = "bz2"
)

// AlgoForSuffix maps a filename suffix to its Algo, reporting ok=false when
// the suffix is not one of the recognized codecs.
func AlgoForSuffix(name string) (Algo, bool) {
	switch {
	case strings.HasSuffix(name, ".gz"):
		return Gzip, true
	case strings.HasSuffix(name, ".xz"):
		return XZ, true
	case strings.HasSuffix(name, ".bz2"):
		return BZ2, true
	default:
		return "", false
	}
}

// Decode wraps src in a streaming decoder for algo, yielding the plaintext
// payload. bzip2 has no Close step in the standard library, so the returned
// reader's Close is a no-op in that case.
func Decode(algo Algo, src io.Reader) (io.ReadCloser, error) {
	switch algo {
	case Gzip:
		r, err := gzip.NewReader(src)
		if err != nil {
			return nil, err
		}
		return r, nil
	case XZ:
		r, err := xz.NewReader(src)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(r), nil
	case BZ2:
		return io.NopCloser(bzip2.NewReader(src)), nil
	default:
		return nil, &refresherr.UnsupportedCodec{Ext: string(algo)}
	}
}

// DecodeBySuffix is a convenience wrapper that derives the Algo from name's
// suffix before decoding.
func DecodeBySuffix(name string, src io.Reader) (io.ReadCloser, error) {
	algo, ok := AlgoForSuffix(name)
	if !ok {
		return nil, &refresherr.UnsupportedCodec{Ext: name}
	}
	return Decode(algo, src)
}
