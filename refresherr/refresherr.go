// Package refresherr defines the error taxonomy used across the repository
// refresh and download engine (checksum, codec, release parsing, fetch,
// and orchestration).
//
// Each kind is a distinct type rather than a shared sentinel so that callers
// can recover structured context (a URL, a path, a byte count) with
// errors.As, the same way the Rust original distinguishes enum variants.
package refresherr

import "fmt"

// NotFound is returned when an HTTP source answers 404 for a plan's URL.
type NotFound struct{ URL string }

func (e *NotFound) Error() string { return fmt.Sprintf("not found: %s", e.URL) }

// HTTPStatus is returned for any non-2xx, non-404 HTTP response.
type HTTPStatus struct {
	Code int
	URL  string
}

func (e *HTTPStatus) Error() string {
	return fmt.Sprintf("http status %d fetching %s", e.Code, e.URL)
}

// NetworkIO wraps a transport-level I/O failure.
type NetworkIO struct{ Cause error }

func (e *NetworkIO) Error() string { return fmt.Sprintf("network I/O: %v", e.Cause) }
func (e *NetworkIO) Unwrap() error { return e.Cause }

// LocalIO wraps a failure reading or writing a local path.
type LocalIO struct {
	Path  string
	Cause error
}

func (e *LocalIO) Error() string { return fmt.Sprintf("local I/O on %s: %v", e.Path, e.Cause) }
func (e *LocalIO) Unwrap() error { return e.Cause }

// UnsupportedProtocol is returned when a repository entry's URL scheme is
// neither http(s):// nor file://.
type UnsupportedProtocol struct{ Entry string }

func (e *UnsupportedProtocol) Error() string { return fmt.Sprintf("unsupported protocol: %s", e.Entry) }

// InvalidURL is returned when a URL cannot be parsed, or when percent-decoding
// does not converge within the bounded iteration count.
type InvalidURL struct{ URL string }

func (e *InvalidURL) Error() string { return fmt.Sprintf("invalid URL: %s", e.URL) }

// ChecksumMismatch is returned when a transferred file's digest does not
// match the expected checksum. A pre-existing destination file that does not
// match is treated as a cache miss, not as this error.
type ChecksumMismatch struct {
	URL string
	Dir string
}

func (e *ChecksumMismatch) Error() string {
	return fmt.Sprintf("checksum mismatch for %s in %s", e.URL, e.Dir)
}

// BadDigest is returned when an expected checksum's hex encoding is malformed.
type BadDigest struct{ Hex string }

func (e *BadDigest) Error() string { return fmt.Sprintf("bad digest: %q", e.Hex) }

// UnsupportedCodec is returned when a compression suffix has no known decoder.
type UnsupportedCodec struct{ Ext string }

func (e *UnsupportedCodec) Error() string { return fmt.Sprintf("unsupported codec: %q", e.Ext) }

// MalformedRelease is returned when a release document cannot be parsed into
// paragraphs at all.
type MalformedRelease struct{ Reason string }

func (e *MalformedRelease) Error() string { return fmt.Sprintf("malformed release: %s", e.Reason) }

// MalformedChecksum is returned when a SHA256 checksum-table line has fewer
// than three whitespace-separated tokens.
type MalformedChecksum struct{ Line string }

func (e *MalformedChecksum) Error() string {
	return fmt.Sprintf("malformed checksum line: %q", e.Line)
}

// SignatureInFuture is returned when a release document's Date field is
// later than now.
type SignatureInFuture struct{ Path string }

func (e *SignatureInFuture) Error() string {
	return fmt.Sprintf("release signature is in the future: %s", e.Path)
}

// Expired is returned when a release document's Valid-Until field is in the
// past.
type Expired struct{ Path string }

func (e *Expired) Error() string { return fmt.Sprintf("release has expired: %s", e.Path) }

// NoReleaseFile is returned when a Stage-1 InRelease/Release fetch 404s and
// the URL's suite is not a recognized closed topic.
type NoReleaseFile struct{ URL string }

func (e *NoReleaseFile) Error() string {
	return fmt.Sprintf("failed to download release file from %s: not found", e.URL)
}

// UnsupportedFileType names a checksum-table entry whose path matches no
// classification rule. The release parser skips such entries and does not
// return this error.
type UnsupportedFileType struct{ Name string }

func (e *UnsupportedFileType) Error() string {
	return fmt.Sprintf("unsupported file type: %s", e.Name)
}

// NoSignature is returned when a clear-signed document carries no signature
// block at all.
type NoSignature struct{}

func (e *NoSignature) Error() string { return "no signature found" }

// UntrustedKey is returned when a release document's signature was made by a
// key absent from the supplied keyring.
type UntrustedKey struct{ Mirror string }

func (e *UntrustedKey) Error() string { return fmt.Sprintf("untrusted signing key for %s", e.Mirror) }

// BadSignature is returned when a clear-signed document's signature does not
// verify against the supplied keyring.
type BadSignature struct{ Mirror string }

func (e *BadSignature) Error() string { return fmt.Sprintf("bad signature for %s", e.Mirror) }

// ScanSources is returned when the configured repository-entry list cannot
// be read or parsed.
type ScanSources struct{ Cause error }

func (e *ScanSources) Error() string { return fmt.Sprintf("scanning sources: %v", e.Cause) }
func (e *ScanSources) Unwrap() error { return e.Cause }

// NoArch is returned when a refresh is requested without a target
// architecture configured.
type NoArch struct{}

func (e *NoArch) Error() string { return "no target architecture configured" }
