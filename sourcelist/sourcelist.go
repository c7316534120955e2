// Package sourcelist models configured repository entries (the
// "sources.list"-equivalent input) and derives the fetch-plan-shaping facts
// a refresh needs: transport, flat-vs-dist layout, the release document URL,
// and the canonical on-disk filename for any URL in the repository.
package sourcelist

import (
	"fmt"
	"strconv"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/etnz/apt-refresh/refresherr"
)

// Transport is the scheme a RepositoryEntry resolves to.
type Transport int

const (
	Unknown Transport = iota
	HTTP
	Local
)

// Entry is one configured repository source.
//
// Invariant: a flat entry (Suite "/") has no Components and any other entry
// has at least one. Validate checks this and NewPlan calls Validate; callers
// constructing an Entry by hand (e.g. via yaml.Unmarshal) should call
// Validate before use.
type Entry struct {
	URL        string   `yaml:"url"`
	Suite      string   `yaml:"suite"`
	Components []string `yaml:"components"`
	SignedBy   string   `yaml:"signed-by,omitempty"`
	Trusted    bool     `yaml:"trusted,omitempty"`
}

// List is the top-level repository-source configuration document.
type List struct {
	Entries []Entry `yaml:"sources"`
}

// ParseList unmarshals a repository-source configuration document.
func ParseList(data []byte) (*List, error) {
	var l List
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, &refresherr.ScanSources{Cause: err}
	}
	return &l, nil
}

// Validate checks the flat XOR components invariant and that Suite is set.
func (e Entry) Validate() error {
	if e.Suite == "" {
		return fmt.Errorf("sourcelist: entry %q: suite must be set (use \"/\" for a flat repository)", e.URL)
	}
	if e.Suite == "/" && len(e.Components) > 0 {
		return fmt.Errorf("sourcelist: entry %q: flat repositories (suite \"/\") must not declare components", e.URL)
	}
	if e.Suite != "/" && len(e.Components) == 0 {
		return fmt.Errorf("sourcelist: entry %q: non-flat repositories must declare at least one component", e.URL)
	}
	return nil
}

// IsFlat reports whether e describes a flat repository: no dists/ layout.
func (e Entry) IsFlat() bool {
	return e.Suite == "/" && len(e.Components) == 0
}

// Transport classifies e's URL scheme.
func (e Entry) Transport() (Transport, error) {
	switch {
	case strings.HasPrefix(e.URL, "http://"), strings.HasPrefix(e.URL, "https://"):
		return HTTP, nil
	case strings.HasPrefix(e.URL, "file://"):
		return Local, nil
	default:
		return Unknown, &refresherr.UnsupportedProtocol{Entry: e.URL}
	}
}

// DistPath is the base path index files are resolved against.
func (e Entry) DistPath() string {
	base := strings.TrimSuffix(e.URL, "/")
	if e.IsFlat() {
		return base
	}
	return base + "/dists/" + e.Suite
}

// ReleaseURL is the URL of the signed top-level release document.
func (e Entry) ReleaseURL() string {
	if e.IsFlat() {
		return e.DistPath() + "/Release"
	}
	return e.DistPath() + "/InRelease"
}

// Plan bundles the facts C7 needs about one configured entry.
type Plan struct {
	Entry      Entry
	Transport  Transport
	ReleaseURL string
	DistPath   string
}

// NewPlan derives a Plan from a validated Entry.
func NewPlan(e Entry) (*Plan, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	transport, err := e.Transport()
	if err != nil {
		return nil, err
	}
	return &Plan{
		Entry:      e,
		Transport:  transport,
		ReleaseURL: e.ReleaseURL(),
		DistPath:   e.DistPath(),
	}, nil
}

// aptQuoted are the printable characters APT's URItoFileName percent-encodes;
// control bytes, space and bytes >= 0x7f are always encoded as well.
const aptQuoted = "\\|{}[]<>\"^~_=!@#$%&*"

// URIToFileName produces the canonical on-disk filename for a URL, the same
// escaping APT's own URItoFileName uses: strip the scheme, percent-encode
// (as lowercase %xx) control bytes, space, bytes >= 0x7f and the characters
// in aptQuoted, then replace each "/" with "_".
//
// The mapping is injective: every "_" and "%" in the input is itself
// percent-encoded, so a "_" in the result always stands for a "/" and a "%"
// always starts an escape; no two distinct post-scheme-strip strings can
// collide, and no "/" survives to masquerade as a path separator.
func URIToFileName(rawURL string) string {
	rest := stripScheme(rawURL)

	var b strings.Builder
	b.Grow(len(rest) * 3)
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		if c == '/' {
			b.WriteByte('_')
			continue
		}
		if c <= 0x20 || c >= 0x7f || strings.IndexByte(aptQuoted, c) >= 0 {
			fmt.Fprintf(&b, "%%%02x", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func stripScheme(u string) string {
	if idx := strings.Index(u, "://"); idx >= 0 {
		return u[idx+3:]
	}
	return u
}

// DecodeFileURL percent-decodes a file:// URL to a filesystem path, applying
// the decode repeatedly until the result stabilizes (a fixed point), bounded
// to avoid pathological inputs that never converge.
func DecodeFileURL(rawURL string) (string, error) {
	rest := strings.TrimPrefix(rawURL, "file://")

	const maxIterations = 8
	prev := rest
	for i := 0; i < maxIterations; i++ {
		decoded, err := percentDecode(prev)
		if err != nil {
			return "", &refresherr.InvalidURL{URL: rawURL}
		}
		if decoded == prev {
			return decoded, nil
		}
		prev = decoded
	}
	return "", &refresherr.InvalidURL{URL: rawURL}
}

func percentDecode(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("sourcelist: truncated percent-escape in %q", s)
		}
		v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("sourcelist: invalid percent-escape %q: %w", s[i:i+3], err)
		}
		b.WriteByte(byte(v))
		i += 2
	}
	return b.String(), nil
}

// ParseOptions extracts the "[signed-by=PATH trusted=yes]" option block APT
// sources.list entries carry, returning the remaining URL unchanged.
func ParseOptions(opts string) (signedBy string, trusted bool) {
	for _, tok := range strings.Fields(opts) {
		k, v, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		switch k {
		case "signed-by":
			signedBy = v
		case "trusted":
			trusted = v == "yes"
		}
	}
	return signedBy, trusted
}
