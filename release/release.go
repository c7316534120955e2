// Package release parses Debian-style InRelease/Release documents: the
// paragraph format, the SHA256 checksum table, the Date/Valid-Until
// freshness window, and the component/architecture filtering and
// classification rules that select which index files a refresh needs.
package release

import (
	"strconv"
	"strings"
	"time"

	"github.com/etnz/apt-refresh/codec"
	"github.com/etnz/apt-refresh/refresherr"
)

// Kind tags a checksum-table entry by the role it plays in a refresh.
// It is a plain enum discriminator; CompressAlgo carries the compression
// algorithm for the two "Compressed" variants instead of being encoded in
// the string name, so call sites never need to string-match a file suffix
// a second time.
type Kind int

const (
	Other Kind = iota
	BinaryContents
	Contents
	CompressedContents
	PackageList
	CompressedPackageList
	ReleaseFile
)

// ChecksumEntry is one row of a release document's checksum table.
type ChecksumEntry struct {
	Path         string
	Size         int64
	Digest       string
	Kind         Kind
	CompressAlgo codec.Algo // set only when Kind is one of the Compressed* variants
}

// Doc is a parsed release document: fields plus the derived checksum table.
type Doc struct {
	Fields     map[string]string
	Checksums  []ChecksumEntry
	Date       time.Time
	HasDate    bool
	ValidUntil time.Time
	HasValid   bool
}

// Paragraph is one RFC-822-like stanza: field name to concatenated value.
type Paragraph map[string]string

// ParseParagraphs splits text into paragraphs of "Field: value" lines, where
// continuation lines (indented by one or more spaces/tabs) are concatenated
// onto the previous field's value. Paragraphs are separated by blank lines.
func ParseParagraphs(text string) []Paragraph {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var paragraphs []Paragraph
	current := Paragraph{}
	var lastField string

	flushField := func(name string, lines []string) {
		if name == "" {
			return
		}
		current[name] = strings.Join(lines, "\n")
	}
	var pendingLines []string

	flushParagraph := func() {
		flushField(lastField, pendingLines)
		if len(current) > 0 {
			paragraphs = append(paragraphs, current)
		}
		current = Paragraph{}
		lastField = ""
		pendingLines = nil
	}

	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			flushParagraph()
			continue
		}
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if lastField != "" {
				pendingLines = append(pendingLines, strings.TrimSpace(line))
			}
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		flushField(lastField, pendingLines)
		lastField = strings.TrimSpace(line[:idx])
		pendingLines = []string{strings.TrimSpace(line[idx+1:])}
	}
	flushParagraph()

	return paragraphs
}

// Parse parses a verified release payload into a Doc. It extracts the
// SHA256 checksum table from the first paragraph and parses Date/Valid-Until
// with the tolerant RFC 2822 parser. It does not enforce freshness or
// filtering; callers apply CheckFreshness and FilterAndClassify afterward.
func Parse(payload string) (*Doc, error) {
	paragraphs := ParseParagraphs(payload)
	if len(paragraphs) == 0 {
		return nil, &refresherr.MalformedRelease{Reason: "no paragraphs"}
	}
	first := paragraphs[0]

	doc := &Doc{Fields: map[string]string(first)}

	if dateStr, ok := first["Date"]; ok && dateStr != "" {
		d, err := ParseDate(dateStr)
		if err != nil {
			return nil, &refresherr.MalformedRelease{Reason: "bad Date: " + err.Error()}
		}
		doc.Date = d
		doc.HasDate = true
	}
	if validStr, ok := first["Valid-Until"]; ok && validStr != "" {
		v, err := ParseDate(validStr)
		if err != nil {
			return nil, &refresherr.MalformedRelease{Reason: "bad Valid-Until: " + err.Error()}
		}
		doc.ValidUntil = v
		doc.HasValid = true
	}

	sha256Field, ok := first["SHA256"]
	if !ok {
		return nil, &refresherr.MalformedRelease{Reason: "missing SHA256 field"}
	}

	seen := map[string]bool{}
	for _, line := range strings.Split(sha256Field, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		tokens := strings.Fields(line)
		if len(tokens) < 3 {
			return nil, &refresherr.MalformedChecksum{Line: line}
		}
		digest, sizeStr, path := tokens[0], tokens[1], tokens[2]
		size, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil {
			return nil, &refresherr.MalformedChecksum{Line: line}
		}
		if seen[path] {
			return nil, &refresherr.MalformedRelease{Reason: "duplicate checksum path: " + path}
		}
		seen[path] = true
		doc.Checksums = append(doc.Checksums, ChecksumEntry{Path: path, Size: size, Digest: digest})
	}

	return doc, nil
}

// CheckFreshness enforces Date <= now <= Valid-Until. Flat repositories skip
// freshness entirely, per the Debian flat-repository convention of serving a
// single unsigned or loosely-dated Release file.
func (d *Doc) CheckFreshness(now time.Time, isFlat bool, path string) error {
	if isFlat {
		return nil
	}
	if d.HasDate && now.Before(d.Date) {
		return &refresherr.SignatureInFuture{Path: path}
	}
	if d.HasValid && now.After(d.ValidUntil) {
		return &refresherr.Expired{Path: path}
	}
	return nil
}

// FilterAndClassify filters the raw checksum table to entries whose first
// path component matches one of components and whose path contains the
// target architecture token or the literal "all", dropping
// debian-installer sub-entries. If the filter yields nothing (a flat or
// exotic third-party layout), the unfiltered, classified table is returned
// instead so those repositories still refresh.
func (d *Doc) FilterAndClassify(components []string, arch string) []ChecksumEntry {
	filtered := filterEntries(d.Checksums, components, arch)
	classified := classifyAll(filtered)
	if len(classified) > 0 {
		return classified
	}
	return classifyAll(d.Checksums)
}

func filterEntries(entries []ChecksumEntry, components []string, arch string) []ChecksumEntry {
	componentSet := make(map[string]bool, len(components))
	for _, c := range components {
		componentSet[c] = true
	}

	var out []ChecksumEntry
	for _, e := range entries {
		parts := strings.Split(e.Path, "/")
		component := parts[0]
		isDebianInstaller := len(parts) > 1 && parts[1] == "debian-installer"
		if isDebianInstaller {
			continue
		}
		if component != e.Path && !componentSet[component] {
			continue
		}
		if !strings.Contains(e.Path, "all") && !strings.Contains(e.Path, arch) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func classifyAll(entries []ChecksumEntry) []ChecksumEntry {
	out := make([]ChecksumEntry, 0, len(entries))
	for _, e := range entries {
		kind, algo, ok := classify(e.Path)
		if !ok {
			continue
		}
		e.Kind = kind
		e.CompressAlgo = algo
		out = append(out, e)
	}
	return out
}

// classify assigns a Kind (and, where relevant, a compression Algo) to a
// checksum-table path per the suffix/substring rules.
func classify(name string) (Kind, codec.Algo, bool) {
	switch {
	case strings.Contains(name, "BinContents"):
		return BinaryContents, "", true
	case strings.Contains(name, "Contents-"):
		if algo, ok := codec.AlgoForSuffix(name); ok {
			return CompressedContents, algo, true
		}
		return Contents, "", true
	case strings.Contains(name, "Packages"):
		if algo, ok := codec.AlgoForSuffix(name); ok {
			return CompressedPackageList, algo, true
		}
		return PackageList, "", true
	case strings.Contains(name, "Release"):
		return ReleaseFile, "", true
	default:
		return Other, "", false
	}
}

// ParseDate parses an RFC 2822 date with the tolerances Debian archives in
// the wild require: the literal token "UTC" in place of a numeric offset,
// and single-digit hour components ("H:MM:SS" rather than "HH:MM:SS").
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC1123Z, s); err == nil {
		return t, nil
	}
	if t, err := parseRFC2822(s); err == nil {
		return t, nil
	}
	return parseRFC2822(dateHack(s))
}

// rfc2822Layout matches "Mon, 02 Jan 2006 15:04:05 -0700", tolerating the
// single leading space APT itself accepts for single-digit days.
const rfc2822Layout = "Mon, 2 Jan 2006 15:04:05 -0700"

func parseRFC2822(s string) (time.Time, error) {
	return time.Parse(rfc2822Layout, s)
}

// dateHack rewrites a date string to be RFC 2822-compliant: the "UTC" marker
// some third-party repositories (notably those built with Aptly) emit in
// place of a numeric offset is replaced with "+0000", and any single-digit
// hour component is zero-padded.
func dateHack(date string) string {
	tokens := strings.Fields(date)
	for i, tok := range tokens {
		if !strings.Contains(tok, ":") {
			continue
		}
		parts := strings.SplitN(tok, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if _, err := strconv.ParseUint(parts[0], 10, 64); err == nil && len(parts[0]) == 1 {
			parts[0] = "0" + parts[0]
		}
		tokens[i] = parts[0] + ":" + parts[1]
	}
	return strings.ReplaceAll(strings.Join(tokens, " "), "UTC", "+0000")
}
