package refresh

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"

	"github.com/etnz/apt-refresh/sourcelist"
)

func digestHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newSigningEntity(t *testing.T) *openpgp.Entity {
	t.Helper()
	e, err := openpgp.NewEntity("Test Archive", "refresh test", "archive@example.invalid", nil)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func clearSignText(t *testing.T, e *openpgp.Entity, payload string) []byte {
	t.Helper()
	var out bytes.Buffer
	w, err := clearsign.Encode(&out, e.PrivateKey, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(payload)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return out.Bytes()
}

func armoredPublicKeyring(t *testing.T, e *openpgp.Entity) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Serialize(w); err != nil {
		t.Fatal(err)
	}
	w.Close()
	return buf.Bytes()
}

// TestRunFlatRepository covers an S1-style happy refresh against a flat
// repository: Release is an unsigned plain file, and every PackageList
// checksum-table entry is downloaded.
func TestRunFlatRepository(t *testing.T) {
	packages := []byte("Package: demo\nVersion: 1.0\n\n")
	packagesDigest := digestHex(packages)

	releaseContent := fmt.Sprintf("Date: %s\nSHA256:\n %s %d Packages\n",
		time.Now().UTC().Format(time.RFC1123Z), packagesDigest, len(packages))

	mux := http.NewServeMux()
	mux.HandleFunc("/Release", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(releaseContent))
	})
	mux.HandleFunc("/Packages", func(w http.ResponseWriter, r *http.Request) {
		w.Write(packages)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	entry := sourcelist.Entry{URL: srv.URL, Suite: "/"}
	indexDir := t.TempDir()

	result, err := Run(context.Background(), []sourcelist.Entry{entry}, Config{
		IndexDir: indexDir,
		Client:   srv.Client(),
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Entries) != 1 || result.Entries[0].Dropped {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.Entries[0].Indexes) != 1 {
		t.Fatalf("expected exactly one index file downloaded, got %d", len(result.Entries[0].Indexes))
	}

	destName := sourcelist.URIToFileName(srv.URL + "/Packages")
	got, err := os.ReadFile(filepath.Join(indexDir, destName))
	if err != nil {
		t.Fatalf("reading published index: %v", err)
	}
	if string(got) != string(packages) {
		t.Errorf("published index content mismatch")
	}
}

// TestRunNonFlatVerifiesSignatureAndSelectsCompressed covers a dists/-style
// repository: the InRelease document must be clear-signed and its trusted
// key must cover the signer, and the compressed Packages.gz variant is
// selected and extracted to plaintext on disk.
func TestRunNonFlatVerifiesSignatureAndSelectsCompressed(t *testing.T) {
	entity := newSigningEntity(t)
	keyring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(armoredPublicKeyring(t, entity)))
	if err != nil {
		t.Fatal(err)
	}

	packages := []byte("Package: demo\nVersion: 2.0\n\n")
	gz := gzipBytes(t, packages)
	packagesGzDigest := digestHex(gz)

	payload := fmt.Sprintf(
		"Date: %s\nValid-Until: %s\nSHA256:\n %s %d main/binary-amd64/Packages.gz\n",
		time.Now().Add(-time.Hour).UTC().Format(time.RFC1123Z),
		time.Now().Add(24*time.Hour).UTC().Format(time.RFC1123Z),
		packagesGzDigest, len(gz))
	inRelease := clearSignText(t, entity, payload)

	mux := http.NewServeMux()
	mux.HandleFunc("/debian/dists/stable/InRelease", func(w http.ResponseWriter, r *http.Request) {
		w.Write(inRelease)
	})
	mux.HandleFunc("/debian/dists/stable/main/binary-amd64/Packages.gz", func(w http.ResponseWriter, r *http.Request) {
		w.Write(gz)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	entry := sourcelist.Entry{
		URL:        srv.URL + "/debian",
		Suite:      "stable",
		Components: []string{"main"},
	}
	indexDir := t.TempDir()

	result, err := Run(context.Background(), []sourcelist.Entry{entry}, Config{
		IndexDir: indexDir,
		Arch:     "amd64",
		Client:   srv.Client(),
		Keyring:  keyring,
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Entries[0].Indexes) != 1 {
		t.Fatalf("expected exactly one index file, got %d", len(result.Entries[0].Indexes))
	}

	plainURL := srv.URL + "/debian/dists/stable/main/binary-amd64/Packages"
	destName := sourcelist.URIToFileName(plainURL)
	got, err := os.ReadFile(filepath.Join(indexDir, destName))
	if err != nil {
		t.Fatalf("reading published plaintext index: %v", err)
	}
	if string(got) != string(packages) {
		t.Errorf("expected extracted plaintext content, got %q", got)
	}
}

// TestRunUntrustedSignatureFails covers S6: a release signed by a key
// absent from the keyring must fail before any index download is attempted.
func TestRunUntrustedSignatureFails(t *testing.T) {
	signer := newSigningEntity(t)
	other := newSigningEntity(t)
	keyring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(armoredPublicKeyring(t, other)))
	if err != nil {
		t.Fatal(err)
	}

	var indexRequested bool
	payload := "Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\nSHA256:\n aaaa 1 main/binary-amd64/Packages\n"
	inRelease := clearSignText(t, signer, payload)

	mux := http.NewServeMux()
	mux.HandleFunc("/debian/dists/stable/InRelease", func(w http.ResponseWriter, r *http.Request) {
		w.Write(inRelease)
	})
	mux.HandleFunc("/debian/dists/stable/main/binary-amd64/Packages", func(w http.ResponseWriter, r *http.Request) {
		indexRequested = true
		w.Write([]byte("irrelevant"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	entry := sourcelist.Entry{URL: srv.URL + "/debian", Suite: "stable", Components: []string{"main"}}
	_, err = Run(context.Background(), []sourcelist.Entry{entry}, Config{
		IndexDir: t.TempDir(),
		Arch:     "amd64",
		Client:   srv.Client(),
		Keyring:  keyring,
	}, nil)
	if err == nil {
		t.Fatalf("expected untrusted-key failure")
	}
	if indexRequested {
		t.Errorf("no index download should have been attempted after an untrusted signature")
	}
}

// TestRunClosedTopicDropped covers S5: a 404 on a suite listed in the
// closed-topics registry is absorbed silently rather than failing the
// refresh.
func TestRunClosedTopicDropped(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debian/dists/experimental-x/InRelease", http.NotFound)
	mux.HandleFunc("/topics.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"closed": ["experimental-x"]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	entry := sourcelist.Entry{URL: srv.URL + "/debian", Suite: "experimental-x", Components: []string{"main"}}
	result, err := Run(context.Background(), []sourcelist.Entry{entry}, Config{
		IndexDir:  t.TempDir(),
		Arch:      "amd64",
		Client:    srv.Client(),
		TopicsURL: srv.URL + "/topics.json",
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Entries) != 1 || !result.Entries[0].Dropped {
		t.Fatalf("expected the closed-topic entry to be dropped, got %+v", result.Entries)
	}
}

// TestRunExpiredReleaseFails covers S3: a Valid-Until in the past must
// reject the entry before any index is fetched.
func TestRunExpiredReleaseFails(t *testing.T) {
	entity := newSigningEntity(t)
	keyring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(armoredPublicKeyring(t, entity)))
	if err != nil {
		t.Fatal(err)
	}

	payload := fmt.Sprintf("Date: %s\nValid-Until: %s\nSHA256:\n aaaa 1 main/binary-amd64/Packages\n",
		time.Now().Add(-48*time.Hour).UTC().Format(time.RFC1123Z),
		time.Now().Add(-time.Hour).UTC().Format(time.RFC1123Z))
	inRelease := clearSignText(t, entity, payload)

	mux := http.NewServeMux()
	mux.HandleFunc("/debian/dists/stable/InRelease", func(w http.ResponseWriter, r *http.Request) {
		w.Write(inRelease)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	entry := sourcelist.Entry{URL: srv.URL + "/debian", Suite: "stable", Components: []string{"main"}}
	_, err = Run(context.Background(), []sourcelist.Entry{entry}, Config{
		IndexDir: t.TempDir(),
		Arch:     "amd64",
		Client:   srv.Client(),
		Keyring:  keyring,
	}, nil)
	if err == nil {
		t.Fatalf("expected Expired error")
	}
	if !strings.Contains(err.Error(), "expired") {
		t.Errorf("expected an Expired-flavored error, got %v", err)
	}
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
