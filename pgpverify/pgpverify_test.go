package pgpverify

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
)

func newTestEntity(t *testing.T) *openpgp.Entity {
	t.Helper()
	entity, err := openpgp.NewEntity("Repo Signer", "refresh test", "signer@example.com", nil)
	if err != nil {
		t.Fatal(err)
	}
	return entity
}

func clearSign(t *testing.T, entity *openpgp.Entity, payload string) []byte {
	t.Helper()
	var out bytes.Buffer
	w, err := clearsign.Encode(&out, entity.PrivateKey, nil)
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

func armoredKeyring(t *testing.T, entity *openpgp.Entity) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := entity.Serialize(w); err != nil {
		t.Fatal(err)
	}
	w.Close()
	return buf.Bytes()
}

func TestVerifyTrustedSignature(t *testing.T) {
	entity := newTestEntity(t)
	signed := clearSign(t, entity, "Origin: Test\nDate: now\n")

	keyring, err := LoadKeyring(armoredKeyring(t, entity))
	if err != nil {
		t.Fatalf("LoadKeyring: %v", err)
	}

	payload, err := Verify(signed, keyring, "http://example.invalid/debian")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !strings.Contains(string(payload), "Origin: Test") {
		t.Errorf("unexpected payload: %q", payload)
	}
}

func TestVerifyUntrustedKey(t *testing.T) {
	signerEntity := newTestEntity(t)
	otherEntity := newTestEntity(t)

	signed := clearSign(t, signerEntity, "Origin: Test\n")
	keyring, err := LoadKeyring(armoredKeyring(t, otherEntity))
	if err != nil {
		t.Fatalf("LoadKeyring: %v", err)
	}

	if _, err := Verify(signed, keyring, "http://example.invalid/debian"); err == nil {
		t.Fatalf("expected UntrustedKey error")
	}
}

func TestVerifyNoSignature(t *testing.T) {
	entity := newTestEntity(t)
	keyring, _ := LoadKeyring(armoredKeyring(t, entity))

	if _, err := Verify([]byte("Origin: Test\n"), keyring, "http://example.invalid/debian"); err == nil {
		t.Fatalf("expected NoSignature error for unsigned text")
	}
}
