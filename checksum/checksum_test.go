package checksum

import "testing"

func TestVerifySHA256(t *testing.T) {
	data := []byte("hello world")
	// sha256("hello world")
	want := "b94d27b9934d3e08a52e52d7da7dacefbc7e90f8b8a8fffe4f2c7cb7ee5c3e93"

	ok, err := Verify(SHA256, data, want)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !ok {
		t.Errorf("expected checksum match")
	}
}

func TestVerifyMismatch(t *testing.T) {
	ok, err := Verify(SHA256, []byte("hello"), "0000000000000000000000000000000000000000000000000000000000000000")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Errorf("expected no match for wrong digest")
	}
}

func TestBeginBadDigest(t *testing.T) {
	if _, err := Begin(SHA256, "not-hex-zzzz"); err == nil {
		t.Fatalf("expected error for malformed hex")
	}
}

func TestStreamingUpdate(t *testing.T) {
	v, err := Begin(SHA256, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	v.Update([]byte("hello "))
	v.Update([]byte("world"))
	if !v.Finish() {
		t.Errorf("expected streaming update to match one-shot digest")
	}
}

func TestCaseInsensitiveDigest(t *testing.T) {
	ok, err := Verify(SHA256, []byte("hello world"), "B94D27B9934D3E08A52E52D7DA7DABFAC484EFE37A5380EE9088F7ACE2EFCDE9")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Errorf("expected case-insensitive match")
	}
}
