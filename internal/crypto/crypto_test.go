package crypto

import (
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := New("test-encryption-key")

	cases := []string{
		"",
		"sk-ant-api03-xxxx",
		"short",
		"exactly sixteen!",
		strings.Repeat("long payload with unicode 🔑 ", 100),
		"\x00\x01\x02binary\xff",
	}

	for _, plain := range cases {
		enc, err := c.Encrypt(plain, "salt")
		if err != nil {
			t.Fatalf("encrypt %q: %v", plain, err)
		}
		if !strings.Contains(enc, ":") {
			t.Fatalf("encrypted format missing separator: %q", enc)
		}
		dec, err := c.Decrypt(enc, "salt")
		if err != nil {
			t.Fatalf("decrypt %q: %v", plain, err)
		}
		if dec != plain {
			t.Fatalf("round trip mismatch: got %q want %q", dec, plain)
		}
	}
}

func TestEncryptProducesDistinctCiphertexts(t *testing.T) {
	c := New("test-encryption-key")
	a, err := c.Encrypt("same plaintext", "salt")
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Encrypt("same plaintext", "salt")
	if err != nil {
		t.Fatal(err)
	}
	// Random IV means identical plaintexts must not collide.
	if a == b {
		t.Fatal("two encryptions of the same plaintext produced identical output")
	}
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	c := New("test-encryption-key")
	for _, bad := range []string{
		"",
		"no-separator",
		"zz:zz",
		"00:0011",                            // iv too short
		"0011223344556677889900112233445:ab", // odd-length hex iv
	} {
		if _, err := c.Decrypt(bad, "salt"); err == nil {
			t.Fatalf("decrypt should fail for %q", bad)
		}
	}
}

func TestHashAPIKeyDeterministic(t *testing.T) {
	c := New("secret-a")
	h1 := c.HashAPIKey("cr_test_key")
	h2 := c.HashAPIKey("cr_test_key")
	if h1 != h2 {
		t.Fatal("hash should be deterministic")
	}
	if len(h1) != 64 {
		t.Fatalf("hash should be 64 hex chars, got %d", len(h1))
	}

	other := New("secret-b")
	if other.HashAPIKey("cr_test_key") == h1 {
		t.Fatal("different process secrets should yield different fingerprints")
	}
}
