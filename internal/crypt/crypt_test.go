package crypt_test

import (
	"bytes"
	"errors"
	"testing"

	"canopy/internal/crypt"
	"canopy/internal/identity"
)

func ownerSecret(t *testing.T) [32]byte {
	t.Helper()
	kp, err := identity.FromSeed(bytes.Repeat([]byte{3}, identity.SeedSize))
	if err != nil {
		t.Fatalf("failed to derive key pair: %v", err)
	}
	return kp.OwnerSecret()
}

func TestSealIsDeterministic(t *testing.T) {
	key, err := crypt.NewKey()
	if err != nil {
		t.Fatalf("failed to make key: %v", err)
	}

	plaintext := []byte("the same bytes")
	a, err := crypt.Seal(key, plaintext)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	b, err := crypt.Seal(key, plaintext)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("sealing the same plaintext twice produced different ciphertexts")
	}

	c, err := crypt.Seal(key, []byte("different bytes"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if bytes.Equal(a, c) {
		t.Fatalf("different plaintexts produced identical ciphertexts")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := crypt.NewKey()
	if err != nil {
		t.Fatalf("failed to make key: %v", err)
	}

	plaintext := []byte("hello world")
	sealed, err := crypt.Seal(key, plaintext)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	got, err := crypt.Open(key, sealed)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("expected %q, got %q", plaintext, got)
	}
}

func TestOpenFailsWithoutOrWithWrongKey(t *testing.T) {
	key, err := crypt.NewKey()
	if err != nil {
		t.Fatalf("failed to make key: %v", err)
	}
	sealed, err := crypt.Seal(key, []byte("secret"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	if _, err := crypt.Open(nil, sealed); !errors.Is(err, crypt.ErrDecryptionFailure) {
		t.Fatalf("expected ErrDecryptionFailure for missing key, got %v", err)
	}

	wrong, err := crypt.NewKey()
	if err != nil {
		t.Fatalf("failed to make key: %v", err)
	}
	if _, err := crypt.Open(wrong, sealed); !errors.Is(err, crypt.ErrDecryptionFailure) {
		t.Fatalf("expected ErrDecryptionFailure for wrong key, got %v", err)
	}

	// Tampered ciphertext must not authenticate.
	sealed[len(sealed)-1] ^= 0xff
	if _, err := crypt.Open(key, sealed); !errors.Is(err, crypt.ErrDecryptionFailure) {
		t.Fatalf("expected ErrDecryptionFailure for tampered bytes, got %v", err)
	}
}

func TestDeriveTreeKeyIsStablePerNameAndOwner(t *testing.T) {
	secret := ownerSecret(t)

	a := crypt.DeriveTreeKey(secret, "documents")
	b := crypt.DeriveTreeKey(secret, "documents")
	if !bytes.Equal(a, b) {
		t.Fatalf("tree key derivation is not stable")
	}

	c := crypt.DeriveTreeKey(secret, "photos")
	if bytes.Equal(a, c) {
		t.Fatalf("different tree names derived the same key")
	}

	var other [32]byte
	other[0] = 1
	d := crypt.DeriveTreeKey(other, "documents")
	if bytes.Equal(a, d) {
		t.Fatalf("different owners derived the same key")
	}
}

func TestOwnerSealedKeyRoundTrip(t *testing.T) {
	secret := ownerSecret(t)
	key, err := crypt.NewKey()
	if err != nil {
		t.Fatalf("failed to make key: %v", err)
	}

	sealed, err := crypt.SealKeyToOwner(secret, key)
	if err != nil {
		t.Fatalf("failed to seal key to owner: %v", err)
	}

	got, err := crypt.OpenOwnerSealedKey(secret, sealed)
	if err != nil {
		t.Fatalf("failed to open owner-sealed key: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Fatalf("owner-sealed key round trip corrupted the key")
	}

	var other [32]byte
	other[5] = 7
	if _, err := crypt.OpenOwnerSealedKey(other, sealed); !errors.Is(err, crypt.ErrDecryptionFailure) {
		t.Fatalf("expected ErrDecryptionFailure for wrong owner, got %v", err)
	}
}

func TestVisibilityHelpers(t *testing.T) {
	if !crypt.Public.Valid() || !crypt.Unlisted.Valid() || !crypt.Private.Valid() {
		t.Fatalf("known tiers reported invalid")
	}
	if crypt.Visibility("secret").Valid() {
		t.Fatalf("unknown tier reported valid")
	}
	if crypt.Public.Encrypted() {
		t.Fatalf("public must not be encrypted")
	}
	if !crypt.Unlisted.Encrypted() || !crypt.Private.Encrypted() {
		t.Fatalf("unlisted and private must be encrypted")
	}
}
