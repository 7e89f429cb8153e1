package cid_test

import (
	"bytes"
	"testing"

	"canopy/internal/cid"
)

func TestSumIsDeterministic(t *testing.T) {
	a := cid.Sum([]byte("hello"))
	b := cid.Sum([]byte("hello"))
	if !a.Equal(b) {
		t.Fatalf("expected identical CIDs, got %s and %s", a, b)
	}

	c := cid.Sum([]byte("other"))
	if a.Equal(c) {
		t.Fatalf("different bytes produced the same CID %s", a)
	}
}

func TestRoundTripWithoutKey(t *testing.T) {
	c := cid.Sum([]byte("payload"))

	parsed, err := cid.Parse(c.String())
	if err != nil {
		t.Fatalf("failed to parse %q: %v", c.String(), err)
	}
	if !parsed.Equal(c) {
		t.Fatalf("expected %s, got %s", c, parsed)
	}
	if parsed.HasKey() {
		t.Fatalf("keyless CID round-tripped with a key")
	}
}

func TestRoundTripWithKey(t *testing.T) {
	key := bytes.Repeat([]byte{0xab}, cid.KeySize)
	c := cid.Sum([]byte("payload")).WithKey(key)

	if !c.HasKey() {
		t.Fatalf("expected CID to carry a key")
	}

	parsed, err := cid.Parse(c.String())
	if err != nil {
		t.Fatalf("failed to parse %q: %v", c.String(), err)
	}
	if !parsed.Equal(c) {
		t.Fatalf("expected %s, got %s", c, parsed)
	}
	if !bytes.Equal(parsed.Key, key) {
		t.Fatalf("key did not survive the round trip")
	}

	bare := parsed.Bare()
	if bare.HasKey() {
		t.Fatalf("Bare did not strip the key")
	}
	if bare.Address() != c.Address() {
		t.Fatalf("Bare changed the address: %s != %s", bare.Address(), c.Address())
	}
}

func TestParseRejectsMalformedInput(t *testing.T) {
	bad := []string{
		"",
		"zzzz",
		"abcd", // too short
		cid.Sum([]byte("x")).Address() + ":beef", // short key
		cid.Sum([]byte("x")).Address() + ":zz",
	}
	for _, s := range bad {
		if _, err := cid.Parse(s); err == nil {
			t.Fatalf("expected error parsing %q", s)
		}
	}
}

func TestAddressMatchesStorageHashing(t *testing.T) {
	data := []byte("block bytes")
	c := cid.Sum(data)

	reparsed, err := cid.FromAddress(c.Address())
	if err != nil {
		t.Fatalf("failed to parse address: %v", err)
	}
	if reparsed.Hash != c.Hash {
		t.Fatalf("address round trip changed the hash")
	}
}

func TestTextMarshalling(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, cid.KeySize)
	c := cid.Sum([]byte("doc")).WithKey(key)

	text, err := c.MarshalText()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var back cid.CID
	if err := back.UnmarshalText(text); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !back.Equal(c) {
		t.Fatalf("expected %s, got %s", c, back)
	}
}
