// Package caplink_test provides tests for capability links.
package caplink_test

import (
	"reflect"
	"testing"

	"canopy/internal/caplink"
	"canopy/internal/crypt"
	"canopy/internal/identity"
)

func TestRoundTrip(t *testing.T) {
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}
	key, err := crypt.NewKey()
	if err != nil {
		t.Fatalf("failed to make key: %v", err)
	}

	links := []caplink.Link{
		{Owner: kp.ID(), Tree: "photos"},
		{Owner: kp.ID(), Tree: "photos", Path: []string{"vacation", "beach.jpg"}},
		{Owner: kp.ID(), Tree: "shared notes", Key: key},
		{Owner: kp.ID(), Tree: "docs", Path: []string{"q3 report.pdf"}, Key: key},
	}

	for _, link := range links {
		s := link.String()
		parsed, err := caplink.Parse(s)
		if err != nil {
			t.Fatalf("failed to parse %q: %v", s, err)
		}
		if !reflect.DeepEqual(parsed, link) {
			t.Fatalf("round trip mismatch for %q: %+v != %+v", s, parsed, link)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}

	bad := []string{
		"",
		"https://example.com/photos",
		"canopy://not-an-identity/photos",
		"canopy://" + kp.ID(),
		"canopy://" + kp.ID() + "/photos?k=zzzz",
		"canopy://" + kp.ID() + "/photos?k=abcd",
	}
	for _, s := range bad {
		if _, err := caplink.Parse(s); err == nil {
			t.Fatalf("expected %q to be rejected", s)
		}
	}
}
