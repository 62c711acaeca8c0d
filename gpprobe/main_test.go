package main

import (
	"bytes"
	"testing"
)

func TestParseVersions(t *testing.T) {
	got, err := parseVersions("1, 0x20,,255")
	if err != nil {
		t.Fatalf("parseVersions returned error: %v", err)
	}
	if want := []byte{0x01, 0x20, 0xFF}; !bytes.Equal(got, want) {
		t.Fatalf("expected %X, got %X", want, got)
	}

	for _, bad := range []string{"", ",", "256", "abc"} {
		if _, err := parseVersions(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
