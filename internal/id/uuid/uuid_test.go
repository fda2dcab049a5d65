// Package uuid includes tests for the UUID generator wrapper.
package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
)

// TestGeneratorRunIDsAreUniqueAndOrdered ensures run IDs parse and sort by creation.
func TestGeneratorRunIDsAreUniqueAndOrdered(t *testing.T) {
	t.Parallel()

	gen := New()
	first, err := gen.NewRawID()
	if err != nil {
		t.Fatalf("NewRawID() error = %v", err)
	}
	second, err := gen.NewRawID()
	if err != nil {
		t.Fatalf("NewRawID() error = %v", err)
	}
	if first == second {
		t.Fatalf("expected unique IDs, got %s twice", first)
	}
	if _, err := goUUID.Parse(first.String()); err != nil {
		t.Fatalf("first not valid UUID: %v", err)
	}
	if first.String() >= second.String() {
		t.Fatalf("expected %s to sort before %s", first, second)
	}
}

// TestGeneratorV7AndURN checks the version of raw IDs and the URN prefix.
func TestGeneratorV7AndURN(t *testing.T) {
	t.Parallel()

	gen := New()
	raw, err := gen.NewRawID()
	if err != nil {
		t.Fatalf("NewRawID() error = %v", err)
	}
	if raw.Version() != 7 {
		t.Fatalf("expected version 7, got %d", raw.Version())
	}
	urn := gen.NewURN()
	if len(urn) != len("urn:uuid:")+36 || urn[:9] != "urn:uuid:" {
		t.Fatalf("unexpected urn %q", urn)
	}
}
