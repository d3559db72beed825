// Package uuid provides unit tests for identifier generation and validation.
package uuid

import (
	"strings"
	"testing"
)

// TestNew tests that New() generates valid UUID v4 strings.
func TestNew(t *testing.T) {
	id := New()
	if !IsValid(id) {
		t.Errorf("Generated UUID does not match v4 format: %s", id)
	}
}

// TestNewUniqueness tests that New() generates unique IDs.
func TestNewUniqueness(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewOperationID()
		if ids[id] {
			t.Errorf("Duplicate ID generated: %s", id)
		}
		ids[id] = true
	}
}

// TestTypedIDs tests prefixes on typed identifiers.
func TestTypedIDs(t *testing.T) {
	tests := []struct {
		name   string
		gen    func() string
		prefix string
	}{
		{"operation", NewOperationID, PrefixOperation},
		{"upload", NewUploadID, PrefixUpload},
		{"device", NewDeviceID, PrefixDevice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := tt.gen()
			if !strings.HasPrefix(id, tt.prefix) {
				t.Errorf("%s id %q missing prefix %q", tt.name, id, tt.prefix)
			}
			if err := ValidatePrefixed(tt.prefix, id); err != nil {
				t.Errorf("ValidatePrefixed() error = %v", err)
			}
		})
	}
}

// TestIsValid tests UUID v4 format checks.
func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		uuid string
		want bool
	}{
		{"valid UUID v4", "f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"uppercase", "F47AC10B-58CC-4372-A567-0E02B2C3D479", true},
		{"version 1", "f47ac10b-58cc-1372-a567-0e02b2c3d479", false},
		{"bad variant", "f47ac10b-58cc-4372-c567-0e02b2c3d479", false},
		{"no dashes", "f47ac10b58cc4372a5670e02b2c3d479", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.uuid); got != tt.want {
				t.Errorf("IsValid(%q) = %v, want %v", tt.uuid, got, tt.want)
			}
		})
	}
}

// TestValidatePrefixed_errors tests rejection of malformed typed identifiers.
func TestValidatePrefixed_errors(t *testing.T) {
	if err := ValidatePrefixed(PrefixUpload, NewOperationID()); err == nil {
		t.Error("ValidatePrefixed() should reject a wrong prefix")
	}
	if err := ValidatePrefixed(PrefixOperation, "op_not-a-uuid"); err == nil {
		t.Error("ValidatePrefixed() should reject a malformed uuid")
	}
	if err := Validate("nope"); err == nil {
		t.Error("Validate() should reject garbage")
	}
}
