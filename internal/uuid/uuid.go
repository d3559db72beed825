// Package uuid generates and validates the identifiers used by queued items and devices.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Prefixes for typed identifiers.
const (
	PrefixOperation = "op_"
	PrefixUpload    = "up_"
	PrefixDevice    = "dev_"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewOperationID returns an identifier for a queued record operation.
func NewOperationID() string {
	return PrefixOperation + New()
}

// NewUploadID returns an identifier for a queued asset upload.
func NewUploadID() string {
	return PrefixUpload + New()
}

// NewDeviceID returns an identifier for an installation.
func NewDeviceID() string {
	return PrefixDevice + New()
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}

// ValidatePrefixed checks that s is prefix followed by a UUID v4.
func ValidatePrefixed(prefix, s string) error {
	rest, ok := strings.CutPrefix(s, prefix)
	if !ok {
		return fmt.Errorf("identifier %q lacks prefix %q", s, prefix)
	}
	return Validate(rest)
}
