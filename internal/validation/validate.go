// Package validation provides centralized input validation for the upload
// engine. Caller-supplied identifiers and object keys are checked before any
// session state is created or any backend call is made.
package validation

import (
	"path/filepath"
	"strings"
	"unicode"

	uperrors "github.com/voxscribe/upload/errors"
)

// maxKeyLength matches the S3 object key limit.
const maxKeyLength = 1024

// ValidateStorageKey validates a destination object key. This includes
// preventing path traversal and control characters.
func ValidateStorageKey(key string) error {
	if key == "" {
		return uperrors.NewError("validateStorageKey", uperrors.ErrInvalidInput).
			WithMessage("storage key cannot be empty")
	}

	if hasPathTraversal(key) {
		return uperrors.NewError("validateStorageKey", uperrors.ErrInvalidInput).
			WithMessage("storage key cannot contain path traversal sequences")
	}

	if len(key) > maxKeyLength {
		return uperrors.NewError("validateStorageKey", uperrors.ErrInvalidInput).
			WithMessage("storage key cannot exceed 1024 characters")
	}

	if hasControlCharacters(key) {
		return uperrors.NewError("validateStorageKey", uperrors.ErrInvalidInput).
			WithMessage("storage key cannot contain control characters")
	}

	return nil
}

// ValidateSessionID validates a session identifier before it is used as a
// store record name. Identifiers are opaque but must be safe as a single
// path element.
func ValidateSessionID(id string) error {
	if id == "" {
		return uperrors.NewError("validateSessionID", uperrors.ErrInvalidInput).
			WithMessage("session id cannot be empty")
	}

	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return uperrors.NewError("validateSessionID", uperrors.ErrInvalidInput).
			WithMessage("session id cannot contain path separators")
	}

	if hasControlCharacters(id) {
		return uperrors.NewError("validateSessionID", uperrors.ErrInvalidInput).
			WithMessage("session id cannot contain control characters")
	}

	return nil
}

// hasPathTraversal checks for path traversal attempts in object keys
func hasPathTraversal(key string) bool {
	if strings.Contains(key, "..") {
		return true
	}

	cleaned := filepath.Clean(key)
	if strings.HasPrefix(cleaned, "..") {
		return true
	}
	if strings.HasPrefix(cleaned, "/") {
		return true
	}

	// Windows-style absolute paths
	if len(cleaned) >= 3 && cleaned[1] == ':' && (cleaned[2] == '\\' || cleaned[2] == '/') {
		return true
	}

	return false
}

// hasControlCharacters checks for control characters in the value
func hasControlCharacters(s string) bool {
	for _, char := range s {
		if unicode.IsControl(char) {
			return true
		}
	}
	return false
}
