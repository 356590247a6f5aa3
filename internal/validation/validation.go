// Package validation checks that tenant-, campaign-, and file-name
// supplied identifiers are safe to use as a single blob-store path
// segment before they are interpolated into a file_key (SPEC_FULL.md
// §6 "staging/<tenant>/<file_name>" / "library/<tenant>/<file_name>"
// layout). It has no dependencies on other internal packages to avoid
// import cycles: every ingestion entry point that builds a blob key
// from request-supplied strings depends on it.
package validation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidSegment indicates a tenant, campaign id, or file name is
// malformed or attempts path traversal.
var ErrInvalidSegment = errors.New("invalid path segment")

// PathSegment checks that value is safe for use as a single blob-store
// or filesystem path segment: non-empty, free of path separators, and
// not a traversal token. It returns the cleaned value.
func PathSegment(value string) (string, error) {
	if value == "" {
		return "", ErrInvalidSegment
	}
	if value == "." || value == ".." {
		return "", ErrInvalidSegment
	}
	if strings.ContainsAny(value, `/\`) {
		return "", ErrInvalidSegment
	}

	cleaned := filepath.Clean(value)
	if cleaned != value ||
		strings.HasPrefix(cleaned, "..") ||
		strings.Contains(cleaned, string(os.PathSeparator)+"..") ||
		filepath.IsAbs(cleaned) {
		return "", ErrInvalidSegment
	}

	return cleaned, nil
}

// FileName validates a user-supplied upload file name before it is
// interpolated into a "staging/<tenant>/<file_name>" blob key. Unlike
// tenant and campaign ids, a file name may contain a single dot for
// its extension, which PathSegment already permits since dots are not
// path separators. Rejected are the empty name, "." and "..", any name
// beginning with "..", and names with embedded separators.
func FileName(name string) (string, error) {
	return PathSegment(name)
}
