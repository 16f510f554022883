package fstree

import (
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizePath converts a relative path to the canonical form used as a
// tree key: forward slashes and NFC unicode normalization, so peers on
// filesystems that store NFD (macOS) and NFC (Linux) agree on path
// identity.
func NormalizePath(relPath string) string {
	return norm.NFC.String(filepath.ToSlash(relPath))
}

// validatePath rejects pathnames that could escape the share root.
func validatePath(relPath string) error {
	if relPath == "" {
		return &Error{
			Code:    ErrCodeUnsafePathname,
			Message: "pathname must not be empty",
		}
	}

	if strings.HasPrefix(relPath, "/") || filepath.IsAbs(filepath.FromSlash(relPath)) {
		return &Error{
			Code:    ErrCodeUnsafePathname,
			Message: fmt.Sprintf("pathname must be relative: %s", relPath),
		}
	}

	for _, seg := range strings.Split(filepath.ToSlash(relPath), "/") {
		if seg == ".." {
			return &Error{
				Code:    ErrCodeUnsafePathname,
				Message: fmt.Sprintf("unsafe pathname given: %s", relPath),
			}
		}
	}

	return nil
}
