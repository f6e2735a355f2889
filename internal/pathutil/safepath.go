package pathutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrNotFound    = errors.New("file not found")
	ErrUnsupported = errors.New("unsupported file")
)

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// HasExt reports whether p ends with one of exts (case-insensitive).
// An empty exts list accepts everything.
func HasExt(p string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	lp := strings.ToLower(p)
	for _, e := range exts {
		if strings.HasSuffix(lp, strings.ToLower(e)) {
			return true
		}
	}
	return false
}

// Resolve locates p under one of roots and returns the absolute path of the
// first match, in root order.
//
// p is either relative to a root (a leading "addons/" is ignored) or absolute,
// in which case it must already lie inside a root. The cleaned candidate must
// stay under the root after normalization, so "../" escapes never match.
// Directories do not count as matches.
//
// Errors: ErrUnsupported when exts is non-empty and p has none of them,
// ErrNotFound when no root holds a regular file at p.
func Resolve(roots []string, p string, exts []string) (string, error) {
	if p == "" || strings.ContainsRune(p, 0) {
		return "", ErrNotFound
	}

	isAbs := filepath.IsAbs(p)
	normalized := filepath.Clean(p)

	if !HasExt(normalized, exts) {
		return "", ErrUnsupported
	}

	// "addons" is the last element of the server root, relative paths sometimes carry it
	normalized = strings.TrimPrefix(normalized, "addons"+string(os.PathSeparator))

	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		// trailing separator so /srv/addons does not match /srv/addons-extra
		parent := filepath.Clean(abs) + string(os.PathSeparator)

		candidate := normalized
		if !isAbs {
			candidate = filepath.Clean(filepath.Join(parent, normalized))
		}
		if !strings.HasPrefix(candidate, parent) {
			continue
		}
		if isRegular(candidate) {
			return candidate, nil
		}
	}
	return "", ErrNotFound
}

// Within reports whether p lies under dir, and returns p relative to dir.
func Within(dir, p string) (string, bool) {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(p))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) || filepath.IsAbs(rel) {
		return "", false
	}
	return rel, true
}

// SafeJoin joins name onto dir, rejecting results outside dir.
func SafeJoin(dir, name string) (string, bool) {
	if name == "" || strings.ContainsRune(name, 0) || filepath.IsAbs(name) {
		return "", false
	}
	joined := filepath.Join(dir, name)
	if _, ok := Within(dir, joined); !ok {
		return "", false
	}
	return joined, true
}

func isRegular(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}
