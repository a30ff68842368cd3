// Package security guards the file paths and names that arrive over the
// API: capture files requested for replay and snapshot download names.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned when a requested path escapes its root.
var ErrOutsideRoot = errors.New("path escapes allowed directory")

// canonical resolves symlinks in path. For a path that does not exist yet,
// the deepest existing ancestor is resolved and the rest re-appended, so a
// symlinked parent cannot smuggle the result elsewhere.
func canonical(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	for dir := filepath.Dir(path); ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rel, _ := filepath.Rel(dir, path)
			return filepath.Join(resolved, rel)
		}
		if filepath.Dir(dir) == dir {
			return path
		}
	}
}

// ResolveWithin joins name onto root and returns the absolute result,
// rejecting anything that would land outside root after cleaning and
// symlink resolution. Absolute names are accepted only if already inside.
func ResolveWithin(root, name string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("%w: no directory configured", ErrOutsideRoot)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", root, err)
	}
	target := name
	if !filepath.IsAbs(target) {
		target = filepath.Join(absRoot, target)
	}
	target = filepath.Clean(target)

	rel, err := filepath.Rel(canonical(absRoot), canonical(target))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s is not within %s", ErrOutsideRoot, name, root)
	}
	return target, nil
}

// maxFilenameLen bounds SanitizeFilename output.
const maxFilenameLen = 128

// SanitizeFilename turns an arbitrary session name into a safe file name:
// anything other than ASCII letters, digits, dot, underscore or dash becomes
// a single underscore. Empty results become "unnamed".
func SanitizeFilename(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxFilenameLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			b.WriteRune('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unnamed"
	}
	return out
}
