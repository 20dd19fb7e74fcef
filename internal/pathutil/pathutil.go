// Package pathutil provides path-derived helpers: safe on-disk cache-key
// escaping (CacheKey, which the Transform Cache does not call) and
// sibling-extension suggestion scanning for the Mock Policy Engine's
// not-found diagnostics.
package pathutil

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/module"
)

// CacheKey derives a filesystem-safe cache file name for an absolute module
// path under a given transform configuration digest. golang.org/x/mod's
// module.EscapePath is built to turn an arbitrary module path into a safe
// filesystem path component (escaping upper-case letters and reserved
// characters); repurposed here for the same problem one level down, on a
// source file's absolute path rather than a Go module path. A SHA-256
// digest of the original path and configDigest is appended, so the key
// also changes with the configuration, which escaping alone cannot do.
func CacheKey(absPath string, configDigest string) (string, error) {
	escaped, err := module.EscapePath(normalizeForEscape(absPath))
	if err != nil {
		// module.EscapePath rejects paths containing characters outside its
		// accepted set (e.g. certain punctuation); fall back to a pure hash
		// of the original path so every absolute path still yields a valid,
		// collision-resistant key.
		escaped = ""
	}

	h := sha256.New()
	h.Write([]byte(absPath))
	h.Write([]byte{0})
	h.Write([]byte(configDigest))
	digest := hex.EncodeToString(h.Sum(nil))

	if escaped == "" {
		return digest, nil
	}
	return escaped + "-" + digest[:16], nil
}

// normalizeForEscape converts host path separators to forward slashes and
// strips one leading slash so module.EscapePath, which assumes
// Go-module-path conventions, sees a relative slash-separated string. Letter
// case is left unchanged.
func normalizeForEscape(p string) string {
	p = filepath.ToSlash(p)
	return strings.TrimPrefix(p, "/")
}

// SiblingSuggestions scans dir for files sharing request's basename under
// any of extensions, returning their basenames. Used to enrich a
// ModuleNotFoundError the way a typo'd extension or casing mismatch is
// diagnosed.
func SiblingSuggestions(dir, request string, extensions []string) []string {
	base := filepath.Base(request)
	baseNoExt := strings.TrimSuffix(base, filepath.Ext(base))

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var suggestions []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		nameExt := filepath.Ext(name)
		nameNoExt := strings.TrimSuffix(name, nameExt)
		if !strings.EqualFold(nameNoExt, baseNoExt) {
			continue
		}
		if len(extensions) > 0 && !containsFold(extensions, nameExt) {
			continue
		}
		suggestions = append(suggestions, name)
	}
	return suggestions
}

func containsFold(list []string, item string) bool {
	for _, v := range list {
		if strings.EqualFold(v, item) {
			return true
		}
	}
	return false
}
