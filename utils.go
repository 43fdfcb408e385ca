package stashgate

import (
	"path"
	"strings"
)

// extensionOf returns the lowercased extension of filename without the
// leading dot, or "" when there is none. Only the final component counts,
// so "archive.tar.gz" yields "gz".
func extensionOf(filename string) string {
	ext := path.Ext(path.Base(filename))
	if ext == "" || ext == "." {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// extensionAllowed reports whether ext appears in the allow-list. An empty
// allow-list permits nothing; comparison is case-insensitive.
func extensionAllowed(ext string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(ext, a) {
			return true
		}
	}
	return false
}

// buildStorageKey composes the object key for a fresh upload. The id keeps
// keys unguessable; the extension is preserved so stores and CDNs can infer
// content types.
func buildStorageKey(namespace, id, ext string) string {
	key := id
	if ext != "" {
		key += "." + ext
	}
	if namespace != "" {
		key = namespace + "/" + key
	}
	return key
}

// sanitizeFilename strips path separators and control characters from a
// client-supplied name so it is safe inside a Content-Disposition header.
func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7f || r == '"' {
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if out == "" || out == "." || out == ".." {
		return "download"
	}
	return out
}
