// Package transfer implements the streaming file transfer engine layered
// on top of a session: a sender chunker and a receiver reassembler with
// temp-file staging and atomic promotion.
package transfer

import (
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ChunkSize is the frozen size of each FileChunk submitted by the sender.
const ChunkSize = 64 * 1024

// forbiddenChars are replaced with '_' in any incoming file name. This
// set, combined with filepath.Base below, is what makes a traversal
// payload like "../../etc/passwd" land safely inside the download
// directory instead of escaping it.
const forbiddenChars = `/\:*?"<>|`

// SanitizeFileName applies NFC normalization, strips any path components,
// replaces forbidden characters with '_', and truncates to at most 255
// codepoints. It never returns an empty string; a name that sanitizes to
// empty becomes "_".
func SanitizeFileName(name string) string {
	normalized := norm.NFC.String(name)

	// Strip directory components from both separator styles so a
	// traversal payload can never select a path outside the download
	// directory; only the final element survives.
	normalized = strings.ReplaceAll(normalized, "\\", "/")
	normalized = filepath.Base(normalized)

	var b strings.Builder
	for _, r := range normalized {
		if strings.ContainsRune(forbiddenChars, r) {
			b.WriteRune('_')
		} else {
			b.WriteRune(r)
		}
	}
	sanitized := b.String()

	runes := []rune(sanitized)
	if len(runes) > 255 {
		runes = runes[:255]
	}
	sanitized = string(runes)

	if sanitized == "" || sanitized == "." || sanitized == ".." {
		sanitized = "_"
	}
	return sanitized
}

// DisambiguatePath returns a path that does not yet exist under dir for
// the given sanitized base name, appending " (n)" before the extension
// for the smallest n >= 1 needed to avoid a collision. exists is injected
// so tests can simulate collisions without touching a real filesystem.
func DisambiguatePath(dir, name string, exists func(path string) bool) string {
	candidate := filepath.Join(dir, name)
	if !exists(candidate) {
		return candidate
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	for n := 1; ; n++ {
		next := filepath.Join(dir, base+" ("+strconv.Itoa(n)+")"+ext)
		if !exists(next) {
			return next
		}
	}
}
