package docstore

import (
	"fmt"
	"strings"
)

// Join builds a store path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Split returns the collection path and document id of a document path.
func Split(path string) (collection, id string, err error) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) < 2 || len(segs)%2 != 0 {
		return "", "", fmt.Errorf("%w: %q is not a document path", ErrInvalidArgument, path)
	}
	for _, s := range segs {
		if s == "" {
			return "", "", fmt.Errorf("%w: empty segment in %q", ErrInvalidArgument, path)
		}
	}
	return strings.Join(segs[:len(segs)-1], "/"), segs[len(segs)-1], nil
}

// ValidCollection reports whether path names a collection.
func ValidCollection(path string) bool {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs)%2 != 1 {
		return false
	}
	for _, s := range segs {
		if s == "" {
			return false
		}
	}
	return true
}

// FieldPath addresses a nested map key, e.g. FieldPath("typing", uid).
func FieldPath(parts ...string) string {
	return strings.Join(parts, ".")
}

// SplitFieldPath splits a dotted field path.
func SplitFieldPath(key string) []string {
	return strings.Split(key, ".")
}
