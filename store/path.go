package store

import (
	"fmt"
	"strings"
)

// Join builds a slash-separated path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

func splitPath(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	segments := strings.Split(path, "/")
	for _, segment := range segments {
		if strings.TrimSpace(segment) == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, path)
		}
	}
	return segments, nil
}

// IsDocumentPath reports whether path addresses a single document.
func IsDocumentPath(path string) bool {
	segments, err := splitPath(path)
	return err == nil && len(segments)%2 == 0
}

// ParseCollectionPath normalizes a collection path.
func ParseCollectionPath(path string) (string, error) {
	segments, err := splitPath(path)
	if err != nil {
		return "", err
	}
	if len(segments)%2 == 0 {
		return "", fmt.Errorf("%w: %q is a document path", ErrInvalidPath, path)
	}
	return strings.Join(segments, "/"), nil
}

// SplitDocumentPath returns the collection and id of a document path.
func SplitDocumentPath(path string) (collection, id string, err error) {
	segments, err := splitPath(path)
	if err != nil {
		return "", "", err
	}
	if len(segments)%2 != 0 {
		return "", "", fmt.Errorf("%w: %q is a collection path", ErrInvalidPath, path)
	}
	last := len(segments) - 1
	return strings.Join(segments[:last], "/"), segments[last], nil
}
