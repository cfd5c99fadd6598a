package storage

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"chatsync/store"
)

var (
	// ErrNotFound indicates a requested document does not exist.
	ErrNotFound = store.ErrNotFound
)

// fieldPattern limits order fields to dotted identifiers usable in a JSON path.
var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

func jsonPath(field string) (string, error) {
	if !fieldPattern.MatchString(field) {
		return "", fmt.Errorf("invalid order field %q", field)
	}
	return "$." + field, nil
}

func encodeData(data store.Data) (string, error) {
	if data == nil {
		data = store.Data{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}
	return string(raw), nil
}

func decodeData(raw string) (store.Data, error) {
	var data store.Data
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	if data == nil {
		data = store.Data{}
	}
	return data, nil
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
