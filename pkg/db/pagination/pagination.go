package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 250
)

type Pagination struct {
	PageToken string `form:"page_token"`
	PageSize  int32  `form:"page_size"`
}

// Cursor is the opaque position carried by page tokens.
type Cursor struct {
	ID string `json:"id"`
}

func EncodeCursor(data Cursor) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodeCursor(token string) (*Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("decode page token: %w", err)
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return nil, fmt.Errorf("decode page token: %w", err)
	}
	return &cursor, nil
}

// ClampPageSize applies the default and upper bound.
func ClampPageSize(size int32) int {
	switch {
	case size <= 0:
		return DefaultPageSize
	case size > MaxPageSize:
		return MaxPageSize
	default:
		return int(size)
	}
}

// NextToken trims a page fetched with limit+1 rows and returns the token of
// the last kept item, or "" when there are no more rows.
func NextToken[T any](items []T, limit int, cursorOf func(T) string) ([]T, string, error) {
	if len(items) <= limit {
		return items, "", nil
	}
	items = items[:limit]
	token, err := EncodeCursor(Cursor{ID: cursorOf(items[len(items)-1])})
	if err != nil {
		return nil, "", err
	}
	return items, token, nil
}
