package querybridge

import (
	"encoding/base64"
	"errors"
)

// CursorKey is one sort-key value of the last record on a page.
type CursorKey struct {
	Field string `json:"f"`
	Value any    `json:"v"`
}

// Cursor marks a position in a sorted result set for keyset pagination. Keys
// appear in sort-key order, primary first.
type Cursor struct {
	Keys []CursorKey `json:"k"`
}

// Encode serializes the cursor into an opaque URL-safe token.
func (c Cursor) Encode() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", errors.Join(ErrInvalidCursor, err)
	}

	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeCursor parses a token produced by Encode.
func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, errors.Join(ErrInvalidCursor, err)
	}

	var cursor Cursor
	if err := json.Unmarshal(raw, &cursor); err != nil {
		return Cursor{}, errors.Join(ErrInvalidCursor, err)
	}

	if len(cursor.Keys) == 0 {
		return Cursor{}, errors.Join(ErrInvalidCursor, errors.New("cursor carries no sort keys"))
	}

	return cursor, nil
}
