package server

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// position is the keyset location a cursor points at. Records sort by
// (CreatedAt desc, ID desc), so "after" a position means strictly older, or
// equally old with a smaller ID.
type position struct {
	createdAt int64 // unix nanoseconds
	id        int64
}

// CursorFor returns the opaque cursor that resumes a traversal right after
// record.
func CursorFor(record *UploadRecord) string {
	raw := fmt.Sprintf("%d:%d", record.CreatedAt.UnixNano(), record.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor parses a cursor. The empty cursor means "start from the
// newest record" and returns ok == false.
func decodeCursor(cursor string) (pos position, ok bool, err error) {
	if cursor == "" {
		return position{}, false, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return position{}, false, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	parts := strings.Split(string(raw), ":")
	if len(parts) != 2 {
		return position{}, false, ErrInvalidCursor
	}

	createdAt, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return position{}, false, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id <= 0 {
		return position{}, false, ErrInvalidCursor
	}

	return position{createdAt: createdAt, id: id}, true, nil
}

// after reports whether record sorts strictly after pos.
func (pos position) after(record *UploadRecord) bool {
	createdAt := record.CreatedAt.UnixNano()
	if createdAt != pos.createdAt {
		return createdAt < pos.createdAt
	}
	return record.ID < pos.id
}
