package server

import (
	"errors"
	"fmt"
)

// Error kinds returned by the blob stores, registries, coordinator and
// gateway. Callers match them with errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation failed")
	ErrStorageWrite = errors.New("storage write failed")
	ErrStorageRead  = errors.New("storage read failed")

	ErrInvalidFilename = fmt.Errorf("%w: invalid filename", ErrValidation)
	ErrPayloadTooLarge = fmt.Errorf("%w: payload too large", ErrValidation)
	ErrEmptyPayload    = fmt.Errorf("%w: empty payload", ErrValidation)
	ErrSizeMismatch    = fmt.Errorf("%w: content size does not match declared size", ErrValidation)
	ErrInvalidCursor   = fmt.Errorf("%w: invalid cursor", ErrValidation)
)

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation reports whether err is, or wraps, ErrValidation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
