package calls

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("calls: not found")
	ErrAlreadyExists     = errors.New("calls: already exists")
	ErrInvalidTransition = errors.New("calls: invalid status transition")
)

// ValidationError rejects intake input synchronously; no job is created.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
