package chat

import (
	"errors"
	"fmt"

	"github.com/AmirhsFar/Chat-Service/internal/models"
)

// ErrRequestFailed marks a poll whose requests did not all succeed. The
// underlying error is wrapped alongside it.
var ErrRequestFailed = errors.New("chat: request failed")

// ValidationError rejects an outgoing message before anything is sent.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("chat: invalid message: %s %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func validate(m Outgoing) error {
	switch {
	case !m.Kind.Valid():
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("%q is not one of text, image, file", m.Kind)}
	case m.Content == "" && len(m.File) == 0:
		return &ValidationError{Field: "content", Reason: "is empty and no file is attached"}
	case m.Kind != models.KindText && len(m.File) == 0:
		return &ValidationError{Field: "file", Reason: fmt.Sprintf("is required for %s messages", m.Kind)}
	case len(m.File) > 0 && m.FileName == "":
		return &ValidationError{Field: "file_name", Reason: "is required with a file"}
	}
	return nil
}
