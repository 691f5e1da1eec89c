package session

import "errors"

var (
	// ErrMissingUpload is returned when a request carries no file.
	ErrMissingUpload = errors.New("missing upload")
	// ErrEmptyUpload is returned when the uploaded file has no content or no name.
	ErrEmptyUpload = errors.New("empty upload")
	// ErrSessionReset is returned when a new lecture started while a chunk
	// was being accepted.
	ErrSessionReset = errors.New("lecture session was reset")
)
