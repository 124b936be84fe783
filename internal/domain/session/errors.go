package session

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownSession    = errors.New("unknown or closed upload session")
	ErrInvalidSize       = errors.New("invalid size")
	ErrIndexOutOfRange   = errors.New("chunk index out of range")
	ErrChunkSizeMismatch = errors.New("chunk size mismatch")
	ErrIncompleteUpload  = errors.New("upload is incomplete")
)

// IncompleteError lists the chunk indices still missing at finalize.
type IncompleteError struct {
	Missing []int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("upload is incomplete: %d chunks missing", len(e.Missing))
}

func (e *IncompleteError) Unwrap() error { return ErrIncompleteUpload }
