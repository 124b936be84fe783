package ingest

import "errors"

var (
	ErrInvalidSize    = errors.New("invalid size")
	ErrLengthRequired = errors.New("content length required")
	ErrEmptyBatch     = errors.New("no keys given")
	ErrBatchTooLarge  = errors.New("too many keys in one batch")

	ErrPreviewUnsupported = errors.New("file type cannot be previewed")
)
