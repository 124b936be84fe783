package credential

import "errors"

var (
	ErrConfiguration    = errors.New("credential issuer is not configured")
	ErrInvalidKey       = errors.New("target key must not be empty")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrExpired          = errors.New("credential expired")
)
