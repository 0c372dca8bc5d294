package auth

import "errors"

var (
	ErrNotFound      = errors.New("auth: not found")
	ErrSessionExists = errors.New("auth: active session already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")
)
