package auth

import "errors"

var (
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: resource conflict")
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrInactive     = errors.New("auth: principal is inactive")
	ErrSystemRole   = errors.New("auth: system role cannot be renamed or deleted")
)
