package models

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("already exists")
	ErrInvalid          = errors.New("invalid argument")
	ErrInsufficientData = errors.New("insufficient data")
	ErrNotReady         = errors.New("not ready")
)
