package repository

import "errors"

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrOverlap  = errors.New("dates overlap an active booking")
)
