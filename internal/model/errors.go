package model

import "errors"

// Sentinel validation errors shared by the pipeline and the metrics engine.
// Callers wrap them with context via fmt.Errorf("%w: ...", ...) and dispatch
// with errors.Is.
var (
	ErrEmptySeries  = errors.New("empty series")
	ErrInvalidRange = errors.New("invalid range")
)
