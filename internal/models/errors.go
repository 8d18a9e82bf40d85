package models

import "errors"

var (
	ErrMissingClusterID = errors.New("cluster id is required")
	ErrNilVMSet         = errors.New("vm id set must not be nil")
	ErrEmptyVMID        = errors.New("vm id must not be empty")
	ErrNegativeTarget   = errors.New("target enabled count must not be negative")
	ErrUnknownAction    = errors.New("action must be enable or disable")
)
