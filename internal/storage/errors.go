// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrUpload reports that an object could not be stored completely.
	ErrUpload = errors.New("storage upload failed")
	// ErrBucketSetup reports that the bucket could not be created or made public.
	ErrBucketSetup = errors.New("storage bucket setup failed")
)

// Error describes a failed storage operation on a single object.
type Error struct {
	Op    string // put | verify
	Key   string
	Cause error
	kind  error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("storage %s %q failed", e.Op, e.Key)
	}
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Cause)
}

// Unwrap exposes both the sentinel kind and the underlying cause.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.kind != nil {
		out = append(out, e.kind)
	}
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return out
}

func uploadError(op, key string, cause error) *Error {
	return &Error{Op: op, Key: key, Cause: cause, kind: ErrUpload}
}
