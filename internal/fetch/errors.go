// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package fetch

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrProcessFailed is matched by every *ProcessError.
	ErrProcessFailed = errors.New("fetch process failed")
	// ErrMalformedOutput means the tool exited without printing completion metadata.
	ErrMalformedOutput = errors.New("fetch output missing or malformed")
	// ErrMissingArtifact means the merged media file was not produced.
	ErrMissingArtifact = errors.New("fetch artifact missing")
	// ErrTimeout means the tool exceeded its deadline and was terminated.
	ErrTimeout = errors.New("fetch timed out")
)

// ProcessError reports an abnormal exit of the fetch tool.
type ProcessError struct {
	ExitCode    int      // -1 when the process could not start or was signaled
	Diagnostics []string // last stderr lines
	Err         error
}

func (e *ProcessError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "fetch process exited with code %d", e.ExitCode)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if n := len(e.Diagnostics); n > 0 {
		fmt.Fprintf(&b, " (last: %s)", e.Diagnostics[n-1])
	}
	return b.String()
}

func (e *ProcessError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProcessFailed}
	}
	return []error{ErrProcessFailed, e.Err}
}

// Reason maps a fetch error to a short metrics label.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrMalformedOutput):
		return "malformed_output"
	case errors.Is(err, ErrMissingArtifact):
		return "missing_artifact"
	case errors.Is(err, ErrProcessFailed):
		return "process"
	default:
		return "canceled"
	}
}
