// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldVideoID   = "video_id"
	FieldTraceID   = "trace_id"
	FieldSpanID    = "span_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldPID       = "pid"
	FieldExitCode  = "exit_code"
	FieldWaiters   = "waiters"
	FieldShared    = "shared"

	// Storage fields
	FieldBucket      = "bucket"
	FieldKey         = "key"
	FieldSize        = "size_bytes"
	FieldContentType = "content_type"

	// Path / URL fields
	FieldPath      = "path"
	FieldSourceURL = "source_url"
	FieldObjectURL = "object_url"
)
