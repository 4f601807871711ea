// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by gateway spans.
const (
	VideoIDKey     = "video.id"
	SourceURLKey   = "video.source_url"
	OutcomeKey     = "resolve.outcome"
	LeaderKey      = "pipeline.leader"
	WaitersKey     = "pipeline.waiters"
	ObjectSizeKey  = "object.size_bytes"
	ContentTypeKey = "object.content_type"
	ErrorTypeKey   = "error.type"
)

// VideoAttributes describes the video a span works on.
func VideoAttributes(id, sourceURL string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(VideoIDKey, id)}
	if sourceURL != "" {
		attrs = append(attrs, attribute.String(SourceURLKey, sourceURL))
	}
	return attrs
}

// ObjectAttributes describes an uploaded object.
func ObjectAttributes(size int64, contentType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64(ObjectSizeKey, size),
		attribute.String(ContentTypeKey, contentType),
	}
}
