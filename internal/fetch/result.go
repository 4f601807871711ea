// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package fetch

import (
	"os"
)

// Metadata is the completion record printed by the fetch tool.
type Metadata struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Ext      string  `json:"ext"`
	Duration float64 `json:"duration"`
	Filename string  `json:"_filename"`
}

// Result is a fetched artifact in a private working directory.
// The caller owns it and must call Cleanup.
type Result struct {
	ID          string
	Path        string
	Size        int64
	ContentType string
	Metadata    Metadata

	dir string
}

// Open opens the artifact for reading.
func (r *Result) Open() (*os.File, error) {
	return os.Open(r.Path)
}

// Cleanup removes the working directory and everything in it.
func (r *Result) Cleanup() error {
	if r == nil || r.dir == "" {
		return nil
	}
	return os.RemoveAll(r.dir)
}

// ContentType returns the MIME type for a merge output format.
func ContentType(mergeFormat string) string {
	switch mergeFormat {
	case "mp4":
		return "video/mp4"
	case "mkv":
		return "video/x-matroska"
	case "webm", "":
		return "video/webm"
	default:
		return "application/octet-stream"
	}
}

// NewResult wraps an artifact at path inside dir. Cleanup removes dir.
func NewResult(id, dir, path string, size int64, contentType string) *Result {
	return &Result{ID: id, Path: path, Size: size, ContentType: contentType, dir: dir}
}
