// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package fetch

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ManuGH/vidgate/internal/log"
)

// ringBuffer keeps the last N lines written to it.
type ringBuffer struct {
	mu    sync.Mutex
	lines []string
	pos   int
	full  bool
}

func newRingBuffer(size int) *ringBuffer {
	if size < 1 {
		size = 1
	}
	return &ringBuffer{lines: make([]string, size)}
}

func (r *ringBuffer) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.pos] = line
	r.pos = (r.pos + 1) % len(r.lines)
	if r.pos == 0 {
		r.full = true
	}
}

func (r *ringBuffer) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]string(nil), r.lines[:r.pos]...)
	}
	res := make([]string, len(r.lines))
	copy(res, r.lines[r.pos:])
	copy(res[len(r.lines)-r.pos:], r.lines[:r.pos])
	return res
}

// stderrWriter splits process stderr into lines, keeping them in the ring
// and mirroring them to the debug log.
type stderrWriter struct {
	ring    *ringBuffer
	logger  zerolog.Logger
	partial []byte
}

func (w *stderrWriter) Write(p []byte) (int, error) {
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.emit(w.partial[:i])
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

// flush emits a trailing line without newline.
func (w *stderrWriter) flush() {
	if len(w.partial) > 0 {
		w.emit(w.partial)
		w.partial = nil
	}
}

func (w *stderrWriter) emit(b []byte) {
	line := string(bytes.TrimRight(b, "\r"))
	if line == "" {
		return
	}
	w.ring.add(line)
	w.logger.Debug().Str(log.FieldEvent, "fetch.stderr").Msg(line)
}
