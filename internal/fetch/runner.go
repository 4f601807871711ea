// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package fetch runs the external fetch tool (yt-dlp) for one video at a time
// per call, in a private working directory.
package fetch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ManuGH/vidgate/internal/log"
	"github.com/ManuGH/vidgate/internal/metrics"
	"github.com/ManuGH/vidgate/internal/procgroup"
	"github.com/ManuGH/vidgate/internal/source"
)

// Config controls the fetch tool invocation.
type Config struct {
	Bin            string        // fetch tool binary (yt-dlp)
	FFmpegLocation string        // passed as --ffmpeg-location when set
	WorkDir        string        // root for private working directories
	Format         string        // -f selector
	MergeFormat    string        // --merge-output-format
	Timeout        time.Duration // per invocation
	KillGrace      time.Duration // SIGTERM to SIGKILL
	MaxConcurrent  int
	StartRate      float64 // process starts per second; <= 0 means unlimited
	StartBurst     int
	DiagLines      int // stderr lines kept for diagnostics
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Bin:           "yt-dlp",
		WorkDir:       filepath.Join(os.TempDir(), "vidgate"),
		Format:        "bestvideo*+bestaudio/best",
		MergeFormat:   "webm",
		Timeout:       30 * time.Minute,
		KillGrace:     5 * time.Second,
		MaxConcurrent: 4,
		StartRate:     2,
		StartBurst:    4,
		DiagLines:     50,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Bin == "" {
		c.Bin = d.Bin
	}
	if c.WorkDir == "" {
		c.WorkDir = d.WorkDir
	}
	if c.Format == "" {
		c.Format = d.Format
	}
	if c.MergeFormat == "" {
		c.MergeFormat = d.MergeFormat
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.KillGrace <= 0 {
		c.KillGrace = d.KillGrace
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.StartBurst <= 0 {
		c.StartBurst = 1
	}
	if c.DiagLines <= 0 {
		c.DiagLines = d.DiagLines
	}
	return c
}

// Runner executes the fetch tool with admission control.
type Runner struct {
	cfg     Config
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// NewRunner creates the working root and returns a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.WorkDir, 0o750); err != nil {
		return nil, fmt.Errorf("create work dir %q: %w", cfg.WorkDir, err)
	}

	limit := rate.Inf
	if cfg.StartRate > 0 {
		limit = rate.Limit(cfg.StartRate)
	}
	return &Runner{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		limiter: rate.NewLimiter(limit, cfg.StartBurst),
	}, nil
}

// Config returns the effective configuration.
func (r *Runner) Config() Config { return r.cfg }

// CheckBinary verifies the fetch tool can be found.
func (r *Runner) CheckBinary() error {
	if _, err := exec.LookPath(r.cfg.Bin); err != nil {
		return fmt.Errorf("fetch tool %q: %w", r.cfg.Bin, err)
	}
	return nil
}

// PurgeStale removes working directories left behind by a previous process.
// Call it before serving; nothing else may be using WorkDir at that point.
func (r *Runner) PurgeStale() (int, error) {
	entries, err := os.ReadDir(r.cfg.WorkDir)
	if err != nil {
		return 0, fmt.Errorf("read work dir: %w", err)
	}
	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(r.cfg.WorkDir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (r *Runner) args(dir, url string) []string {
	args := make([]string, 0, 12)
	if r.cfg.FFmpegLocation != "" {
		args = append(args, "--ffmpeg-location", r.cfg.FFmpegLocation)
	}
	return append(args,
		"-f", r.cfg.Format,
		"--output", filepath.Join(dir, "%(id)s.%(ext)s"),
		"--merge-output-format", r.cfg.MergeFormat,
		"--no-playlist",
		"--print-json",
		url,
	)
}

// Fetch downloads and merges src into a private working directory.
// On error nothing is left on disk.
func (r *Runner) Fetch(ctx context.Context, src source.Source) (*Result, error) {
	logger := log.WithComponentFromContext(ctx, "fetch").With().Str(log.FieldVideoID, src.ID).Logger()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		metrics.IncFetchFailure("canceled")
		return nil, fmt.Errorf("fetch admission: %w", err)
	}
	defer r.sem.Release(1)
	if err := r.limiter.Wait(ctx); err != nil {
		metrics.IncFetchFailure("canceled")
		return nil, fmt.Errorf("fetch admission: %w", err)
	}

	dir, err := os.MkdirTemp(r.cfg.WorkDir, src.ID+"-*")
	if err != nil {
		return nil, fmt.Errorf("create working dir: %w", err)
	}

	res, err := r.run(ctx, src, dir, logger)
	if err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			logger.Warn().Err(rmErr).Str(log.FieldPath, dir).Msg("failed to remove working dir")
		}
		metrics.IncFetchFailure(Reason(err))
		return nil, err
	}
	return res, nil
}

func (r *Runner) run(ctx context.Context, src source.Source, dir string, logger zerolog.Logger) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var stdout bytes.Buffer
	ring := newRingBuffer(r.cfg.DiagLines)
	stderr := &stderrWriter{ring: ring, logger: logger}

	cmd := exec.Command(r.cfg.Bin, r.args(dir, src.URL)...) // #nosec G204 -- binary and flags come from config
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = r.cfg.KillGrace
	procgroup.Set(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &ProcessError{ExitCode: -1, Err: err}
	}
	logger.Info().
		Str(log.FieldEvent, "fetch.start").
		Int(log.FieldPID, cmd.Process.Pid).
		Str(log.FieldSourceURL, src.URL).
		Msg("fetch tool started")

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-runCtx.Done():
		_ = procgroup.Terminate(cmd, waitCh, r.cfg.KillGrace)
		stderr.flush()
		metrics.ObserveFetch(time.Since(start))
		if err := ctx.Err(); err != nil {
			logger.Warn().Str(log.FieldEvent, "fetch.canceled").Msg("fetch canceled, process group terminated")
			return nil, fmt.Errorf("fetch %s: %w", src.ID, err)
		}
		logger.Error().
			Str(log.FieldEvent, "fetch.timeout").
			Dur("timeout", r.cfg.Timeout).
			Strs("diagnostics", ring.all()).
			Msg("fetch timed out, process group terminated")
		return nil, fmt.Errorf("fetch %s after %s: %w", src.ID, r.cfg.Timeout, ErrTimeout)
	}
	stderr.flush()
	metrics.ObserveFetch(time.Since(start))

	if waitErr != nil {
		pe := &ProcessError{ExitCode: -1, Diagnostics: ring.all(), Err: waitErr}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			pe.ExitCode = exitErr.ExitCode()
		}
		logger.Error().
			Str(log.FieldEvent, "fetch.exit").
			Int(log.FieldExitCode, pe.ExitCode).
			Strs("diagnostics", pe.Diagnostics).
			Msg("fetch tool failed")
		return nil, pe
	}

	meta, err := parseMetadata(stdout.Bytes())
	if err != nil {
		return nil, err
	}
	if meta.ID != "" && meta.ID != src.ID {
		logger.Error().
			Str(log.FieldEvent, "fetch.id_mismatch").
			Str("reported_id", meta.ID).
			Msg("fetch tool reported a different video")
		return nil, fmt.Errorf("%w: tool reported id %q for %q", ErrMalformedOutput, meta.ID, src.ID)
	}

	path, size, err := r.locateArtifact(dir, src.ID, meta)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str(log.FieldEvent, "fetch.exit").
		Int(log.FieldExitCode, 0).
		Str(log.FieldPath, path).
		Int64(log.FieldSize, size).
		Dur("duration", time.Since(start)).
		Msg("fetch complete")

	return &Result{
		ID:          src.ID,
		Path:        path,
		Size:        size,
		ContentType: ContentType(r.cfg.MergeFormat),
		Metadata:    meta,
		dir:         dir,
	}, nil
}

// parseMetadata returns the last JSON object line of stdout.
func parseMetadata(out []byte) (Metadata, error) {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); strings.HasPrefix(line, "{") {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if len(lines) == 0 {
		return Metadata{}, ErrMalformedOutput
	}

	var meta Metadata
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &meta); err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return meta, nil
}

// locateArtifact finds the merged file. Only paths inside dir are considered.
func (r *Runner) locateArtifact(dir, id string, meta Metadata) (string, int64, error) {
	candidates := []string{filepath.Join(dir, id+"."+r.cfg.MergeFormat)}
	if meta.Filename != "" {
		merged := strings.TrimSuffix(meta.Filename, filepath.Ext(meta.Filename)) + "." + r.cfg.MergeFormat
		candidates = append(candidates, merged, meta.Filename)
	}

	for _, p := range candidates {
		if !within(dir, p) {
			continue
		}
		fi, err := os.Stat(p)
		if err != nil || !fi.Mode().IsRegular() || fi.Size() == 0 {
			continue
		}
		return p, fi.Size(), nil
	}
	return "", 0, fmt.Errorf("%w: %s", ErrMissingArtifact, candidates[0])
}

func within(dir, p string) bool {
	rel, err := filepath.Rel(dir, filepath.Clean(p))
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)
}
