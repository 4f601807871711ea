// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package source turns inbound video locators into a validated identifier and
// the URL handed to the fetch tool.
package source

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidSource is returned when a locator carries no usable video identifier.
var ErrInvalidSource = errors.New("invalid video source")

// CanonicalWatchURL is the URL template used for bare identifiers.
const CanonicalWatchURL = "https://youtube.com/watch?v=%s"

// The identifier doubles as object key and working-directory name, so it is
// restricted to an alphabet that is safe in both.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// pathPrefixes are URL path forms that carry the identifier as the next segment.
var pathPrefixes = []string{"/shorts/", "/embed/", "/live/", "/v/"}

// watchHosts serve /watch?v= and the path forms above. shortHosts carry the
// identifier as the first path segment.
var (
	watchHosts = map[string]bool{
		"youtube.com":              true,
		"www.youtube.com":          true,
		"m.youtube.com":            true,
		"music.youtube.com":        true,
		"youtube-nocookie.com":     true,
		"www.youtube-nocookie.com": true,
	}
	shortHosts = map[string]bool{
		"youtu.be":     true,
		"www.youtu.be": true,
	}
)

// Source is a resolved locator.
type Source struct {
	ID  string // video identifier, used as cache key
	URL string // locator passed to the fetch tool
}

// ValidID reports whether id is an acceptable video identifier.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// FromID builds a Source for a bare identifier using the canonical watch URL.
func FromID(id string) (Source, error) {
	id = strings.TrimSpace(id)
	if !ValidID(id) {
		return Source{}, fmt.Errorf("%w: malformed identifier %q", ErrInvalidSource, id)
	}
	return Source{ID: id, URL: fmt.Sprintf(CanonicalWatchURL, id)}, nil
}

// Parse extracts the identifier from a source URL. Accepted forms:
//
//	https://www.youtube.com/watch?v=ID&t=10
//	https://youtu.be/ID
//	https://www.youtube.com/shorts/ID (also /embed/, /live/, /v/)
//
// Only the YouTube host family is accepted. The returned URL is always the
// canonical watch URL for the identifier, never raw.
func Parse(raw string) (Source, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Source{}, fmt.Errorf("%w: empty locator", ErrInvalidSource)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Source{}, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Source{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidSource, u.Scheme)
	}
	if u.Host == "" {
		return Source{}, fmt.Errorf("%w: missing host", ErrInvalidSource)
	}

	id, ok := extractID(u)
	if !ok {
		return Source{}, fmt.Errorf("%w: unsupported host %q", ErrInvalidSource, u.Hostname())
	}
	if !ValidID(id) {
		return Source{}, fmt.Errorf("%w: no video identifier in %q", ErrInvalidSource, raw)
	}
	return Source{ID: id, URL: fmt.Sprintf(CanonicalWatchURL, id)}, nil
}

// Resolve accepts either a bare identifier or a URL.
func Resolve(locator string) (Source, error) {
	locator = strings.TrimSpace(locator)
	if ValidID(locator) {
		return FromID(locator)
	}
	return Parse(locator)
}

// extractID returns the identifier carried by u. ok is false when the host is
// not one we know how to read.
func extractID(u *url.URL) (id string, ok bool) {
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	switch {
	case shortHosts[host]:
		return firstSegment(u.Path), true
	case watchHosts[host]:
		if v := u.Query().Get("v"); v != "" {
			return v, true
		}
		for _, prefix := range pathPrefixes {
			if rest, found := strings.CutPrefix(u.Path, prefix); found {
				return firstSegment(rest), true
			}
		}
		return "", true
	default:
		return "", false
	}
}

func firstSegment(p string) string {
	p = strings.TrimPrefix(p, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		p = p[:i]
	}
	return p
}
