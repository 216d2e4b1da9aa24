// Package source resolves opaque source references into fetchable media.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// ErrSourceUnavailable is returned when a source reference cannot be resolved.
var ErrSourceUnavailable = errors.New("source: unavailable")

// Resolution is the outcome of resolving a source reference.
type Resolution struct {
	// DownloadURL is the direct media URL to fetch.
	DownloadURL string
	// ContentLength is the reported size in bytes; zero when unknown.
	ContentLength int64
	// ContentType is the reported MIME type.
	ContentType string
	// SuggestedTitle is a human-readable title derived from the source.
	SuggestedTitle string
	// DurationSeconds is the probed media duration; zero when unknown.
	DurationSeconds float64
	// Resolution is the video resolution label; empty when unknown.
	Resolution string
	// Codec is the video codec label; empty when unknown.
	Codec string
}

// Resolver turns an opaque source reference into a fetchable resolution.
type Resolver interface {
	Resolve(ctx context.Context, sourceRef string) (Resolution, error)
}

// Prober reports the duration of a media URL. The ffmpeg toolkit satisfies
// this with a remote probe.
type Prober interface {
	Probe(ctx context.Context, path string) (float64, error)
}

// HTTPResolver resolves http(s) source references with a HEAD request and an
// optional media probe.
type HTTPResolver struct {
	httpClient *http.Client
	prober     Prober
}

// NewHTTPResolver creates an HTTPResolver. The prober is optional; without
// one the resolved duration is zero.
func NewHTTPResolver(client *http.Client, prober Prober) *HTTPResolver {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPResolver{httpClient: client, prober: prober}
}

// Resolve validates the reference, issues a HEAD request for the content
// metadata and probes the media duration when a prober is configured.
func (r *HTTPResolver) Resolve(ctx context.Context, sourceRef string) (Resolution, error) {
	if sourceRef == "" {
		return Resolution{}, fmt.Errorf("%w: empty source reference", ErrSourceUnavailable)
	}

	u, err := url.Parse(sourceRef)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Resolution{}, fmt.Errorf("%w: not a fetchable URL: %s", ErrSourceUnavailable, sourceRef)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, sourceRef, nil)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Resolution{}, fmt.Errorf("%w: status %d", ErrSourceUnavailable, resp.StatusCode)
	}

	res := Resolution{
		DownloadURL:    sourceRef,
		ContentType:    resp.Header.Get("Content-Type"),
		SuggestedTitle: titleFromURL(u),
	}
	if resp.ContentLength > 0 {
		res.ContentLength = resp.ContentLength
	}

	if r.prober != nil {
		// Best effort: a failed probe leaves the duration unknown rather
		// than failing the resolve.
		if dur, err := r.prober.Probe(ctx, sourceRef); err == nil && dur > 0 {
			res.DurationSeconds = dur
		}
	}

	return res, nil
}

// titleFromURL derives a human-readable title from the URL path.
func titleFromURL(u *url.URL) string {
	base := path.Base(u.Path)
	if base == "/" || base == "." || base == "" {
		return u.Host
	}
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	base = strings.NewReplacer("-", " ", "_", " ").Replace(base)
	return strings.TrimSpace(base)
}
