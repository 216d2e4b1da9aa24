package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

type fakeProber struct {
	duration float64
	err      error
}

func (p *fakeProber) Probe(context.Context, string) (float64, error) {
	return p.duration, p.err
}

func TestResolve_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD, got %s", r.Method)
		}
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Length", "1024")
	}))
	defer srv.Close()

	r := NewHTTPResolver(nil, &fakeProber{duration: 600})
	res, err := r.Resolve(context.Background(), srv.URL+"/my-cool_video.mp4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.DownloadURL != srv.URL+"/my-cool_video.mp4" {
		t.Errorf("unexpected download URL: %s", res.DownloadURL)
	}
	if res.ContentType != "video/mp4" {
		t.Errorf("expected video/mp4, got %s", res.ContentType)
	}
	if res.ContentLength != 1024 {
		t.Errorf("expected 1024, got %d", res.ContentLength)
	}
	if res.SuggestedTitle != "my cool video" {
		t.Errorf("unexpected title: %q", res.SuggestedTitle)
	}
	if res.DurationSeconds != 600 {
		t.Errorf("expected duration 600, got %v", res.DurationSeconds)
	}
}

func TestResolve_ProbeFailureIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	r := NewHTTPResolver(nil, &fakeProber{err: errors.New("probe failed")})
	res, err := r.Resolve(context.Background(), srv.URL+"/video.mp4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.DurationSeconds != 0 {
		t.Errorf("expected zero duration, got %v", res.DurationSeconds)
	}
}

func TestResolve_EmptyRef(t *testing.T) {
	r := NewHTTPResolver(nil, nil)
	_, err := r.Resolve(context.Background(), "")
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestResolve_BadScheme(t *testing.T) {
	r := NewHTTPResolver(nil, nil)
	for _, ref := range []string{"ftp://host/file.mp4", "not a url", "file:///etc/passwd"} {
		if _, err := r.Resolve(context.Background(), ref); !errors.Is(err, ErrSourceUnavailable) {
			t.Errorf("Resolve(%q): expected ErrSourceUnavailable, got %v", ref, err)
		}
	}
}

func TestResolve_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	r := NewHTTPResolver(nil, nil)
	_, err := r.Resolve(context.Background(), srv.URL+"/video.mp4")
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestResolve_UnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	r := NewHTTPResolver(nil, nil)
	_, err := r.Resolve(context.Background(), srv.URL+"/video.mp4")
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestTitleFromURL(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"https://host/videos/summer-trip_2024.mp4", "summer trip 2024"},
		{"https://host/video.webm", "video"},
		{"https://host/", "host"},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.raw)
		if err != nil {
			t.Fatalf("parse %q: %v", tt.raw, err)
		}
		if got := titleFromURL(u); got != tt.want {
			t.Errorf("titleFromURL(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
