package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	logx "grabbot/pkg/logx"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession(t.TempDir(), logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAnalyzeReadsHeadMetadata(t *testing.T) {
	t.Parallel()
	body := []byte("0123456789")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "10")
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	s := newTestSession(t)
	info, err := s.Analyze(context.Background(), srv.URL+"/clips/cat.mp4", VariantVideo)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if info.EstimatedSize != 10 {
		t.Fatalf("size = %d", info.EstimatedSize)
	}
	if info.Title != "cat.mp4" {
		t.Fatalf("title = %q", info.Title)
	}
	if info.Format != "video/mp4" {
		t.Fatalf("format = %q", info.Format)
	}
}

func TestAnalyzeRejectsErrorStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	s := newTestSession(t)
	if _, err := s.Analyze(context.Background(), srv.URL, VariantVideo); err == nil {
		t.Fatal("expected error for 404 source")
	}
}

func TestFetchWritesArtifactAndReportsProgress(t *testing.T) {
	t.Parallel()
	body := make([]byte, 300<<10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	s := newTestSession(t)
	var last atomic.Int32
	last.Store(-1)
	path, err := s.Fetch(context.Background(), srv.URL, VariantVideo, func(pct int) {
		last.Store(int32(pct))
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer os.Remove(path)

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != int64(len(body)) {
		t.Fatalf("artifact size = %d, want %d", fi.Size(), len(body))
	}
	if last.Load() != 100 {
		t.Fatalf("final progress = %d, want 100", last.Load())
	}
}

func TestFetchRetriesTransientFailure(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s := newTestSession(t)
	path, err := s.Fetch(context.Background(), srv.URL, VariantAudio, nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer os.Remove(path)
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestFetchGivesUpWithTerminalError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	s := newTestSession(t)
	_, err := s.Fetch(context.Background(), srv.URL, VariantVideo, nil)
	if !IsTerminal(err) {
		t.Fatalf("err = %v, want terminal", err)
	}
}

func TestParseVariant(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		want    Variant
		wantErr bool
	}{
		{"", VariantVideo, false},
		{"video", VariantVideo, false},
		{"mp4", VariantVideo, false},
		{"audio", VariantAudio, false},
		{"mp3", VariantAudio, false},
		{"flac", "", true},
	}
	for _, c := range cases {
		got, err := ParseVariant(c.in)
		if (err != nil) != c.wantErr || got != c.want {
			t.Errorf("ParseVariant(%q) = (%q, %v)", c.in, got, err)
		}
	}
}
