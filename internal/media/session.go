package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	logx "grabbot/pkg/logx"
)

// Session is a pool-scoped Fetcher over direct HTTP sources.
//
// It is created once at pool start and closed once at pool stop; workers share
// it read-only. The underlying http.Client is safe for concurrent use.
type Session struct {
	client  *http.Client
	tempDir string
	log     logx.Logger
}

const (
	fetchRetries   = 2 // transient-error retries inside the capability
	fetchRetryWait = 2 * time.Second
)

func NewSession(tempDir string, log logx.Logger) (*Session, error) {
	if strings.TrimSpace(tempDir) == "" {
		tempDir = os.TempDir()
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, err
	}
	return &Session{
		client: &http.Client{
			Timeout: 0, // per-request deadlines come from ctx
		},
		tempDir: tempDir,
		log:     log,
	}, nil
}

// Close releases the session. Callers must not Close while fetches are active.
func (s *Session) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	s.client.CloseIdleConnections()
	return nil
}

func (s *Session) Analyze(ctx context.Context, rawURL string, v Variant) (Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return Info{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Info{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Info{}, fmt.Errorf("analyze: source returned %s", resp.Status)
	}

	info := Info{
		Title:         titleFromURL(rawURL),
		EstimatedSize: resp.ContentLength,
		Format:        resp.Header.Get("Content-Type"),
	}
	if info.EstimatedSize < 0 {
		info.EstimatedSize = 0
	}
	return info, nil
}

// Fetch downloads the source to a temp file, reporting progress as bytes
// arrive. Transient errors are retried a bounded number of times; after the
// last attempt the returned error wraps ErrTerminal.
func (s *Session) Fetch(ctx context.Context, rawURL string, v Variant, onProgress ProgressFunc) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= fetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(fetchRetryWait):
			}
			s.log.Debug("fetch retry", logx.Int("attempt", attempt), logx.Err(lastErr))
		}

		path, err := s.fetchOnce(ctx, rawURL, onProgress)
		if err == nil {
			return path, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
	}
	return "", fmt.Errorf("%w: %v", ErrTerminal, lastErr)
}

func (s *Session) fetchOnce(ctx context.Context, rawURL string, onProgress ProgressFunc) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch: source returned %s", resp.Status)
	}

	f, err := os.CreateTemp(s.tempDir, "grab-*.part")
	if err != nil {
		return "", err
	}
	name := f.Name()

	err = copyWithProgress(f, resp.Body, resp.ContentLength, onProgress)
	cerr := f.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}

func copyWithProgress(dst io.Writer, src io.Reader, total int64, onProgress ProgressFunc) error {
	buf := make([]byte, 128<<10)
	var written int64
	lastPct := -1
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			written += int64(n)
			if total > 0 && onProgress != nil {
				pct := int(written * 100 / total)
				if pct > 100 {
					pct = 100
				}
				if pct != lastPct {
					lastPct = pct
					onProgress(pct)
				}
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

func titleFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return u.Host
	}
	return base
}

// IsTerminal reports whether err is a capability-final fetch failure.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrTerminal)
}
