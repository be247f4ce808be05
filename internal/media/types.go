// Package media defines the fetch/analyze/deliver capabilities the scheduling
// core drives. Source-format parsing and retry/backoff for the fetch itself
// live behind these interfaces, not in the core.
package media

import (
	"context"
	"errors"
	"fmt"
)

// Variant is the requested delivery form of a source.
type Variant string

const (
	VariantAudio Variant = "audio"
	VariantVideo Variant = "video"
)

// ParseVariant maps user input to a Variant; empty input means video.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "", "video", "mp4":
		return VariantVideo, nil
	case "audio", "mp3":
		return VariantAudio, nil
	default:
		return "", fmt.Errorf("unknown variant %q", s)
	}
}

// Recognized source platforms. PlatformTube is the restricted one: it carries
// a daily sub-quota and its video variant requires premium.
const (
	PlatformTube   = "tube"
	PlatformClip   = "clip"
	PlatformGram   = "gram"
	PlatformDirect = "direct"
)

// Info is the analysis result for a source URL.
type Info struct {
	Title           string
	EstimatedSize   int64 // bytes; 0 when the source does not report one
	DurationSeconds int
	Quality         string
	Format          string
}

// ErrTerminal marks a fetch failure the capability has already retried and
// given up on. The pipeline treats it as authoritative and does not retry.
var ErrTerminal = errors.New("media: terminal failure")

// ErrOversized marks an artifact above the delivery transport's hard ceiling.
var ErrOversized = errors.New("media: artifact exceeds transport ceiling")

// ProgressFunc receives interim transfer progress in percent [0,100].
type ProgressFunc func(percent int)

// Fetcher analyzes and downloads media sources.
//
// Fetch returns the local artifact path. Implementations own bounded internal
// retries for transient errors and return an error wrapping ErrTerminal once
// they give up.
type Fetcher interface {
	Analyze(ctx context.Context, url string, v Variant) (Info, error)
	Fetch(ctx context.Context, url string, v Variant, onProgress ProgressFunc) (string, error)
}

// Target identifies where a finished artifact is delivered (chat/thread).
type Target struct {
	ChatID   int64
	ThreadID int
}

// Deliverer transmits a finished artifact to its destination.
//
// Implementations must reject artifacts above their hard transport ceiling and
// report checkpoint progress (0/25/50/75/100) through onProgress.
type Deliverer interface {
	Deliver(ctx context.Context, to Target, artifactPath string, v Variant, onProgress ProgressFunc) error
}
