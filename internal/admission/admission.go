// Package admission turns raw download requests into queued jobs. It resolves
// the source platform, enforces quota and premium gating, derives the
// scheduling class, and enqueues. Execution-time exclusivity is the
// registry's job, not admission's.
package admission

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"grabbot/internal/eventbus"
	"grabbot/internal/media"
	"grabbot/internal/pipeline"
	"grabbot/internal/quota"
	"grabbot/internal/sched"
	"grabbot/internal/storage"
	"grabbot/internal/transport"
	logx "grabbot/pkg/logx"
)

var (
	ErrUnsupportedSource = errors.New("admission: unsupported source")
	ErrUpgradeRequired   = errors.New("admission: premium required")
	ErrShuttingDown      = errors.New("admission: queue closed")
	ErrBusy              = errors.New("admission: queue full")
)

// hostPlatforms maps registrable host suffixes to platform codes. Hosts not
// listed here are fetched as plain direct downloads.
var hostPlatforms = map[string]string{
	"youtube.com":   media.PlatformTube,
	"youtu.be":      media.PlatformTube,
	"tiktok.com":    media.PlatformClip,
	"instagram.com": media.PlatformGram,
}

// PlatformFor resolves the platform code for a source URL host.
func PlatformFor(host string) string {
	host = strings.ToLower(host)
	for suffix, platform := range hostPlatforms {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return platform
		}
	}
	return media.PlatformDirect
}

// Request is one inbound download command, pre-parse.
type Request struct {
	UserID   int64
	Username string
	RawURL   string
	Variant  string // "", "audio", "video"
	Chat     transport.ChatTarget
}

type Admitter struct {
	store storage.Store
	quota *quota.Tracker
	queue *sched.Queue
	bus   eventbus.Bus
	log   logx.Logger
}

func New(store storage.Store, quota *quota.Tracker, queue *sched.Queue, bus eventbus.Bus, log logx.Logger) *Admitter {
	return &Admitter{store: store, quota: quota, queue: queue, bus: bus, log: log}
}

// Admit validates the request and enqueues a job for it. Denials come back as
// ErrUnsupportedSource, quota.ErrExceeded, ErrUpgradeRequired, or ErrBusy when
// the queue is at capacity.
func (a *Admitter) Admit(ctx context.Context, req Request) (*sched.Job, error) {
	u, err := url.Parse(strings.TrimSpace(req.RawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSource, req.RawURL)
	}
	variant, err := media.ParseVariant(req.Variant)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedSource, err)
	}
	platform := PlatformFor(u.Hostname())

	if _, err := a.store.EnsureUser(ctx, req.UserID, req.Username); err != nil {
		return nil, err
	}
	rec, ok, err := a.quota.Check(ctx, req.UserID, pipeline.KindFor(platform))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, quota.ErrExceeded
	}

	premium := rec.IsPremium(a.quota.Now())
	if platform == media.PlatformTube && variant == media.VariantVideo && !premium {
		return nil, ErrUpgradeRequired
	}

	class := sched.ClassStandard
	if premium {
		class = sched.ClassPremium
	}
	job := &sched.Job{
		UserID: req.UserID,
		Class:  class,
		Payload: sched.Payload{
			SourceURL: u.String(),
			Platform:  platform,
			Variant:   variant,
		},
		Chat: req.Chat,
	}
	if _, err := a.queue.Enqueue(job); err != nil {
		if errors.Is(err, sched.ErrFull) {
			return nil, ErrBusy
		}
		return nil, ErrShuttingDown
	}

	a.log.Info("job admitted",
		logx.Int64("job", job.ID), logx.Int64("user", req.UserID),
		logx.String("platform", platform), logx.String("variant", string(variant)))
	if a.bus != nil {
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeJobQueued, Data: job.ID})
	}
	return job, nil
}
