package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"grabbot/internal/media"
	"grabbot/internal/pipeline"
	"grabbot/internal/progress"
	"grabbot/internal/quota"
	"grabbot/internal/transport"
	logx "grabbot/pkg/logx"
)

// statusSink renders progress events into one chat message per job: the first
// event sends it, later events edit it in place. Refs are dropped once the
// job reaches a terminal event.
type statusSink struct {
	adapter transport.Adapter
	log     logx.Logger

	mu   sync.Mutex
	refs map[int64]transport.MessageRef
}

func newStatusSink(adapter transport.Adapter, log logx.Logger) *statusSink {
	return &statusSink{adapter: adapter, log: log, refs: make(map[int64]transport.MessageRef)}
}

func (s *statusSink) Notify(ctx context.Context, to transport.ChatTarget, jobID int64, ev progress.Event) error {
	text := renderEvent(jobID, ev)

	s.mu.Lock()
	ref, haveRef := s.refs[jobID]
	if ev.Terminal() {
		delete(s.refs, jobID)
	}
	s.mu.Unlock()

	if haveRef {
		return s.adapter.EditText(ctx, ref, text, nil)
	}
	ref, err := s.adapter.SendText(ctx, to, text, nil)
	if err != nil {
		return err
	}
	if !ev.Terminal() {
		s.mu.Lock()
		s.refs[jobID] = ref
		s.mu.Unlock()
	}
	return nil
}

func renderEvent(jobID int64, ev progress.Event) string {
	if ev.Err != nil {
		return fmt.Sprintf("#%d failed: %s", jobID, renderFailure(ev.Err))
	}
	if ev.Done {
		return fmt.Sprintf("#%d done.", jobID)
	}
	switch ev.Stage {
	case "analyze":
		return fmt.Sprintf("#%d analyzing source...", jobID)
	case "fetch":
		if ev.Percent >= 0 {
			return fmt.Sprintf("#%d downloading... %d%%", jobID, ev.Percent)
		}
		return fmt.Sprintf("#%d downloading...", jobID)
	case "deliver":
		if ev.Percent >= 0 {
			return fmt.Sprintf("#%d uploading... %d%%", jobID, ev.Percent)
		}
		return fmt.Sprintf("#%d uploading...", jobID)
	default:
		return fmt.Sprintf("#%d in progress...", jobID)
	}
}

func renderFailure(err error) string {
	var se *pipeline.SizeError
	var stageErr *pipeline.StageError
	switch {
	case errors.Is(err, quota.ErrExceeded):
		return "daily limit reached."
	case errors.As(err, &se):
		return fmt.Sprintf("file too large (%d MB, limit %d MB).", se.Measured>>20, se.Ceiling>>20)
	case errors.Is(err, media.ErrOversized):
		return "file exceeds the upload size limit."
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out."
	case errors.As(err, &stageErr) && stageErr.Stage == pipeline.StageInternal:
		return "internal error, try again later."
	default:
		return fmt.Sprintf("error during %s.", pipeline.StageOf(err))
	}
}
