package telegram

import (
	"context"
	"fmt"
	"os"
	"time"

	"grabbot/internal/media"
	"grabbot/internal/transport"
	logx "grabbot/pkg/logx"
)

// Deliverer uploads finished artifacts through the Telegram adapter.
//
// Telegram's bot API gives no upload progress, so checkpoints up to 75% are
// simulated on a timer while the upload blocks; 100% is real.
type Deliverer struct {
	adapter transport.Adapter
	ceiling int64 // hard transport ceiling in bytes
	log     logx.Logger
}

func NewDeliverer(adapter transport.Adapter, ceiling int64, log logx.Logger) *Deliverer {
	if ceiling <= 0 {
		ceiling = 2 << 30
	}
	return &Deliverer{adapter: adapter, ceiling: ceiling, log: log}
}

const checkpointEvery = 2 * time.Second

func (d *Deliverer) Deliver(ctx context.Context, to media.Target, artifactPath string, v media.Variant, onProgress media.ProgressFunc) error {
	fi, err := os.Stat(artifactPath)
	if err != nil {
		return err
	}
	if fi.Size() > d.ceiling {
		return fmt.Errorf("%w: %d bytes over %d ceiling", media.ErrOversized, fi.Size(), d.ceiling)
	}

	emit := func(pct int) {
		if onProgress != nil {
			onProgress(pct)
		}
	}
	emit(0)

	// Simulated checkpoints while the blocking upload runs.
	stop := make(chan struct{})
	go func() {
		checkpoints := []int{25, 50, 75}
		t := time.NewTicker(checkpointEvery)
		defer t.Stop()
		for _, pct := range checkpoints {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				emit(pct)
			}
		}
	}()

	err = d.adapter.SendFile(ctx, transport.ChatTarget{ChatID: to.ChatID, ThreadID: to.ThreadID},
		artifactPath, "", v == media.VariantAudio)
	close(stop)
	if err != nil {
		return err
	}

	emit(100)
	return nil
}
