package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

const validYAML = `
telegram:
  token: "123:abc"
  poll_timeout: "15s"
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
storage:
  path: ./grabbot.db
  busy_timeout: "2s"
pool:
  workers: 4
  queue_size: 128
  max_requeues: 50
quota:
  daily_limit: 10
  tube_limit: 3
reward:
  min: 5
  max: 25
  referral: 50
progress:
  interval: "2s"
pipeline:
  timeout: "5m"
`

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "config.yaml", validYAML)
	cfg, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Pool.Workers != 4 || cfg.Pool.QueueSize != 128 {
		t.Fatalf("pool = %+v", cfg.Pool)
	}
	if cfg.Quota.DailyLimit != 10 || cfg.Quota.TubeLimit != 3 {
		t.Fatalf("quota = %+v", cfg.Quota)
	}
	if cfg.Reward.Min != 5 || cfg.Reward.Max != 25 {
		t.Fatalf("reward = %+v", cfg.Reward)
	}

	d, err := ParseDurationOrDefault("progress.interval", cfg.Progress.Interval, 3*time.Second)
	if err != nil {
		t.Fatalf("progress interval: %v", err)
	}
	if d != 2*time.Second {
		t.Fatalf("interval = %v, want 2s", d)
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "config.yaml", validYAML+"\nbogus_section:\n  x: 1\n")
	if _, err := Parse(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseRejectsMissingToken(t *testing.T) {
	t.Parallel()
	body := strings.Replace(validYAML, `token: "123:abc"`, `token: ""`, 1)
	path := writeTemp(t, "config.yaml", body)
	if _, err := Parse(path); err == nil {
		t.Fatal("expected error for empty telegram.token")
	}
}

func TestParseRejectsBadDuration(t *testing.T) {
	t.Parallel()
	body := strings.Replace(validYAML, `timeout: "5m"`, `timeout: "five minutes"`, 1)
	path := writeTemp(t, "config.yaml", body)
	if _, err := Parse(path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestParseRejectsNegativeQueueSize(t *testing.T) {
	t.Parallel()
	body := strings.Replace(validYAML, "queue_size: 128", "queue_size: -1", 1)
	path := writeTemp(t, "config.yaml", body)
	if _, err := Parse(path); err == nil {
		t.Fatal("expected error for negative pool.queue_size")
	}
}

func TestParseRejectsInvertedRewardBounds(t *testing.T) {
	t.Parallel()
	body := strings.Replace(validYAML, "min: 5", "min: 100", 1)
	path := writeTemp(t, "config.yaml", body)
	if _, err := Parse(path); err == nil {
		t.Fatal("expected error for reward.min > reward.max")
	}
}

func TestDurationFieldEmptyIsZero(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("x", "")
	if err != nil || d != 0 {
		t.Fatalf("got (%v, %v), want (0, nil)", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("expected error for negative duration")
	}
}
