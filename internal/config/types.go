package config

// Config is the root configuration for grabbot.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// The file may be YAML or JSON; YAML is coerced to JSON and decoded with
// DisallowUnknownFields so typos fail loudly.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`

	Pool     PoolConfig     `json:"pool,omitempty"`
	Quota    QuotaConfig    `json:"quota,omitempty"`
	Reward   RewardConfig   `json:"reward,omitempty"`
	Progress ProgressConfig `json:"progress,omitempty"`
	Pipeline PipelineConfig `json:"pipeline,omitempty"`
	Media    MediaConfig    `json:"media,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the SQLite persistence layer.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// PoolConfig controls the download worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 3
//   - queue_size: 256
//   - max_requeues: 100
//   - grace: "10s"
type PoolConfig struct {
	Workers     int    `json:"workers,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	MaxRequeues int    `json:"max_requeues,omitempty"`
	Grace       string `json:"grace,omitempty"`
}

// QuotaConfig controls per-user daily download quotas.
//
// DailyLimit applies to non-premium users only. TubeLimit is the
// sub-quota for the restricted platform and also applies to non-premium only.
type QuotaConfig struct {
	DailyLimit int `json:"daily_limit,omitempty"` // default 20
	TubeLimit  int `json:"tube_limit,omitempty"`  // default 5
}

// RewardConfig bounds the randomized per-download credit and fixes the
// referral credit.
type RewardConfig struct {
	Min      int64 `json:"min,omitempty"`      // default 5
	Max      int64 `json:"max,omitempty"`      // default 25
	Referral int64 `json:"referral,omitempty"` // default 50
}

type ProgressConfig struct {
	// Interval is the minimum spacing between non-terminal progress
	// notifications per job. Terminal updates always flush.
	Interval string `json:"interval,omitempty"` // default "3s"
}

type PipelineConfig struct {
	// Timeout is the hard ceiling on one job's pipeline, fetch included.
	Timeout string `json:"timeout,omitempty"` // default "10m"
}

// MediaConfig holds per-variant size ceilings in bytes.
type MediaConfig struct {
	AudioCeiling     int64 `json:"audio_ceiling,omitempty"`     // default 50 MiB
	VideoCeiling     int64 `json:"video_ceiling,omitempty"`     // default 500 MiB
	TransportCeiling int64 `json:"transport_ceiling,omitempty"` // default 2 GiB
}
