package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Settings holds the media pipeline and worker tunables.
type Settings struct {
	FfmpegPath      string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	FfmpegFrameTime string `env:"FFMPEG_FRAME_TIME" envDefault:"00:00:01"`

	ThumbnailSize int `env:"THUMBNAIL_SIZE" envDefault:"136"`
	PreviewSize   int `env:"PREVIEW_SIZE" envDefault:"860"`

	SequenceGap time.Duration `env:"SEQUENCE_GAP" envDefault:"5m"`

	WorkerCount        int           `env:"WORKER_COUNT" envDefault:"2"`
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"1s"`
	TaskMaxAttempts    int           `env:"TASK_MAX_ATTEMPTS" envDefault:"1"`
	TaskStaleAfter     time.Duration `env:"TASK_STALE_AFTER" envDefault:"30m"`
	ThumbnailWorkers   int           `env:"THUMBNAIL_WORKERS" envDefault:"4"`

	PageSizeMax       int           `env:"PAGE_SIZE_MAX" envDefault:"500"`
	RequestFloodDelay time.Duration `env:"REQUEST_FLOOD_DELAY" envDefault:"24h"`
	MediaLinkExpiry   time.Duration `env:"MEDIA_LINK_EXPIRY" envDefault:"10m"`
	MinFreeDiskBytes  uint64        `env:"MIN_FREE_DISK_BYTES" envDefault:"1073741824"`
}

func Load() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return s, fmt.Errorf("error parsing settings from env: %w", err)
	}
	if s.ThumbnailSize <= 0 || s.PreviewSize <= 0 {
		return s, fmt.Errorf("thumbnail and preview sizes must be positive")
	}
	if s.WorkerCount <= 0 {
		return s, fmt.Errorf("WORKER_COUNT must be positive")
	}
	return s, nil
}

// Default returns the settings used when no environment overrides are present.
func Default() Settings {
	return Settings{
		FfmpegPath:         "ffmpeg",
		FfmpegFrameTime:    "00:00:01",
		ThumbnailSize:      136,
		PreviewSize:        860,
		SequenceGap:        5 * time.Minute,
		WorkerCount:        2,
		WorkerPollInterval: time.Second,
		TaskMaxAttempts:    1,
		TaskStaleAfter:     30 * time.Minute,
		ThumbnailWorkers:   4,
		PageSizeMax:        500,
		RequestFloodDelay:  24 * time.Hour,
		MediaLinkExpiry:    10 * time.Minute,
		MinFreeDiskBytes:   1 << 30,
	}
}
