package config_test

import (
	"testing"
	"time"

	"trapper_platform/trapper/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsMatchDefault(t *testing.T) {
	s, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, config.Default(), s)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("FFMPEG_FRAME_TIME", "00:00:03")
	t.Setenv("SEQUENCE_GAP", "90s")
	t.Setenv("WORKER_COUNT", "8")

	s, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "00:00:03", s.FfmpegFrameTime)
	assert.Equal(t, 90*time.Second, s.SequenceGap)
	assert.Equal(t, 8, s.WorkerCount)
}

func TestLoadRejectsZeroWorkers(t *testing.T) {
	t.Setenv("WORKER_COUNT", "0")
	_, err := config.Load()
	assert.Error(t, err)
}
