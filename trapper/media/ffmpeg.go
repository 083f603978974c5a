package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
)

type FrameExtractor interface {
	// ExtractFrame returns a single jpeg encoded frame of the video at path.
	ExtractFrame(ctx context.Context, path string) ([]byte, error)
}

type Ffmpeg struct {
	path      string
	frameTime string
}

func NewFfmpeg(path, frameTime string) *Ffmpeg {
	return &Ffmpeg{path: path, frameTime: frameTime}
}

func (f *Ffmpeg) ExtractFrame(ctx context.Context, path string) ([]byte, error) {
	args := []string{
		"-ss", f.frameTime,
		"-i", path,
		"-frames:v", "1",
		"-f", "image2",
		"-c:v", "mjpeg",
		"-",
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg frame extraction failed: %w; out=%s", err, stderr.String())
	}
	if stdout.Len() == 0 {
		return nil, errors.New("no frame produced by ffmpeg")
	}
	return stdout.Bytes(), nil
}
