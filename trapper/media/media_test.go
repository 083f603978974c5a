package media_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
	"time"

	"trapper_platform/trapper/media"
	"trapper_platform/trapper/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJpeg(t *testing.T, w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestFitSize(t *testing.T) {
	w, h := media.FitSize(1000, 500, 136)
	assert.Equal(t, 136, w)
	assert.Equal(t, 68, h)

	w, h = media.FitSize(300, 1200, 860)
	assert.Equal(t, 215, w)
	assert.Equal(t, 860, h)

	w, h = media.FitSize(100, 50, 136)
	assert.Equal(t, 100, w)
	assert.Equal(t, 50, h)
}

func TestResourceType(t *testing.T) {
	cases := []struct {
		name, mime, expected string
	}{
		{"a.JPG", "image/jpeg", schema.ImageResource},
		{"a.webm", "video/webm", schema.VideoResource},
		{"a.wav", "audio/wav", schema.AudioResource},
		{"a.ogg", "video/ogg", schema.VideoResource},
		{"a.ogg", "audio/ogg", schema.AudioResource},
	}
	for _, c := range cases {
		rt, err := media.ResourceType(c.name, c.mime)
		require.NoError(t, err)
		assert.Equal(t, c.expected, rt, c.name)
	}

	_, err := media.ResourceType("a.txt", "text/plain")
	assert.Error(t, err)
}

func TestDetectMime(t *testing.T) {
	mime, err := media.DetectMime(bytes.NewReader(testJpeg(t, 10, 10)))
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", mime)
}

func decodedSize(t *testing.T, data []byte) (int, int) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img.Bounds().Dx(), img.Bounds().Dy()
}

func TestThumbnailerImage(t *testing.T) {
	th := media.NewThumbnailer(136, 860, nil)

	derived, err := th.Derive(context.Background(), schema.ImageResource, "image/jpeg", "r1.jpg", testJpeg(t, 1000, 500))
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", derived.Mime)

	w, h := decodedSize(t, derived.Thumbnail)
	assert.Equal(t, 136, w)
	assert.Equal(t, 68, h)

	w, h = decodedSize(t, derived.Preview)
	assert.Equal(t, 860, w)
	assert.Equal(t, 430, h)
}

func TestThumbnailerCorruptImage(t *testing.T) {
	th := media.NewThumbnailer(136, 860, nil)
	_, err := th.Derive(context.Background(), schema.ImageResource, "image/jpeg", "bad.jpg", []byte("not an image"))
	assert.Error(t, err)
}

func TestThumbnailerMislabelledImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 400, 200))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	th := media.NewThumbnailer(136, 860, nil)
	derived, err := th.Derive(context.Background(), schema.ImageResource, "image/jpeg", "r1.jpg", buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "image/png", derived.Mime)

	thumb, err := png.Decode(bytes.NewReader(derived.Thumbnail))
	require.NoError(t, err)
	assert.Equal(t, 136, thumb.Bounds().Dx())
}

func TestThumbnailerAudioHasNoThumbnail(t *testing.T) {
	th := media.NewThumbnailer(136, 860, nil)
	derived, err := th.Derive(context.Background(), schema.AudioResource, "audio/wav", "a.wav", nil)
	require.NoError(t, err)
	assert.Nil(t, derived.Thumbnail)
}

type stubFrames struct {
	frame []byte
	err   error
	calls []string
}

func (s *stubFrames) ExtractFrame(ctx context.Context, path string) ([]byte, error) {
	s.calls = append(s.calls, path)
	return s.frame, s.err
}

func TestThumbnailerVideo(t *testing.T) {
	frames := &stubFrames{frame: testJpeg(t, 640, 480)}
	th := media.NewThumbnailer(136, 860, frames)

	derived, err := th.Derive(context.Background(), schema.VideoResource, "video/mp4", "/media/v.mp4", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"/media/v.mp4"}, frames.calls)
	w, _ := decodedSize(t, derived.Thumbnail)
	assert.Equal(t, 136, w)

	frames.err = errors.New("ffmpeg missing")
	_, err = th.Derive(context.Background(), schema.VideoResource, "video/mp4", "/media/v.mp4", nil)
	assert.Error(t, err)
}

func TestCaptureTimeWithoutExif(t *testing.T) {
	_, ok := media.CaptureTime(bytes.NewReader(testJpeg(t, 4, 4)), time.UTC)
	assert.False(t, ok)
}
