package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log/slog"

	"trapper_platform/trapper/schema"
	"trapper_platform/utils/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/image/draw"
)

var (
	thumbnailsCreated = promauto.NewCounter(prometheus.CounterOpts{Name: "trapper_thumbnails_created", Help: "Thumbnails derived from resources"})
	thumbnailsFailed  = promauto.NewCounter(prometheus.CounterOpts{Name: "trapper_thumbnails_failed", Help: "Resources whose thumbnail could not be derived"})
)

const jpegQuality = 60

type Derived struct {
	Thumbnail []byte
	Preview   []byte
	// Mime of both derived images
	Mime string
}

type Thumbnailer struct {
	thumbnailSize int
	previewSize   int
	frames        FrameExtractor
}

func NewThumbnailer(thumbnailSize, previewSize int, frames FrameExtractor) *Thumbnailer {
	return &Thumbnailer{thumbnailSize: thumbnailSize, previewSize: previewSize, frames: frames}
}

// Derive builds thumbnail and preview for a resource. Audio resources have neither, so a zero
// Derived with a nil error is returned for them. path must be a local file for videos.
func (t *Thumbnailer) Derive(ctx context.Context, resourceType, mime, path string, data []byte) (Derived, error) {
	var derived Derived
	var err error

	switch resourceType {
	case schema.ImageResource:
		derived, err = t.fromImage(data, mime)
	case schema.VideoResource:
		derived, err = t.fromVideo(ctx, path)
	default:
		return Derived{}, nil
	}

	if err != nil {
		thumbnailsFailed.Inc()
		slog.Warn("thumbnail derivation failed", "path", path, "error", err, "code", logging.THUMBNAIL)
		return Derived{}, err
	}
	thumbnailsCreated.Inc()
	return derived, nil
}

func (t *Thumbnailer) fromVideo(ctx context.Context, path string) (Derived, error) {
	if t.frames == nil {
		return Derived{}, fmt.Errorf("video thumbnails are not enabled")
	}
	frame, err := t.frames.ExtractFrame(ctx, path)
	if err != nil {
		return Derived{}, err
	}
	return t.fromImage(frame, "image/jpeg")
}

func (t *Thumbnailer) fromImage(data []byte, mime string) (Derived, error) {
	src, err := decode(data, mime)
	if err != nil {
		// the declared mime may be wrong, let the registered decoders sniff the format
		var format string
		src, format, err = image.Decode(bytes.NewReader(data))
		if err != nil {
			return Derived{}, fmt.Errorf("error decoding image: %w", err)
		}
		mime = "image/" + format
	}

	thumb, err := encode(fit(src, t.thumbnailSize), mime)
	if err != nil {
		return Derived{}, err
	}
	preview, err := encode(fit(src, t.previewSize), mime)
	if err != nil {
		return Derived{}, err
	}

	outMime := mime
	if outMime != "image/png" {
		outMime = "image/jpeg"
	}
	return Derived{Thumbnail: thumb, Preview: preview, Mime: outMime}, nil
}

func decode(data []byte, mime string) (image.Image, error) {
	var img image.Image
	var err error
	if mime == "image/png" {
		img, err = png.Decode(bytes.NewReader(data))
	} else {
		img, err = jpeg.Decode(bytes.NewReader(data))
	}
	if err != nil {
		return nil, fmt.Errorf("error decoding image: %w", err)
	}
	return img, nil
}

func encode(img image.Image, mime string) ([]byte, error) {
	var out bytes.Buffer
	var err error
	if mime == "image/png" {
		err = png.Encode(&out, img)
	} else {
		err = jpeg.Encode(&out, img, &jpeg.Options{Quality: jpegQuality})
	}
	if err != nil {
		return nil, fmt.Errorf("error encoding image: %w", err)
	}
	return out.Bytes(), nil
}

// FitSize scales w x h down to fit within limit x limit keeping the aspect ratio.
// Images already inside the box keep their size.
func FitSize(w, h, limit int) (int, int) {
	if w <= limit && h <= limit {
		return w, h
	}
	if w >= h {
		return limit, max(1, h*limit/w)
	}
	return max(1, w*limit/h), limit
}

func fit(src image.Image, limit int) image.Image {
	b := src.Bounds()
	w, h := FitSize(b.Dx(), b.Dy(), limit)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}
