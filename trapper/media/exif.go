package media

import (
	"io"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

const exifTimeLayout = "2006:01:02 15:04:05"

// CaptureTime reads DateTimeOriginal from image metadata. The value carries no zone, so it is
// interpreted in zone.
func CaptureTime(r io.Reader, zone *time.Location) (time.Time, bool) {
	x, err := exif.Decode(r)
	if err != nil {
		return time.Time{}, false
	}
	tag, err := x.Get(exif.DateTimeOriginal)
	if err != nil {
		return time.Time{}, false
	}
	raw, err := tag.StringVal()
	if err != nil {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(exifTimeLayout, strings.TrimSpace(strings.TrimRight(raw, "\x00")), zone)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
