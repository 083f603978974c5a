package media

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"trapper_platform/trapper/schema"

	"github.com/gabriel-vasile/mimetype"
)

// extensions accepted for resource files, mapped to the resource type they carry
var mediaExtensions = map[string]string{
	".jpg":  schema.ImageResource,
	".jpeg": schema.ImageResource,
	".png":  schema.ImageResource,
	".mp4":  schema.VideoResource,
	".webm": schema.VideoResource,
	".mp3":  schema.AudioResource,
	".wav":  schema.AudioResource,
	".ogg":  "", // container shared by audio and video, decided from content
}

func IsMediaFile(filename string) bool {
	_, ok := mediaExtensions[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// DetectMime sniffs the content type of a media stream.
func DetectMime(r io.Reader) (string, error) {
	mtype, err := mimetype.DetectReader(r)
	if err != nil {
		return "", fmt.Errorf("error detecting mime type: %w", err)
	}
	mime := mtype.String()
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}
	return mime, nil
}

// ResourceType derives the resource type from the file extension, using the sniffed mime type
// only for ambiguous containers.
func ResourceType(filename, mime string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	resourceType, ok := mediaExtensions[ext]
	if !ok {
		return "", fmt.Errorf("unsupported file extension '%v'", ext)
	}
	if resourceType != "" {
		return resourceType, nil
	}
	switch {
	case strings.HasPrefix(mime, "video/"):
		return schema.VideoResource, nil
	case strings.HasPrefix(mime, "audio/"):
		return schema.AudioResource, nil
	}
	return "", fmt.Errorf("cannot determine resource type of '%v' with mime type '%v'", filename, mime)
}

// Extension returns the canonical file extension for a mime type, used when naming exported files.
func Extension(mime string) string {
	if mtype := mimetype.Lookup(mime); mtype != nil {
		return mtype.Extension()
	}
	return ""
}
