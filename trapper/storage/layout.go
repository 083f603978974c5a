package storage

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const protectedRoot = "protected/storage"

// Per-user areas under the external media root.
const (
	AreaCollections  = "collections"
	AreaResources    = "resources"
	AreaLocations    = "locations"
	AreaDataPackages = "data_packages"
)

var UserAreas = []string{AreaCollections, AreaResources, AreaLocations, AreaDataPackages}

// Derived files stored next to a resource's primary file.
const (
	KindFile      = "file"
	KindExtra     = "extra"
	KindThumbnail = "thumbnail"
	KindPreview   = "preview"
)

// ResourcePath returns the protected media path of one of a resource's files.
func ResourcePath(resourceId uuid.UUID, kind, filename string) string {
	id := resourceId.String()
	return filepath.Join(protectedRoot, id[:2], id, kind+"_"+filepath.Base(filename))
}

func ResourceDir(resourceId uuid.UUID) string {
	id := resourceId.String()
	return filepath.Join(protectedRoot, id[:2], id)
}

func UserAreaPath(username, area string, parts ...string) string {
	return filepath.Join(append([]string{username, area}, parts...)...)
}

// DataPackageName names an export archive after its creation time. n > 0 tells apart
// archives created within the same second.
func DataPackageName(t time.Time, n int) string {
	if n > 0 {
		return fmt.Sprintf("media_%s_%d.zip", t.Format("20060102_150405"), n)
	}
	return fmt.Sprintf("media_%s.zip", t.Format("20060102_150405"))
}

// ProvisionUser creates the external directory tree owned by a user.
func ProvisionUser(external Storage, username string) error {
	for _, area := range UserAreas {
		if err := external.MkdirAll(UserAreaPath(username, area)); err != nil {
			return err
		}
	}
	return nil
}
