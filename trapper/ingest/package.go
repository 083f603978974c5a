package ingest

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"time"

	"trapper_platform/trapper/auth"
	"trapper_platform/trapper/media"
	"trapper_platform/trapper/schema"
	"trapper_platform/trapper/storage"
	"trapper_platform/utils"
	"trapper_platform/utils/logging"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Packager writes media data packages into users' external areas.
type Packager struct {
	db       *gorm.DB
	store    storage.Storage
	external storage.Storage
	now      func() time.Time
}

func NewPackager(db *gorm.DB, store, external storage.Storage) *Packager {
	return &Packager{db: db, store: store, external: external, now: time.Now}
}

// WithClock replaces the clock that names archives.
func (p *Packager) WithClock(now func() time.Time) *Packager {
	p.now = now
	return p
}

const maxPackageNames = 1000

// createArchive claims the first free archive name of the owner for t.
func (p *Packager) createArchive(username string, t time.Time) (io.WriteCloser, string, string, error) {
	for n := 0; n < maxPackageNames; n++ {
		filename := storage.DataPackageName(t, n)
		target := storage.UserAreaPath(username, storage.AreaDataPackages, filename)
		out, err := p.external.CreateNew(target)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, "", "", err
		}
		return out, filename, target, nil
	}
	return nil, "", "", fmt.Errorf("no free data package name for %v", t.Format(time.RFC3339))
}

// PackageRequest is also the argument payload of export_package tasks.
type PackageRequest struct {
	OwnerId         uuid.UUID   `json:"owner_id"`
	ResourceIds     []uuid.UUID `json:"resource_ids"`
	Description     string      `json:"description"`
	IncludeMetadata bool        `json:"include_metadata"`
}

type PackageResult struct {
	PackageId uuid.UUID `json:"package_id"`
	Filename  string    `json:"filename"`
	Files     int       `json:"files"`
	Skipped   int       `json:"skipped"`
}

// packageEntry names a resource file inside the archive after its prefixed name.
func packageEntry(r schema.Resource) string {
	return r.PrefixedName + media.Extension(r.FileMime)
}

func metadataTable(resources []schema.Resource) utils.Table {
	table := utils.Table{Header: []string{
		"id", "file", "name", "prefixed_name", "resource_type", "mime", "date_recorded", "deployment_id", "location_id",
	}}
	for _, r := range resources {
		deploymentId, locationId := "", ""
		if r.Deployment != nil {
			deploymentId = r.Deployment.DeploymentIdentifier
			if r.Deployment.Location != nil {
				locationId = r.Deployment.Location.LocationId
			}
		}
		table.Rows = append(table.Rows, []string{
			r.Id.String(), packageEntry(r), r.Name, r.PrefixedName, r.ResourceType, r.FileMime,
			r.DateRecorded.UTC().Format(time.RFC3339), deploymentId, locationId,
		})
	}
	return table
}

// Export builds a zip of the primary files of the resources the owner can view. The archive is
// either finished and recorded as a data package, or removed.
func (p *Packager) Export(ctx context.Context, req PackageRequest, progress func(done, total int) error) (PackageResult, error) {
	owner, err := schema.GetUser(req.OwnerId, p.db)
	if err != nil {
		return PackageResult{}, err
	}

	var candidates []schema.Resource
	err = p.db.Preload("Managers").Preload("Deployment.Location").
		Where("id IN ?", req.ResourceIds).Order("prefixed_name").Find(&candidates).Error
	if err != nil {
		slog.Error("sql error loading resources for package", "error", err)
		return PackageResult{}, schema.ErrDbAccessFailed
	}

	resources := make([]schema.Resource, 0, len(candidates))
	for i := range candidates {
		canView, err := auth.CanView(p.db, auth.ForResource(&candidates[i]), owner)
		if err != nil {
			return PackageResult{}, err
		}
		if canView && candidates[i].File != "" {
			resources = append(resources, candidates[i])
		}
	}

	now := p.now().UTC()
	out, filename, target, err := p.createArchive(owner.Username, now)
	if err != nil {
		return PackageResult{}, err
	}
	result := PackageResult{Filename: filename, Skipped: len(req.ResourceIds) - len(resources)}

	finished := false
	defer func() {
		if !finished {
			if err := p.external.Delete(target); err != nil {
				slog.Warn("partial data package could not be removed", "path", target, "error", err, "code", logging.EXPORT)
			}
		}
	}()

	if err := p.writeArchive(ctx, out, resources, req.IncludeMetadata, progress); err != nil {
		return result, err
	}
	result.Files = len(resources)

	pkg := schema.UserDataPackage{
		Id:          uuid.New(),
		UserId:      owner.Id,
		Filename:    filename,
		Path:        target,
		PackageType: schema.PackageMediaFiles,
		Description: req.Description,
		DateCreated: now,
	}
	if err := p.db.Create(&pkg).Error; err != nil {
		slog.Error("sql error recording data package", "user_id", owner.Id, "error", err)
		return result, schema.ErrDbAccessFailed
	}
	finished = true
	result.PackageId = pkg.Id
	packagesExported.Inc()

	slog.Info("data package exported", "user", owner.Username, "filename", filename, "files", result.Files, "code", logging.EXPORT)
	return result, nil
}

func (p *Packager) writeArchive(ctx context.Context, out io.WriteCloser, resources []schema.Resource, includeMetadata bool, progress func(done, total int) error) (err error) {
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("error closing data package: %w", cerr)
		}
	}()

	zw := zip.NewWriter(out)
	used := map[string]int{}
	for i, r := range resources {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := packageEntry(r)
		if n := used[name]; n > 0 {
			ext := path.Ext(name)
			name = fmt.Sprintf("%v_%d%v", name[:len(name)-len(ext)], n, ext)
		}
		used[packageEntry(r)]++

		if err := p.addFile(zw, name, r.File); err != nil {
			return err
		}
		if progress != nil {
			if err := progress(i+1, len(resources)); err != nil {
				return err
			}
		}
	}

	if includeMetadata {
		w, err := zw.Create("metadata.csv")
		if err != nil {
			return fmt.Errorf("error adding metadata to data package: %w", err)
		}
		if err := metadataTable(resources).WriteCSV(w); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("error finishing data package: %w", err)
	}
	return nil
}

func (p *Packager) addFile(zw *zip.Writer, name, source string) error {
	r, err := p.store.Read(source)
	if err != nil {
		return err
	}
	defer r.Close()

	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store, Modified: time.Now()})
	if err != nil {
		return fmt.Errorf("error adding %v to data package: %w", name, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("error adding %v to data package: %w", name, err)
	}
	return nil
}

// DeletePackage removes a data package record and its archive.
func DeletePackage(txn *gorm.DB, external storage.Storage, pkg schema.UserDataPackage) error {
	if err := txn.Delete(&pkg).Error; err != nil {
		slog.Error("sql error deleting data package", "package_id", pkg.Id, "error", err)
		return schema.ErrDbAccessFailed
	}
	if err := external.Delete(pkg.Path); err != nil {
		return err
	}
	return nil
}
