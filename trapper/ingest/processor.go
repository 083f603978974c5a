package ingest

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"trapper_platform/trapper/auth"
	"trapper_platform/trapper/classification"
	"trapper_platform/trapper/collections"
	"trapper_platform/trapper/media"
	"trapper_platform/trapper/messaging"
	"trapper_platform/trapper/schema"
	"trapper_platform/trapper/storage"
	"trapper_platform/utils/logging"

	"github.com/araddon/dateparse"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotEnoughSpace      = errors.New("not enough free disk space to process the archive")
	ErrMissingArchiveEntry = errors.New("missing archive entry")
)

type Options struct {
	ThumbnailWorkers int
	MinFreeDiskBytes uint64
}

type Processor struct {
	db          *gorm.DB
	store       storage.Storage
	thumbnailer *media.Thumbnailer
	opts        Options
}

func NewProcessor(db *gorm.DB, store storage.Storage, thumbnailer *media.Thumbnailer, opts Options) *Processor {
	if opts.ThumbnailWorkers <= 0 {
		opts.ThumbnailWorkers = 1
	}
	return &Processor{db: db, store: store, thumbnailer: thumbnailer, opts: opts}
}

// Request is also the argument payload of ingest tasks.
type Request struct {
	OwnerId     uuid.UUID `json:"owner_id"`
	Definition  string    `json:"definition"`
	ArchivePath string    `json:"archive_path"`
	ArchiveName string    `json:"archive_name"`
}

type ResourceError struct {
	Collection string `json:"collection"`
	Deployment string `json:"deployment"`
	Resource   string `json:"resource"`
	Error      string `json:"error"`
}

func (e ResourceError) String() string {
	return fmt.Sprintf("collection: %v, deployment: %v, resource: %v, error: %v", e.Collection, e.Deployment, e.Resource, e.Error)
}

type Result struct {
	Archive     string          `json:"archive"`
	Collections []uuid.UUID     `json:"collections"`
	Processed   int             `json:"processed"`
	Total       int             `json:"total"`
	Errors      []ResourceError `json:"errors"`
}

// resolved holds everything checked before any collection is written.
type resolved struct {
	owner       schema.User
	def         Definition
	projects    map[string]*schema.ResearchProject
	linkable    map[string]bool
	managers    map[string]schema.User
	deployments map[string]schema.Deployment
}

func deploymentKey(projectId *uuid.UUID, identifier string) string {
	if projectId == nil {
		return "-/" + identifier
	}
	return projectId.String() + "/" + identifier
}

func (r *resolved) project(c CollectionDef) *schema.ResearchProject {
	return r.projects[c.ProjectName]
}

func (r *resolved) projectId(c CollectionDef) *uuid.UUID {
	if p := r.project(c); p != nil {
		return &p.Id
	}
	return nil
}

// Process runs one ingest request. The owner always receives a message describing the outcome.
// Errors of single resources are collected in the result; an error is only returned when
// nothing could be processed or the task was cancelled.
func (p *Processor) Process(ctx context.Context, req Request, progress func(done, total int) error) (Result, error) {
	result := Result{Archive: req.ArchiveName, Errors: []ResourceError{}}
	defer func() {
		if req.ArchivePath != "" {
			if err := p.store.Delete(req.ArchivePath); err != nil {
				slog.Warn("uploaded archive could not be removed", "path", req.ArchivePath, "error", err, "code", logging.INGEST)
			}
		}
	}()

	owner, err := schema.GetUser(req.OwnerId, p.db)
	if err != nil {
		return result, err
	}

	res, archive, err := p.prepare(owner, req)
	if err != nil {
		p.notifyFailure(owner, req.ArchiveName, err)
		return result, err
	}
	defer archive.Close()

	result.Total = res.def.ResourceCount()
	slog.Info("ingest started", "owner", owner.Username, "archive", req.ArchiveName, "collections", len(res.def.Collections), "resources", result.Total, "code", logging.INGEST)

	done := 0
	var cancelled error
	for _, colDef := range res.def.Collections {
		collectionId, err := p.processCollection(ctx, res, colDef, archive, &result, func() error {
			done++
			if progress == nil {
				return nil
			}
			return progress(done, result.Total)
		})
		if collectionId != uuid.Nil {
			result.Collections = append(result.Collections, collectionId)
		}
		if err != nil {
			var stop stopError
			if errors.As(err, &stop) {
				cancelled = stop.err
				break
			}
			p.notifyFailure(owner, req.ArchiveName, err)
			return result, err
		}
	}

	if cancelled != nil {
		slog.Info("ingest stopped", "archive", req.ArchiveName, "processed", result.Processed, "code", logging.INGEST)
		return result, cancelled
	}

	p.notifySuccess(owner, result)
	slog.Info("ingest finished", "archive", req.ArchiveName, "processed", result.Processed, "errors", len(result.Errors), "code", logging.INGEST)
	return result, nil
}

// stopError carries a cancellation out of the resource loop.
type stopError struct{ err error }

func (e stopError) Error() string { return e.err.Error() }
func (e stopError) Unwrap() error { return e.err }

func (p *Processor) prepare(owner schema.User, req Request) (*resolved, *Archive, error) {
	def, err := ParseDefinition([]byte(req.Definition))
	if err != nil {
		return nil, nil, err
	}

	res, err := p.validate(owner, def)
	if err != nil {
		return nil, nil, err
	}

	usage, err := p.store.Usage()
	if err != nil {
		return nil, nil, err
	}
	if usage.FreeBytes < p.opts.MinFreeDiskBytes {
		return nil, nil, ErrNotEnoughSpace
	}

	archive, err := OpenArchive(p.store.FullPath(req.ArchivePath))
	if err != nil {
		return nil, nil, err
	}
	return res, archive, nil
}

// validate resolves projects, managers and deployments referenced by the definition. Missing
// deployments are created when their identifier names a location visible to the owner.
func (p *Processor) validate(owner schema.User, def Definition) (*resolved, error) {
	res := &resolved{
		owner:       owner,
		def:         def,
		projects:    map[string]*schema.ResearchProject{},
		linkable:    map[string]bool{},
		managers:    map[string]schema.User{},
		deployments: map[string]schema.Deployment{},
	}

	var problems []string
	err := p.db.Transaction(func(txn *gorm.DB) error {
		for _, c := range def.Collections {
			if c.ProjectName != "" {
				if _, seen := res.projects[c.ProjectName]; !seen {
					project, linkable, err := findProject(txn, owner, c.ProjectName)
					if err != nil {
						return err
					}
					res.projects[c.ProjectName] = project
					res.linkable[c.ProjectName] = linkable
				}
			}

			for _, m := range c.Managers {
				if _, ok := res.managers[m.Username]; ok {
					continue
				}
				user, err := schema.GetUserByUsername(m.Username, txn)
				if err != nil {
					if errors.Is(err, schema.ErrUserNotFound) {
						problems = append(problems, fmt.Sprintf("collection %q: manager %q does not exist", c.Name, m.Username))
						continue
					}
					return err
				}
				res.managers[m.Username] = user
			}

			projectId := res.projectId(c)
			for _, d := range c.Deployments {
				key := deploymentKey(projectId, d.DeploymentId)
				if _, ok := res.deployments[key]; ok {
					continue
				}
				dep, problem, err := resolveDeployment(txn, owner, projectId, d.DeploymentId)
				if err != nil {
					return err
				}
				if problem != "" {
					problems = append(problems, fmt.Sprintf("collection %q: %v", c.Name, problem))
					continue
				}
				res.deployments[key] = dep
			}
		}
		if len(problems) > 0 {
			return fmt.Errorf("%w: %v", ErrDefinitionInvalid, strings.Join(problems, "; "))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// findProject matches a project hint by acronym or name. Unknown or invisible projects leave
// the hint unresolved.
func findProject(txn *gorm.DB, owner schema.User, name string) (*schema.ResearchProject, bool, error) {
	var project schema.ResearchProject
	result := txn.Where("acronym = ? OR name = ?", name, name).Limit(1).Find(&project)
	if result.Error != nil {
		slog.Error("sql error loading research project", "name", name, "error", result.Error)
		return nil, false, schema.ErrDbAccessFailed
	}
	if result.RowsAffected == 0 {
		return nil, false, nil
	}
	canView, err := auth.CanView(txn, auth.ForResearchProject(&project), owner)
	if err != nil || !canView {
		return nil, false, err
	}
	canUpdate, err := auth.CanUpdate(txn, auth.ForResearchProject(&project), owner)
	if err != nil {
		return nil, false, err
	}
	return &project, canUpdate, nil
}

func scoped(query *gorm.DB, projectId *uuid.UUID) *gorm.DB {
	if projectId == nil {
		return query.Where("research_project_id IS NULL")
	}
	return query.Where("research_project_id = ?", *projectId)
}

// resolveDeployment returns a non-empty problem when the deployment cannot be used.
func resolveDeployment(txn *gorm.DB, owner schema.User, projectId *uuid.UUID, identifier string) (schema.Deployment, string, error) {
	var dep schema.Deployment
	result := scoped(txn.Preload("Location").Where("deployment_identifier = ?", identifier), projectId).Limit(1).Find(&dep)
	if result.Error != nil {
		slog.Error("sql error loading deployment", "deployment_id", identifier, "error", result.Error)
		return dep, "", schema.ErrDbAccessFailed
	}
	if result.RowsAffected > 0 {
		canUpdate, err := auth.CanUpdate(txn, auth.ForDeployment(&dep), owner)
		if err != nil {
			return dep, "", err
		}
		if !canUpdate {
			return dep, fmt.Sprintf("you have no permission to use the deployment %q", identifier), nil
		}
		return dep, "", nil
	}

	// the identifier is <code>-<location id> and either part may contain dashes
	for i := 0; i < len(identifier); i++ {
		if identifier[i] != '-' {
			continue
		}
		code, locationId := identifier[:i], identifier[i+1:]
		if code == "" || locationId == "" {
			continue
		}
		var loc schema.Location
		result := scoped(txn.Where("location_id = ?", locationId), projectId).Limit(1).Find(&loc)
		if result.Error != nil {
			slog.Error("sql error loading location", "location_id", locationId, "error", result.Error)
			return dep, "", schema.ErrDbAccessFailed
		}
		if result.RowsAffected == 0 {
			continue
		}
		canView, err := auth.CanView(txn, auth.ForLocation(&loc), owner)
		if err != nil {
			return dep, "", err
		}
		if !canView {
			continue
		}

		dep = schema.Deployment{
			Id:                uuid.New(),
			DeploymentCode:    code,
			LocationId:        loc.Id,
			OwnerId:           owner.Id,
			ResearchProjectId: projectId,
			DateCreated:       time.Now().UTC(),
		}
		if err := txn.Create(&dep).Error; err != nil {
			slog.Error("sql error creating deployment", "deployment_id", identifier, "error", err)
			return dep, "", schema.ErrDbAccessFailed
		}
		dep.Location = &loc
		slog.Info("deployment created during ingest", "deployment_id", dep.DeploymentIdentifier, "code", logging.INGEST)
		return dep, "", nil
	}
	return dep, fmt.Sprintf("the deployment %q does not exist", identifier), nil
}

// upsertCollection finds or creates the owner's collection of the given name and binds it to
// the definition's managers and project.
func (p *Processor) upsertCollection(res *resolved, c CollectionDef) (schema.Collection, error) {
	var col schema.Collection
	err := p.db.Transaction(func(txn *gorm.DB) error {
		result := txn.Where("owner_id = ? AND name = ?", res.owner.Id, c.Name).Limit(1).Find(&col)
		if result.Error != nil {
			slog.Error("sql error loading collection", "name", c.Name, "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if result.RowsAffected == 0 {
			col = schema.Collection{
				Id:          uuid.New(),
				Name:        c.Name,
				Status:      schema.Private,
				OwnerId:     res.owner.Id,
				DateCreated: time.Now().UTC(),
			}
			if err := txn.Create(&col).Error; err != nil {
				slog.Error("sql error creating collection", "name", c.Name, "error", err)
				return schema.ErrDbAccessFailed
			}
		}

		if c.ProjectName != "" && col.ProjectName != c.ProjectName {
			if err := txn.Model(&col).Update("project_name", c.ProjectName).Error; err != nil {
				slog.Error("sql error updating collection project name", "collection_id", col.Id, "error", err)
				return schema.ErrDbAccessFailed
			}
		}

		managers := make([]schema.User, 0, len(c.Managers))
		for _, m := range c.Managers {
			if user, ok := res.managers[m.Username]; ok && user.Id != res.owner.Id {
				managers = append(managers, user)
			}
		}
		if len(managers) > 0 {
			if err := txn.Model(&col).Association("Managers").Append(managers); err != nil {
				slog.Error("sql error adding collection managers", "collection_id", col.Id, "error", err)
				return schema.ErrDbAccessFailed
			}
		}

		if project := res.project(c); project != nil && res.linkable[c.ProjectName] {
			link := schema.ResearchProjectCollection{Id: uuid.New(), ProjectId: project.Id, CollectionId: col.Id}
			if err := txn.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error; err != nil {
				slog.Error("sql error linking collection to project", "collection_id", col.Id, "project_id", project.Id, "error", err)
				return schema.ErrDbAccessFailed
			}
		}
		return nil
	})
	return col, err
}

// workspace returns the temporary directory of one collection of one archive.
func workspace(ownerId uuid.UUID, archive, collection string) string {
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(ownerId.String()+"/"+archive+"/"+collection))
	return path.Join("tmp", "ingest", id.String())
}

func (p *Processor) processCollection(ctx context.Context, res *resolved, c CollectionDef, archive *Archive, result *Result, step func() error) (uuid.UUID, error) {
	col, err := p.upsertCollection(res, c)
	if err != nil {
		return uuid.Nil, err
	}

	ws := workspace(res.owner.Id, result.Archive, c.Name)
	if err := p.store.MkdirAll(ws); err != nil {
		return col.Id, err
	}
	defer func() {
		if err := p.store.Delete(ws); err != nil {
			slog.Warn("ingest workspace could not be removed", "path", ws, "error", err, "code", logging.INGEST)
		}
	}()

	var created []schema.Resource
	var stopped error

	ingestOne := func(deploymentId string, dep *schema.Deployment, r ResourceDef) error {
		if err := ctx.Err(); err != nil {
			return stopError{err}
		}
		resource, err := p.ingestResource(res.owner, c, ws, archive, dep, r)
		if err != nil {
			resourcesFailed.Inc()
			result.Errors = append(result.Errors, ResourceError{Collection: c.Name, Deployment: deploymentId, Resource: r.Name, Error: err.Error()})
			slog.Warn("resource could not be ingested", "collection", c.Name, "deployment", deploymentId, "resource", r.Name, "error", err, "code", logging.INGEST)
		} else {
			resourcesProcessed.Inc()
			result.Processed++
			created = append(created, resource)
		}
		if err := step(); err != nil {
			return stopError{err}
		}
		return nil
	}

	projectId := res.projectId(c)
loop:
	for _, d := range c.Deployments {
		dep := res.deployments[deploymentKey(projectId, d.DeploymentId)]
		for _, r := range d.Resources {
			if err := ingestOne(d.DeploymentId, &dep, r); err != nil {
				stopped = err
				break loop
			}
		}
	}
	if stopped == nil {
		for _, r := range c.Resources {
			if err := ingestOne("", nil, r); err != nil {
				stopped = err
				break
			}
		}
	}

	if stopped == nil {
		p.deriveAll(ctx, created)
	}

	ids := make([]uuid.UUID, 0, len(created))
	for _, r := range created {
		ids = append(ids, r.Id)
	}
	err = p.db.Transaction(func(txn *gorm.DB) error {
		if err := collections.AddResources(txn, col.Id, ids); err != nil {
			return err
		}
		return classification.RebuildForCollection(txn, col.Id)
	})
	if err != nil {
		return col.Id, err
	}
	return col.Id, stopped
}

// ingestResource stores one declared resource. The returned error text ends up in the owner's
// result message.
func (p *Processor) ingestResource(owner schema.User, c CollectionDef, ws string, archive *Archive, dep *schema.Deployment, r ResourceDef) (schema.Resource, error) {
	deploymentId := ""
	zone := time.UTC
	if dep != nil {
		deploymentId = dep.DeploymentIdentifier
		if dep.Location != nil {
			zone = dep.Location.Zone()
		}
	}

	entry, ok := archive.Entry(c.EntryPaths(deploymentId, r.File)...)
	if !ok {
		return schema.Resource{}, ErrMissingArchiveEntry
	}
	var extra *zip.File
	if r.ExtraFile != "" {
		extra, ok = archive.Entry(c.EntryPaths(deploymentId, r.ExtraFile)...)
		if !ok {
			return schema.Resource{}, fmt.Errorf("%w %v", ErrMissingArchiveEntry, r.ExtraFile)
		}
	}

	id := uuid.New()
	staged := path.Join(ws, id.String()+"_"+path.Base(r.File))
	fileMime, err := p.stage(archive, entry, staged)
	if err != nil {
		return schema.Resource{}, err
	}
	resourceType, err := media.ResourceType(r.File, fileMime)
	if err != nil {
		return schema.Resource{}, err
	}

	recorded := entry.Modified.UTC()
	if r.DateRecorded != "" {
		if t, err := dateparse.ParseIn(r.DateRecorded, zone); err == nil {
			recorded = t.UTC()
		}
	}
	if resourceType == schema.ImageResource {
		if t, ok := p.captureTime(staged, zone); ok {
			recorded = t
		}
	}

	resource := schema.Resource{
		Id:            id,
		Name:          r.Name,
		ResourceType:  resourceType,
		File:          storage.ResourcePath(id, storage.KindFile, r.File),
		FileMime:      fileMime,
		DateRecorded:  recorded,
		DateUploaded:  time.Now().UTC(),
		Status:        schema.Private,
		InheritPrefix: true,
		OwnerId:       owner.Id,
	}
	if dep != nil {
		resource.DeploymentId = &dep.Id
	}
	if err := p.copyStaged(staged, resource.File); err != nil {
		return schema.Resource{}, err
	}

	if extra != nil {
		stagedExtra := path.Join(ws, id.String()+"_extra_"+path.Base(r.ExtraFile))
		extraMime, err := p.stage(archive, extra, stagedExtra)
		if err != nil {
			p.release(resource)
			return schema.Resource{}, err
		}
		resource.ExtraFile = storage.ResourcePath(id, storage.KindExtra, r.ExtraFile)
		resource.ExtraMime = extraMime
		if err := p.copyStaged(stagedExtra, resource.ExtraFile); err != nil {
			p.release(resource)
			return schema.Resource{}, err
		}
	}

	if err := p.db.Create(&resource).Error; err != nil {
		slog.Error("sql error creating resource", "name", r.Name, "error", err)
		p.release(resource)
		return schema.Resource{}, schema.ErrDbAccessFailed
	}
	return resource, nil
}

// stage extracts an archive entry into the workspace and sniffs its mime type.
func (p *Processor) stage(archive *Archive, entry *zip.File, dest string) (string, error) {
	w, err := p.store.Create(dest)
	if err != nil {
		return "", err
	}
	if err := archive.Extract(entry, w); err != nil {
		w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("error writing %v: %w", dest, err)
	}

	r, err := p.store.Read(dest)
	if err != nil {
		return "", err
	}
	defer r.Close()
	return media.DetectMime(r)
}

func (p *Processor) captureTime(staged string, zone *time.Location) (time.Time, bool) {
	r, err := p.store.Read(staged)
	if err != nil {
		return time.Time{}, false
	}
	defer r.Close()
	return media.CaptureTime(r, zone)
}

func (p *Processor) copyStaged(staged, dest string) error {
	r, err := p.store.Read(staged)
	if err != nil {
		return err
	}
	defer r.Close()
	return p.store.Write(dest, r)
}

// release removes every stored file of a resource.
func (p *Processor) release(resource schema.Resource) {
	if err := p.store.Delete(storage.ResourceDir(resource.Id)); err != nil {
		slog.Warn("resource files could not be removed", "resource_id", resource.Id, "error", err, "code", logging.INGEST)
	}
}

// Release is used by resource deletion to drop the primary, extra and derived files.
func Release(store storage.Storage, resourceId uuid.UUID) error {
	return store.Delete(storage.ResourceDir(resourceId))
}

func (p *Processor) notifyFailure(owner schema.User, archive string, cause error) {
	text := fmt.Sprintf("The archive %v could not be processed.\n\nError: %v", archive, cause)
	if _, err := messaging.Send(p.db, nil, owner.Id, schema.MessageTaskResult, "Collection upload failed", text); err != nil {
		slog.Error("ingest failure message could not be sent", "owner", owner.Id, "error", err, "code", logging.INGEST)
	}
	slog.Warn("ingest failed", "owner", owner.Username, "archive", archive, "error", cause, "code", logging.INGEST)
}

func (p *Processor) notifySuccess(owner schema.User, result Result) {
	var text strings.Builder
	fmt.Fprintf(&text, "Processed %d out of %d resources in %d collections.\n", result.Processed, result.Total, len(result.Collections))
	if len(result.Errors) > 0 {
		fmt.Fprintf(&text, "\nErrors (%d):\n", len(result.Errors))
		for _, e := range result.Errors {
			text.WriteString(e.String())
			text.WriteString("\n")
		}
	}
	subject := fmt.Sprintf("Collections (%v) upload finished successfully", result.Archive)
	if _, err := messaging.Send(p.db, nil, owner.Id, schema.MessageTaskResult, subject, text.String()); err != nil {
		slog.Error("ingest result message could not be sent", "owner", owner.Id, "error", err, "code", logging.INGEST)
	}
}

// readAll reads a stored file completely, for images that are decoded in memory.
func readAll(store storage.Storage, filename string) ([]byte, error) {
	r, err := store.Read(filename)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
