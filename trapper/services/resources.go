package services

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"trapper_platform/trapper/auth"
	"trapper_platform/trapper/classification"
	"trapper_platform/trapper/collections"
	"trapper_platform/trapper/ingest"
	"trapper_platform/trapper/messaging"
	"trapper_platform/trapper/schema"
	"trapper_platform/trapper/storage"
	"trapper_platform/utils"
	"trapper_platform/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

type ResourceService struct {
	db          *gorm.DB
	userAuth    auth.IdentityProvider
	store       storage.Storage
	links       *auth.MediaLinkSigner
	pageSizeMax int
}

func (s *ResourceService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/media/{token}", s.Serve)

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)

		r.Get("/list", s.List)
		r.Post("/delete", s.BulkDelete)

		r.Route("/{resource_id}", func(r chi.Router) {
			load := func(txn *gorm.DB, r *http.Request) (auth.Entity, error) {
				res, err := loadResource(txn, r)
				return auth.ForResource(&res), err
			}

			r.With(auth.CapabilityOnly(s.db, auth.ViewAccess, load, schema.ErrResourceNotFound)).Get("/", s.Get)
			r.With(auth.CapabilityOnly(s.db, auth.ViewAccess, load, schema.ErrResourceNotFound)).Get("/link", s.Link)
			r.With(auth.CapabilityOnly(s.db, auth.UpdateAccess, load, schema.ErrResourceNotFound)).Post("/update", s.Update)
			r.With(auth.CapabilityOnly(s.db, auth.DeleteAccess, load, schema.ErrResourceNotFound)).Delete("/", s.Delete)
		})
	})

	return r
}

func loadResource(txn *gorm.DB, r *http.Request) (schema.Resource, error) {
	resourceId, err := utils.URLParamUUID(r, "resource_id")
	if err != nil {
		return schema.Resource{}, err
	}
	return schema.GetResource(resourceId, txn)
}

type ResourceInfo struct {
	Id             uuid.UUID          `json:"id"`
	Name           string             `json:"name"`
	PrefixedName   string             `json:"prefixed_name"`
	ResourceType   string             `json:"resource_type"`
	FileMime       string             `json:"mime_type"`
	HasExtra       bool               `json:"has_extra_file"`
	HasThumbnail   bool               `json:"has_thumbnail"`
	HasPreview     bool               `json:"has_preview"`
	DateRecorded   time.Time          `json:"date_recorded"`
	DateUploaded   time.Time          `json:"date_uploaded"`
	Status         string             `json:"status"`
	Tags           []string           `json:"tags"`
	InheritPrefix  bool               `json:"inherit_prefix"`
	CustomPrefix   string             `json:"custom_prefix"`
	OwnerId        uuid.UUID          `json:"owner_id"`
	Managers       []uuid.UUID        `json:"managers"`
	DeploymentId   *uuid.UUID         `json:"deployment_id"`
	Deployment     string             `json:"deployment"`
	CollectionBbox schema.BoundingBox `json:"collection_bbox"`
}

func convertToResourceInfo(r schema.Resource) ResourceInfo {
	info := ResourceInfo{
		Id:             r.Id,
		Name:           r.Name,
		PrefixedName:   r.PrefixedName,
		ResourceType:   r.ResourceType,
		FileMime:       r.FileMime,
		HasExtra:       r.ExtraFile != "",
		HasThumbnail:   r.Thumbnail != "",
		HasPreview:     r.Preview != "",
		DateRecorded:   r.DateRecorded,
		DateUploaded:   r.DateUploaded,
		Status:         r.Status,
		Tags:           r.Tags,
		InheritPrefix:  r.InheritPrefix,
		CustomPrefix:   r.CustomPrefix,
		OwnerId:        r.OwnerId,
		Managers:       managerIds(r.Managers),
		DeploymentId:   r.DeploymentId,
		CollectionBbox: r.CollectionBbox.Data(),
	}
	if info.Tags == nil {
		info.Tags = []string{}
	}
	if r.Deployment != nil {
		info.Deployment = r.Deployment.DeploymentIdentifier
	}
	return info
}

func (s *ResourceService) List(w http.ResponseWriter, r *http.Request) {
	query := s.db.Model(&schema.Resource{}).Preload("Managers").Preload("Deployment.Location").Order("prefixed_name")
	if v := r.URL.Query().Get("collection"); v != "" {
		collectionId, err := uuid.Parse(v)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid collection id '%v': %v", v, err), http.StatusBadRequest)
			return
		}
		query = query.Where("id IN (?)", s.db.Model(&schema.CollectionResource{}).Select("resource_id").Where("collection_id = ?", collectionId))
	}
	writeListing(w, r, query, resourceListing, s.pageSizeMax, convertToResourceInfo)
}

func (s *ResourceService) Get(w http.ResponseWriter, r *http.Request) {
	res, err := loadResource(s.db, r)
	if err != nil {
		writeError(w, "error loading resource", err)
		return
	}
	utils.WriteJsonResponse(w, convertToResourceInfo(res))
}

type resourceRequest struct {
	Name          *string     `json:"name"`
	CustomPrefix  *string     `json:"custom_prefix"`
	InheritPrefix *bool       `json:"inherit_prefix"`
	Status        *string     `json:"status"`
	Tags          []string    `json:"tags"`
	DateRecorded  *time.Time  `json:"date_recorded"`
	DeploymentId  *uuid.UUID  `json:"deployment_id"`
	ClearDeploy   bool        `json:"clear_deployment"`
	Managers      []uuid.UUID `json:"managers"`
}

func (params resourceRequest) apply(txn *gorm.DB, res *schema.Resource, user schema.User) error {
	setIf(&res.Name, params.Name)
	setIf(&res.CustomPrefix, params.CustomPrefix)
	setIf(&res.InheritPrefix, params.InheritPrefix)
	setIf(&res.Status, params.Status)
	setIf(&res.DateRecorded, params.DateRecorded)
	if params.Tags != nil {
		res.Tags = lo.Uniq(params.Tags)
	}

	if res.Name == "" {
		return CodedError(fmt.Errorf("resource name must be specified"), http.StatusUnprocessableEntity)
	}
	if err := schema.CheckValidStatus(res.Status); err != nil {
		return CodedError(err, http.StatusUnprocessableEntity)
	}

	switch {
	case params.ClearDeploy:
		res.DeploymentId = nil
	case params.DeploymentId != nil:
		dep, err := schema.GetDeployment(*params.DeploymentId, txn)
		if err != nil {
			return domainError(err)
		}
		if err := requireCapability(txn, auth.ForDeployment(&dep), user, auth.ViewAccess); err != nil {
			return err
		}
		res.DeploymentId = &dep.Id
	}
	res.DateRecorded = res.DateRecorded.UTC()
	return nil
}

func containingCollections(txn *gorm.DB, resourceIds []uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := txn.Model(&schema.CollectionResource{}).Where("resource_id IN ?", resourceIds).Distinct().Pluck("collection_id", &ids).Error
	if err != nil {
		slog.Error("sql error loading resource collections", "error", err)
		return nil, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	return ids, nil
}

func (s *ResourceService) Update(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params resourceRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		res, err := loadResource(txn, r)
		if err != nil {
			return domainError(err)
		}
		previous := res.DeploymentId
		if err := params.apply(txn, &res, user); err != nil {
			return err
		}
		res.Deployment = nil
		if err := txn.Omit("Managers", "Owner", "Deployment").Save(&res).Error; err != nil {
			slog.Error("sql error updating resource", "resource_id", res.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		moved := (previous == nil) != (res.DeploymentId == nil) || (previous != nil && *previous != *res.DeploymentId)
		if moved || params.DateRecorded != nil {
			ids, err := containingCollections(txn, []uuid.UUID{res.Id})
			if err != nil {
				return err
			}
			for _, id := range ids {
				if err := collections.RefreshExtent(txn, id); err != nil {
					return domainError(err)
				}
			}
		}

		if params.Managers != nil {
			if err := requireCapability(txn, auth.ForResource(&res), user, auth.DeleteAccess); err != nil {
				return err
			}
			return replaceManagers(txn, &res, params.Managers)
		}
		return nil
	})

	if err != nil {
		writeError(w, "error updating resource", err)
		return
	}

	utils.WriteSuccess(w)
}

// deleteResources removes resources together with every row referring to them and refreshes
// the extent of the collections they belonged to. Files are released by the caller once the
// transaction has committed.
func deleteResources(txn *gorm.DB, resources []schema.Resource, actor schema.User) error {
	ids := make([]uuid.UUID, 0, len(resources))
	for _, res := range resources {
		referenced, err := classification.ResourceStillReferenced(txn, res.Id)
		if err != nil {
			return domainError(err)
		}
		if referenced {
			return CodedError(fmt.Errorf("%w: resource %v has an approved classification in a finished project", schema.ErrStillReferenced, res.PrefixedName), http.StatusConflict)
		}
		ids = append(ids, res.Id)
	}

	affected, err := containingCollections(txn, ids)
	if err != nil {
		return err
	}

	classifications := txn.Model(&schema.Classification{}).Select("id").Where("resource_id IN ?", ids)
	userClassifications := txn.Model(&schema.UserClassification{}).Select("id").Where("classification_id IN (?)", classifications)
	steps := []struct {
		what  string
		query *gorm.DB
		model interface{}
	}{
		{"user classification attrs", txn.Where("user_classification_id IN (?)", userClassifications), &schema.UserClassificationDynamicAttrs{}},
		{"user classifications", txn.Where("classification_id IN (?)", classifications), &schema.UserClassification{}},
		{"classification attrs", txn.Where("classification_id IN (?)", classifications), &schema.ClassificationDynamicAttrs{}},
		{"classifications", txn.Where("resource_id IN ?", ids), &schema.Classification{}},
		{"sequence resources", txn.Where("resource_id IN ?", ids), &schema.SequenceResource{}},
		{"collection resources", txn.Where("resource_id IN ?", ids), &schema.CollectionResource{}},
	}
	for _, step := range steps {
		if err := step.query.Delete(step.model).Error; err != nil {
			slog.Error("sql error deleting "+step.what, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
	}

	for i := range resources {
		res := &resources[i]
		if err := txn.Model(res).Association("Managers").Clear(); err != nil {
			slog.Error("sql error clearing resource managers", "resource_id", res.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
	}
	if err := txn.Where("id IN ?", ids).Delete(&schema.Resource{}).Error; err != nil {
		slog.Error("sql error deleting resources", "error", err)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}

	for _, id := range affected {
		if err := collections.RefreshExtent(txn, id); err != nil {
			return domainError(err)
		}
	}

	return notifyResourceDeleted(txn, resources, actor)
}

// notifyResourceDeleted tells owners and managers, other than the actor, which of their
// resources were removed.
func notifyResourceDeleted(txn *gorm.DB, resources []schema.Resource, actor schema.User) error {
	names := map[uuid.UUID][]string{}
	for _, res := range resources {
		recipients := append([]uuid.UUID{res.OwnerId}, managerIds(res.Managers)...)
		for _, id := range lo.Uniq(recipients) {
			if id != actor.Id {
				names[id] = append(names[id], res.PrefixedName)
			}
		}
	}
	for userId, deleted := range names {
		text := fmt.Sprintf("User %v deleted the following resources: %v", actor.Username, deleted)
		if _, err := messaging.Send(txn, &actor.Id, userId, schema.MessageResourceDeleted, "Resources deleted", text); err != nil {
			return domainError(err)
		}
	}
	return nil
}

func (s *ResourceService) releaseFiles(ids []uuid.UUID) {
	for _, id := range ids {
		if err := ingest.Release(s.store, id); err != nil {
			slog.Warn("resource files could not be removed", "resource_id", id, "error", err, "code", logging.INGEST)
		}
	}
}

func (s *ResourceService) Delete(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var deleted uuid.UUID
	err = s.db.Transaction(func(txn *gorm.DB) error {
		res, err := loadResource(txn, r)
		if err != nil {
			return domainError(err)
		}
		deleted = res.Id
		return deleteResources(txn, []schema.Resource{res}, user)
	})
	if err != nil {
		writeError(w, "error deleting resource", err)
		return
	}

	s.releaseFiles([]uuid.UUID{deleted})
	utils.WriteSuccess(w)
}

func (s *ResourceService) BulkDelete(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params idsRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		var resources []schema.Resource
		if err := txn.Preload("Managers").Where("id IN ?", params.Ids).Find(&resources).Error; err != nil {
			slog.Error("sql error loading resources", "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if len(resources) != len(uuidSet(params.Ids)) {
			return CodedError(schema.ErrResourceNotFound, http.StatusNotFound)
		}
		if err := requireAll(txn, user, resources, auth.ForResource, auth.DeleteAccess); err != nil {
			return err
		}
		return deleteResources(txn, resources, user)
	})
	if err != nil {
		writeError(w, "error deleting resources", err)
		return
	}

	s.releaseFiles(params.Ids)
	utils.WriteJsonResponse(w, countResponse{Count: len(uuidSet(params.Ids))})
}

type linkResponse struct {
	Url       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

func storedFile(res schema.Resource, kind string) (string, string) {
	switch kind {
	case storage.KindFile:
		return res.File, res.FileMime
	case storage.KindExtra:
		return res.ExtraFile, res.ExtraMime
	case storage.KindThumbnail:
		return res.Thumbnail, res.FileMime
	case storage.KindPreview:
		return res.Preview, res.FileMime
	}
	return "", ""
}

// Link issues a signed url for one stored file of the resource.
func (s *ResourceService) Link(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	res, err := loadResource(s.db, r)
	if err != nil {
		writeError(w, "error loading resource", err)
		return
	}

	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = storage.KindFile
	}
	if path, _ := storedFile(res, kind); path == "" {
		http.Error(w, fmt.Sprintf("resource %v has no %v", res.Id, kind), http.StatusNotFound)
		return
	}

	token, err := s.links.Sign(res.Id, kind, user.Id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("media link issued", "resource_id", res.Id, "kind", kind, "user_id", user.Id, "code", logging.ACCESS)
	utils.WriteJsonResponse(w, linkResponse{Url: "/resources/media/" + token, ExpiresAt: time.Now().Add(s.links.Expiry()).UTC()})
}

// Serve streams a stored file addressed by a signed media link.
func (s *ResourceService) Serve(w http.ResponseWriter, r *http.Request) {
	resourceId, kind, err := s.links.Verify(chi.URLParam(r, "token"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	res, err := schema.GetResource(resourceId, s.db)
	if err != nil {
		writeError(w, "error loading resource", err)
		return
	}

	path, mime := storedFile(res, kind)
	if path == "" {
		http.Error(w, fmt.Sprintf("resource %v has no %v", res.Id, kind), http.StatusNotFound)
		return
	}
	if mime != "" {
		w.Header().Set("Content-Type", mime)
	}
	http.ServeFile(w, r, s.store.FullPath(path))
}
