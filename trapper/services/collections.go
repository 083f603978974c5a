package services

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"trapper_platform/trapper/auth"
	"trapper_platform/trapper/classification"
	"trapper_platform/trapper/collections"
	"trapper_platform/trapper/ingest"
	"trapper_platform/trapper/jobs"
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

const maxDefinitionSize = 4 << 20

type CollectionService struct {
	db          *gorm.DB
	userAuth    auth.IdentityProvider
	store       storage.Storage
	minFree     uint64
	pageSizeMax int
}

func (s *CollectionService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)

	r.Get("/list", s.List)
	r.Post("/create", s.Create)
	r.With(checkSufficientStorage(s.store, s.minFree)).Post("/upload", s.Upload)

	r.Route("/{collection_id}", func(r chi.Router) {
		load := func(txn *gorm.DB, r *http.Request) (auth.Entity, error) {
			col, err := loadCollection(txn, r)
			return auth.ForCollection(&col), err
		}

		r.With(auth.CapabilityOnly(s.db, auth.ViewAccess, load, schema.ErrCollectionNotFound)).Get("/", s.Get)
		r.With(auth.CapabilityOnly(s.db, auth.UpdateAccess, load, schema.ErrCollectionNotFound)).Post("/update", s.Update)
		r.With(auth.CapabilityOnly(s.db, auth.DeleteAccess, load, schema.ErrCollectionNotFound)).Delete("/", s.Delete)

		r.Group(func(r chi.Router) {
			r.Use(auth.CapabilityOnly(s.db, auth.UpdateAccess, load, schema.ErrCollectionNotFound))

			r.Post("/resources/add", s.AddResources)
			r.Post("/resources/remove", s.RemoveResources)
			r.Get("/members", s.Members)
			r.Post("/access/grant", s.GrantAccess)
			r.Post("/access/revoke", s.RevokeAccess)
		})
	})

	return r
}

func loadCollection(txn *gorm.DB, r *http.Request) (schema.Collection, error) {
	collectionId, err := utils.URLParamUUID(r, "collection_id")
	if err != nil {
		return schema.Collection{}, err
	}
	return schema.GetCollection(collectionId, txn)
}

type CollectionInfo struct {
	Id          uuid.UUID          `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Status      string             `json:"status"`
	ProjectName string             `json:"project_name"`
	OwnerId     uuid.UUID          `json:"owner_id"`
	Managers    []uuid.UUID        `json:"managers"`
	PeriodBegin *time.Time         `json:"period_begin"`
	PeriodEnd   *time.Time         `json:"period_end"`
	Bbox        schema.BoundingBox `json:"bbox"`
	DateCreated time.Time          `json:"date_created"`
}

func convertToCollectionInfo(c schema.Collection) CollectionInfo {
	return CollectionInfo{
		Id:          c.Id,
		Name:        c.Name,
		Description: c.Description,
		Status:      c.Status,
		ProjectName: c.ProjectName,
		OwnerId:     c.OwnerId,
		Managers:    managerIds(c.Managers),
		PeriodBegin: c.PeriodBegin,
		PeriodEnd:   c.PeriodEnd,
		Bbox:        c.Bbox.Data(),
		DateCreated: c.DateCreated,
	}
}

func (s *CollectionService) List(w http.ResponseWriter, r *http.Request) {
	writeListing(w, r, s.db.Model(&schema.Collection{}).Preload("Managers").Order("name"), collectionListing, s.pageSizeMax, convertToCollectionInfo)
}

type collectionDetails struct {
	CollectionInfo
	Resources int64 `json:"resources"`
}

func (s *CollectionService) Get(w http.ResponseWriter, r *http.Request) {
	col, err := loadCollection(s.db, r)
	if err != nil {
		writeError(w, "error loading collection", err)
		return
	}

	var count int64
	if err := s.db.Model(&schema.CollectionResource{}).Where("collection_id = ?", col.Id).Count(&count).Error; err != nil {
		slog.Error("sql error counting collection resources", "collection_id", col.Id, "error", err)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, collectionDetails{CollectionInfo: convertToCollectionInfo(col), Resources: count})
}

type collectionRequest struct {
	Name        *string     `json:"name"`
	Description *string     `json:"description"`
	Status      *string     `json:"status"`
	ProjectName *string     `json:"project_name"`
	Managers    []uuid.UUID `json:"managers"`
}

func (params collectionRequest) apply(txn *gorm.DB, col *schema.Collection) error {
	setIf(&col.Name, params.Name)
	setIf(&col.Description, params.Description)
	setIf(&col.Status, params.Status)
	setIf(&col.ProjectName, params.ProjectName)

	if col.Name == "" {
		return CodedError(errors.New("collection name must be specified"), http.StatusUnprocessableEntity)
	}
	if err := schema.CheckValidStatus(col.Status); err != nil {
		return CodedError(err, http.StatusUnprocessableEntity)
	}

	var count int64
	err := txn.Model(&schema.Collection{}).Where("owner_id = ? AND name = ? AND id != ?", col.OwnerId, col.Name, col.Id).Count(&count).Error
	if err != nil {
		slog.Error("sql error checking for duplicate collection", "error", err)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	if count > 0 {
		return CodedError(fmt.Errorf("collection %v already exists", col.Name), http.StatusConflict)
	}
	return nil
}

func (s *CollectionService) Create(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params collectionRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	col := schema.Collection{
		Id:          uuid.New(),
		Status:      schema.Private,
		OwnerId:     user.Id,
		DateCreated: time.Now().UTC(),
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := params.apply(txn, &col); err != nil {
			return err
		}
		if err := txn.Omit("Managers", "Members", "Owner").Create(&col).Error; err != nil {
			slog.Error("sql error creating collection", "name", col.Name, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if len(params.Managers) > 0 {
			return replaceManagers(txn, &col, params.Managers)
		}
		return nil
	})
	if err != nil {
		writeError(w, "error creating collection", err)
		return
	}

	utils.WriteJsonResponse(w, createResponse{Id: col.Id})
}

func (s *CollectionService) Update(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params collectionRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		col, err := loadCollection(txn, r)
		if err != nil {
			return domainError(err)
		}
		if err := params.apply(txn, &col); err != nil {
			return err
		}
		if err := txn.Omit("Managers", "Members", "Owner").Save(&col).Error; err != nil {
			slog.Error("sql error updating collection", "collection_id", col.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if params.Managers != nil {
			if err := requireCapability(txn, auth.ForCollection(&col), user, auth.DeleteAccess); err != nil {
				return err
			}
			return replaceManagers(txn, &col, params.Managers)
		}
		return nil
	})
	if err != nil {
		writeError(w, "error updating collection", err)
		return
	}

	utils.WriteSuccess(w)
}

// deleteCollection removes a collection with its project bindings, the classifications made
// on them, its memberships and resource links.
func deleteCollection(txn *gorm.DB, col schema.Collection) error {
	bindings := txn.Model(&schema.ResearchProjectCollection{}).Select("id").Where("collection_id = ?", col.Id)
	wrappers := txn.Model(&schema.ClassificationProjectCollection{}).Select("id").Where("collection_id IN (?)", bindings)

	var sequenceIds []uuid.UUID
	if err := txn.Model(&schema.Sequence{}).Where("collection_id IN (?)", wrappers).Pluck("id", &sequenceIds).Error; err != nil {
		slog.Error("sql error loading collection sequences", "collection_id", col.Id, "error", err)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	if err := classification.DeleteSequences(txn, sequenceIds); err != nil {
		return domainError(err)
	}

	classifications := txn.Model(&schema.Classification{}).Select("id").Where("collection_id IN (?)", wrappers)
	userClassifications := txn.Model(&schema.UserClassification{}).Select("id").Where("classification_id IN (?)", classifications)
	steps := []struct {
		what  string
		query *gorm.DB
		model interface{}
	}{
		{"user classification attrs", txn.Where("user_classification_id IN (?)", userClassifications), &schema.UserClassificationDynamicAttrs{}},
		{"user classifications", txn.Where("classification_id IN (?)", classifications), &schema.UserClassification{}},
		{"classification attrs", txn.Where("classification_id IN (?)", classifications), &schema.ClassificationDynamicAttrs{}},
		{"classifications", txn.Where("collection_id IN (?)", wrappers), &schema.Classification{}},
		{"project collections", txn.Where("collection_id IN (?)", bindings), &schema.ClassificationProjectCollection{}},
		{"research project collections", txn.Where("collection_id = ?", col.Id), &schema.ResearchProjectCollection{}},
		{"collection members", txn.Where("collection_id = ?", col.Id), &schema.CollectionMember{}},
		{"collection resources", txn.Where("collection_id = ?", col.Id), &schema.CollectionResource{}},
	}
	for _, step := range steps {
		if err := step.query.Delete(step.model).Error; err != nil {
			slog.Error("sql error deleting "+step.what, "collection_id", col.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
	}

	if err := txn.Exec("DELETE FROM collection_request_collections WHERE collection_id = ?", col.Id).Error; err != nil {
		slog.Error("sql error deleting collection request links", "collection_id", col.Id, "error", err)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	if err := txn.Model(&col).Association("Managers").Clear(); err != nil {
		slog.Error("sql error clearing collection managers", "collection_id", col.Id, "error", err)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	if err := txn.Delete(&schema.Collection{}, "id = ?", col.Id).Error; err != nil {
		slog.Error("sql error deleting collection", "collection_id", col.Id, "error", err)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	return nil
}

func (s *CollectionService) Delete(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		col, err := loadCollection(txn, r)
		if err != nil {
			return domainError(err)
		}

		var members []uuid.UUID
		if err := txn.Model(&schema.CollectionMember{}).Where("collection_id = ?", col.Id).Distinct().Pluck("user_id", &members).Error; err != nil {
			slog.Error("sql error loading collection members", "collection_id", col.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		if err := deleteCollection(txn, col); err != nil {
			return err
		}

		recipients := lo.Uniq(append(append([]uuid.UUID{col.OwnerId}, managerIds(col.Managers)...), members...))
		text := fmt.Sprintf("User %v deleted the collection %v.", user.Username, col.Name)
		for _, id := range lo.Without(recipients, user.Id) {
			if _, err := messaging.Send(txn, &user.Id, id, schema.MessageCollectionDeleted, "Collection deleted", text); err != nil {
				return domainError(err)
			}
		}
		return nil
	})
	if err != nil {
		writeError(w, "error deleting collection", err)
		return
	}

	utils.WriteSuccess(w)
}

// resourcesRequest is shared by the add and remove endpoints.
type resourcesRequest struct {
	ResourceIds []uuid.UUID `json:"resource_ids"`
}

func (s *CollectionService) AddResources(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params resourcesRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		col, err := loadCollection(txn, r)
		if err != nil {
			return domainError(err)
		}

		var resources []schema.Resource
		if err := txn.Where("id IN ?", params.ResourceIds).Find(&resources).Error; err != nil {
			slog.Error("sql error loading resources", "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if len(resources) != len(uuidSet(params.ResourceIds)) {
			return CodedError(schema.ErrResourceNotFound, http.StatusNotFound)
		}
		if err := requireAll(txn, user, resources, auth.ForResource, auth.UpdateAccess); err != nil {
			return err
		}

		if err := collections.AddResources(txn, col.Id, params.ResourceIds); err != nil {
			return domainError(err)
		}
		return domainError(classification.RebuildForCollection(txn, col.Id))
	})
	if err != nil {
		writeError(w, "error adding resources to collection", err)
		return
	}

	utils.WriteSuccess(w)
}

func (s *CollectionService) RemoveResources(w http.ResponseWriter, r *http.Request) {
	var params resourcesRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	err := s.db.Transaction(func(txn *gorm.DB) error {
		col, err := loadCollection(txn, r)
		if err != nil {
			return domainError(err)
		}
		return domainError(collections.RemoveResources(txn, col.Id, params.ResourceIds))
	})
	if err != nil {
		writeError(w, "error removing resources from collection", err)
		return
	}

	utils.WriteSuccess(w)
}

type MemberInfo struct {
	UserId   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	Levels   []int     `json:"levels"`
}

func (s *CollectionService) Members(w http.ResponseWriter, r *http.Request) {
	collectionId, err := utils.URLParamUUID(r, "collection_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var members []schema.CollectionMember
	if err := s.db.Preload("User").Where("collection_id = ?", collectionId).Order("date_created").Find(&members).Error; err != nil {
		slog.Error("sql error loading collection members", "collection_id", collectionId, "error", err)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	infos := []MemberInfo{}
	index := map[uuid.UUID]int{}
	for _, m := range members {
		i, ok := index[m.UserId]
		if !ok {
			info := MemberInfo{UserId: m.UserId, Levels: []int{}}
			if m.User != nil {
				info.Username = m.User.Username
			}
			i = len(infos)
			index[m.UserId] = i
			infos = append(infos, info)
		}
		infos[i].Levels = append(infos[i].Levels, m.Level)
	}

	utils.WriteJsonResponse(w, infos)
}

type accessRequest struct {
	UserIds []uuid.UUID `json:"user_ids"`
	Level   int         `json:"level"`
}

func (s *CollectionService) changeAccess(w http.ResponseWriter, r *http.Request, grant bool) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params accessRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if err := schema.CheckValidMemberLevel(params.Level); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		col, err := loadCollection(txn, r)
		if err != nil {
			return domainError(err)
		}
		if _, err := loadUsers(txn, params.UserIds); err != nil {
			return err
		}
		if grant {
			return domainError(collections.GrantAccess(txn, []uuid.UUID{col.Id}, params.UserIds, params.Level))
		}
		return domainError(collections.RevokeAccess(txn, []uuid.UUID{col.Id}, params.UserIds, params.Level))
	})
	if err != nil {
		writeError(w, "error changing collection access", err)
		return
	}

	slog.Info("collection access changed", "grant", grant, "level", params.Level, "users", params.UserIds, "actor", user.Id, "code", logging.ACCESS)
	utils.WriteSuccess(w)
}

func (s *CollectionService) GrantAccess(w http.ResponseWriter, r *http.Request) {
	s.changeAccess(w, r, true)
}

func (s *CollectionService) RevokeAccess(w http.ResponseWriter, r *http.Request) {
	s.changeAccess(w, r, false)
}

type taskResponse struct {
	TaskId uuid.UUID `json:"task_id"`
}

func readFormPart(r *http.Request, name string, limit int64) ([]byte, error) {
	if v := r.FormValue(name); v != "" {
		return []byte(v), nil
	}
	file, _, err := r.FormFile(name)
	if err != nil {
		return nil, fmt.Errorf("missing %v in upload request: %w", name, err)
	}
	defer file.Close()
	return io.ReadAll(io.LimitReader(file, limit))
}

// Upload stores the archive and queues an ingest task for it. The definition is checked
// before anything is written.
func (s *CollectionService) Upload(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := r.ParseMultipartForm(maxImportSize); err != nil {
		http.Error(w, fmt.Sprintf("error parsing multipart request: %v", err), http.StatusBadRequest)
		return
	}

	definition, err := readFormPart(r, "definition", maxDefinitionSize)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := ingest.ParseDefinition(definition); err != nil {
		writeError(w, "error parsing definition", err)
		return
	}

	archive, header, err := r.FormFile("archive")
	if err != nil {
		http.Error(w, fmt.Sprintf("missing archive in upload request: %v", err), http.StatusBadRequest)
		return
	}
	defer archive.Close()
	if !strings.EqualFold(filepath.Ext(header.Filename), ".zip") {
		http.Error(w, fmt.Sprintf("archive %v is not a zip file", header.Filename), http.StatusUnprocessableEntity)
		return
	}

	archivePath := filepath.Join("uploads", uuid.New().String()+".zip")
	if err := s.store.Write(archivePath, archive); err != nil {
		slog.Error("error saving uploaded archive", "archive", header.Filename, "error", err, "code", logging.INGEST)
		http.Error(w, fmt.Sprintf("error saving archive: %v", err), http.StatusInternalServerError)
		return
	}

	req := ingest.Request{
		OwnerId:     user.Id,
		Definition:  string(definition),
		ArchivePath: archivePath,
		ArchiveName: header.Filename,
	}
	task, err := jobs.Enqueue(s.db, ingest.KindIngest, &user.Id, req)
	if err != nil {
		if derr := s.store.Delete(archivePath); derr != nil {
			slog.Warn("uploaded archive could not be removed", "path", archivePath, "error", derr, "code", logging.INGEST)
		}
		writeError(w, "error queuing ingest", err)
		return
	}

	slog.Info("collection upload queued", "task_id", task.Id, "archive", header.Filename, "user_id", user.Id, "code", logging.INGEST)
	utils.WriteJsonResponse(w, taskResponse{TaskId: task.Id})
}
