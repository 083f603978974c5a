package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"trapper_platform/trapper/auth"
	"trapper_platform/trapper/classification"
	"trapper_platform/trapper/classify"
	"trapper_platform/trapper/collections"
	"trapper_platform/trapper/schema"
	"trapper_platform/utils"
	"trapper_platform/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ClassificationProjectService struct {
	db          *gorm.DB
	userAuth    auth.IdentityProvider
	forms       *classify.FormCache
	pageSizeMax int
}

func (s *ClassificationProjectService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)

	r.Get("/list", s.List)
	r.Post("/create", s.Create)

	r.Route("/{project_id}", func(r chi.Router) {
		load := func(txn *gorm.DB, r *http.Request) (auth.Entity, error) {
			project, err := loadClassificationProject(txn, r)
			return auth.ForClassificationProject(&project), err
		}

		r.Group(func(r chi.Router) {
			r.Use(auth.CapabilityOnly(s.db, auth.ViewAccess, load, schema.ErrClassificationProjectNotFound))

			r.Get("/", s.Get)
			r.Get("/stats", s.Stats)
			r.Get("/form", s.Form)
			r.Get("/collections", s.Collections)

			r.Get("/classifications", s.ListClassifications)
			r.Get("/classifications/export", s.Export)
			r.Get("/classifications/{classification_id}", s.GetClassification)
			r.Post("/classifications/{classification_id}/submit", s.Submit)
			r.Post("/classifications/{classification_id}/approve", s.Approve)
			r.Post("/classifications/{classification_id}/unapprove", s.Unapprove)
			r.Post("/classifications/{classification_id}/clear", s.Clear)
			r.Post("/classifications/{classification_id}/values", s.SetValues)
			r.Post("/classifications/bulk-approve", s.BulkApprove)
			r.Post("/classifications/import", s.Import)

			r.Get("/sequences", s.ListSequences)
			r.Post("/sequences/create", s.CreateSequence)
			r.Post("/sequences/build", s.BuildSequences)
			r.Post("/sequences/{sequence_id}/update", s.UpdateSequence)
			r.Delete("/sequences/{sequence_id}", s.DeleteSequence)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.CapabilityOnly(s.db, auth.DeleteAccess, load, schema.ErrClassificationProjectNotFound))

			r.Delete("/", s.Delete)
			r.Post("/update", s.Update)
			r.Post("/roles", s.SetRole)
			r.Delete("/roles/{user_id}", s.RemoveRole)
			r.Post("/collections/add", s.AddCollections)
			r.Post("/collections/remove", s.RemoveCollections)
			r.Post("/collections/{collection_id}/update", s.UpdateCollection)
			r.Post("/rebuild", s.Rebuild)
		})
	})

	return r
}

func loadClassificationProject(txn *gorm.DB, r *http.Request) (schema.ClassificationProject, error) {
	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		return schema.ClassificationProject{}, err
	}
	return schema.GetClassificationProject(projectId, txn)
}

// activeProject loads the project for a write and rejects disabled projects.
func activeProject(txn *gorm.DB, r *http.Request) (schema.ClassificationProject, error) {
	project, err := loadClassificationProject(txn, r)
	if err != nil {
		return project, domainError(err)
	}
	if project.DisabledAt != nil {
		return project, CodedError(fmt.Errorf("classification project %v is disabled", project.Name), http.StatusUnprocessableEntity)
	}
	return project, nil
}

type ClassificationProjectInfo struct {
	Id                  uuid.UUID  `json:"id"`
	Name                string     `json:"name"`
	ResearchProjectId   uuid.UUID  `json:"research_project_id"`
	ClassificatorId     *uuid.UUID `json:"classificator_id"`
	OwnerId             uuid.UUID  `json:"owner_id"`
	Status              string     `json:"status"`
	EnableSequencing    bool       `json:"enable_sequencing"`
	EnableCrowdsourcing bool       `json:"enable_crowdsourcing"`
	Roles               []RoleInfo `json:"roles"`
	DateCreated         time.Time  `json:"date_created"`
	Disabled            bool       `json:"disabled"`
}

func convertToClassificationProjectInfo(p schema.ClassificationProject) ClassificationProjectInfo {
	return ClassificationProjectInfo{
		Id:                  p.Id,
		Name:                p.Name,
		ResearchProjectId:   p.ResearchProjectId,
		ClassificatorId:     p.ClassificatorId,
		OwnerId:             p.OwnerId,
		Status:              p.Status,
		EnableSequencing:    p.EnableSequencing,
		EnableCrowdsourcing: p.EnableCrowdsourcing,
		Roles: lo.Map(p.Roles, func(role schema.ClassificationProjectRole, _ int) RoleInfo {
			return RoleInfo{UserId: role.UserId, Role: role.Name}
		}),
		DateCreated: p.DateCreated,
		Disabled:    p.DisabledAt != nil,
	}
}

func (s *ClassificationProjectService) List(w http.ResponseWriter, r *http.Request) {
	query := s.db.Model(&schema.ClassificationProject{}).Preload("Roles").Where("disabled_at IS NULL").Order("name")
	writeListing(w, r, query, classificationProjectListing, s.pageSizeMax, convertToClassificationProjectInfo)
}

func (s *ClassificationProjectService) Get(w http.ResponseWriter, r *http.Request) {
	project, err := loadClassificationProject(s.db, r)
	if err != nil {
		writeError(w, "error loading classification project", err)
		return
	}
	utils.WriteJsonResponse(w, convertToClassificationProjectInfo(project))
}

type classificationProjectRequest struct {
	Name                *string    `json:"name"`
	ResearchProjectId   *uuid.UUID `json:"research_project_id"`
	ClassificatorId     *uuid.UUID `json:"classificator_id"`
	ClearClassificator  bool       `json:"clear_classificator"`
	Status              *string    `json:"status"`
	EnableSequencing    *bool      `json:"enable_sequencing"`
	EnableCrowdsourcing *bool      `json:"enable_crowdsourcing"`
}

func (params classificationProjectRequest) apply(project *schema.ClassificationProject) error {
	setIf(&project.Name, params.Name)
	setIf(&project.Status, params.Status)
	setIf(&project.EnableSequencing, params.EnableSequencing)
	setIf(&project.EnableCrowdsourcing, params.EnableCrowdsourcing)

	if project.Name == "" {
		return CodedError(errors.New("classification project name must be specified"), http.StatusUnprocessableEntity)
	}
	if err := schema.CheckValidClassificationProjectStatus(project.Status); err != nil {
		return CodedError(err, http.StatusUnprocessableEntity)
	}
	return nil
}

// classificatorChange resolves the classificator a request assigns. The bool is false when
// the request leaves it unchanged.
func (params classificationProjectRequest) classificatorChange(txn *gorm.DB, user schema.User) (*uuid.UUID, bool, error) {
	if params.ClearClassificator {
		return nil, true, nil
	}
	if params.ClassificatorId == nil {
		return nil, false, nil
	}
	c, err := schema.GetClassificator(*params.ClassificatorId, txn)
	if err != nil {
		return nil, false, domainError(err)
	}
	if c.DisabledAt != nil {
		return nil, false, CodedError(fmt.Errorf("classificator %v is disabled", c.Name), http.StatusUnprocessableEntity)
	}
	if err := requireCapability(txn, auth.ForClassificator(&c), user, auth.ViewAccess); err != nil {
		return nil, false, err
	}
	return &c.Id, true, nil
}

// Create starts a classification project on an approved research project the caller can
// update. The creator becomes its admin.
func (s *ClassificationProjectService) Create(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params classificationProjectRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if params.ResearchProjectId == nil {
		http.Error(w, "research_project_id must be specified", http.StatusUnprocessableEntity)
		return
	}

	now := time.Now().UTC()
	project := schema.ClassificationProject{
		Id:                uuid.New(),
		ResearchProjectId: *params.ResearchProjectId,
		OwnerId:           user.Id,
		Status:            schema.ProjectOngoing,
		EnableSequencing:  true,
		DateCreated:       now,
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		research, err := schema.GetResearchProject(project.ResearchProjectId, txn)
		if err != nil {
			return domainError(err)
		}
		if research.Status != schema.ProjectApproved {
			return CodedError(fmt.Errorf("research project %v is not approved", research.Acronym), http.StatusUnprocessableEntity)
		}
		if err := requireCapability(txn, auth.ForResearchProject(&research), user, auth.UpdateAccess); err != nil {
			return err
		}
		if err := params.apply(&project); err != nil {
			return err
		}
		classificatorId, changed, err := params.classificatorChange(txn, user)
		if err != nil {
			return err
		}

		if err := txn.Omit(clause.Associations).Create(&project).Error; err != nil {
			slog.Error("sql error creating classification project", "name", project.Name, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		role := schema.ClassificationProjectRole{Id: uuid.New(), ProjectId: project.Id, UserId: user.Id, Name: schema.RoleAdmin, DateCreated: now}
		if err := txn.Omit(clause.Associations).Create(&role).Error; err != nil {
			slog.Error("sql error creating classification project role", "project_id", project.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if changed {
			return assignClassificator(txn, project.Id, classificatorId, user.Id)
		}
		return nil
	})
	if err != nil {
		writeError(w, "error creating classification project", err)
		return
	}

	utils.WriteJsonResponse(w, createResponse{Id: project.Id})
}

func (s *ClassificationProjectService) Update(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params classificationProjectRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if params.ResearchProjectId != nil {
		http.Error(w, "the research project of a classification project cannot be changed", http.StatusUnprocessableEntity)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		project, err := activeProject(txn, r)
		if err != nil {
			return err
		}
		if err := params.apply(&project); err != nil {
			return err
		}
		classificatorId, changed, err := params.classificatorChange(txn, user)
		if err != nil {
			return err
		}
		if err := txn.Omit(clause.Associations, "classificator_id").Save(&project).Error; err != nil {
			slog.Error("sql error updating classification project", "project_id", project.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if changed && lo.FromPtr(classificatorId) != lo.FromPtr(project.ClassificatorId) {
			return assignClassificator(txn, project.Id, classificatorId, user.Id)
		}
		return nil
	})
	if err != nil {
		writeError(w, "error updating classification project", err)
		return
	}

	utils.WriteSuccess(w)
}

// purgeClassifications removes the classifications, user submissions and sequences of the
// given project collections.
func purgeClassifications(txn *gorm.DB, wrapperIds []uuid.UUID) error {
	if len(wrapperIds) == 0 {
		return nil
	}

	var sequenceIds []uuid.UUID
	if err := txn.Model(&schema.Sequence{}).Where("collection_id IN ?", wrapperIds).Pluck("id", &sequenceIds).Error; err != nil {
		slog.Error("sql error loading sequences", "error", err)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	if err := classification.DeleteSequences(txn, sequenceIds); err != nil {
		return domainError(err)
	}

	classifications := txn.Model(&schema.Classification{}).Select("id").Where("collection_id IN ?", wrapperIds)
	userClassifications := txn.Model(&schema.UserClassification{}).Select("id").Where("classification_id IN (?)", classifications)
	steps := []struct {
		what  string
		query *gorm.DB
		model interface{}
	}{
		{"user classification attrs", txn.Where("user_classification_id IN (?)", userClassifications), &schema.UserClassificationDynamicAttrs{}},
		{"user classifications", txn.Where("classification_id IN (?)", classifications), &schema.UserClassification{}},
		{"classification attrs", txn.Where("classification_id IN (?)", classifications), &schema.ClassificationDynamicAttrs{}},
		{"classifications", txn.Where("collection_id IN ?", wrapperIds), &schema.Classification{}},
	}
	for _, step := range steps {
		if err := step.query.Delete(step.model).Error; err != nil {
			slog.Error("sql error deleting "+step.what, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
	}
	return nil
}

// Delete removes the project, or only disables it when it holds an approved classification.
func (s *ClassificationProjectService) Delete(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	disabled := false
	err = s.db.Transaction(func(txn *gorm.DB) error {
		project, err := loadClassificationProject(txn, r)
		if err != nil {
			return domainError(err)
		}

		approved, err := classification.HasApproved(txn, project.Id)
		if err != nil {
			return domainError(err)
		}
		if approved {
			disabled = true
			err := txn.Model(&schema.ClassificationProject{}).Where("id = ?", project.Id).
				Updates(map[string]interface{}{"disabled_at": time.Now().UTC(), "disabled_by_id": user.Id}).Error
			if err != nil {
				slog.Error("sql error disabling classification project", "project_id", project.Id, "error", err)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
			return nil
		}

		collectionIds, err := collections.ClassificationCollectionIds(txn, project.Id)
		if err != nil {
			return domainError(err)
		}
		var wrapperIds []uuid.UUID
		if err := txn.Model(&schema.ClassificationProjectCollection{}).Where("project_id = ?", project.Id).Pluck("id", &wrapperIds).Error; err != nil {
			slog.Error("sql error loading project collections", "project_id", project.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if err := purgeClassifications(txn, wrapperIds); err != nil {
			return err
		}

		steps := []struct {
			what  string
			model interface{}
		}{
			{"project collections", &schema.ClassificationProjectCollection{}},
			{"project roles", &schema.ClassificationProjectRole{}},
			{"classificator history", &schema.ClassificatorHistory{}},
		}
		for _, step := range steps {
			if err := txn.Where("project_id = ?", project.Id).Delete(step.model).Error; err != nil {
				slog.Error("sql error deleting "+step.what, "project_id", project.Id, "error", err)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
		}
		for _, role := range project.Roles {
			if err := collections.RevokeBasicAccess(txn, collectionIds, role.UserId); err != nil {
				return domainError(err)
			}
		}
		if err := txn.Delete(&schema.ClassificationProject{}, "id = ?", project.Id).Error; err != nil {
			slog.Error("sql error deleting classification project", "project_id", project.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		writeError(w, "error deleting classification project", err)
		return
	}

	slog.Info("classification project removed", "disabled", disabled, "user_id", user.Id, "code", logging.CLASSIFY)
	utils.WriteJsonResponse(w, deleteResponse{Disabled: disabled})
}

func (s *ClassificationProjectService) SetRole(w http.ResponseWriter, r *http.Request) {
	var params roleRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if err := schema.CheckValidRole(params.Role); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	err := s.db.Transaction(func(txn *gorm.DB) error {
		project, err := activeProject(txn, r)
		if err != nil {
			return err
		}
		if err := checkUserExists(txn, params.UserId); err != nil {
			return err
		}

		role := schema.ClassificationProjectRole{Id: uuid.New(), ProjectId: project.Id, UserId: params.UserId, Name: params.Role, DateCreated: time.Now().UTC()}
		err = txn.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name"}),
		}).Omit(clause.Associations).Create(&role).Error
		if err != nil {
			slog.Error("sql error saving classification project role", "project_id", project.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		collectionIds, err := collections.ClassificationCollectionIds(txn, project.Id)
		if err != nil {
			return domainError(err)
		}
		return domainError(collections.GrantBasicAccess(txn, collectionIds, []uuid.UUID{params.UserId}))
	})
	if err != nil {
		writeError(w, "error setting classification project role", err)
		return
	}

	utils.WriteSuccess(w)
}

func (s *ClassificationProjectService) RemoveRole(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		project, err := loadClassificationProject(txn, r)
		if err != nil {
			return domainError(err)
		}
		if userId == project.OwnerId {
			return CodedError(errors.New("the project owner's role cannot be removed"), http.StatusUnprocessableEntity)
		}
		result := txn.Where("project_id = ? AND user_id = ?", project.Id, userId).Delete(&schema.ClassificationProjectRole{})
		if result.Error != nil {
			slog.Error("sql error deleting classification project role", "project_id", project.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected == 0 {
			return CodedError(fmt.Errorf("user %v has no role in project %v", userId, project.Name), http.StatusNotFound)
		}

		collectionIds, err := collections.ClassificationCollectionIds(txn, project.Id)
		if err != nil {
			return domainError(err)
		}
		return domainError(collections.RevokeBasicAccess(txn, collectionIds, userId))
	})
	if err != nil {
		writeError(w, "error removing classification project role", err)
		return
	}

	utils.WriteSuccess(w)
}

type ProjectCollectionInfo struct {
	Id                      uuid.UUID `json:"id"`
	CollectionId            uuid.UUID `json:"collection_id"`
	Name                    string    `json:"name"`
	IsActive                bool      `json:"is_active"`
	EnableSequencingExperts bool      `json:"enable_sequencing_experts"`
	EnableCrowdsourcing     bool      `json:"enable_crowdsourcing"`
	SequencingEnabled       bool      `json:"sequencing_enabled"`
}

func (s *ClassificationProjectService) Collections(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	project, err := loadClassificationProject(s.db, r)
	if err != nil {
		writeError(w, "error loading classification project", err)
		return
	}

	var wrappers []schema.ClassificationProjectCollection
	if err := s.db.Preload("Collection.Collection").Where("project_id = ?", project.Id).Find(&wrappers).Error; err != nil {
		slog.Error("sql error loading project collections", "project_id", project.Id, "error", err)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	infos := make([]ProjectCollectionInfo, 0, len(wrappers))
	for i := range wrappers {
		wrapper := &wrappers[i]
		sequencing, err := auth.CanChangeSequence(s.db, &project, wrapper, user)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		info := ProjectCollectionInfo{
			Id:                      wrapper.Id,
			IsActive:                wrapper.IsActive,
			EnableSequencingExperts: wrapper.EnableSequencingExperts,
			EnableCrowdsourcing:     wrapper.EnableCrowdsourcing,
			SequencingEnabled:       sequencing,
		}
		if wrapper.Collection != nil {
			info.CollectionId = wrapper.Collection.CollectionId
			if wrapper.Collection.Collection != nil {
				info.Name = wrapper.Collection.Collection.Name
			}
		}
		infos = append(infos, info)
	}

	utils.WriteJsonResponse(w, infos)
}

// AddCollections wraps research project collections, given by their storage collection ids,
// and creates the classifications of their resources.
func (s *ClassificationProjectService) AddCollections(w http.ResponseWriter, r *http.Request) {
	var params projectCollectionsRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	created := 0
	err := s.db.Transaction(func(txn *gorm.DB) error {
		project, err := activeProject(txn, r)
		if err != nil {
			return err
		}

		var bindings []schema.ResearchProjectCollection
		err = txn.Where("project_id = ? AND collection_id IN ?", project.ResearchProjectId, params.CollectionIds).Find(&bindings).Error
		if err != nil {
			slog.Error("sql error loading research project collections", "project_id", project.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if len(bindings) != len(uuidSet(params.CollectionIds)) {
			return CodedError(errors.New("every collection must belong to the research project"), http.StatusUnprocessableEntity)
		}

		wrappers := lo.Map(bindings, func(b schema.ResearchProjectCollection, _ int) schema.ClassificationProjectCollection {
			return schema.ClassificationProjectCollection{
				Id:                      uuid.New(),
				ProjectId:               project.Id,
				CollectionId:            b.Id,
				IsActive:                true,
				EnableSequencingExperts: true,
				EnableCrowdsourcing:     true,
			}
		})
		err = txn.Clauses(clause.OnConflict{DoNothing: true}).Omit(clause.Associations).Create(&wrappers).Error
		if err != nil {
			slog.Error("sql error wrapping collections", "project_id", project.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		created, err = classification.Rebuild(txn, project.Id)
		if err != nil {
			return domainError(err)
		}

		members := lo.Map(project.Roles, func(role schema.ClassificationProjectRole, _ int) uuid.UUID { return role.UserId })
		return domainError(collections.GrantBasicAccess(txn, params.CollectionIds, members))
	})
	if err != nil {
		writeError(w, "error adding collections to classification project", err)
		return
	}

	utils.WriteJsonResponse(w, countResponse{Count: created})
}

// RemoveCollections drops project collections with their classifications, unless one of them
// is approved.
func (s *ClassificationProjectService) RemoveCollections(w http.ResponseWriter, r *http.Request) {
	var params idsRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	err := s.db.Transaction(func(txn *gorm.DB) error {
		project, err := activeProject(txn, r)
		if err != nil {
			return err
		}

		var wrappers []schema.ClassificationProjectCollection
		if err := txn.Preload("Collection").Where("project_id = ? AND id IN ?", project.Id, params.Ids).Find(&wrappers).Error; err != nil {
			slog.Error("sql error loading project collections", "project_id", project.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if len(wrappers) != len(uuidSet(params.Ids)) {
			return CodedError(schema.ErrProjectCollectionNotFound, http.StatusNotFound)
		}
		wrapperIds := lo.Map(wrappers, func(w schema.ClassificationProjectCollection, _ int) uuid.UUID { return w.Id })

		var approved int64
		err = txn.Model(&schema.Classification{}).Where("collection_id IN ? AND status = ?", wrapperIds, schema.ClassificationApproved).Count(&approved).Error
		if err != nil {
			slog.Error("sql error counting approved classifications", "project_id", project.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if approved > 0 {
			return CodedError(fmt.Errorf("%w: %d approved classifications", schema.ErrStillReferenced, approved), http.StatusConflict)
		}

		if err := purgeClassifications(txn, wrapperIds); err != nil {
			return err
		}
		if err := txn.Where("id IN ?", wrapperIds).Delete(&schema.ClassificationProjectCollection{}).Error; err != nil {
			slog.Error("sql error deleting project collections", "project_id", project.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		storageIds := lo.FilterMap(wrappers, func(w schema.ClassificationProjectCollection, _ int) (uuid.UUID, bool) {
			if w.Collection == nil {
				return uuid.Nil, false
			}
			return w.Collection.CollectionId, true
		})
		for _, role := range project.Roles {
			if err := collections.RevokeBasicAccess(txn, storageIds, role.UserId); err != nil {
				return domainError(err)
			}
		}
		return nil
	})
	if err != nil {
		writeError(w, "error removing collections from classification project", err)
		return
	}

	utils.WriteSuccess(w)
}

type projectCollectionRequest struct {
	IsActive                *bool `json:"is_active"`
	EnableSequencingExperts *bool `json:"enable_sequencing_experts"`
	EnableCrowdsourcing     *bool `json:"enable_crowdsourcing"`
}

func (s *ClassificationProjectService) UpdateCollection(w http.ResponseWriter, r *http.Request) {
	var params projectCollectionRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	err := s.db.Transaction(func(txn *gorm.DB) error {
		project, err := activeProject(txn, r)
		if err != nil {
			return err
		}
		wrapper, err := loadProjectCollection(txn, r, project.Id)
		if err != nil {
			return err
		}
		setIf(&wrapper.IsActive, params.IsActive)
		setIf(&wrapper.EnableSequencingExperts, params.EnableSequencingExperts)
		setIf(&wrapper.EnableCrowdsourcing, params.EnableCrowdsourcing)
		if err := txn.Omit(clause.Associations).Save(&wrapper).Error; err != nil {
			slog.Error("sql error updating project collection", "collection_id", wrapper.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if wrapper.IsActive {
			_, err := classification.Rebuild(txn, project.Id)
			return domainError(err)
		}
		return nil
	})
	if err != nil {
		writeError(w, "error updating project collection", err)
		return
	}

	utils.WriteSuccess(w)
}

func loadProjectCollection(txn *gorm.DB, r *http.Request, projectId uuid.UUID) (schema.ClassificationProjectCollection, error) {
	collectionId, err := utils.URLParamUUID(r, "collection_id")
	if err != nil {
		return schema.ClassificationProjectCollection{}, CodedError(err, http.StatusBadRequest)
	}
	wrapper, err := schema.GetProjectCollection(collectionId, txn)
	if err != nil {
		return wrapper, domainError(err)
	}
	if wrapper.ProjectId != projectId {
		return wrapper, CodedError(schema.ErrProjectCollectionNotFound, http.StatusNotFound)
	}
	return wrapper, nil
}

func (s *ClassificationProjectService) Rebuild(w http.ResponseWriter, r *http.Request) {
	created := 0
	err := s.db.Transaction(func(txn *gorm.DB) error {
		project, err := activeProject(txn, r)
		if err != nil {
			return err
		}
		created, err = classification.Rebuild(txn, project.Id)
		return domainError(err)
	})
	if err != nil {
		writeError(w, "error rebuilding classifications", err)
		return
	}

	utils.WriteJsonResponse(w, countResponse{Count: created})
}

func (s *ClassificationProjectService) Stats(w http.ResponseWriter, r *http.Request) {
	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	stats, err := classification.ProjectStats(s.db, projectId)
	if err != nil {
		writeError(w, "error computing classification stats", err)
		return
	}
	utils.WriteJsonResponse(w, stats)
}

// projectForm compiles the form of the project's classificator.
func (s *ClassificationProjectService) projectForm(txn *gorm.DB, project schema.ClassificationProject) (classify.Form, error) {
	if project.Classificator == nil {
		return classify.Form{}, CodedError(fmt.Errorf("classification project %v has no classificator", project.Name), http.StatusUnprocessableEntity)
	}
	form, err := s.forms.Get(txn, project.Classificator)
	if err != nil {
		return form, domainError(err)
	}
	return form, nil
}

func (s *ClassificationProjectService) Form(w http.ResponseWriter, r *http.Request) {
	project, err := loadClassificationProject(s.db, r)
	if err != nil {
		writeError(w, "error loading classification project", err)
		return
	}
	form, err := s.projectForm(s.db, project)
	if err != nil {
		writeError(w, "error compiling form", err)
		return
	}
	utils.WriteJsonResponse(w, form)
}
