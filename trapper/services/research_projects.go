package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"trapper_platform/trapper/auth"
	"trapper_platform/trapper/collections"
	"trapper_platform/trapper/messaging"
	"trapper_platform/trapper/schema"
	"trapper_platform/utils"
	"trapper_platform/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ResearchProjectService struct {
	db          *gorm.DB
	userAuth    auth.IdentityProvider
	pageSizeMax int
}

func (s *ResearchProjectService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)

	r.Get("/list", s.List)
	r.Post("/create", s.Create)

	r.Route("/{project_id}", func(r chi.Router) {
		load := func(txn *gorm.DB, r *http.Request) (auth.Entity, error) {
			project, err := loadResearchProject(txn, r)
			return auth.ForResearchProject(&project), err
		}

		r.With(auth.CapabilityOnly(s.db, auth.ViewAccess, load, schema.ErrResearchProjectNotFound)).Get("/", s.Get)
		r.With(auth.CapabilityOnly(s.db, auth.DeleteAccess, load, schema.ErrResearchProjectNotFound)).Delete("/", s.Delete)
		r.With(auth.AdminOnly(s.db)).Post("/decision", s.Decide)

		r.Group(func(r chi.Router) {
			r.Use(auth.CapabilityOnly(s.db, auth.UpdateAccess, load, schema.ErrResearchProjectNotFound))

			r.Post("/update", s.Update)
			r.Post("/roles", s.SetRole)
			r.Delete("/roles/{user_id}", s.RemoveRole)
			r.Post("/collections/add", s.AddCollections)
			r.Post("/collections/remove", s.RemoveCollections)
		})
	})

	return r
}

func loadResearchProject(txn *gorm.DB, r *http.Request) (schema.ResearchProject, error) {
	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		return schema.ResearchProject{}, err
	}
	return schema.GetResearchProject(projectId, txn)
}

type RoleInfo struct {
	UserId uuid.UUID `json:"user_id"`
	Role   string    `json:"role"`
}

type ResearchProjectInfo struct {
	Id          uuid.UUID   `json:"id"`
	Name        string      `json:"name"`
	Acronym     string      `json:"acronym"`
	Description string      `json:"description"`
	Abstract    string      `json:"abstract"`
	Methods     string      `json:"methods"`
	Keywords    []string    `json:"keywords"`
	OwnerId     uuid.UUID   `json:"owner_id"`
	Status      string      `json:"status"`
	StatusDate  *time.Time  `json:"status_date"`
	Roles       []RoleInfo  `json:"roles"`
	Collections []uuid.UUID `json:"collections"`
	DateCreated time.Time   `json:"date_created"`
}

func convertToResearchProjectInfo(p schema.ResearchProject) ResearchProjectInfo {
	keywords := []string(p.Keywords)
	if keywords == nil {
		keywords = []string{}
	}
	return ResearchProjectInfo{
		Id:          p.Id,
		Name:        p.Name,
		Acronym:     p.Acronym,
		Description: p.Description,
		Abstract:    p.Abstract,
		Methods:     p.Methods,
		Keywords:    keywords,
		OwnerId:     p.OwnerId,
		Status:      p.Status,
		StatusDate:  p.StatusDate,
		Roles: lo.Map(p.Roles, func(role schema.ResearchProjectRole, _ int) RoleInfo {
			return RoleInfo{UserId: role.UserId, Role: role.Name}
		}),
		Collections: lo.Map(p.Collections, func(c schema.ResearchProjectCollection, _ int) uuid.UUID { return c.CollectionId }),
		DateCreated: p.DateCreated,
	}
}

func (s *ResearchProjectService) List(w http.ResponseWriter, r *http.Request) {
	query := s.db.Model(&schema.ResearchProject{}).Preload("Roles").Preload("Collections").Order("name")
	writeListing(w, r, query, researchProjectListing, s.pageSizeMax, convertToResearchProjectInfo)
}

func (s *ResearchProjectService) Get(w http.ResponseWriter, r *http.Request) {
	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var project schema.ResearchProject
	if err := s.db.Preload("Roles").Preload("Collections").First(&project, "id = ?", projectId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, schema.ErrResearchProjectNotFound.Error(), http.StatusNotFound)
			return
		}
		slog.Error("sql error loading research project", "project_id", projectId, "error", err)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, convertToResearchProjectInfo(project))
}

type researchProjectRequest struct {
	Name        *string  `json:"name"`
	Acronym     *string  `json:"acronym"`
	Description *string  `json:"description"`
	Abstract    *string  `json:"abstract"`
	Methods     *string  `json:"methods"`
	Keywords    []string `json:"keywords"`
}

func (params researchProjectRequest) apply(txn *gorm.DB, project *schema.ResearchProject) error {
	setIf(&project.Name, params.Name)
	setIf(&project.Acronym, params.Acronym)
	setIf(&project.Description, params.Description)
	setIf(&project.Abstract, params.Abstract)
	setIf(&project.Methods, params.Methods)
	if params.Keywords != nil {
		project.Keywords = lo.Uniq(lo.Map(params.Keywords, func(k string, _ int) string { return strings.TrimSpace(k) }))
	}

	if project.Name == "" || project.Acronym == "" {
		return CodedError(errors.New("research project name and acronym must be specified"), http.StatusUnprocessableEntity)
	}
	if len(project.Acronym) > 10 {
		return CodedError(fmt.Errorf("acronym %v is longer than 10 characters", project.Acronym), http.StatusUnprocessableEntity)
	}

	var count int64
	err := txn.Model(&schema.ResearchProject{}).Where("(name = ? OR acronym = ?) AND id != ?", project.Name, project.Acronym, project.Id).Count(&count).Error
	if err != nil {
		slog.Error("sql error checking for duplicate research project", "error", err)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	if count > 0 {
		return CodedError(fmt.Errorf("research project with name %v or acronym %v already exists", project.Name, project.Acronym), http.StatusConflict)
	}
	return nil
}

// Create registers an unprocessed project with the creator as its admin and asks the
// administrators for a decision.
func (s *ResearchProjectService) Create(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params researchProjectRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	now := time.Now().UTC()
	project := schema.ResearchProject{
		Id:          uuid.New(),
		OwnerId:     user.Id,
		Status:      schema.ProjectUnprocessed,
		DateCreated: now,
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := params.apply(txn, &project); err != nil {
			return err
		}
		if err := txn.Omit(clause.Associations).Create(&project).Error; err != nil {
			slog.Error("sql error creating research project", "name", project.Name, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		role := schema.ResearchProjectRole{Id: uuid.New(), ProjectId: project.Id, UserId: user.Id, Name: schema.RoleAdmin, DateCreated: now}
		if err := txn.Omit(clause.Associations).Create(&role).Error; err != nil {
			slog.Error("sql error creating research project role", "project_id", project.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		text := fmt.Sprintf("User %v created the research project %v (%v). It is waiting for a decision.", user.Username, project.Name, project.Acronym)
		return domainError(messaging.NotifyAdmins(txn, schema.MessageProjectCreated, "New research project", text))
	})
	if err != nil {
		writeError(w, "error creating research project", err)
		return
	}

	utils.WriteJsonResponse(w, createResponse{Id: project.Id})
}

func (s *ResearchProjectService) Update(w http.ResponseWriter, r *http.Request) {
	var params researchProjectRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	err := s.db.Transaction(func(txn *gorm.DB) error {
		project, err := loadResearchProject(txn, r)
		if err != nil {
			return domainError(err)
		}
		if err := params.apply(txn, &project); err != nil {
			return err
		}
		if err := txn.Omit(clause.Associations).Save(&project).Error; err != nil {
			slog.Error("sql error updating research project", "project_id", project.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		writeError(w, "error updating research project", err)
		return
	}

	utils.WriteSuccess(w)
}

// Delete refuses while classification projects still work on the project.
func (s *ResearchProjectService) Delete(w http.ResponseWriter, r *http.Request) {
	err := s.db.Transaction(func(txn *gorm.DB) error {
		project, err := loadResearchProject(txn, r)
		if err != nil {
			return domainError(err)
		}

		var count int64
		if err := txn.Model(&schema.ClassificationProject{}).Where("research_project_id = ?", project.Id).Count(&count).Error; err != nil {
			slog.Error("sql error counting classification projects", "project_id", project.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if count > 0 {
			return CodedError(fmt.Errorf("%w: research project %v has %d classification projects", schema.ErrStillReferenced, project.Acronym, count), http.StatusConflict)
		}

		collectionIds, err := collections.ResearchCollectionIds(txn, project.Id)
		if err != nil {
			return domainError(err)
		}
		for _, role := range project.Roles {
			if err := txn.Delete(&role).Error; err != nil {
				slog.Error("sql error deleting research project role", "project_id", project.Id, "error", err)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
			if err := collections.RevokeBasicAccess(txn, collectionIds, role.UserId); err != nil {
				return domainError(err)
			}
		}

		if err := txn.Where("project_id = ?", project.Id).Delete(&schema.ResearchProjectCollection{}).Error; err != nil {
			slog.Error("sql error deleting research project collections", "project_id", project.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if err := txn.Where("project_id = ?", project.Id).Delete(&schema.CollectionRequest{}).Error; err != nil {
			slog.Error("sql error deleting collection requests", "project_id", project.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if err := txn.Delete(&schema.ResearchProject{}, "id = ?", project.Id).Error; err != nil {
			slog.Error("sql error deleting research project", "project_id", project.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		writeError(w, "error deleting research project", err)
		return
	}

	utils.WriteSuccess(w)
}

type decisionRequest struct {
	Status string `json:"status"`
}

func (s *ResearchProjectService) Decide(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params decisionRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if err := schema.CheckValidProjectDecision(params.Status); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		project, err := loadResearchProject(txn, r)
		if err != nil {
			return domainError(err)
		}
		now := time.Now().UTC()
		result := txn.Model(&schema.ResearchProject{}).Where("id = ?", project.Id).
			Updates(map[string]interface{}{"status": params.Status, "status_date": now})
		if result.Error != nil {
			slog.Error("sql error updating research project status", "project_id", project.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		text := fmt.Sprintf("Your research project %v (%v) has been %v.", project.Name, project.Acronym, params.Status)
		_, err = messaging.Send(txn, &user.Id, project.OwnerId, schema.MessageStandard, "Research project "+params.Status, text)
		return domainError(err)
	})
	if err != nil {
		writeError(w, "error deciding on research project", err)
		return
	}

	slog.Info("research project decision", "status", params.Status, "admin", user.Id, "code", logging.ACCESS)
	utils.WriteSuccess(w)
}

type roleRequest struct {
	UserId uuid.UUID `json:"user_id"`
	Role   string    `json:"role"`
}

// SetRole adds or changes a member's role. New members get basic access to the project's
// collections.
func (s *ResearchProjectService) SetRole(w http.ResponseWriter, r *http.Request) {
	var params roleRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if err := schema.CheckValidRole(params.Role); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	err := s.db.Transaction(func(txn *gorm.DB) error {
		project, err := loadResearchProject(txn, r)
		if err != nil {
			return domainError(err)
		}
		if err := checkUserExists(txn, params.UserId); err != nil {
			return err
		}

		role := schema.ResearchProjectRole{Id: uuid.New(), ProjectId: project.Id, UserId: params.UserId, Name: params.Role, DateCreated: time.Now().UTC()}
		err = txn.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name"}),
		}).Omit(clause.Associations).Create(&role).Error
		if err != nil {
			slog.Error("sql error saving research project role", "project_id", project.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		collectionIds, err := collections.ResearchCollectionIds(txn, project.Id)
		if err != nil {
			return domainError(err)
		}
		return domainError(collections.GrantBasicAccess(txn, collectionIds, []uuid.UUID{params.UserId}))
	})
	if err != nil {
		writeError(w, "error setting research project role", err)
		return
	}

	utils.WriteSuccess(w)
}

func (s *ResearchProjectService) RemoveRole(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		project, err := loadResearchProject(txn, r)
		if err != nil {
			return domainError(err)
		}
		if userId == project.OwnerId {
			return CodedError(errors.New("the project owner's role cannot be removed"), http.StatusUnprocessableEntity)
		}
		result := txn.Where("project_id = ? AND user_id = ?", project.Id, userId).Delete(&schema.ResearchProjectRole{})
		if result.Error != nil {
			slog.Error("sql error deleting research project role", "project_id", project.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected == 0 {
			return CodedError(fmt.Errorf("user %v has no role in project %v", userId, project.Acronym), http.StatusNotFound)
		}

		collectionIds, err := collections.ResearchCollectionIds(txn, project.Id)
		if err != nil {
			return domainError(err)
		}
		return domainError(collections.RevokeBasicAccess(txn, collectionIds, userId))
	})
	if err != nil {
		writeError(w, "error removing research project role", err)
		return
	}

	utils.WriteSuccess(w)
}

type projectCollectionsRequest struct {
	CollectionIds []uuid.UUID `json:"collection_ids"`
}

// AddCollections binds collections the caller can view. Collections already bound are skipped.
func (s *ResearchProjectService) AddCollections(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params projectCollectionsRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	added := 0
	err = s.db.Transaction(func(txn *gorm.DB) error {
		project, err := loadResearchProject(txn, r)
		if err != nil {
			return domainError(err)
		}

		var cols []schema.Collection
		if err := txn.Preload("Managers").Where("id IN ?", params.CollectionIds).Find(&cols).Error; err != nil {
			slog.Error("sql error loading collections", "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if len(cols) != len(uuidSet(params.CollectionIds)) {
			return CodedError(schema.ErrCollectionNotFound, http.StatusNotFound)
		}
		if err := requireAll(txn, user, cols, auth.ForCollection, auth.ViewAccess); err != nil {
			return err
		}

		existing, err := collections.ResearchCollectionIds(txn, project.Id)
		if err != nil {
			return domainError(err)
		}
		fresh, _ := lo.Difference(lo.Uniq(params.CollectionIds), existing)
		if len(fresh) == 0 {
			return nil
		}

		bindings := lo.Map(fresh, func(id uuid.UUID, _ int) schema.ResearchProjectCollection {
			return schema.ResearchProjectCollection{Id: uuid.New(), ProjectId: project.Id, CollectionId: id}
		})
		if err := txn.Omit(clause.Associations).Create(&bindings).Error; err != nil {
			slog.Error("sql error binding collections", "project_id", project.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		added = len(bindings)

		members := lo.Map(project.Roles, func(role schema.ResearchProjectRole, _ int) uuid.UUID { return role.UserId })
		return domainError(collections.GrantBasicAccess(txn, fresh, members))
	})
	if err != nil {
		writeError(w, "error adding collections to research project", err)
		return
	}

	utils.WriteJsonResponse(w, countResponse{Count: added})
}

// RemoveCollections unbinds collections. A collection used by a classification project stays.
func (s *ResearchProjectService) RemoveCollections(w http.ResponseWriter, r *http.Request) {
	var params projectCollectionsRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	err := s.db.Transaction(func(txn *gorm.DB) error {
		project, err := loadResearchProject(txn, r)
		if err != nil {
			return domainError(err)
		}

		var bindings []schema.ResearchProjectCollection
		if err := txn.Where("project_id = ? AND collection_id IN ?", project.Id, params.CollectionIds).Find(&bindings).Error; err != nil {
			slog.Error("sql error loading research project collections", "project_id", project.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if len(bindings) == 0 {
			return nil
		}
		bindingIds := lo.Map(bindings, func(b schema.ResearchProjectCollection, _ int) uuid.UUID { return b.Id })

		var wrapped int64
		if err := txn.Model(&schema.ClassificationProjectCollection{}).Where("collection_id IN ?", bindingIds).Count(&wrapped).Error; err != nil {
			slog.Error("sql error checking classification project collections", "project_id", project.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if wrapped > 0 {
			return CodedError(fmt.Errorf("%w: collection is used by a classification project", schema.ErrStillReferenced), http.StatusConflict)
		}

		if err := txn.Where("id IN ?", bindingIds).Delete(&schema.ResearchProjectCollection{}).Error; err != nil {
			slog.Error("sql error removing research project collections", "project_id", project.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		removed := lo.Map(bindings, func(b schema.ResearchProjectCollection, _ int) uuid.UUID { return b.CollectionId })
		for _, role := range project.Roles {
			if err := collections.RevokeBasicAccess(txn, removed, role.UserId); err != nil {
				return domainError(err)
			}
		}
		return nil
	})
	if err != nil {
		writeError(w, "error removing collections from research project", err)
		return
	}

	utils.WriteSuccess(w)
}
