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
	"trapper_platform/trapper/schema"
	"trapper_platform/utils"
	"trapper_platform/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ClassificatorService struct {
	db          *gorm.DB
	userAuth    auth.IdentityProvider
	forms       *classify.FormCache
	pageSizeMax int
}

func (s *ClassificatorService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)

	r.Get("/list", s.List)
	r.Post("/create", s.Create)

	r.Route("/{classificator_id}", func(r chi.Router) {
		load := func(txn *gorm.DB, r *http.Request) (auth.Entity, error) {
			c, err := loadClassificator(txn, r)
			return auth.ForClassificator(&c), err
		}

		r.Group(func(r chi.Router) {
			r.Use(auth.CapabilityOnly(s.db, auth.ViewAccess, load, schema.ErrClassificatorNotFound))

			r.Get("/", s.Get)
			r.Get("/form", s.Form)
			r.Post("/clone", s.Clone)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.CapabilityOnly(s.db, auth.UpdateAccess, load, schema.ErrClassificatorNotFound))

			r.Post("/update", s.Update)
			r.Post("/attrs/custom", s.SetCustomAttr)
			r.Delete("/attrs/custom/{name}", s.RemoveCustomAttr)
			r.Post("/attrs/predefined", s.SetPredefinedAttrs)
			r.Post("/attrs/order", s.Reorder)
		})

		r.With(auth.CapabilityOnly(s.db, auth.DeleteAccess, load, schema.ErrClassificatorNotFound)).Delete("/", s.Delete)
	})

	return r
}

func loadClassificator(txn *gorm.DB, r *http.Request) (schema.Classificator, error) {
	classificatorId, err := utils.URLParamUUID(r, "classificator_id")
	if err != nil {
		return schema.Classificator{}, err
	}
	return schema.GetClassificator(classificatorId, txn)
}

type ClassificatorInfo struct {
	Id                uuid.UUID                             `json:"id"`
	Name              string                                `json:"name"`
	Description       string                                `json:"description"`
	Template          string                                `json:"template"`
	CustomAttrs       map[string]schema.CustomAttribute     `json:"custom_attrs"`
	PredefinedAttrs   map[string]schema.PredefinedAttribute `json:"predefined_attrs"`
	StaticAttrsOrder  []string                              `json:"static_attrs_order"`
	DynamicAttrsOrder []string                              `json:"dynamic_attrs_order"`
	OwnerId           uuid.UUID                             `json:"owner_id"`
	CopyOf            *uuid.UUID                            `json:"copy_of"`
	CreatedAt         time.Time                             `json:"created_at"`
	UpdatedAt         time.Time                             `json:"updated_at"`
	Disabled          bool                                  `json:"disabled"`
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func convertToClassificatorInfo(c schema.Classificator) ClassificatorInfo {
	return ClassificatorInfo{
		Id:                c.Id,
		Name:              c.Name,
		Description:       c.Description,
		Template:          c.Template,
		CustomAttrs:       c.Custom(),
		PredefinedAttrs:   c.Predefined(),
		StaticAttrsOrder:  nonNil(c.StaticAttrsOrder),
		DynamicAttrsOrder: nonNil(c.DynamicAttrsOrder),
		OwnerId:           c.OwnerId,
		CopyOf:            c.CopyOfId,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
		Disabled:          c.DisabledAt != nil,
	}
}

func (s *ClassificatorService) List(w http.ResponseWriter, r *http.Request) {
	query := s.db.Model(&schema.Classificator{}).Where("disabled_at IS NULL").Order("name")
	writeListing(w, r, query, classificatorListing, s.pageSizeMax, convertToClassificatorInfo)
}

func (s *ClassificatorService) Get(w http.ResponseWriter, r *http.Request) {
	c, err := loadClassificator(s.db, r)
	if err != nil {
		writeError(w, "error loading classificator", err)
		return
	}
	utils.WriteJsonResponse(w, convertToClassificatorInfo(c))
}

func (s *ClassificatorService) Form(w http.ResponseWriter, r *http.Request) {
	c, err := loadClassificator(s.db, r)
	if err != nil {
		writeError(w, "error loading classificator", err)
		return
	}
	form, err := s.forms.Get(s.db, &c)
	if err != nil {
		writeError(w, "error compiling classificator form", err)
		return
	}
	utils.WriteJsonResponse(w, form)
}

type classificatorRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Template    *string `json:"template"`
}

func checkClassificatorName(txn *gorm.DB, c schema.Classificator) error {
	if c.Name == "" {
		return CodedError(errors.New("classificator name must be specified"), http.StatusUnprocessableEntity)
	}
	var count int64
	if err := txn.Model(&schema.Classificator{}).Where("name = ? AND id != ?", c.Name, c.Id).Count(&count).Error; err != nil {
		slog.Error("sql error checking for duplicate classificator", "error", err)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	if count > 0 {
		return CodedError(fmt.Errorf("classificator %v already exists", c.Name), http.StatusConflict)
	}
	return nil
}

func (params classificatorRequest) apply(txn *gorm.DB, c *schema.Classificator) error {
	setIf(&c.Name, params.Name)
	setIf(&c.Description, params.Description)
	setIf(&c.Template, params.Template)
	if err := schema.CheckValidTemplate(c.Template); err != nil {
		return CodedError(err, http.StatusUnprocessableEntity)
	}
	return checkClassificatorName(txn, *c)
}

func (s *ClassificatorService) Create(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params classificatorRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	now := time.Now().UTC()
	c := schema.Classificator{Id: uuid.New(), Template: schema.TemplateInline, OwnerId: user.Id, CreatedAt: now, UpdatedAt: now}
	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := params.apply(txn, &c); err != nil {
			return err
		}
		if err := txn.Omit(clause.Associations).Create(&c).Error; err != nil {
			slog.Error("sql error creating classificator", "name", c.Name, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		writeError(w, "error creating classificator", err)
		return
	}

	utils.WriteJsonResponse(w, createResponse{Id: c.Id})
}

// mutate loads the classificator, applies change and saves it. The cached form is dropped
// afterwards.
func (s *ClassificatorService) mutate(w http.ResponseWriter, r *http.Request, what string, change func(txn *gorm.DB, c *schema.Classificator) error) {
	var id uuid.UUID
	err := s.db.Transaction(func(txn *gorm.DB) error {
		c, err := loadClassificator(txn, r)
		if err != nil {
			return domainError(err)
		}
		if c.DisabledAt != nil {
			return CodedError(fmt.Errorf("classificator %v is disabled", c.Name), http.StatusUnprocessableEntity)
		}
		id = c.Id
		if err := change(txn, &c); err != nil {
			return domainError(err)
		}
		c.UpdatedAt = time.Now().UTC()
		if err := txn.Omit(clause.Associations).Save(&c).Error; err != nil {
			slog.Error("sql error saving classificator", "classificator_id", c.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if id != uuid.Nil {
		s.forms.Invalidate(id)
	}
	if err != nil {
		writeError(w, "error "+what, err)
		return
	}

	utils.WriteSuccess(w)
}

func (s *ClassificatorService) Update(w http.ResponseWriter, r *http.Request) {
	var params classificatorRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	s.mutate(w, r, "updating classificator", func(txn *gorm.DB, c *schema.Classificator) error {
		return params.apply(txn, c)
	})
}

type customAttrRequest struct {
	Name string `json:"name"`
	schema.CustomAttribute
}

func (s *ClassificatorService) SetCustomAttr(w http.ResponseWriter, r *http.Request) {
	var params customAttrRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	s.mutate(w, r, "setting custom attribute", func(_ *gorm.DB, c *schema.Classificator) error {
		return classify.SetCustomAttr(c, params.Name, params.CustomAttribute)
	})
}

func (s *ClassificatorService) RemoveCustomAttr(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.mutate(w, r, "removing custom attribute", func(_ *gorm.DB, c *schema.Classificator) error {
		return classify.RemoveCustomAttr(c, name)
	})
}

type predefinedAttrsRequest struct {
	Attrs map[string]schema.PredefinedAttribute `json:"attrs"`
}

func (s *ClassificatorService) SetPredefinedAttrs(w http.ResponseWriter, r *http.Request) {
	var params predefinedAttrsRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if params.Attrs == nil {
		params.Attrs = map[string]schema.PredefinedAttribute{}
	}
	s.mutate(w, r, "setting predefined attributes", func(_ *gorm.DB, c *schema.Classificator) error {
		return classify.SetPredefinedAttrs(c, params.Attrs)
	})
}

type orderRequest struct {
	Static  []string `json:"static"`
	Dynamic []string `json:"dynamic"`
}

func (s *ClassificatorService) Reorder(w http.ResponseWriter, r *http.Request) {
	var params orderRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	s.mutate(w, r, "reordering attributes", func(_ *gorm.DB, c *schema.Classificator) error {
		return classify.Reorder(c, nonNil(params.Static), nonNil(params.Dynamic))
	})
}

func (s *ClassificatorService) Clone(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var clone schema.Classificator
	err = s.db.Transaction(func(txn *gorm.DB) error {
		original, err := loadClassificator(txn, r)
		if err != nil {
			return domainError(err)
		}
		clone, err = classify.Clone(txn, &original, user.Id)
		return domainError(err)
	})
	if err != nil {
		writeError(w, "error cloning classificator", err)
		return
	}

	utils.WriteJsonResponse(w, convertToClassificatorInfo(clone))
}

type deleteResponse struct {
	Disabled bool `json:"disabled"`
}

// Delete removes the classificator, or only disables it when a project using it holds an
// approved classification.
func (s *ClassificatorService) Delete(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var (
		id       uuid.UUID
		disabled bool
	)
	err = s.db.Transaction(func(txn *gorm.DB) error {
		c, err := loadClassificator(txn, r)
		if err != nil {
			return domainError(err)
		}
		id = c.Id

		var projectIds []uuid.UUID
		if err := txn.Model(&schema.ClassificationProject{}).Where("classificator_id = ?", c.Id).Pluck("id", &projectIds).Error; err != nil {
			slog.Error("sql error loading classificator projects", "classificator_id", c.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		approved, err := classification.HasApproved(txn, projectIds...)
		if err != nil {
			return domainError(err)
		}

		if approved {
			disabled = true
			now := time.Now().UTC()
			err := txn.Model(&schema.Classificator{}).Where("id = ?", c.Id).
				Updates(map[string]interface{}{"disabled_at": now, "disabled_by_id": user.Id}).Error
			if err != nil {
				slog.Error("sql error disabling classificator", "classificator_id", c.Id, "error", err)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
			return nil
		}

		for _, projectId := range projectIds {
			if err := assignClassificator(txn, projectId, nil, user.Id); err != nil {
				return err
			}
		}
		if err := txn.Model(&schema.Classificator{}).Where("copy_of_id = ?", c.Id).Update("copy_of_id", nil).Error; err != nil {
			slog.Error("sql error unlinking classificator copies", "classificator_id", c.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if err := txn.Delete(&schema.Classificator{}, "id = ?", c.Id).Error; err != nil {
			slog.Error("sql error deleting classificator", "classificator_id", c.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if id != uuid.Nil {
		s.forms.Invalidate(id)
	}
	if err != nil {
		writeError(w, "error deleting classificator", err)
		return
	}

	slog.Info("classificator removed", "classificator_id", id, "disabled", disabled, "user_id", user.Id, "code", logging.CLASSIFY)
	utils.WriteJsonResponse(w, deleteResponse{Disabled: disabled})
}

// assignClassificator sets a project's classificator and records the change in its history.
func assignClassificator(txn *gorm.DB, projectId uuid.UUID, classificatorId *uuid.UUID, actor uuid.UUID) error {
	if err := txn.Model(&schema.ClassificationProject{}).Where("id = ?", projectId).Update("classificator_id", classificatorId).Error; err != nil {
		slog.Error("sql error assigning classificator", "project_id", projectId, "error", err)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	history := schema.ClassificatorHistory{
		Id:              uuid.New(),
		ProjectId:       projectId,
		ClassificatorId: classificatorId,
		ChangedById:     &actor,
		ChangedAt:       time.Now().UTC(),
	}
	if err := txn.Create(&history).Error; err != nil {
		slog.Error("sql error recording classificator history", "project_id", projectId, "error", err)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	return nil
}
