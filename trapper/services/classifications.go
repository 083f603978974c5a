package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"trapper_platform/trapper/auth"
	"trapper_platform/trapper/classification"
	"trapper_platform/trapper/jobs"
	"trapper_platform/trapper/schema"
	"trapper_platform/utils"
	"trapper_platform/utils/logging"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

type ClassificationInfo struct {
	Id           uuid.UUID                `json:"id"`
	ResourceId   uuid.UUID                `json:"resource_id"`
	ResourceName string                   `json:"resource_name"`
	CollectionId uuid.UUID                `json:"collection_id"`
	SequenceId   *uuid.UUID               `json:"sequence_id"`
	Status       string                   `json:"status"`
	StaticAttrs  map[string]interface{}   `json:"static_attrs,omitempty"`
	DynamicAttrs []map[string]interface{} `json:"dynamic_attrs,omitempty"`
	ApprovedAt   *time.Time               `json:"approved_at"`
	ApprovedById *uuid.UUID               `json:"approved_by_id"`
	UpdatedAt    time.Time                `json:"updated_at"`
}

type UserClassificationInfo struct {
	Id           uuid.UUID                `json:"id"`
	OwnerId      uuid.UUID                `json:"owner_id"`
	StaticAttrs  map[string]interface{}   `json:"static_attrs"`
	DynamicAttrs []map[string]interface{} `json:"dynamic_attrs"`
	UpdatedAt    time.Time                `json:"updated_at"`
}

type classificationDetails struct {
	ClassificationInfo
	UserClassifications []UserClassificationInfo `json:"user_classifications"`
}

func convertToClassificationInfo(c schema.Classification, withValues bool) ClassificationInfo {
	info := ClassificationInfo{
		Id:           c.Id,
		ResourceId:   c.ResourceId,
		CollectionId: c.CollectionId,
		SequenceId:   c.SequenceId,
		Status:       c.Status,
		ApprovedAt:   c.ApprovedAt,
		ApprovedById: c.ApprovedById,
		UpdatedAt:    c.UpdatedAt,
	}
	if c.Resource != nil {
		info.ResourceName = c.Resource.Name
	}
	if withValues {
		info.StaticAttrs = c.StaticAttrs.Data().Plain()
		info.DynamicAttrs = lo.Map(c.DynamicAttrs, func(row schema.ClassificationDynamicAttrs, _ int) map[string]interface{} {
			return row.Attrs.Data().Plain()
		})
	}
	return info
}

func convertToUserClassificationInfo(uc schema.UserClassification) UserClassificationInfo {
	return UserClassificationInfo{
		Id:          uc.Id,
		OwnerId:     uc.OwnerId,
		StaticAttrs: uc.StaticAttrs.Data().Plain(),
		DynamicAttrs: lo.Map(uc.DynamicAttrs, func(row schema.UserClassificationDynamicAttrs, _ int) map[string]interface{} {
			return row.Attrs.Data().Plain()
		}),
		UpdatedAt: uc.UpdatedAt,
	}
}

// classificationContext loads the project and the caller for a classification endpoint.
func classificationContext(txn *gorm.DB, r *http.Request) (schema.ClassificationProject, schema.User, error) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		return schema.ClassificationProject{}, user, CodedError(err, http.StatusInternalServerError)
	}
	project, err := loadClassificationProject(txn, r)
	if err != nil {
		return project, user, domainError(err)
	}
	return project, user, nil
}

func requireProjectAdmin(txn *gorm.DB, project *schema.ClassificationProject, user schema.User) error {
	admin, err := auth.IsProjectAdmin(txn, project, user)
	if err != nil {
		return CodedError(err, http.StatusInternalServerError)
	}
	if !admin {
		return denied("user %v is not an admin of classification project %v", user.Username, project.Name)
	}
	return nil
}

// ListClassifications pages through the project's classifications. Values are only shown to
// users allowed to browse results.
func (s *ClassificationProjectService) ListClassifications(w http.ResponseWriter, r *http.Request) {
	project, user, err := classificationContext(s.db, r)
	if err != nil {
		writeError(w, "error listing classifications", err)
		return
	}
	withValues, err := auth.CanViewClassifications(s.db, &project, user)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	query := s.db.Model(&schema.Classification{}).
		Preload("Resource.Deployment.Location").
		Preload("DynamicAttrs", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("project_id = ?", project.Id).
		Order("created_at")
	writeListing(w, r, query, classificationListing, s.pageSizeMax, func(c schema.Classification) ClassificationInfo {
		return convertToClassificationInfo(c, withValues)
	})
}

func (s *ClassificationProjectService) loadClassification(txn *gorm.DB, r *http.Request, projectId uuid.UUID) (schema.Classification, error) {
	classificationId, err := utils.URLParamUUID(r, "classification_id")
	if err != nil {
		return schema.Classification{}, CodedError(err, http.StatusBadRequest)
	}
	var c schema.Classification
	result := txn.Preload("Resource").
		Preload("DynamicAttrs", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Limit(1).Find(&c, "id = ?", classificationId)
	if result.Error != nil {
		slog.Error("sql error loading classification", "classification_id", classificationId, "error", result.Error)
		return c, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	if result.RowsAffected == 0 || c.ProjectId != projectId {
		return c, CodedError(schema.ErrClassificationNotFound, http.StatusNotFound)
	}
	return c, nil
}

// GetClassification returns a classification with the submissions the caller may see: all of
// them for result viewers, otherwise only the caller's own.
func (s *ClassificationProjectService) GetClassification(w http.ResponseWriter, r *http.Request) {
	project, user, err := classificationContext(s.db, r)
	if err != nil {
		writeError(w, "error loading classification", err)
		return
	}
	c, err := s.loadClassification(s.db, r, project.Id)
	if err != nil {
		writeError(w, "error loading classification", err)
		return
	}
	viewAll, err := auth.CanViewClassifications(s.db, &project, user)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	query := s.db.Preload("DynamicAttrs", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("classification_id = ?", c.Id)
	if !viewAll {
		query = query.Where("owner_id = ?", user.Id)
	}
	var submissions []schema.UserClassification
	if err := query.Order("updated_at").Find(&submissions).Error; err != nil {
		slog.Error("sql error loading user classifications", "classification_id", c.Id, "error", err)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, classificationDetails{
		ClassificationInfo:  convertToClassificationInfo(c, viewAll),
		UserClassifications: lo.Map(submissions, func(uc schema.UserClassification, _ int) UserClassificationInfo { return convertToUserClassificationInfo(uc) }),
	})
}

type valuesRequest struct {
	Static     map[string]interface{}   `json:"static"`
	Dynamic    []map[string]interface{} `json:"dynamic"`
	SequenceId *uuid.UUID               `json:"sequence_id"`
	Approve    bool                     `json:"approve"`
}

func (s *ClassificationProjectService) validateValues(txn *gorm.DB, project schema.ClassificationProject, c schema.Classification, params valuesRequest) (schema.AttrBag, []schema.AttrBag, error) {
	form, err := s.projectForm(txn, project)
	if err != nil {
		return nil, nil, err
	}
	resourceType := ""
	if c.Resource != nil {
		resourceType = c.Resource.ResourceType
	}
	return form.Validate(params.Static, params.Dynamic, resourceType)
}

// Submit records the caller's values for a classification, or for each classification of a
// sequence when sequence_id is given.
func (s *ClassificationProjectService) Submit(w http.ResponseWriter, r *http.Request) {
	var params valuesRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	var submission schema.UserClassification
	err := s.db.Transaction(func(txn *gorm.DB) error {
		project, user, err := classificationContext(txn, r)
		if err != nil {
			return err
		}
		allowed, err := auth.CanClassify(txn, &project, user)
		if err != nil {
			return CodedError(err, http.StatusInternalServerError)
		}
		if !allowed {
			return denied("user %v cannot classify in project %v", user.Username, project.Name)
		}
		c, err := s.loadClassification(txn, r, project.Id)
		if err != nil {
			return err
		}
		static, dynamic, err := s.validateValues(txn, project, c, params)
		if err != nil {
			return err
		}

		submission, err = classification.Submit(txn, &project, c.Id, user, classification.Submission{
			Static:     static,
			Dynamic:    dynamic,
			SequenceId: params.SequenceId,
		})
		return domainError(err)
	})
	if err != nil {
		writeError(w, "error submitting classification", err)
		return
	}

	utils.WriteJsonResponse(w, convertToUserClassificationInfo(submission))
}

type approveRequest struct {
	UserClassificationId uuid.UUID  `json:"user_classification_id"`
	ExpectedUpdatedAt    *time.Time `json:"expected_updated_at"`
}

func (s *ClassificationProjectService) Approve(w http.ResponseWriter, r *http.Request) {
	var params approveRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	var approved schema.Classification
	err := s.db.Transaction(func(txn *gorm.DB) error {
		project, user, err := classificationContext(txn, r)
		if err != nil {
			return err
		}
		if err := requireProjectAdmin(txn, &project, user); err != nil {
			return err
		}
		classificationId, err := utils.URLParamUUID(r, "classification_id")
		if err != nil {
			return CodedError(err, http.StatusBadRequest)
		}
		approved, err = classification.Approve(txn, project.Id, classificationId, params.UserClassificationId, user, params.ExpectedUpdatedAt)
		return domainError(err)
	})
	if err != nil {
		writeError(w, "error approving classification", err)
		return
	}

	utils.WriteJsonResponse(w, convertToClassificationInfo(approved, true))
}

func (s *ClassificationProjectService) BulkApprove(w http.ResponseWriter, r *http.Request) {
	var params idsRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	var approved []schema.Classification
	err := s.db.Transaction(func(txn *gorm.DB) error {
		project, user, err := classificationContext(txn, r)
		if err != nil {
			return err
		}
		if err := requireProjectAdmin(txn, &project, user); err != nil {
			return err
		}
		approved, err = classification.BulkApprove(txn, project.Id, params.Ids, user)
		return domainError(err)
	})
	if err != nil {
		writeError(w, "error approving classifications", err)
		return
	}

	utils.WriteJsonResponse(w, countResponse{Count: len(approved)})
}

type transitionRequest struct {
	ExpectedUpdatedAt *time.Time `json:"expected_updated_at"`
}

// adminTransition runs an admin-only state change on the classification in the URL. The
// body is optional.
func (s *ClassificationProjectService) adminTransition(w http.ResponseWriter, r *http.Request, what string, change func(txn *gorm.DB, projectId, classificationId uuid.UUID, expectedUpdatedAt *time.Time) (schema.Classification, error)) {
	var params transitionRequest
	if r.ContentLength != 0 {
		if !utils.ParseRequestBody(w, r, &params) {
			return
		}
	}

	var result schema.Classification
	err := s.db.Transaction(func(txn *gorm.DB) error {
		project, user, err := classificationContext(txn, r)
		if err != nil {
			return err
		}
		if err := requireProjectAdmin(txn, &project, user); err != nil {
			return err
		}
		classificationId, err := utils.URLParamUUID(r, "classification_id")
		if err != nil {
			return CodedError(err, http.StatusBadRequest)
		}
		result, err = change(txn, project.Id, classificationId, params.ExpectedUpdatedAt)
		return domainError(err)
	})
	if err != nil {
		writeError(w, "error trying to "+what+" classification", err)
		return
	}

	utils.WriteJsonResponse(w, convertToClassificationInfo(result, true))
}

func (s *ClassificationProjectService) Unapprove(w http.ResponseWriter, r *http.Request) {
	s.adminTransition(w, r, "unapprove", classification.Unapprove)
}

func (s *ClassificationProjectService) Clear(w http.ResponseWriter, r *http.Request) {
	s.adminTransition(w, r, "clear", classification.Clear)
}

// SetValues writes values straight onto a classification. The creator of the classification
// or a project admin may do this.
func (s *ClassificationProjectService) SetValues(w http.ResponseWriter, r *http.Request) {
	var params valuesRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	err := s.db.Transaction(func(txn *gorm.DB) error {
		project, user, err := classificationContext(txn, r)
		if err != nil {
			return err
		}
		if project.Status == schema.ProjectFinished {
			return domainError(classification.ErrProjectFinished)
		}
		c, err := s.loadClassification(txn, r, project.Id)
		if err != nil {
			return err
		}
		allowed, err := auth.CanUpdateClassification(txn, &project, &c, user)
		if err != nil {
			return CodedError(err, http.StatusInternalServerError)
		}
		if !allowed {
			return denied("user %v cannot update classification %v", user.Username, c.Id)
		}
		if params.Approve {
			if err := requireProjectAdmin(txn, &project, user); err != nil {
				return err
			}
		}
		static, dynamic, err := s.validateValues(txn, project, c, params)
		if err != nil {
			return err
		}
		return domainError(classification.SetValues(txn, &c, static, dynamic, user, params.Approve))
	})
	if err != nil {
		writeError(w, "error setting classification values", err)
		return
	}

	utils.WriteSuccess(w)
}

func (s *ClassificationProjectService) Export(w http.ResponseWriter, r *http.Request) {
	project, user, err := classificationContext(s.db, r)
	if err != nil {
		writeError(w, "error exporting classifications", err)
		return
	}
	allowed, err := auth.CanViewClassifications(s.db, &project, user)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !allowed {
		http.Error(w, fmt.Sprintf("user %v cannot view results of project %v", user.Username, project.Name), http.StatusForbidden)
		return
	}

	includeRejected := false
	if v := r.URL.Query().Get("include_rejected"); v != "" {
		includeRejected, err = strconv.ParseBool(v)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid include_rejected value: %v", err), http.StatusBadRequest)
			return
		}
	}

	form, err := s.projectForm(s.db, project)
	if err != nil {
		writeError(w, "error exporting classifications", err)
		return
	}
	table, err := classification.Export(s.db, project.Id, form, includeRejected)
	if err != nil {
		writeError(w, "error exporting classifications", domainError(err))
		return
	}

	slog.Info("classifications exported", "project_id", project.Id, "rows", len(table.Rows), "code", logging.EXPORT)
	writeCSV(w, fmt.Sprintf("classifications_%v.csv", project.Id), table)
}

// Import applies a CSV of attribute values. Malformed lines are reported without aborting the
// rest of the file.
func (s *ClassificationProjectService) Import(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxImportSize); err != nil {
		http.Error(w, fmt.Sprintf("error parsing import form: %v", err), http.StatusBadRequest)
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("import file missing: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	approveAll := false
	if v := r.FormValue("approve_all"); v != "" {
		approveAll, err = strconv.ParseBool(v)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid approve_all value: %v", err), http.StatusBadRequest)
			return
		}
	}

	rows, parseErrs, err := classification.ParseImportCSV(file)
	if err != nil {
		http.Error(w, fmt.Sprintf("error reading import file: %v", err), http.StatusUnprocessableEntity)
		return
	}

	var result classification.ImportResult
	err = s.db.Transaction(func(txn *gorm.DB) error {
		project, user, err := classificationContext(txn, r)
		if err != nil {
			return err
		}
		if project.DisabledAt != nil || project.Status == schema.ProjectFinished {
			return domainError(classification.ErrProjectFinished)
		}
		if err := requireProjectAdmin(txn, &project, user); err != nil {
			return err
		}
		form, err := s.projectForm(txn, project)
		if err != nil {
			return err
		}
		result, err = classification.Import(txn, project.Id, form, rows, approveAll, user)
		return domainError(err)
	})
	if err != nil {
		writeError(w, "error importing classifications", err)
		return
	}

	result.Total += len(parseErrs)
	result.Errors = append(parseErrs, result.Errors...)
	slog.Info("classifications imported", "imported", result.Imported, "errors", len(result.Errors), "code", logging.IMPORT)
	utils.WriteJsonResponse(w, result)
}

type SequenceInfo struct {
	Id           uuid.UUID   `json:"id"`
	SequenceId   int         `json:"sequence_id"`
	CollectionId uuid.UUID   `json:"collection_id"`
	Description  string      `json:"description"`
	ResourceIds  []uuid.UUID `json:"resource_ids"`
	CreatedById  *uuid.UUID  `json:"created_by_id"`
	CreatedAt    time.Time   `json:"created_at"`
}

func convertToSequenceInfo(seq schema.Sequence) SequenceInfo {
	return SequenceInfo{
		Id:           seq.Id,
		SequenceId:   seq.SequenceId,
		CollectionId: seq.CollectionId,
		Description:  seq.Description,
		ResourceIds:  lo.Map(seq.Resources, func(sr schema.SequenceResource, _ int) uuid.UUID { return sr.ResourceId }),
		CreatedById:  seq.CreatedById,
		CreatedAt:    seq.CreatedAt,
	}
}

func (s *ClassificationProjectService) ListSequences(w http.ResponseWriter, r *http.Request) {
	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	wrappers := s.db.Model(&schema.ClassificationProjectCollection{}).Select("id").Where("project_id = ?", projectId)
	query := s.db.Preload("Resources", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("collection_id IN (?)", wrappers)
	if v := r.URL.Query().Get("collection"); v != "" {
		collectionId, err := uuid.Parse(v)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid collection id: %v", err), http.StatusBadRequest)
			return
		}
		query = query.Where("collection_id = ?", collectionId)
	}

	var sequences []schema.Sequence
	if err := query.Order("collection_id, sequence_id").Find(&sequences).Error; err != nil {
		slog.Error("sql error listing sequences", "project_id", projectId, "error", err)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, lo.Map(sequences, func(seq schema.Sequence, _ int) SequenceInfo { return convertToSequenceInfo(seq) }))
}

type sequenceRequest struct {
	CollectionId uuid.UUID   `json:"collection_id"`
	ResourceIds  []uuid.UUID `json:"resource_ids"`
	Description  string      `json:"description"`
}

// sequenceWrapper loads a project collection and checks the caller may edit its sequences.
func sequenceWrapper(txn *gorm.DB, project *schema.ClassificationProject, wrapperId uuid.UUID, user schema.User) (schema.ClassificationProjectCollection, error) {
	wrapper, err := schema.GetProjectCollection(wrapperId, txn)
	if err != nil {
		return wrapper, domainError(err)
	}
	if wrapper.ProjectId != project.Id {
		return wrapper, CodedError(schema.ErrProjectCollectionNotFound, http.StatusNotFound)
	}
	allowed, err := auth.CanChangeSequence(txn, project, &wrapper, user)
	if err != nil {
		return wrapper, CodedError(err, http.StatusInternalServerError)
	}
	if !allowed {
		return wrapper, denied("user %v cannot change sequences in project %v", user.Username, project.Name)
	}
	return wrapper, nil
}

func (s *ClassificationProjectService) CreateSequence(w http.ResponseWriter, r *http.Request) {
	var params sequenceRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	var seq schema.Sequence
	err := s.db.Transaction(func(txn *gorm.DB) error {
		project, user, err := classificationContext(txn, r)
		if err != nil {
			return err
		}
		wrapper, err := sequenceWrapper(txn, &project, params.CollectionId, user)
		if err != nil {
			return err
		}
		seq, err = classification.CreateSequence(txn, wrapper, params.ResourceIds, params.Description, &user.Id)
		return domainError(err)
	})
	if err != nil {
		writeError(w, "error creating sequence", err)
		return
	}

	utils.WriteJsonResponse(w, convertToSequenceInfo(seq))
}

func (s *ClassificationProjectService) loadSequence(txn *gorm.DB, r *http.Request) (schema.Sequence, error) {
	sequenceId, err := utils.URLParamUUID(r, "sequence_id")
	if err != nil {
		return schema.Sequence{}, CodedError(err, http.StatusBadRequest)
	}
	seq, err := schema.GetSequence(sequenceId, txn)
	return seq, domainError(err)
}

func (s *ClassificationProjectService) UpdateSequence(w http.ResponseWriter, r *http.Request) {
	var params sequenceRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	var seq schema.Sequence
	err := s.db.Transaction(func(txn *gorm.DB) error {
		project, user, err := classificationContext(txn, r)
		if err != nil {
			return err
		}
		existing, err := s.loadSequence(txn, r)
		if err != nil {
			return err
		}
		wrapper, err := sequenceWrapper(txn, &project, existing.CollectionId, user)
		if err != nil {
			return err
		}
		seq, err = classification.UpdateSequence(txn, wrapper, existing, params.ResourceIds, params.Description)
		return domainError(err)
	})
	if err != nil {
		writeError(w, "error updating sequence", err)
		return
	}

	utils.WriteJsonResponse(w, convertToSequenceInfo(seq))
}

func (s *ClassificationProjectService) DeleteSequence(w http.ResponseWriter, r *http.Request) {
	err := s.db.Transaction(func(txn *gorm.DB) error {
		project, user, err := classificationContext(txn, r)
		if err != nil {
			return err
		}
		seq, err := s.loadSequence(txn, r)
		if err != nil {
			return err
		}
		if _, err := sequenceWrapper(txn, &project, seq.CollectionId, user); err != nil {
			return err
		}
		return domainError(classification.DeleteSequences(txn, []uuid.UUID{seq.Id}))
	})
	if err != nil {
		writeError(w, "error deleting sequence", err)
		return
	}

	utils.WriteSuccess(w)
}

type buildSequencesRequest struct {
	CollectionIds []uuid.UUID `json:"collection_ids"`
	GapMinutes    int         `json:"gap_minutes"`
}

// BuildSequences queues a background rebuild of sequences. Without collection ids every
// collection of the project is rebuilt, which only a project admin may request.
func (s *ClassificationProjectService) BuildSequences(w http.ResponseWriter, r *http.Request) {
	var params buildSequencesRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if params.GapMinutes < 0 {
		http.Error(w, "gap_minutes must not be negative", http.StatusUnprocessableEntity)
		return
	}

	var task schema.Task
	err := s.db.Transaction(func(txn *gorm.DB) error {
		project, user, err := classificationContext(txn, r)
		if err != nil {
			return err
		}
		if project.DisabledAt != nil {
			return CodedError(errors.New("classification project is disabled"), http.StatusUnprocessableEntity)
		}
		if len(params.CollectionIds) == 0 {
			if err := requireProjectAdmin(txn, &project, user); err != nil {
				return err
			}
		}
		for _, id := range params.CollectionIds {
			if _, err := sequenceWrapper(txn, &project, id, user); err != nil {
				return err
			}
		}

		task, err = jobs.Enqueue(txn, classification.KindBuildSequences, &user.Id, classification.BuildSequencesArgs{
			ProjectId:     project.Id,
			CollectionIds: params.CollectionIds,
			Gap:           time.Duration(params.GapMinutes) * time.Minute,
		})
		if err != nil {
			slog.Error("error queueing sequence build", "project_id", project.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		writeError(w, "error building sequences", err)
		return
	}

	slog.Info("sequence build queued", "task_id", task.Id, "code", logging.SEQUENCE)
	utils.WriteJsonResponse(w, taskResponse{TaskId: task.Id})
}
