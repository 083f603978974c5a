package services

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"trapper_platform/trapper/auth"
	"trapper_platform/trapper/ingest"
	"trapper_platform/trapper/jobs"
	"trapper_platform/trapper/schema"
	"trapper_platform/trapper/storage"
	"trapper_platform/utils"
	"trapper_platform/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

type TaskService struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider
}

func (s *TaskService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)

	r.Get("/list", s.List)

	r.Route("/{task_id}", func(r chi.Router) {
		r.Get("/", s.Get)
		r.Post("/cancel", s.Cancel)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.AdminOnly(s.db))

		r.Post("/regenerate-thumbnails", s.RegenerateThumbnails)
	})

	return r
}

type TaskInfo struct {
	Id              uuid.UUID       `json:"id"`
	Kind            string          `json:"kind"`
	State           string          `json:"state"`
	Progress        int             `json:"progress"`
	Total           int             `json:"total"`
	CancelRequested bool            `json:"cancel_requested"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	UserId          *uuid.UUID      `json:"user_id"`
	CreatedAt       time.Time       `json:"created_at"`
	FinishedAt      *time.Time      `json:"finished_at"`
}

func convertToTaskInfo(task schema.Task) TaskInfo {
	return TaskInfo{
		Id:              task.Id,
		Kind:            task.Kind,
		State:           task.State,
		Progress:        task.Progress,
		Total:           task.Total,
		CancelRequested: task.CancelRequested,
		Result:          json.RawMessage(task.Result),
		Error:           task.Error,
		UserId:          task.UserId,
		CreatedAt:       task.CreatedAt,
		FinishedAt:      task.FinishedAt,
	}
}

// List returns the caller's tasks. Admins may pass all=true to see every task.
func (s *TaskService) List(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	userId := &user.Id
	if user.IsAdmin && r.URL.Query().Get("all") == "true" {
		userId = nil
	}
	var states []string
	if v := r.URL.Query().Get("state"); v != "" {
		states = strings.Split(v, ",")
	}

	tasks, err := jobs.ListTasks(s.db, userId, states)
	if err != nil {
		writeError(w, "error listing tasks", err)
		return
	}

	utils.WriteJsonResponse(w, lo.Map(tasks, func(task schema.Task, _ int) TaskInfo { return convertToTaskInfo(task) }))
}

func (s *TaskService) loadOwnTask(r *http.Request) (schema.Task, error) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		return schema.Task{}, CodedError(err, http.StatusInternalServerError)
	}
	taskId, err := utils.URLParamUUID(r, "task_id")
	if err != nil {
		return schema.Task{}, CodedError(err, http.StatusBadRequest)
	}
	task, err := schema.GetTask(taskId, s.db)
	if err != nil {
		return task, domainError(err)
	}
	if !user.IsAdmin && (task.UserId == nil || *task.UserId != user.Id) {
		return task, CodedError(schema.ErrTaskNotFound, http.StatusNotFound)
	}
	return task, nil
}

func (s *TaskService) Get(w http.ResponseWriter, r *http.Request) {
	task, err := s.loadOwnTask(r)
	if err != nil {
		writeError(w, "error loading task", err)
		return
	}
	utils.WriteJsonResponse(w, convertToTaskInfo(task))
}

// Cancel revokes a pending task or asks a running one to stop.
func (s *TaskService) Cancel(w http.ResponseWriter, r *http.Request) {
	task, err := s.loadOwnTask(r)
	if err != nil {
		writeError(w, "error loading task", err)
		return
	}

	task, err = jobs.Cancel(s.db, task.Id)
	if err != nil {
		writeError(w, "error cancelling task", err)
		return
	}

	slog.Info("task cancel requested", "task_id", task.Id, "state", task.State, "code", logging.TASK)
	utils.WriteJsonResponse(w, convertToTaskInfo(task))
}

func (s *TaskService) RegenerateThumbnails(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params ingest.RegenerateArgs
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	task, err := jobs.Enqueue(s.db, ingest.KindRegenerateThumbnails, &user.Id, params)
	if err != nil {
		slog.Error("error queueing thumbnail regeneration", "error", err)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, taskResponse{TaskId: task.Id})
}

type DataPackageService struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider
	external storage.Storage
}

func (s *DataPackageService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)

	r.Get("/list", s.List)
	r.Post("/export", s.Export)

	r.Route("/{package_id}", func(r chi.Router) {
		r.Get("/download", s.Download)
		r.Delete("/", s.Delete)
	})

	return r
}

type DataPackageInfo struct {
	Id          uuid.UUID `json:"id"`
	Filename    string    `json:"filename"`
	PackageType string    `json:"package_type"`
	Description string    `json:"description"`
	DateCreated time.Time `json:"date_created"`
}

func (s *DataPackageService) List(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var packages []schema.UserDataPackage
	if err := s.db.Where("user_id = ?", user.Id).Order("date_created DESC").Find(&packages).Error; err != nil {
		slog.Error("sql error listing data packages", "user_id", user.Id, "error", err)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, lo.Map(packages, func(pkg schema.UserDataPackage, _ int) DataPackageInfo {
		return DataPackageInfo{Id: pkg.Id, Filename: pkg.Filename, PackageType: pkg.PackageType, Description: pkg.Description, DateCreated: pkg.DateCreated}
	}))
}

type exportPackageRequest struct {
	ResourceIds     []uuid.UUID `json:"resource_ids"`
	Description     string      `json:"description"`
	IncludeMetadata bool        `json:"include_metadata"`
}

// Export queues a data package of resources the caller can view.
func (s *DataPackageService) Export(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params exportPackageRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if len(params.ResourceIds) == 0 {
		http.Error(w, "at least one resource must be selected", http.StatusUnprocessableEntity)
		return
	}

	var task schema.Task
	err = s.db.Transaction(func(txn *gorm.DB) error {
		var resources []schema.Resource
		if err := txn.Preload("Deployment.Location").Where("id IN ?", params.ResourceIds).Find(&resources).Error; err != nil {
			slog.Error("sql error loading resources for export", "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if len(resources) != len(uuidSet(params.ResourceIds)) {
			return CodedError(schema.ErrResourceNotFound, http.StatusNotFound)
		}
		if err := requireAll(txn, user, resources, auth.ForResource, auth.ViewAccess); err != nil {
			return err
		}

		task, err = jobs.Enqueue(txn, ingest.KindExportPackage, &user.Id, ingest.PackageRequest{
			OwnerId:         user.Id,
			ResourceIds:     lo.Uniq(params.ResourceIds),
			Description:     params.Description,
			IncludeMetadata: params.IncludeMetadata,
		})
		if err != nil {
			slog.Error("error queueing data package export", "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		writeError(w, "error exporting data package", err)
		return
	}

	slog.Info("data package export queued", "task_id", task.Id, "resources", len(params.ResourceIds), "code", logging.EXPORT)
	utils.WriteJsonResponse(w, taskResponse{TaskId: task.Id})
}

func (s *DataPackageService) loadOwnPackage(txn *gorm.DB, r *http.Request) (schema.UserDataPackage, error) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		return schema.UserDataPackage{}, CodedError(err, http.StatusInternalServerError)
	}
	packageId, err := utils.URLParamUUID(r, "package_id")
	if err != nil {
		return schema.UserDataPackage{}, CodedError(err, http.StatusBadRequest)
	}
	pkg, err := schema.GetDataPackage(packageId, txn)
	if err != nil {
		return pkg, domainError(err)
	}
	if pkg.UserId != user.Id {
		return pkg, CodedError(schema.ErrDataPackageNotFound, http.StatusNotFound)
	}
	return pkg, nil
}

func (s *DataPackageService) Download(w http.ResponseWriter, r *http.Request) {
	pkg, err := s.loadOwnPackage(s.db, r)
	if err != nil {
		writeError(w, "error loading data package", err)
		return
	}

	w.Header().Set("Content-Disposition", `attachment; filename="`+pkg.Filename+`"`)
	http.ServeFile(w, r, s.external.FullPath(pkg.Path))
}

func (s *DataPackageService) Delete(w http.ResponseWriter, r *http.Request) {
	err := s.db.Transaction(func(txn *gorm.DB) error {
		pkg, err := s.loadOwnPackage(txn, r)
		if err != nil {
			return err
		}
		return domainError(ingest.DeletePackage(txn, s.external, pkg))
	})
	if err != nil {
		writeError(w, "error deleting data package", err)
		return
	}

	utils.WriteSuccess(w)
}
