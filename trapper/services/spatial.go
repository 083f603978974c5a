package services

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"trapper_platform/trapper/auth"
	"trapper_platform/trapper/schema"
	"trapper_platform/trapper/spatial"
	"trapper_platform/utils"
	"trapper_platform/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const maxImportSize = 32 << 20

type LocationService struct {
	db          *gorm.DB
	userAuth    auth.IdentityProvider
	pageSizeMax int
}

func (s *LocationService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)

	r.Get("/list", s.List)
	r.Post("/create", s.Create)
	r.Post("/import", s.Import)
	r.Get("/export", s.Export)
	r.Post("/delete", s.BulkDelete)

	r.Route("/{location_id}", func(r chi.Router) {
		load := func(txn *gorm.DB, r *http.Request) (auth.Entity, error) {
			loc, err := loadLocation(txn, r)
			return auth.ForLocation(&loc), err
		}

		r.With(auth.CapabilityOnly(s.db, auth.ViewAccess, load, schema.ErrLocationNotFound)).Get("/", s.Get)
		r.With(auth.CapabilityOnly(s.db, auth.UpdateAccess, load, schema.ErrLocationNotFound)).Post("/update", s.Update)
		r.With(auth.CapabilityOnly(s.db, auth.DeleteAccess, load, schema.ErrLocationNotFound)).Delete("/", s.Delete)
	})

	return r
}

func loadLocation(txn *gorm.DB, r *http.Request) (schema.Location, error) {
	locationId, err := utils.URLParamUUID(r, "location_id")
	if err != nil {
		return schema.Location{}, err
	}
	return schema.GetLocation(locationId, txn)
}

type LocationInfo struct {
	Id                uuid.UUID   `json:"id"`
	LocationId        string      `json:"location_id"`
	Name              string      `json:"name"`
	Description       string      `json:"description"`
	IsPublic          bool        `json:"is_public"`
	Longitude         float64     `json:"longitude"`
	Latitude          float64     `json:"latitude"`
	Timezone          string      `json:"timezone"`
	Country           string      `json:"country"`
	State             string      `json:"state"`
	County            string      `json:"county"`
	City              string      `json:"city"`
	OwnerId           uuid.UUID   `json:"owner_id"`
	Managers          []uuid.UUID `json:"managers"`
	ResearchProjectId *uuid.UUID  `json:"research_project_id"`
	DateCreated       time.Time   `json:"date_created"`
}

func convertToLocationInfo(l schema.Location) LocationInfo {
	return LocationInfo{
		Id:                l.Id,
		LocationId:        l.LocationId,
		Name:              l.Name,
		Description:       l.Description,
		IsPublic:          l.IsPublic,
		Longitude:         l.Longitude,
		Latitude:          l.Latitude,
		Timezone:          l.Timezone,
		Country:           l.Country,
		State:             l.State,
		County:            l.County,
		City:              l.City,
		OwnerId:           l.OwnerId,
		Managers:          managerIds(l.Managers),
		ResearchProjectId: l.ResearchProjectId,
		DateCreated:       l.DateCreated,
	}
}

func (s *LocationService) List(w http.ResponseWriter, r *http.Request) {
	writeListing(w, r, s.db.Model(&schema.Location{}).Preload("Managers").Order("location_id"), locationListing, s.pageSizeMax, convertToLocationInfo)
}

func (s *LocationService) Get(w http.ResponseWriter, r *http.Request) {
	loc, err := loadLocation(s.db, r)
	if err != nil {
		writeError(w, "error loading location", err)
		return
	}
	utils.WriteJsonResponse(w, convertToLocationInfo(loc))
}

// checkProjectMember verifies the user may attach spatial data to a research project.
func checkProjectMember(txn *gorm.DB, projectId *uuid.UUID, user schema.User) error {
	if projectId == nil {
		return nil
	}
	project, err := schema.GetResearchProject(*projectId, txn)
	if err != nil {
		return domainError(err)
	}
	return requireCapability(txn, auth.ForResearchProject(&project), user, auth.ViewAccess)
}

type locationRequest struct {
	LocationId        *string     `json:"location_id"`
	Name              *string     `json:"name"`
	Description       *string     `json:"description"`
	IsPublic          *bool       `json:"is_public"`
	Longitude         *float64    `json:"longitude"`
	Latitude          *float64    `json:"latitude"`
	Timezone          *string     `json:"timezone"`
	Country           *string     `json:"country"`
	State             *string     `json:"state"`
	County            *string     `json:"county"`
	City              *string     `json:"city"`
	ResearchProjectId *uuid.UUID  `json:"research_project_id"`
	Managers          []uuid.UUID `json:"managers"`
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func (params locationRequest) apply(loc *schema.Location) error {
	setIf(&loc.LocationId, params.LocationId)
	setIf(&loc.Name, params.Name)
	setIf(&loc.Description, params.Description)
	setIf(&loc.IsPublic, params.IsPublic)
	setIf(&loc.Longitude, params.Longitude)
	setIf(&loc.Latitude, params.Latitude)
	setIf(&loc.Timezone, params.Timezone)
	setIf(&loc.Country, params.Country)
	setIf(&loc.State, params.State)
	setIf(&loc.County, params.County)
	setIf(&loc.City, params.City)

	if loc.LocationId == "" {
		return CodedError(errors.New("location_id must be specified"), http.StatusUnprocessableEntity)
	}
	if loc.Longitude < -180 || loc.Longitude > 180 || loc.Latitude < -90 || loc.Latitude > 90 {
		return CodedError(fmt.Errorf("%w: (%v, %v) out of range", spatial.ErrInvalidCoordinates, loc.Longitude, loc.Latitude), http.StatusUnprocessableEntity)
	}
	if err := spatial.CheckTimezone(loc.Timezone); err != nil {
		return CodedError(err, http.StatusUnprocessableEntity)
	}
	return nil
}

func checkLocationUnique(txn *gorm.DB, loc schema.Location) error {
	query := txn.Model(&schema.Location{}).Where("location_id = ? AND id != ?", loc.LocationId, loc.Id)
	if loc.ResearchProjectId == nil {
		query = query.Where("research_project_id IS NULL")
	} else {
		query = query.Where("research_project_id = ?", *loc.ResearchProjectId)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		slog.Error("sql error checking for duplicate location", "error", err)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	if count > 0 {
		return CodedError(fmt.Errorf("location %v already exists in this research project", loc.LocationId), http.StatusConflict)
	}
	return nil
}

type createResponse struct {
	Id uuid.UUID `json:"id"`
}

func (s *LocationService) Create(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params locationRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	loc := schema.Location{
		Id:                uuid.New(),
		Timezone:          "UTC",
		OwnerId:           user.Id,
		ResearchProjectId: params.ResearchProjectId,
		DateCreated:       time.Now().UTC(),
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := params.apply(&loc); err != nil {
			return err
		}
		if err := checkProjectMember(txn, loc.ResearchProjectId, user); err != nil {
			return err
		}
		if err := checkLocationUnique(txn, loc); err != nil {
			return err
		}
		if err := spatial.SaveLocation(txn, &loc); err != nil {
			return domainError(err)
		}
		if len(params.Managers) > 0 {
			return replaceManagers(txn, &loc, params.Managers)
		}
		return nil
	})

	if err != nil {
		writeError(w, "error creating location", err)
		return
	}

	utils.WriteJsonResponse(w, createResponse{Id: loc.Id})
}

func (s *LocationService) Update(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params locationRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		loc, err := loadLocation(txn, r)
		if err != nil {
			return domainError(err)
		}
		if err := params.apply(&loc); err != nil {
			return err
		}
		if params.ResearchProjectId != nil {
			loc.ResearchProjectId = params.ResearchProjectId
			if err := checkProjectMember(txn, loc.ResearchProjectId, user); err != nil {
				return err
			}
		}
		if err := checkLocationUnique(txn, loc); err != nil {
			return err
		}
		if err := spatial.SaveLocation(txn, &loc); err != nil {
			return domainError(err)
		}
		if params.Managers != nil {
			if err := requireCapability(txn, auth.ForLocation(&loc), user, auth.DeleteAccess); err != nil {
				return err
			}
			return replaceManagers(txn, &loc, params.Managers)
		}
		return nil
	})

	if err != nil {
		writeError(w, "error updating location", err)
		return
	}

	utils.WriteSuccess(w)
}

func (s *LocationService) Delete(w http.ResponseWriter, r *http.Request) {
	locationId, err := utils.URLParamUUID(r, "location_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		return spatial.DeleteLocations(txn, []uuid.UUID{locationId})
	})
	if err != nil {
		writeError(w, "error deleting location", err)
		return
	}

	utils.WriteSuccess(w)
}

func (s *LocationService) BulkDelete(w http.ResponseWriter, r *http.Request) {
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
		var locations []schema.Location
		if err := txn.Where("id IN ?", params.Ids).Find(&locations).Error; err != nil {
			slog.Error("sql error loading locations", "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if len(locations) != len(uuidSet(params.Ids)) {
			return CodedError(schema.ErrLocationNotFound, http.StatusNotFound)
		}
		if err := requireAll(txn, user, locations, auth.ForLocation, auth.DeleteAccess); err != nil {
			return err
		}
		return spatial.DeleteLocations(txn, params.Ids)
	})
	if err != nil {
		writeError(w, "error deleting locations", err)
		return
	}

	utils.WriteJsonResponse(w, countResponse{Count: len(params.Ids)})
}

type importForm struct {
	projectId *uuid.UUID
	timezone  string
	format    string
	data      io.Reader
	close     func() error
}

// parseImportForm reads the multipart upload shared by the location and deployment imports:
// a "file" part plus research_project, timezone and format fields.
func parseImportForm(r *http.Request) (importForm, error) {
	if err := r.ParseMultipartForm(maxImportSize); err != nil {
		return importForm{}, CodedError(fmt.Errorf("error parsing multipart request: %w", err), http.StatusBadRequest)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return importForm{}, CodedError(fmt.Errorf("missing file in import request: %w", err), http.StatusBadRequest)
	}

	form := importForm{timezone: r.FormValue("timezone"), format: strings.ToLower(r.FormValue("format")), data: file, close: file.Close}
	if form.timezone == "" {
		form.timezone = "UTC"
	}
	if form.format == "" {
		form.format = "csv"
		if strings.HasSuffix(strings.ToLower(header.Filename), ".gpx") {
			form.format = "gpx"
		}
	}
	if v := r.FormValue("research_project"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			file.Close()
			return importForm{}, CodedError(fmt.Errorf("invalid research project id '%v': %w", v, err), http.StatusBadRequest)
		}
		form.projectId = &id
	}
	return form, nil
}

func (s *LocationService) Import(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	form, err := parseImportForm(r)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}
	defer form.close()

	var rows []spatial.LocationRow
	switch form.format {
	case "csv":
		rows, err = spatial.ParseLocationsCSV(form.data)
	case "gpx":
		rows, err = spatial.ParseGPX(form.data)
	default:
		err = CodedError(fmt.Errorf("unsupported import format '%v'", form.format), http.StatusUnprocessableEntity)
	}
	if err != nil {
		writeError(w, "error reading locations", err)
		return
	}

	var result spatial.ImportResult
	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkProjectMember(txn, form.projectId, user); err != nil {
			return err
		}
		result, err = spatial.ImportLocations(txn, user, form.projectId, form.timezone, rows)
		return err
	})
	if err != nil {
		writeError(w, "error importing locations", err)
		return
	}

	slog.Info("location import finished", "user_id", user.Id, "summary", result.Summary("locations"), "code", logging.IMPORT)
	utils.WriteJsonResponse(w, result)
}

// visibleExport narrows the requested ids, or every row when none are given, to the ones the
// user can view.
func visibleExport[T any](txn *gorm.DB, r *http.Request, user schema.User, preloads []string, entity func(*T) auth.Entity, id func(T) uuid.UUID) ([]uuid.UUID, error) {
	ids, err := utils.QueryParamUUIDs(r, "pks")
	if err != nil {
		return nil, CodedError(err, http.StatusBadRequest)
	}
	query := txn
	for _, p := range preloads {
		query = query.Preload(p)
	}
	if len(ids) > 0 {
		query = query.Where("id IN ?", ids)
	}
	var rows []T
	if err := query.Find(&rows).Error; err != nil {
		slog.Error("sql error loading rows for export", "error", err)
		return nil, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	return filterPermitted(txn, user, rows, entity, id, auth.ViewAccess)
}

func (s *LocationService) Export(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var table utils.Table
	err = s.db.Transaction(func(txn *gorm.DB) error {
		ids, err := visibleExport(txn, r, user, nil, auth.ForLocation, func(l schema.Location) uuid.UUID { return l.Id })
		if err != nil {
			return err
		}
		table, err = spatial.ExportLocations(txn, ids)
		return err
	})
	if err != nil {
		writeError(w, "error exporting locations", err)
		return
	}

	writeCSV(w, "locations.csv", table)
}

type DeploymentService struct {
	db          *gorm.DB
	userAuth    auth.IdentityProvider
	pageSizeMax int
}

func (s *DeploymentService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)

	r.Get("/list", s.List)
	r.Post("/create", s.Create)
	r.Post("/import", s.Import)
	r.Get("/export", s.Export)
	r.Post("/delete", s.BulkDelete)

	r.Route("/{deployment_id}", func(r chi.Router) {
		load := func(txn *gorm.DB, r *http.Request) (auth.Entity, error) {
			dep, err := loadDeployment(txn, r)
			return auth.ForDeployment(&dep), err
		}

		r.With(auth.CapabilityOnly(s.db, auth.ViewAccess, load, schema.ErrDeploymentNotFound)).Get("/", s.Get)
		r.With(auth.CapabilityOnly(s.db, auth.UpdateAccess, load, schema.ErrDeploymentNotFound)).Post("/update", s.Update)
		r.With(auth.CapabilityOnly(s.db, auth.DeleteAccess, load, schema.ErrDeploymentNotFound)).Delete("/", s.Delete)
	})

	return r
}

func loadDeployment(txn *gorm.DB, r *http.Request) (schema.Deployment, error) {
	deploymentId, err := utils.URLParamUUID(r, "deployment_id")
	if err != nil {
		return schema.Deployment{}, err
	}
	return schema.GetDeployment(deploymentId, txn)
}

type DeploymentInfo struct {
	Id                   uuid.UUID   `json:"id"`
	DeploymentCode       string      `json:"deployment_code"`
	DeploymentIdentifier string      `json:"deployment_id"`
	LocationId           uuid.UUID   `json:"location"`
	Start                time.Time   `json:"start"`
	End                  time.Time   `json:"end"`
	StartLocal           string      `json:"start_local"`
	EndLocal             string      `json:"end_local"`
	OwnerId              uuid.UUID   `json:"owner_id"`
	Managers             []uuid.UUID `json:"managers"`
	ResearchProjectId    *uuid.UUID  `json:"research_project_id"`
	CorrectSetup         *bool       `json:"correct_setup"`
	CorrectTstamp        *bool       `json:"correct_tstamp"`
	ViewQuality          string      `json:"view_quality"`
	Comments             string      `json:"comments"`
}

func convertToDeploymentInfo(d schema.Deployment) DeploymentInfo {
	zone := time.UTC
	if d.Location != nil {
		zone = d.Location.Zone()
	}
	return DeploymentInfo{
		Id:                   d.Id,
		DeploymentCode:       d.DeploymentCode,
		DeploymentIdentifier: d.DeploymentIdentifier,
		LocationId:           d.LocationId,
		Start:                d.Start,
		End:                  d.End,
		StartLocal:           d.Start.In(zone).Format(time.RFC3339),
		EndLocal:             d.End.In(zone).Format(time.RFC3339),
		OwnerId:              d.OwnerId,
		Managers:             managerIds(d.Managers),
		ResearchProjectId:    d.ResearchProjectId,
		CorrectSetup:         d.CorrectSetup,
		CorrectTstamp:        d.CorrectTstamp,
		ViewQuality:          d.ViewQuality,
		Comments:             d.Comments,
	}
}

func (s *DeploymentService) List(w http.ResponseWriter, r *http.Request) {
	query := s.db.Model(&schema.Deployment{}).Preload("Location").Preload("Managers").Order("deployment_identifier")
	writeListing(w, r, query, deploymentListing, s.pageSizeMax, convertToDeploymentInfo)
}

func (s *DeploymentService) Get(w http.ResponseWriter, r *http.Request) {
	dep, err := loadDeployment(s.db, r)
	if err != nil {
		writeError(w, "error loading deployment", err)
		return
	}
	utils.WriteJsonResponse(w, convertToDeploymentInfo(dep))
}

type deploymentRequest struct {
	DeploymentCode *string     `json:"deployment_code"`
	LocationId     *uuid.UUID  `json:"location"`
	Start          *string     `json:"start"`
	End            *string     `json:"end"`
	CorrectSetup   *bool       `json:"correct_setup"`
	CorrectTstamp  *bool       `json:"correct_tstamp"`
	ViewQuality    *string     `json:"view_quality"`
	Comments       *string     `json:"comments"`
	Managers       []uuid.UUID `json:"managers"`
}

// apply updates dep. Start and end are read in the zone of the deployment's location unless
// they carry their own offset.
func (params deploymentRequest) apply(txn *gorm.DB, dep *schema.Deployment, user schema.User) error {
	setIf(&dep.DeploymentCode, params.DeploymentCode)
	if dep.DeploymentCode == "" {
		return CodedError(errors.New("deployment_code must be specified"), http.StatusUnprocessableEntity)
	}

	if params.LocationId != nil {
		dep.LocationId = *params.LocationId
	}
	loc, err := schema.GetLocation(dep.LocationId, txn)
	if err != nil {
		return domainError(err)
	}
	if err := requireCapability(txn, auth.ForLocation(&loc), user, auth.ViewAccess); err != nil {
		return err
	}
	dep.ResearchProjectId = loc.ResearchProjectId

	for _, ts := range []struct {
		raw *string
		dst *time.Time
	}{{params.Start, &dep.Start}, {params.End, &dep.End}} {
		if ts.raw == nil {
			continue
		}
		t, err := spatial.ParseTimestamp(*ts.raw, loc.Zone())
		if err != nil {
			return CodedError(fmt.Errorf("cannot parse timestamp %q: %w", *ts.raw, err), http.StatusUnprocessableEntity)
		}
		*ts.dst = t
	}
	if !dep.Start.IsZero() && !dep.End.IsZero() && dep.End.Before(dep.Start) {
		return CodedError(errors.New("deployment end must not precede its start"), http.StatusUnprocessableEntity)
	}

	if params.CorrectSetup != nil {
		dep.CorrectSetup = params.CorrectSetup
	}
	if params.CorrectTstamp != nil {
		dep.CorrectTstamp = params.CorrectTstamp
	}
	setIf(&dep.ViewQuality, params.ViewQuality)
	setIf(&dep.Comments, params.Comments)

	identifier := schema.DeploymentIdentifier(dep.DeploymentCode, loc.LocationId)
	query := txn.Model(&schema.Deployment{}).Where("deployment_identifier = ? AND id != ?", identifier, dep.Id)
	if dep.ResearchProjectId == nil {
		query = query.Where("research_project_id IS NULL")
	} else {
		query = query.Where("research_project_id = ?", *dep.ResearchProjectId)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		slog.Error("sql error checking for duplicate deployment", "error", err)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	if count > 0 {
		return CodedError(fmt.Errorf("deployment %v already exists", identifier), http.StatusConflict)
	}
	return nil
}

func (s *DeploymentService) Create(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params deploymentRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if params.LocationId == nil {
		http.Error(w, "location must be specified", http.StatusUnprocessableEntity)
		return
	}

	dep := schema.Deployment{Id: uuid.New(), OwnerId: user.Id, DateCreated: time.Now().UTC()}
	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := params.apply(txn, &dep, user); err != nil {
			return err
		}
		if err := spatial.SaveDeployment(txn, &dep); err != nil {
			return domainError(err)
		}
		if len(params.Managers) > 0 {
			return replaceManagers(txn, &dep, params.Managers)
		}
		return nil
	})
	if err != nil {
		writeError(w, "error creating deployment", err)
		return
	}

	utils.WriteJsonResponse(w, createResponse{Id: dep.Id})
}

func (s *DeploymentService) Update(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params deploymentRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		dep, err := loadDeployment(txn, r)
		if err != nil {
			return domainError(err)
		}
		managers := dep.Managers
		dep.Location, dep.Managers = nil, nil
		if err := params.apply(txn, &dep, user); err != nil {
			return err
		}
		if err := spatial.SaveDeployment(txn, &dep); err != nil {
			return domainError(err)
		}
		if params.Managers != nil {
			dep.Managers = managers
			if err := requireCapability(txn, auth.ForDeployment(&dep), user, auth.DeleteAccess); err != nil {
				return err
			}
			return replaceManagers(txn, &dep, params.Managers)
		}
		return nil
	})
	if err != nil {
		writeError(w, "error updating deployment", err)
		return
	}

	utils.WriteSuccess(w)
}

func (s *DeploymentService) Delete(w http.ResponseWriter, r *http.Request) {
	deploymentId, err := utils.URLParamUUID(r, "deployment_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		return spatial.DeleteDeployments(txn, []uuid.UUID{deploymentId})
	})
	if err != nil {
		writeError(w, "error deleting deployment", err)
		return
	}

	utils.WriteSuccess(w)
}

func (s *DeploymentService) BulkDelete(w http.ResponseWriter, r *http.Request) {
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
		var deployments []schema.Deployment
		if err := txn.Preload("Location").Where("id IN ?", params.Ids).Find(&deployments).Error; err != nil {
			slog.Error("sql error loading deployments", "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if len(deployments) != len(uuidSet(params.Ids)) {
			return CodedError(schema.ErrDeploymentNotFound, http.StatusNotFound)
		}
		if err := requireAll(txn, user, deployments, auth.ForDeployment, auth.DeleteAccess); err != nil {
			return err
		}
		return spatial.DeleteDeployments(txn, params.Ids)
	})
	if err != nil {
		writeError(w, "error deleting deployments", err)
		return
	}

	utils.WriteJsonResponse(w, countResponse{Count: len(params.Ids)})
}

func (s *DeploymentService) Import(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	form, err := parseImportForm(r)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}
	defer form.close()

	rows, err := spatial.ParseDeploymentsCSV(form.data)
	if err != nil {
		writeError(w, "error reading deployments", err)
		return
	}

	var result spatial.ImportResult
	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkProjectMember(txn, form.projectId, user); err != nil {
			return err
		}
		result, err = spatial.ImportDeployments(txn, user, form.projectId, form.timezone, rows)
		return err
	})
	if err != nil {
		writeError(w, "error importing deployments", err)
		return
	}

	slog.Info("deployment import finished", "user_id", user.Id, "summary", result.Summary("deployments"), "code", logging.IMPORT)
	utils.WriteJsonResponse(w, result)
}

func (s *DeploymentService) Export(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var table utils.Table
	err = s.db.Transaction(func(txn *gorm.DB) error {
		ids, err := visibleExport(txn, r, user, []string{"Location"}, auth.ForDeployment, func(d schema.Deployment) uuid.UUID { return d.Id })
		if err != nil {
			return err
		}
		table, err = spatial.ExportDeployments(txn, ids)
		return err
	})
	if err != nil {
		writeError(w, "error exporting deployments", err)
		return
	}

	writeCSV(w, "deployments.csv", table)
}
