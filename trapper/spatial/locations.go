package spatial

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"trapper_platform/trapper/auth"
	"trapper_platform/trapper/collections"
	"trapper_platform/trapper/schema"
	"trapper_platform/utils"
	"trapper_platform/utils/logging"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInvalidCoordinates = errors.New("invalid coordinates")
	ErrInvalidTimezone    = errors.New("invalid timezone")
	ErrInvalidGPX         = errors.New("invalid gpx document")
)

type LocationRow struct {
	Line        int
	LocationId  string
	X           string
	Y           string
	Name        string
	Description string
}

func ParseLocationsCSV(r io.Reader) ([]LocationRow, error) {
	table, err := utils.NewTableReader(r, "location_id", "X", "Y")
	if err != nil {
		return nil, err
	}
	var rows []LocationRow
	for {
		record, err := table.Next()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", utils.ErrInvalidTable, record.Line, err)
		}
		rows = append(rows, LocationRow{
			Line:        record.Line,
			LocationId:  record.Get("location_id"),
			X:           record.Get("X"),
			Y:           record.Get("Y"),
			Name:        record.Get("name"),
			Description: record.Get("description"),
		})
	}
}

type gpxDocument struct {
	Waypoints []struct {
		Lat  string `xml:"lat,attr"`
		Lon  string `xml:"lon,attr"`
		Name string `xml:"name"`
		Desc string `xml:"desc"`
	} `xml:"wpt"`
}

// ParseGPX reads the waypoints of a gpx document, each one naming a location.
func ParseGPX(r io.Reader) ([]LocationRow, error) {
	var doc gpxDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGPX, err)
	}
	rows := make([]LocationRow, 0, len(doc.Waypoints))
	for i, wpt := range doc.Waypoints {
		rows = append(rows, LocationRow{Line: i + 1, LocationId: wpt.Name, X: wpt.Lon, Y: wpt.Lat, Description: wpt.Desc})
	}
	return rows, nil
}

func ParseCoordinates(x, y string) (float64, float64, error) {
	lon, err := strconv.ParseFloat(x, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: X %q", ErrInvalidCoordinates, x)
	}
	lat, err := strconv.ParseFloat(y, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: Y %q", ErrInvalidCoordinates, y)
	}
	if lon < -180 || lon > 180 || lat < -90 || lat > 90 {
		return 0, 0, fmt.Errorf("%w: (%v, %v) out of range", ErrInvalidCoordinates, lon, lat)
	}
	return lon, lat, nil
}

func CheckTimezone(name string) error {
	if _, err := time.LoadLocation(name); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTimezone, name)
	}
	return nil
}

func scopedToProject(query *gorm.DB, projectId *uuid.UUID) *gorm.DB {
	if projectId == nil {
		return query.Where("research_project_id IS NULL")
	}
	return query.Where("research_project_id = ?", *projectId)
}

func findLocation(txn *gorm.DB, projectId *uuid.UUID, locationId string) (schema.Location, bool, error) {
	var loc schema.Location
	result := scopedToProject(txn.Where("location_id = ?", locationId), projectId).Limit(1).Find(&loc)
	if result.Error != nil {
		slog.Error("sql error loading location", "location_id", locationId, "error", result.Error)
		return loc, false, schema.ErrDbAccessFailed
	}
	return loc, result.RowsAffected > 0, nil
}

// ImportLocations merges rows into the project's locations keyed by location_id. Existing
// locations are only changed when the user can update them. Row failures are collected and
// never stop the import.
func ImportLocations(txn *gorm.DB, user schema.User, projectId *uuid.UUID, timezone string, rows []LocationRow) (ImportResult, error) {
	if err := CheckTimezone(timezone); err != nil {
		return ImportResult{}, err
	}
	result := ImportResult{Total: len(rows), Errors: []RowError{}}

	for _, row := range rows {
		if row.LocationId == "" {
			result.fail(row.Line, "", "missing location_id")
			continue
		}
		loc, exists, err := findLocation(txn, projectId, row.LocationId)
		if err != nil {
			return result, err
		}
		if exists {
			allowed, err := auth.CanUpdate(txn, auth.ForLocation(&loc), user)
			if err != nil {
				return result, err
			}
			if !allowed {
				result.fail(row.Line, row.LocationId, "you are not allowed to update this location")
				continue
			}
		} else {
			loc = schema.Location{
				Id:                uuid.New(),
				LocationId:        row.LocationId,
				OwnerId:           user.Id,
				ResearchProjectId: projectId,
				DateCreated:       time.Now().UTC(),
			}
		}

		lon, lat, err := ParseCoordinates(row.X, row.Y)
		if err != nil {
			result.fail(row.Line, row.LocationId, "error parsing coordinates: %v", err)
			continue
		}
		loc.Longitude, loc.Latitude, loc.Timezone = lon, lat, timezone
		loc.Name, loc.Description = row.Name, row.Description

		if err := SaveLocation(txn, &loc); err != nil {
			return result, err
		}
		result.Imported++
	}

	slog.Info("locations imported", "user_id", user.Id, "imported", result.Imported, "total", result.Total, "code", logging.IMPORT)
	return result, nil
}

// SaveLocation persists a location. A changed location_id is propagated to the identifiers of
// its deployments, moved coordinates invalidate the cached extents of resources recorded there.
func SaveLocation(txn *gorm.DB, loc *schema.Location) error {
	var stored schema.Location
	result := txn.Limit(1).Find(&stored, "id = ?", loc.Id)
	if result.Error != nil {
		slog.Error("sql error loading location", "location_id", loc.Id, "error", result.Error)
		return schema.ErrDbAccessFailed
	}
	existed := result.RowsAffected > 0

	if err := txn.Omit(clause.Associations).Save(loc).Error; err != nil {
		slog.Error("sql error saving location", "location_id", loc.Id, "error", err)
		return schema.ErrDbAccessFailed
	}
	if !existed {
		return nil
	}

	if stored.LocationId != loc.LocationId {
		if err := RefreshDeploymentIds(txn, loc.Id); err != nil {
			return err
		}
	}
	if stored.Longitude != loc.Longitude || stored.Latitude != loc.Latitude {
		if err := collections.InvalidateLocationBbox(txn, loc.Id); err != nil {
			return err
		}
	}
	return nil
}

// RefreshDeploymentIds recomputes the identifiers of the location's deployments and the names
// of resources that take their prefix from them.
func RefreshDeploymentIds(txn *gorm.DB, locationId uuid.UUID) error {
	var deployments []schema.Deployment
	if err := txn.Where("location_id = ?", locationId).Find(&deployments).Error; err != nil {
		slog.Error("sql error loading location deployments", "location_id", locationId, "error", err)
		return schema.ErrDbAccessFailed
	}
	ids := make([]uuid.UUID, 0, len(deployments))
	for i := range deployments {
		if err := txn.Omit(clause.Associations).Save(&deployments[i]).Error; err != nil {
			slog.Error("sql error refreshing deployment identifier", "deployment_id", deployments[i].Id, "error", err)
			return schema.ErrDbAccessFailed
		}
		ids = append(ids, deployments[i].Id)
	}
	return RefreshResourceNames(txn, ids)
}

// RefreshResourceNames re-saves resources inheriting their prefix from the deployments.
func RefreshResourceNames(txn *gorm.DB, deploymentIds []uuid.UUID) error {
	if len(deploymentIds) == 0 {
		return nil
	}
	var resources []schema.Resource
	if err := txn.Where("deployment_id IN ? AND inherit_prefix = ?", deploymentIds, true).Find(&resources).Error; err != nil {
		slog.Error("sql error loading prefixed resources", "error", err)
		return schema.ErrDbAccessFailed
	}
	for i := range resources {
		if err := txn.Omit(clause.Associations).Save(&resources[i]).Error; err != nil {
			slog.Error("sql error refreshing resource name", "resource_id", resources[i].Id, "error", err)
			return schema.ErrDbAccessFailed
		}
	}
	return nil
}

// DeleteLocations removes locations no deployment refers to.
func DeleteLocations(txn *gorm.DB, ids []uuid.UUID) error {
	var refs int64
	if err := txn.Model(&schema.Deployment{}).Where("location_id IN ?", ids).Count(&refs).Error; err != nil {
		slog.Error("sql error checking location references", "error", err)
		return schema.ErrDbAccessFailed
	}
	if refs > 0 {
		return fmt.Errorf("%w: %d deployments use these locations", schema.ErrStillReferenced, refs)
	}
	if err := txn.Exec("DELETE FROM location_managers WHERE location_id IN ?", ids).Error; err != nil {
		slog.Error("sql error deleting location managers", "error", err)
		return schema.ErrDbAccessFailed
	}
	if err := txn.Where("id IN ?", ids).Delete(&schema.Location{}).Error; err != nil {
		slog.Error("sql error deleting locations", "error", err)
		return schema.ErrDbAccessFailed
	}
	return nil
}
