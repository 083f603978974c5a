package spatial

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"trapper_platform/trapper/auth"
	"trapper_platform/trapper/schema"
	"trapper_platform/utils"
	"trapper_platform/utils/logging"

	"github.com/araddon/dateparse"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DeploymentRow struct {
	Line           int
	DeploymentId   string
	DeploymentCode string
	Start          string
	End            string
	LocationId     string
	CorrectSetup   string
	CorrectTstamp  string
	// nil when the table has no such column, so stored values are kept
	ViewQuality *string
	Comments    *string
}

func ParseDeploymentsCSV(r io.Reader) ([]DeploymentRow, error) {
	table, err := utils.NewTableReader(r,
		"deployment_id", "deployment_code", "deployment_start", "deployment_end",
		"location_id", "correct_setup", "correct_tstamp")
	if err != nil {
		return nil, err
	}

	var rows []DeploymentRow
	for {
		record, err := table.Next()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", utils.ErrInvalidTable, record.Line, err)
		}
		row := DeploymentRow{
			Line:           record.Line,
			DeploymentId:   record.Get("deployment_id"),
			DeploymentCode: record.Get("deployment_code"),
			Start:          record.Get("deployment_start"),
			End:            record.Get("deployment_end"),
			LocationId:     record.Get("location_id"),
			CorrectSetup:   record.Get("correct_setup"),
			CorrectTstamp:  record.Get("correct_tstamp"),
		}
		if table.Has("view_quality") {
			v := record.Get("view_quality")
			row.ViewQuality = &v
		}
		if table.Has("comments") {
			v := record.Get("comments")
			row.Comments = &v
		}
		rows = append(rows, row)
	}
}

// ParseTimestamp reads a timestamp in any common layout. Values carrying a zone or offset keep
// it, others are read in zone. The result is in UTC.
func ParseTimestamp(value string, zone *time.Location) (time.Time, error) {
	t, err := dateparse.ParseIn(strings.TrimSpace(value), zone)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parseFlag(value string) bool {
	return strings.EqualFold(strings.TrimSpace(value), "true")
}

// ImportDeployments merges rows into the project's deployments keyed by deployment_id. Each
// row's location must already exist in the project. Timestamps without a zone are read in
// timezone. Unparseable timestamps are reported and left unset.
func ImportDeployments(txn *gorm.DB, user schema.User, projectId *uuid.UUID, timezone string, rows []DeploymentRow) (ImportResult, error) {
	zone, err := time.LoadLocation(timezone)
	if err != nil {
		return ImportResult{}, fmt.Errorf("%w: %v", ErrInvalidTimezone, timezone)
	}
	result := ImportResult{Total: len(rows), Errors: []RowError{}}

	for _, row := range rows {
		loc, found, err := findLocation(txn, projectId, row.LocationId)
		if err != nil {
			return result, err
		}
		if !found {
			result.fail(row.Line, row.DeploymentId, "location %q does not exist", row.LocationId)
			continue
		}

		var start, end time.Time
		if start, err = ParseTimestamp(row.Start, zone); err != nil {
			result.fail(row.Line, row.DeploymentId, "cannot parse deployment_start %q: %v", row.Start, err)
		}
		if end, err = ParseTimestamp(row.End, zone); err != nil {
			result.fail(row.Line, row.DeploymentId, "cannot parse deployment_end %q: %v", row.End, err)
		}

		var dep schema.Deployment
		res := scopedToProject(txn.Where("deployment_identifier = ?", row.DeploymentId), projectId).Limit(1).Find(&dep)
		if res.Error != nil {
			slog.Error("sql error loading deployment", "deployment_id", row.DeploymentId, "error", res.Error)
			return result, schema.ErrDbAccessFailed
		}
		if res.RowsAffected > 0 {
			dep.Location = &loc
			allowed, err := auth.CanUpdate(txn, auth.ForDeployment(&dep), user)
			if err != nil {
				return result, err
			}
			if !allowed {
				result.fail(row.Line, row.DeploymentId, "you are not allowed to update this deployment")
				continue
			}
		} else {
			dep = schema.Deployment{
				Id:                uuid.New(),
				OwnerId:           user.Id,
				ResearchProjectId: projectId,
				DateCreated:       time.Now().UTC(),
			}
		}

		setup, tstamp := parseFlag(row.CorrectSetup), parseFlag(row.CorrectTstamp)
		dep.LocationId, dep.Location = loc.Id, nil
		dep.DeploymentCode = row.DeploymentCode
		dep.Start, dep.End = start, end
		dep.CorrectSetup, dep.CorrectTstamp = &setup, &tstamp
		if row.ViewQuality != nil {
			dep.ViewQuality = *row.ViewQuality
		}
		if row.Comments != nil {
			dep.Comments = *row.Comments
		}

		if err := SaveDeployment(txn, &dep); err != nil {
			return result, err
		}
		result.Imported++
	}

	slog.Info("deployments imported", "user_id", user.Id, "imported", result.Imported, "total", result.Total, "code", logging.IMPORT)
	return result, nil
}

// SaveDeployment persists a deployment, recomputing its identifier and the names of resources
// inheriting it.
func SaveDeployment(txn *gorm.DB, dep *schema.Deployment) error {
	if err := txn.Omit(clause.Associations).Save(dep).Error; err != nil {
		slog.Error("sql error saving deployment", "deployment_id", dep.Id, "error", err)
		return schema.ErrDbAccessFailed
	}
	return RefreshResourceNames(txn, []uuid.UUID{dep.Id})
}

// DeleteDeployments removes deployments no resource refers to.
func DeleteDeployments(txn *gorm.DB, ids []uuid.UUID) error {
	var refs int64
	if err := txn.Model(&schema.Resource{}).Where("deployment_id IN ?", ids).Count(&refs).Error; err != nil {
		slog.Error("sql error checking deployment references", "error", err)
		return schema.ErrDbAccessFailed
	}
	if refs > 0 {
		return fmt.Errorf("%w: %d resources use these deployments", schema.ErrStillReferenced, refs)
	}
	if err := txn.Exec("DELETE FROM deployment_managers WHERE deployment_id IN ?", ids).Error; err != nil {
		slog.Error("sql error deleting deployment managers", "error", err)
		return schema.ErrDbAccessFailed
	}
	if err := txn.Where("id IN ?", ids).Delete(&schema.Deployment{}).Error; err != nil {
		slog.Error("sql error deleting deployments", "error", err)
		return schema.ErrDbAccessFailed
	}
	return nil
}
