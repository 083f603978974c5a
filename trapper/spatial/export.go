package spatial

import (
	"log/slog"
	"strconv"
	"time"

	"trapper_platform/trapper/schema"
	"trapper_platform/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func coordinate(v float64) string {
	return strconv.FormatFloat(v, 'f', 5, 64)
}

func projectName(p *schema.ResearchProject) string {
	if p == nil {
		return ""
	}
	return p.Name
}

func optionalBool(b *bool) string {
	if b == nil {
		return ""
	}
	return strconv.FormatBool(*b)
}

func ExportLocations(txn *gorm.DB, ids []uuid.UUID) (utils.Table, error) {
	var locations []schema.Location
	if err := txn.Preload("ResearchProject").Where("id IN ?", ids).Order("location_id").Find(&locations).Error; err != nil {
		slog.Error("sql error loading locations for export", "error", err)
		return utils.Table{}, schema.ErrDbAccessFailed
	}

	table := utils.Table{Header: []string{
		"id", "location_id", "X", "Y", "name", "description",
		"country", "state", "county", "city", "timezone", "research_project",
	}}
	for _, l := range locations {
		table.Rows = append(table.Rows, []string{
			l.Id.String(), l.LocationId, coordinate(l.Longitude), coordinate(l.Latitude), l.Name, l.Description,
			l.Country, l.State, l.County, l.City, l.Timezone, projectName(l.ResearchProject),
		})
	}
	return table, nil
}

// ExportDeployments renders deployment windows in the zone of each deployment's location.
func ExportDeployments(txn *gorm.DB, ids []uuid.UUID) (utils.Table, error) {
	var deployments []schema.Deployment
	if err := txn.Preload("Location").Preload("ResearchProject").Where("id IN ?", ids).Order("deployment_identifier").Find(&deployments).Error; err != nil {
		slog.Error("sql error loading deployments for export", "error", err)
		return utils.Table{}, schema.ErrDbAccessFailed
	}

	table := utils.Table{Header: []string{
		"id", "deployment_id", "deployment_code", "deployment_start", "deployment_end",
		"location_id", "location_X", "location_Y", "location_tz", "research_project",
		"correct_setup", "correct_tstamp", "view_quality", "comments",
	}}
	for _, d := range deployments {
		zone := time.UTC
		var locationId, x, y, tz string
		if d.Location != nil {
			zone = d.Location.Zone()
			locationId, x, y, tz = d.Location.LocationId, coordinate(d.Location.Longitude), coordinate(d.Location.Latitude), d.Location.Timezone
		}
		table.Rows = append(table.Rows, []string{
			d.Id.String(), d.DeploymentIdentifier, d.DeploymentCode, formatIn(d.Start, zone), formatIn(d.End, zone),
			locationId, x, y, tz, projectName(d.ResearchProject),
			optionalBool(d.CorrectSetup), optionalBool(d.CorrectTstamp), d.ViewQuality, d.Comments,
		})
	}
	return table, nil
}

func formatIn(t time.Time, zone *time.Location) string {
	if t.IsZero() {
		return ""
	}
	return t.In(zone).Format(time.RFC3339)
}
