package classification

import (
	"log/slog"
	"strconv"
	"time"

	"trapper_platform/trapper/classify"
	"trapper_platform/trapper/schema"
	"trapper_platform/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var identityColumns = []string{
	"classification_id", "status", "approved_at", "sequence_id",
	"resource_id", "resource_name", "resource_type", "date_recorded",
	"deployment_id", "location_id", "longitude", "latitude",
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// Export flattens the project's classifications into one row per dynamic row, a
// classification without dynamic rows gives a single row.
func Export(txn *gorm.DB, projectId uuid.UUID, form classify.Form, includeRejected bool) (utils.Table, error) {
	query := txn.Preload("Resource.Deployment.Location").
		Preload("Sequence").
		Preload("DynamicAttrs", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("project_id = ?", projectId).
		Order("created_at")
	if !includeRejected {
		query = query.Where("status = ?", schema.ClassificationApproved)
	}

	var classifications []schema.Classification
	if err := query.Find(&classifications).Error; err != nil {
		slog.Error("sql error loading classifications for export", "project_id", projectId, "error", err)
		return utils.Table{}, schema.ErrDbAccessFailed
	}

	table := utils.Table{Header: append([]string{}, identityColumns...)}
	for _, f := range form.Static {
		table.Header = append(table.Header, f.Name)
	}
	for _, f := range form.Dynamic {
		table.Header = append(table.Header, f.Name)
	}

	for _, c := range classifications {
		identity := []string{c.Id.String(), c.Status, formatTime(c.ApprovedAt), "", "", "", "", "", "", "", "", ""}
		if c.Sequence != nil {
			identity[3] = strconv.Itoa(c.Sequence.SequenceId)
		}
		if r := c.Resource; r != nil {
			identity[4], identity[5], identity[6] = r.Id.String(), r.PrefixedName, r.ResourceType
			identity[7] = formatTime(&r.DateRecorded)
			if d := r.Deployment; d != nil {
				identity[8] = d.DeploymentIdentifier
				if l := d.Location; l != nil {
					identity[9] = l.LocationId
					identity[10] = strconv.FormatFloat(l.Longitude, 'f', 5, 64)
					identity[11] = strconv.FormatFloat(l.Latitude, 'f', 5, 64)
				}
			}
		}

		static := c.StaticAttrs.Data()
		staticValues := make([]string, 0, len(form.Static))
		for _, f := range form.Static {
			staticValues = append(staticValues, valueString(static, f.Name))
		}

		rows := []schema.AttrBag{nil}
		if len(c.DynamicAttrs) > 0 {
			rows = rows[:0]
			for _, d := range c.DynamicAttrs {
				rows = append(rows, d.Attrs.Data())
			}
		}
		for _, dynamic := range rows {
			row := append(append([]string{}, identity...), staticValues...)
			for _, f := range form.Dynamic {
				row = append(row, valueString(dynamic, f.Name))
			}
			table.Rows = append(table.Rows, row)
		}
	}
	return table, nil
}

func valueString(bag schema.AttrBag, name string) string {
	if v, ok := bag[name]; ok {
		return v.String()
	}
	return ""
}
