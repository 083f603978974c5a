package services

import (
	"fmt"
	"net/http"
	"time"

	"trapper_platform/trapper/auth"
	"trapper_platform/trapper/filters"
	"trapper_platform/trapper/schema"
	"trapper_platform/utils"

	"github.com/samber/lo"
	"gorm.io/gorm"
)

func visibleWith[T any](entity func(*T) auth.Entity) func(*gorm.DB, T, schema.User) (bool, error) {
	return func(txn *gorm.DB, row T, user schema.User) (bool, error) {
		return auth.CanView(txn, entity(&row), user)
	}
}

var locationListing = filters.Listing[schema.Location]{
	Table:         "locations",
	OwnerColumn:   "owner_id",
	ManagersTable: "location_managers",
	ManagedColumn: "location_id",
	DateColumn:    "date_created",
	Choices:       map[string]string{"timezone": "timezone", "research_project": "research_project_id", "country": "country"},
	Timestamp: func(l schema.Location) (time.Time, *time.Location, bool) {
		return l.DateCreated, l.Zone(), true
	},
	Point:   func(l schema.Location) (float64, float64, bool) { return l.Longitude, l.Latitude, true },
	Text:    func(l schema.Location) []string { return []string{l.LocationId, l.Name, l.Description, l.City} },
	Visible: visibleWith(auth.ForLocation),
}

var deploymentListing = filters.Listing[schema.Deployment]{
	Table:         "deployments",
	OwnerColumn:   "owner_id",
	ManagersTable: "deployment_managers",
	ManagedColumn: "deployment_id",
	DateColumn:    "start",
	Choices:       map[string]string{"research_project": "research_project_id", "location": "location_id"},
	Timestamp: func(d schema.Deployment) (time.Time, *time.Location, bool) {
		if d.Location == nil {
			return d.Start, time.UTC, !d.Start.IsZero()
		}
		return d.Start, d.Location.Zone(), !d.Start.IsZero()
	},
	Point: func(d schema.Deployment) (float64, float64, bool) {
		if d.Location == nil {
			return 0, 0, false
		}
		return d.Location.Longitude, d.Location.Latitude, true
	},
	Text:    func(d schema.Deployment) []string { return []string{d.DeploymentIdentifier, d.Comments} },
	Visible: visibleWith(auth.ForDeployment),
}

var resourceListing = filters.Listing[schema.Resource]{
	Table:         "resources",
	OwnerColumn:   "owner_id",
	ManagersTable: "resource_managers",
	ManagedColumn: "resource_id",
	DateColumn:    "date_recorded",
	Choices:       map[string]string{"resource_type": "resource_type", "status": "status", "deployment": "deployment_id"},
	Timestamp: func(r schema.Resource) (time.Time, *time.Location, bool) {
		if r.Deployment != nil && r.Deployment.Location != nil {
			return r.DateRecorded, r.Deployment.Location.Zone(), true
		}
		return r.DateRecorded, time.UTC, true
	},
	Point: func(r schema.Resource) (float64, float64, bool) {
		if r.Deployment == nil || r.Deployment.Location == nil {
			return 0, 0, false
		}
		return r.Deployment.Location.Longitude, r.Deployment.Location.Latitude, true
	},
	Text: func(r schema.Resource) []string {
		return append([]string{r.Name, r.PrefixedName}, r.Tags...)
	},
	Visible: visibleWith(auth.ForResource),
}

var collectionListing = filters.Listing[schema.Collection]{
	Table:         "collections",
	OwnerColumn:   "owner_id",
	ManagersTable: "collection_managers",
	ManagedColumn: "collection_id",
	DateColumn:    "date_created",
	Choices:       map[string]string{"status": "status"},
	Point: func(c schema.Collection) (float64, float64, bool) {
		b := c.Bbox.Data()
		if !b.Valid {
			return 0, 0, false
		}
		return (b.MinX + b.MaxX) / 2, (b.MinY + b.MaxY) / 2, true
	},
	Text:    func(c schema.Collection) []string { return []string{c.Name, c.Description, c.ProjectName} },
	Visible: visibleWith(auth.ForCollection),
}

var researchProjectListing = filters.Listing[schema.ResearchProject]{
	Table:       "research_projects",
	OwnerColumn: "owner_id",
	DateColumn:  "date_created",
	Choices:     map[string]string{"status": "status"},
	Text: func(p schema.ResearchProject) []string {
		return append([]string{p.Name, p.Acronym, p.Description}, p.Keywords...)
	},
	Visible: visibleWith(auth.ForResearchProject),
}

var classificatorListing = filters.Listing[schema.Classificator]{
	Table:       "classificators",
	OwnerColumn: "owner_id",
	DateColumn:  "created_at",
	Choices:     map[string]string{"template": "template"},
	Text:        func(c schema.Classificator) []string { return []string{c.Name, c.Description} },
}

var classificationProjectListing = filters.Listing[schema.ClassificationProject]{
	Table:       "classification_projects",
	OwnerColumn: "owner_id",
	DateColumn:  "date_created",
	Choices:     map[string]string{"status": "status", "research_project": "research_project_id"},
	Text:        func(p schema.ClassificationProject) []string { return []string{p.Name} },
	Visible:     visibleWith(auth.ForClassificationProject),
}

// writeListing parses the request's filters, applies them to query and replies with one page of
// converted rows.
func writeListing[T any, R any](w http.ResponseWriter, r *http.Request, query *gorm.DB, listing filters.Listing[T], pageSizeMax int, convert func(T) R) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	params, err := filters.Parse(r.URL.Query(), listing.ChoiceNames(), pageSizeMax)
	if err != nil {
		http.Error(w, fmt.Sprintf("error parsing filters: %v", err), http.StatusUnprocessableEntity)
		return
	}

	page, err := listing.Apply(query, user, params)
	if err != nil {
		writeError(w, "error listing "+listing.Table, err)
		return
	}

	utils.WriteJsonResponse(w, filters.Page[R]{
		Items:    lo.Map(page.Items, func(item T, _ int) R { return convert(item) }),
		Total:    page.Total,
		Page:     page.Page,
		PageSize: page.PageSize,
	})
}

var classificationListing = filters.Listing[schema.Classification]{
	Table:       "classifications",
	OwnerColumn: "created_by_id",
	DateColumn:  "updated_at",
	Choices:     map[string]string{"status": "status", "collection": "collection_id", "sequence": "sequence_id", "resource": "resource_id"},
	Timestamp: func(c schema.Classification) (time.Time, *time.Location, bool) {
		if c.Resource == nil {
			return time.Time{}, time.UTC, false
		}
		return resourceListing.Timestamp(*c.Resource)
	},
	Point: func(c schema.Classification) (float64, float64, bool) {
		if c.Resource == nil {
			return 0, 0, false
		}
		return resourceListing.Point(*c.Resource)
	},
	Text: func(c schema.Classification) []string {
		if c.Resource == nil {
			return nil
		}
		return []string{c.Resource.PrefixedName}
	},
}
