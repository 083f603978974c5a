package auth

import (
	"log/slog"

	"trapper_platform/trapper/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Capability is a ladder: every level implies the ones below it, so delete implies update
// implies view for every entity kind.
type Capability int

const (
	NoAccess     Capability = 0
	ViewAccess   Capability = 1
	UpdateAccess Capability = 2
	DeleteAccess Capability = 3
)

func (c Capability) String() string {
	switch c {
	case NoAccess:
		return "None"
	case ViewAccess:
		return "View"
	case UpdateAccess:
		return "Update"
	case DeleteAccess:
		return "Delete"
	default:
		return "invalid capability"
	}
}

// Entity is implemented by each entity kind that is guarded by capabilities.
type Entity interface {
	Kind() string
	capability(txn *gorm.DB, user schema.User) (Capability, error)
}

func Resolve(txn *gorm.DB, entity Entity, user schema.User) (Capability, error) {
	return entity.capability(txn, user)
}

func CanView(txn *gorm.DB, entity Entity, user schema.User) (bool, error) {
	c, err := Resolve(txn, entity, user)
	return c >= ViewAccess, err
}

func CanUpdate(txn *gorm.DB, entity Entity, user schema.User) (bool, error) {
	c, err := Resolve(txn, entity, user)
	return c >= UpdateAccess, err
}

func CanDelete(txn *gorm.DB, entity Entity, user schema.User) (bool, error) {
	c, err := Resolve(txn, entity, user)
	return c >= DeleteAccess, err
}

func dbErr(msg string, err error, args ...any) error {
	slog.Error("sql error "+msg, append(args, "error", err)...)
	return schema.ErrDbAccessFailed
}

func isManager(txn *gorm.DB, joinTable, column string, entityId, userId uuid.UUID) (bool, error) {
	var count int64
	err := txn.Table(joinTable).Where(column+" = ? AND user_id = ?", entityId, userId).Count(&count).Error
	if err != nil {
		return false, dbErr("checking managers", err, "table", joinTable, "entity_id", entityId)
	}
	return count > 0, nil
}

func researchRole(txn *gorm.DB, projectId, userId uuid.UUID) (string, error) {
	var roles []string
	err := txn.Model(&schema.ResearchProjectRole{}).Where("project_id = ? AND user_id = ?", projectId, userId).Pluck("name", &roles).Error
	if err != nil {
		return "", dbErr("loading research project role", err, "project_id", projectId)
	}
	if len(roles) == 0 {
		return "", nil
	}
	return roles[0], nil
}

// ClassificationRole returns the user's role in a classification project, or "" for none.
func ClassificationRole(txn *gorm.DB, projectId, userId uuid.UUID) (string, error) {
	var roles []string
	err := txn.Model(&schema.ClassificationProjectRole{}).Where("project_id = ? AND user_id = ?", projectId, userId).Pluck("name", &roles).Error
	if err != nil {
		return "", dbErr("loading classification project role", err, "project_id", projectId)
	}
	if len(roles) == 0 {
		return "", nil
	}
	return roles[0], nil
}

// MemberLevels lists the membership levels user holds on any of the collections.
func MemberLevels(txn *gorm.DB, userId uuid.UUID, collectionIds []uuid.UUID) ([]int, error) {
	if len(collectionIds) == 0 {
		return nil, nil
	}
	var levels []int
	err := txn.Model(&schema.CollectionMember{}).Where("user_id = ? AND collection_id IN ?", userId, collectionIds).Pluck("level", &levels).Error
	if err != nil {
		return nil, dbErr("loading collection member levels", err, "user_id", userId)
	}
	return levels, nil
}

// hasProjectRoleOnCollections reports whether user holds a role in a research or classification
// project that includes any of the collections.
func hasProjectRoleOnCollections(txn *gorm.DB, userId uuid.UUID, collectionIds []uuid.UUID) (bool, error) {
	if len(collectionIds) == 0 {
		return false, nil
	}
	var count int64
	err := txn.Model(&schema.ResearchProjectCollection{}).
		Joins("JOIN research_project_roles ON research_project_roles.project_id = research_project_collections.project_id").
		Where("research_project_collections.collection_id IN ? AND research_project_roles.user_id = ?", collectionIds, userId).
		Count(&count).Error
	if err != nil {
		return false, dbErr("checking research project roles", err, "user_id", userId)
	}
	if count > 0 {
		return true, nil
	}

	err = txn.Model(&schema.ClassificationProjectCollection{}).
		Joins("JOIN research_project_collections ON research_project_collections.id = classification_project_collections.collection_id").
		Joins("JOIN classification_project_roles ON classification_project_roles.project_id = classification_project_collections.project_id").
		Where("research_project_collections.collection_id IN ? AND classification_project_roles.user_id = ?", collectionIds, userId).
		Count(&count).Error
	if err != nil {
		return false, dbErr("checking classification project roles", err, "user_id", userId)
	}
	return count > 0, nil
}

type resourceEntity struct{ r *schema.Resource }

func ForResource(r *schema.Resource) Entity { return resourceEntity{r: r} }

func (e resourceEntity) Kind() string { return "resource" }

func (e resourceEntity) capability(txn *gorm.DB, user schema.User) (Capability, error) {
	r := e.r
	if user.IsAdmin || r.OwnerId == user.Id {
		return DeleteAccess, nil
	}
	manager, err := isManager(txn, "resource_managers", "resource_id", r.Id, user.Id)
	if err != nil {
		return NoAccess, err
	}
	if manager {
		return UpdateAccess, nil
	}

	if r.Status == schema.Public {
		return ViewAccess, nil
	}

	var collections []schema.Collection
	err = txn.Model(&schema.Collection{}).
		Joins("JOIN collection_resources ON collection_resources.collection_id = collections.id").
		Where("collection_resources.resource_id = ?", r.Id).
		Select("collections.id, collections.status").Find(&collections).Error
	if err != nil {
		return NoAccess, dbErr("loading resource collections", err, "resource_id", r.Id)
	}
	ids := make([]uuid.UUID, 0, len(collections))
	for _, c := range collections {
		if c.Status == schema.Public {
			return ViewAccess, nil
		}
		ids = append(ids, c.Id)
	}

	levels, err := MemberLevels(txn, user.Id, ids)
	if err != nil {
		return NoAccess, err
	}
	if len(levels) > 0 {
		return ViewAccess, nil
	}

	hasRole, err := hasProjectRoleOnCollections(txn, user.Id, ids)
	if err != nil {
		return NoAccess, err
	}
	if hasRole {
		return ViewAccess, nil
	}
	return NoAccess, nil
}

type collectionEntity struct{ c *schema.Collection }

func ForCollection(c *schema.Collection) Entity { return collectionEntity{c: c} }

func (e collectionEntity) Kind() string { return "collection" }

func (e collectionEntity) capability(txn *gorm.DB, user schema.User) (Capability, error) {
	c := e.c
	if user.IsAdmin || c.OwnerId == user.Id {
		return DeleteAccess, nil
	}
	manager, err := isManager(txn, "collection_managers", "collection_id", c.Id, user.Id)
	if err != nil {
		return NoAccess, err
	}
	if manager {
		return UpdateAccess, nil
	}

	levels, err := MemberLevels(txn, user.Id, []uuid.UUID{c.Id})
	if err != nil {
		return NoAccess, err
	}
	best := NoAccess
	for _, level := range levels {
		switch level {
		case schema.CanDelete:
			best = max(best, DeleteAccess)
		case schema.CanUpdate, schema.CanCreate:
			best = max(best, UpdateAccess)
		case schema.CanView, schema.CanViewOnRequest, schema.CanViewBasic:
			best = max(best, ViewAccess)
		}
	}
	if best > NoAccess {
		return best, nil
	}

	if c.Status == schema.Public {
		return ViewAccess, nil
	}

	hasRole, err := hasProjectRoleOnCollections(txn, user.Id, []uuid.UUID{c.Id})
	if err != nil {
		return NoAccess, err
	}
	if hasRole {
		return ViewAccess, nil
	}
	return NoAccess, nil
}

// projectScoped resolves capabilities of locations and deployments which may belong to a
// research project.
func projectScoped(txn *gorm.DB, user schema.User, ownerId uuid.UUID, joinTable, column string, id uuid.UUID, projectId *uuid.UUID, public bool) (Capability, error) {
	if user.IsAdmin || ownerId == user.Id {
		return DeleteAccess, nil
	}
	manager, err := isManager(txn, joinTable, column, id, user.Id)
	if err != nil {
		return NoAccess, err
	}
	if manager {
		return UpdateAccess, nil
	}
	if projectId != nil {
		role, err := researchRole(txn, *projectId, user.Id)
		if err != nil {
			return NoAccess, err
		}
		if role == schema.RoleAdmin {
			return UpdateAccess, nil
		}
		if role != "" {
			return ViewAccess, nil
		}
	}
	if public {
		return ViewAccess, nil
	}
	return NoAccess, nil
}

type locationEntity struct{ l *schema.Location }

func ForLocation(l *schema.Location) Entity { return locationEntity{l: l} }

func (e locationEntity) Kind() string { return "location" }

func (e locationEntity) capability(txn *gorm.DB, user schema.User) (Capability, error) {
	return projectScoped(txn, user, e.l.OwnerId, "location_managers", "location_id", e.l.Id, e.l.ResearchProjectId, e.l.IsPublic)
}

type deploymentEntity struct{ d *schema.Deployment }

func ForDeployment(d *schema.Deployment) Entity { return deploymentEntity{d: d} }

func (e deploymentEntity) Kind() string { return "deployment" }

func (e deploymentEntity) capability(txn *gorm.DB, user schema.User) (Capability, error) {
	public := e.d.Location != nil && e.d.Location.IsPublic
	return projectScoped(txn, user, e.d.OwnerId, "deployment_managers", "deployment_id", e.d.Id, e.d.ResearchProjectId, public)
}

type researchProjectEntity struct{ p *schema.ResearchProject }

func ForResearchProject(p *schema.ResearchProject) Entity { return researchProjectEntity{p: p} }

func (e researchProjectEntity) Kind() string { return "research_project" }

func (e researchProjectEntity) capability(txn *gorm.DB, user schema.User) (Capability, error) {
	p := e.p
	if user.IsAdmin || p.OwnerId == user.Id {
		return DeleteAccess, nil
	}
	role, err := researchRole(txn, p.Id, user.Id)
	if err != nil {
		return NoAccess, err
	}
	if p.Status == schema.ProjectApproved && role == schema.RoleAdmin {
		return UpdateAccess, nil
	}
	if role != "" || p.Status == schema.ProjectApproved {
		return ViewAccess, nil
	}
	return NoAccess, nil
}

type classificationProjectEntity struct{ p *schema.ClassificationProject }

func ForClassificationProject(p *schema.ClassificationProject) Entity {
	return classificationProjectEntity{p: p}
}

func (e classificationProjectEntity) Kind() string { return "classification_project" }

func (e classificationProjectEntity) capability(txn *gorm.DB, user schema.User) (Capability, error) {
	p := e.p
	if user.IsAdmin || p.OwnerId == user.Id {
		return DeleteAccess, nil
	}
	role, err := ClassificationRole(txn, p.Id, user.Id)
	if err != nil {
		return NoAccess, err
	}
	switch role {
	case schema.RoleAdmin:
		return DeleteAccess, nil
	case schema.RoleExpert, schema.RoleCollaborator:
		return ViewAccess, nil
	}
	return NoAccess, nil
}

type classificatorEntity struct{ c *schema.Classificator }

func ForClassificator(c *schema.Classificator) Entity { return classificatorEntity{c: c} }

func (e classificatorEntity) Kind() string { return "classificator" }

func (e classificatorEntity) capability(txn *gorm.DB, user schema.User) (Capability, error) {
	if user.IsAdmin || e.c.OwnerId == user.Id {
		return DeleteAccess, nil
	}
	return ViewAccess, nil
}
