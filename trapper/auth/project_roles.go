package auth

import (
	"trapper_platform/trapper/schema"

	"gorm.io/gorm"
)

// IsProjectAdmin reports whether user may approve, clear or delete classifications of project.
func IsProjectAdmin(txn *gorm.DB, project *schema.ClassificationProject, user schema.User) (bool, error) {
	if user.IsAdmin || project.OwnerId == user.Id {
		return true, nil
	}
	role, err := ClassificationRole(txn, project.Id, user.Id)
	if err != nil {
		return false, err
	}
	return role == schema.RoleAdmin, nil
}

// CanViewClassifications reports whether user may browse approved classifications of project.
func CanViewClassifications(txn *gorm.DB, project *schema.ClassificationProject, user schema.User) (bool, error) {
	if user.IsAdmin || project.OwnerId == user.Id {
		return true, nil
	}
	role, err := ClassificationRole(txn, project.Id, user.Id)
	if err != nil {
		return false, err
	}
	return role == schema.RoleAdmin || role == schema.RoleCollaborator, nil
}

// CanClassify reports whether user may submit classifications in project.
func CanClassify(txn *gorm.DB, project *schema.ClassificationProject, user schema.User) (bool, error) {
	if project.Status == schema.ProjectFinished || project.DisabledAt != nil {
		return false, nil
	}
	if user.IsAdmin || project.OwnerId == user.Id {
		return true, nil
	}
	role, err := ClassificationRole(txn, project.Id, user.Id)
	if err != nil {
		return false, err
	}
	return role != "", nil
}

// CanChangeSequence reports whether user may build or edit sequences in collection of project.
func CanChangeSequence(txn *gorm.DB, project *schema.ClassificationProject, collection *schema.ClassificationProjectCollection, user schema.User) (bool, error) {
	admin, err := IsProjectAdmin(txn, project, user)
	if err != nil || admin {
		return admin, err
	}
	if !project.EnableSequencing || (collection != nil && !collection.EnableSequencingExperts) {
		return false, nil
	}
	return CanClassify(txn, project, user)
}

// CanUpdateClassification allows the creator of a classification or a project admin.
func CanUpdateClassification(txn *gorm.DB, project *schema.ClassificationProject, classification *schema.Classification, user schema.User) (bool, error) {
	if classification.CreatedById != nil && *classification.CreatedById == user.Id {
		return true, nil
	}
	return IsProjectAdmin(txn, project, user)
}
