package classification

import (
	"log/slog"
	"time"

	"trapper_platform/trapper/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Rebuild creates the missing rejected classification of every resource in the project's
// active collections and returns how many were added.
func Rebuild(txn *gorm.DB, projectId uuid.UUID) (int, error) {
	var wrappers []schema.ClassificationProjectCollection
	err := txn.Preload("Collection").Where("project_id = ? AND is_active = ?", projectId, true).Find(&wrappers).Error
	if err != nil {
		slog.Error("sql error loading project collections", "project_id", projectId, "error", err)
		return 0, schema.ErrDbAccessFailed
	}

	created := 0
	for _, w := range wrappers {
		if w.Collection == nil {
			continue
		}
		n, err := rebuildCollection(txn, projectId, w.Id, w.Collection.CollectionId)
		if err != nil {
			return created, err
		}
		created += n
	}
	return created, nil
}

func rebuildCollection(txn *gorm.DB, projectId, wrapperId, storageCollectionId uuid.UUID) (int, error) {
	var missing []uuid.UUID
	err := txn.Model(&schema.CollectionResource{}).
		Where("collection_id = ?", storageCollectionId).
		Where("resource_id NOT IN (?)", txn.Model(&schema.Classification{}).Select("resource_id").Where("project_id = ?", projectId)).
		Pluck("resource_id", &missing).Error
	if err != nil {
		slog.Error("sql error finding unclassified resources", "project_id", projectId, "error", err)
		return 0, schema.ErrDbAccessFailed
	}
	if len(missing) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([]schema.Classification, 0, len(missing))
	for _, resourceId := range missing {
		rows = append(rows, schema.Classification{
			Id:           uuid.New(),
			ProjectId:    projectId,
			ResourceId:   resourceId,
			CollectionId: wrapperId,
			Status:       schema.ClassificationRejected,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	if err := txn.Clauses(clause.OnConflict{DoNothing: true}).Omit(clause.Associations).CreateInBatches(&rows, 200).Error; err != nil {
		slog.Error("sql error creating classifications", "project_id", projectId, "error", err)
		return 0, schema.ErrDbAccessFailed
	}
	return len(rows), nil
}

// RebuildForCollection runs Rebuild on every classification project using the storage collection.
func RebuildForCollection(txn *gorm.DB, storageCollectionId uuid.UUID) error {
	var projectIds []uuid.UUID
	err := txn.Model(&schema.ClassificationProjectCollection{}).
		Joins("JOIN research_project_collections ON research_project_collections.id = classification_project_collections.collection_id").
		Where("research_project_collections.collection_id = ?", storageCollectionId).
		Distinct().Pluck("classification_project_collections.project_id", &projectIds).Error
	if err != nil {
		slog.Error("sql error loading projects of collection", "collection_id", storageCollectionId, "error", err)
		return schema.ErrDbAccessFailed
	}
	for _, id := range projectIds {
		if _, err := Rebuild(txn, id); err != nil {
			return err
		}
	}
	return nil
}

// ResourceStillReferenced reports whether the resource is the subject of an approved
// classification in a finished project.
func ResourceStillReferenced(txn *gorm.DB, resourceId uuid.UUID) (bool, error) {
	var count int64
	err := txn.Model(&schema.Classification{}).
		Joins("JOIN classification_projects ON classification_projects.id = classifications.project_id").
		Where("classifications.resource_id = ? AND classifications.status = ? AND classification_projects.status = ?",
			resourceId, schema.ClassificationApproved, schema.ProjectFinished).
		Count(&count).Error
	if err != nil {
		slog.Error("sql error checking resource references", "resource_id", resourceId, "error", err)
		return false, schema.ErrDbAccessFailed
	}
	return count > 0, nil
}

// HasApproved reports whether any of the projects holds an approved classification.
func HasApproved(txn *gorm.DB, projectIds ...uuid.UUID) (bool, error) {
	if len(projectIds) == 0 {
		return false, nil
	}
	var count int64
	err := txn.Model(&schema.Classification{}).Where("project_id IN ? AND status = ?", projectIds, schema.ClassificationApproved).Count(&count).Error
	if err != nil {
		slog.Error("sql error checking approved classifications", "error", err)
		return false, schema.ErrDbAccessFailed
	}
	return count > 0, nil
}

type Stats struct {
	Total        int64 `json:"total"`
	Approved     int64 `json:"approved"`
	Classified   int64 `json:"classified"`
	Unclassified int64 `json:"unclassified"`
}

// ProjectStats counts classifications by progress. Classified ones have at least one user
// classification but are not approved yet.
func ProjectStats(txn *gorm.DB, projectId uuid.UUID) (Stats, error) {
	var stats Stats
	base := func() *gorm.DB { return txn.Model(&schema.Classification{}).Where("project_id = ?", projectId) }

	if err := base().Count(&stats.Total).Error; err != nil {
		slog.Error("sql error counting classifications", "project_id", projectId, "error", err)
		return stats, schema.ErrDbAccessFailed
	}
	if err := base().Where("status = ?", schema.ClassificationApproved).Count(&stats.Approved).Error; err != nil {
		slog.Error("sql error counting approved classifications", "project_id", projectId, "error", err)
		return stats, schema.ErrDbAccessFailed
	}
	err := base().Where("status <> ?", schema.ClassificationApproved).
		Where("id IN (?)", txn.Model(&schema.UserClassification{}).Select("classification_id")).
		Count(&stats.Classified).Error
	if err != nil {
		slog.Error("sql error counting classified resources", "project_id", projectId, "error", err)
		return stats, schema.ErrDbAccessFailed
	}
	stats.Unclassified = stats.Total - stats.Approved - stats.Classified
	return stats, nil
}
