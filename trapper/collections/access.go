package collections

import (
	"fmt"
	"log/slog"
	"time"

	"trapper_platform/trapper/schema"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GrantAccess gives every user the level on every collection. Existing grants are kept.
func GrantAccess(txn *gorm.DB, collectionIds, userIds []uuid.UUID, level int) error {
	if err := schema.CheckValidMemberLevel(level); err != nil {
		return err
	}
	if len(collectionIds) == 0 || len(userIds) == 0 {
		return nil
	}

	now := time.Now().UTC()
	members := make([]schema.CollectionMember, 0, len(collectionIds)*len(userIds))
	for _, c := range collectionIds {
		for _, u := range userIds {
			members = append(members, schema.CollectionMember{
				Id:           uuid.New(),
				CollectionId: c,
				UserId:       u,
				Level:        level,
				DateCreated:  now,
			})
		}
	}

	err := txn.Clauses(clause.OnConflict{DoNothing: true}).Create(&members).Error
	if err != nil {
		slog.Error("sql error granting collection access", "level", level, "error", err)
		return schema.ErrDbAccessFailed
	}
	return nil
}

// RevokeAccess removes the level from every user on every collection. Other levels stay.
func RevokeAccess(txn *gorm.DB, collectionIds, userIds []uuid.UUID, level int) error {
	if len(collectionIds) == 0 || len(userIds) == 0 {
		return nil
	}
	err := txn.Where("collection_id IN ? AND user_id IN ? AND level = ?", collectionIds, userIds, level).
		Delete(&schema.CollectionMember{}).Error
	if err != nil {
		slog.Error("sql error revoking collection access", "level", level, "error", err)
		return schema.ErrDbAccessFailed
	}
	return nil
}

// GrantBasicAccess gives project members the basic view level on the project's collections.
// Public collections and collections the user owns or manages are skipped.
func GrantBasicAccess(txn *gorm.DB, collectionIds, userIds []uuid.UUID) error {
	if len(collectionIds) == 0 || len(userIds) == 0 {
		return nil
	}

	var cols []schema.Collection
	if err := txn.Preload("Managers").Where("id IN ? AND status <> ?", collectionIds, schema.Public).Find(&cols).Error; err != nil {
		slog.Error("sql error loading collections for basic access", "error", err)
		return schema.ErrDbAccessFailed
	}

	for _, col := range cols {
		managers := lo.Map(col.Managers, func(u schema.User, _ int) uuid.UUID { return u.Id })
		users := lo.Filter(userIds, func(u uuid.UUID, _ int) bool {
			return u != col.OwnerId && !lo.Contains(managers, u)
		})
		if err := GrantAccess(txn, []uuid.UUID{col.Id}, users, schema.CanViewBasic); err != nil {
			return fmt.Errorf("error granting basic access: %w", err)
		}
	}
	return nil
}

// RevokeBasicAccess removes the basic level a former project member held on the collections,
// keeping it where another project role of the user still covers the collection.
func RevokeBasicAccess(txn *gorm.DB, collectionIds []uuid.UUID, userId uuid.UUID) error {
	if len(collectionIds) == 0 {
		return nil
	}

	var stillCovered []uuid.UUID
	err := txn.Model(&schema.ResearchProjectCollection{}).
		Joins("JOIN research_project_roles ON research_project_roles.project_id = research_project_collections.project_id").
		Where("research_project_collections.collection_id IN ? AND research_project_roles.user_id = ?", collectionIds, userId).
		Pluck("research_project_collections.collection_id", &stillCovered).Error
	if err != nil {
		slog.Error("sql error checking remaining project roles", "user_id", userId, "error", err)
		return schema.ErrDbAccessFailed
	}

	var viaClassification []uuid.UUID
	err = txn.Model(&schema.ClassificationProjectCollection{}).
		Joins("JOIN research_project_collections ON research_project_collections.id = classification_project_collections.collection_id").
		Joins("JOIN classification_project_roles ON classification_project_roles.project_id = classification_project_collections.project_id").
		Where("research_project_collections.collection_id IN ? AND classification_project_roles.user_id = ?", collectionIds, userId).
		Pluck("research_project_collections.collection_id", &viaClassification).Error
	if err != nil {
		slog.Error("sql error checking remaining classification roles", "user_id", userId, "error", err)
		return schema.ErrDbAccessFailed
	}

	revoke, _ := lo.Difference(collectionIds, append(stillCovered, viaClassification...))
	return RevokeAccess(txn, revoke, []uuid.UUID{userId}, schema.CanViewBasic)
}

// ResearchCollectionIds lists the collections bound to a research project.
func ResearchCollectionIds(txn *gorm.DB, projectId uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	if err := txn.Model(&schema.ResearchProjectCollection{}).Where("project_id = ?", projectId).Pluck("collection_id", &ids).Error; err != nil {
		slog.Error("sql error loading project collections", "project_id", projectId, "error", err)
		return nil, schema.ErrDbAccessFailed
	}
	return ids, nil
}

// ClassificationCollectionIds lists the storage collections behind a classification project.
func ClassificationCollectionIds(txn *gorm.DB, projectId uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := txn.Model(&schema.ClassificationProjectCollection{}).
		Joins("JOIN research_project_collections ON research_project_collections.id = classification_project_collections.collection_id").
		Where("classification_project_collections.project_id = ?", projectId).
		Pluck("research_project_collections.collection_id", &ids).Error
	if err != nil {
		slog.Error("sql error loading classification project collections", "project_id", projectId, "error", err)
		return nil, schema.ErrDbAccessFailed
	}
	return ids, nil
}
