package collections

import (
	"log/slog"
	"time"

	"trapper_platform/trapper/schema"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type extentRow struct {
	DateRecorded time.Time
	Longitude    *float64
	Latitude     *float64
}

// RefreshExtent recomputes the recording period and bounding box of a collection and
// copies the box onto every resource it contains.
func RefreshExtent(txn *gorm.DB, collectionId uuid.UUID) error {
	var rows []extentRow
	err := txn.Table("resources").
		Select("resources.date_recorded, locations.longitude, locations.latitude").
		Joins("JOIN collection_resources ON collection_resources.resource_id = resources.id").
		Joins("LEFT JOIN deployments ON deployments.id = resources.deployment_id").
		Joins("LEFT JOIN locations ON locations.id = deployments.location_id").
		Where("collection_resources.collection_id = ?", collectionId).
		Scan(&rows).Error
	if err != nil {
		slog.Error("sql error loading collection extent", "collection_id", collectionId, "error", err)
		return schema.ErrDbAccessFailed
	}

	var begin, end *time.Time
	var bbox schema.BoundingBox
	for i := range rows {
		recorded := rows[i].DateRecorded
		if !recorded.IsZero() {
			if begin == nil || recorded.Before(*begin) {
				begin = &recorded
			}
			if end == nil || recorded.After(*end) {
				end = &recorded
			}
		}
		if rows[i].Longitude != nil && rows[i].Latitude != nil {
			bbox = bbox.Extend(*rows[i].Longitude, *rows[i].Latitude)
		}
	}

	err = txn.Model(&schema.Collection{}).Where("id = ?", collectionId).Updates(map[string]interface{}{
		"period_begin": begin,
		"period_end":   end,
		"bbox":         datatypes.NewJSONType(bbox),
	}).Error
	if err != nil {
		slog.Error("sql error updating collection extent", "collection_id", collectionId, "error", err)
		return schema.ErrDbAccessFailed
	}

	err = txn.Model(&schema.Resource{}).
		Where("id IN (?)", txn.Model(&schema.CollectionResource{}).Select("resource_id").Where("collection_id = ?", collectionId)).
		Update("collection_bbox", datatypes.NewJSONType(bbox)).Error
	if err != nil {
		slog.Error("sql error updating resource bbox cache", "collection_id", collectionId, "error", err)
		return schema.ErrDbAccessFailed
	}
	return nil
}

// InvalidateLocationBbox clears the cached collection extent on resources recorded at the location.
func InvalidateLocationBbox(txn *gorm.DB, locationId uuid.UUID) error {
	err := txn.Model(&schema.Resource{}).
		Where("deployment_id IN (?)", txn.Model(&schema.Deployment{}).Select("id").Where("location_id = ?", locationId)).
		Update("collection_bbox", datatypes.NewJSONType(schema.BoundingBox{})).Error
	if err != nil {
		slog.Error("sql error invalidating bbox cache", "location_id", locationId, "error", err)
		return schema.ErrDbAccessFailed
	}
	return nil
}

// AddResources links resources to the collection, skipping ones already present.
func AddResources(txn *gorm.DB, collectionId uuid.UUID, resourceIds []uuid.UUID) error {
	if len(resourceIds) == 0 {
		return nil
	}
	links := make([]schema.CollectionResource, 0, len(resourceIds))
	for _, id := range resourceIds {
		links = append(links, schema.CollectionResource{CollectionId: collectionId, ResourceId: id})
	}
	if err := txn.Clauses(clause.OnConflict{DoNothing: true}).Create(&links).Error; err != nil {
		slog.Error("sql error adding collection resources", "collection_id", collectionId, "error", err)
		return schema.ErrDbAccessFailed
	}
	return RefreshExtent(txn, collectionId)
}

func RemoveResources(txn *gorm.DB, collectionId uuid.UUID, resourceIds []uuid.UUID) error {
	if len(resourceIds) == 0 {
		return nil
	}
	err := txn.Where("collection_id = ? AND resource_id IN ?", collectionId, resourceIds).Delete(&schema.CollectionResource{}).Error
	if err != nil {
		slog.Error("sql error removing collection resources", "collection_id", collectionId, "error", err)
		return schema.ErrDbAccessFailed
	}
	return RefreshExtent(txn, collectionId)
}
