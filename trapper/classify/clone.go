package classify

import (
	"log/slog"
	"maps"
	"slices"
	"time"

	"trapper_platform/trapper/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Clone copies the classificator with all attributes and orders for a new owner.
func Clone(txn *gorm.DB, original *schema.Classificator, owner uuid.UUID) (schema.Classificator, error) {
	var copies int64
	if err := txn.Model(&schema.Classificator{}).Where("copy_of_id = ?", original.Id).Count(&copies).Error; err != nil {
		slog.Error("sql error counting classificator copies", "classificator_id", original.Id, "error", err)
		return schema.Classificator{}, schema.ErrDbAccessFailed
	}

	name := CloneName(original.Name, int(copies))
	for {
		var taken int64
		if err := txn.Model(&schema.Classificator{}).Where("name = ?", name).Count(&taken).Error; err != nil {
			slog.Error("sql error checking classificator name", "error", err)
			return schema.Classificator{}, schema.ErrDbAccessFailed
		}
		if taken == 0 {
			break
		}
		copies++
		name = CloneName(original.Name, int(copies))
	}

	now := time.Now().UTC()
	clone := schema.Classificator{
		Id:                uuid.New(),
		Name:              name,
		Description:       original.Description,
		Template:          original.Template,
		CustomAttrs:       jsonType(maps.Clone(original.Custom())),
		PredefinedAttrs:   jsonType(maps.Clone(original.Predefined())),
		StaticAttrsOrder:  slices.Clone(original.StaticAttrsOrder),
		DynamicAttrsOrder: slices.Clone(original.DynamicAttrsOrder),
		OwnerId:           owner,
		CopyOfId:          &original.Id,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := txn.Create(&clone).Error; err != nil {
		slog.Error("sql error creating classificator copy", "classificator_id", original.Id, "error", err)
		return schema.Classificator{}, schema.ErrDbAccessFailed
	}
	return clone, nil
}
