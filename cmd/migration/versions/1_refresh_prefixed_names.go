package versions

import (
	"log"
	"trapper_platform/trapper/schema"

	"gorm.io/gorm"
)

const batchSize = 500

/*
 * Prefixed names are derived from the deployment identifier or the owner's username.
 * Rows written before the prefix rule was stored on the resource carry stale names,
 * this migration recomputes them through the BeforeSave hook.
 */
func Migration_1_refresh_prefixed_names(db *gorm.DB) error {
	log.Println("refreshing resource prefixed names")

	refreshed := 0
	var batch []schema.Resource
	result := db.Select("id", "name", "custom_prefix", "inherit_prefix", "deployment_id", "owner_id", "prefixed_name").
		FindInBatches(&batch, batchSize, func(txn *gorm.DB, _ int) error {
			for i := range batch {
				before := batch[i].PrefixedName
				if err := batch[i].BeforeSave(txn); err != nil {
					return err
				}
				if batch[i].PrefixedName == before {
					continue
				}
				if err := txn.Model(&schema.Resource{}).Where("id = ?", batch[i].Id).UpdateColumn("prefixed_name", batch[i].PrefixedName).Error; err != nil {
					return err
				}
				refreshed++
			}
			return nil
		})
	if result.Error != nil {
		return result.Error
	}

	log.Printf("refreshed %d prefixed names", refreshed)
	return nil
}
