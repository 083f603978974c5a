package versions

import (
	"trapper_platform/trapper/schema"

	"gorm.io/gorm"
)

func dropIndexes(model interface{}, txn *gorm.DB, indexes ...string) error {
	for _, idx := range indexes {
		if !txn.Migrator().HasIndex(model, idx) {
			continue
		}
		if err := txn.Migrator().DropIndex(model, idx); err != nil {
			return err
		}
	}
	return nil
}

// Single column indexes on the approval columns were replaced by the ones gorm derives from
// the current tags.
func Migration_2_classification_indexes(db *gorm.DB) error {
	return db.Transaction(func(txn *gorm.DB) error {
		if err := dropIndexes(&schema.Classification{}, txn, "idx_classifications_status", "idx_classifications_approved_by_id"); err != nil {
			return err
		}
		if err := dropIndexes(&schema.UserClassification{}, txn, "idx_user_classifications_owner_id"); err != nil {
			return err
		}
		return txn.AutoMigrate(&schema.Classification{}, &schema.UserClassification{})
	})
}
