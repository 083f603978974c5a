package main

import (
	"flag"
	"log"
	"trapper_platform/cmd/migration/versions"
	"trapper_platform/trapper/schema"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func main() {
	dbUri := flag.String("db_uri", "", "Database URI, postgres://... or sqlite://path")
	flag.Parse()

	if *dbUri == "" {
		log.Fatalf("Missing --db_uri arg")
	}

	db, err := schema.OpenDb(*dbUri)
	if err != nil {
		log.Fatalf("error opening database connection: %v", err)
	}

	migration := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID:      "1",
			Migrate: versions.Migration_1_refresh_prefixed_names,
		},
		{
			ID:      "2",
			Migrate: versions.Migration_2_classification_indexes,
		},
	})

	migration.InitSchema(func(txn *gorm.DB) error {
		log.Println("clean database detected, running full schema initialization")

		return txn.AutoMigrate(schema.AllModels()...)
	})

	if err := migration.Migrate(); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	log.Println("migration completed successfully")
}
