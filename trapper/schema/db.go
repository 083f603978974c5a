package schema

import (
	"fmt"
	"net/url"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func postgresDsn(parts *url.URL) string {
	pwd, _ := parts.User.Password()
	dbname := strings.TrimPrefix(parts.Path, "/")
	return fmt.Sprintf("host=%v user=%v password=%v dbname=%v port=%v", parts.Hostname(), parts.User.Username(), pwd, dbname, parts.Port())
}

// OpenDb connects to postgres://... or sqlite://path databases.
func OpenDb(uri string) (*gorm.DB, error) {
	parts, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("error parsing db uri: %w", err)
	}

	var dialector gorm.Dialector
	switch parts.Scheme {
	case "postgres", "postgresql":
		dialector = postgres.Open(postgresDsn(parts))
	case "sqlite":
		dialector = sqlite.Open(strings.TrimPrefix(uri, "sqlite://"))
	default:
		return nil, fmt.Errorf("unsupported db scheme '%v'", parts.Scheme)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("error opening database connection: %w", err)
	}

	if parts.Scheme == "sqlite" {
		sqlDb, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDb.SetMaxOpenConns(1)
	}
	return db, nil
}
