package classify

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"trapper_platform/trapper/schema"
	"trapper_platform/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type SpeciesImport struct {
	Created int
	Updated int
	Errors  []string
}

// ImportSpecies reads a csv with latin_name and optional english_name, genus and family
// columns. Rows are matched on latin_name, so importing the same list twice is a no-op.
func ImportSpecies(txn *gorm.DB, r io.Reader) (SpeciesImport, error) {
	var result SpeciesImport

	table, err := utils.NewTableReader(r, "latin_name")
	if err != nil {
		return result, err
	}

	var existing []schema.Species
	if err := txn.Find(&existing).Error; err != nil {
		slog.Error("sql error loading species", "error", err)
		return result, schema.ErrDbAccessFailed
	}
	byName := make(map[string]schema.Species, len(existing))
	for _, s := range existing {
		byName[s.LatinName] = s
	}

	for {
		record, err := table.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", record.Line, err))
			continue
		}

		latin := record.Get("latin_name")
		if latin == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: latin_name is empty", record.Line))
			continue
		}

		species, found := byName[latin]
		if !found {
			species = schema.Species{Id: uuid.New(), LatinName: latin}
		}
		species.EnglishName = record.Get("english_name")
		species.Genus = record.Get("genus")
		species.Family = record.Get("family")

		if err := txn.Save(&species).Error; err != nil {
			slog.Error("sql error saving species", "latin_name", latin, "error", err)
			return result, schema.ErrDbAccessFailed
		}
		byName[latin] = species
		if found {
			result.Updated++
		} else {
			result.Created++
		}
	}

	return result, nil
}

// SpeciesQuery filters the species catalog. Search matches english or latin names, case
// insensitive. Family and Genus match exactly.
type SpeciesQuery struct {
	Search string
	Family string
	Genus  string
	// restricts results to these species ids
	Ids   []string
	Limit int
}

func SearchSpecies(txn *gorm.DB, q SpeciesQuery) ([]schema.Species, error) {
	query := txn.Order("latin_name")
	if len(q.Ids) > 0 {
		query = query.Where("id IN ?", q.Ids)
	}
	if search := strings.TrimSpace(q.Search); search != "" {
		pattern := "%" + strings.ToLower(search) + "%"
		query = query.Where("LOWER(english_name) LIKE ? OR LOWER(latin_name) LIKE ?", pattern, pattern)
	}
	if q.Family != "" {
		query = query.Where("family = ?", q.Family)
	}
	if q.Genus != "" {
		query = query.Where("genus = ?", q.Genus)
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	var species []schema.Species
	if err := query.Find(&species).Error; err != nil {
		slog.Error("sql error searching species", "search", q.Search, "error", err)
		return nil, schema.ErrDbAccessFailed
	}
	return species, nil
}

func SpeciesChoice(s schema.Species) Choice {
	label := s.LatinName
	if s.EnglishName != "" {
		label = s.EnglishName + " (" + s.LatinName + ")"
	}
	return Choice{Value: s.LatinName, Label: label, Family: s.Family, Genus: s.Genus}
}
