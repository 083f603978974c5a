package classification

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"strconv"

	"trapper_platform/trapper/classify"
	"trapper_platform/trapper/schema"
	"trapper_platform/utils"
	"trapper_platform/utils/logging"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

// ImportRow sets one attribute of a classification. Row selects the dynamic row for
// dynamic attributes and is ignored for static ones.
type ImportRow struct {
	Line             int
	ClassificationId uuid.UUID
	Attribute        string
	Row              int
	Value            string
}

type ImportError struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

type ImportResult struct {
	Imported int           `json:"imported"`
	Total    int           `json:"total"`
	Errors   []ImportError `json:"errors"`
}

// ParseImportCSV reads a table with the columns classification_id, attribute, value and an
// optional row column. Unparseable lines become errors of the result.
func ParseImportCSV(r io.Reader) ([]ImportRow, []ImportError, error) {
	table, err := utils.NewTableReader(r, "classification_id", "attribute", "value")
	if err != nil {
		return nil, nil, err
	}

	var rows []ImportRow
	var errs []ImportError
	for {
		record, err := table.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			errs = append(errs, ImportError{Line: record.Line, Message: err.Error()})
			continue
		}

		id, err := uuid.Parse(record.Get("classification_id"))
		if err != nil {
			errs = append(errs, ImportError{Line: record.Line, Message: fmt.Sprintf("invalid classification id %q", record.Get("classification_id"))})
			continue
		}
		row := ImportRow{Line: record.Line, ClassificationId: id, Attribute: record.Get("attribute"), Value: record.Get("value")}
		if s := record.Get("row"); s != "" {
			row.Row, err = strconv.Atoi(s)
			if err != nil || row.Row < 0 {
				errs = append(errs, ImportError{Line: record.Line, Message: fmt.Sprintf("invalid row %q", s)})
				continue
			}
		}
		rows = append(rows, row)
	}
	return rows, errs, nil
}

// Import applies rows to the project's classifications. All rows of one classification are
// applied together or not at all. With approveAll the updated classifications are approved
// as the actor's input.
func Import(txn *gorm.DB, projectId uuid.UUID, form classify.Form, rows []ImportRow, approveAll bool, actor schema.User) (ImportResult, error) {
	result := ImportResult{Total: len(rows), Errors: []ImportError{}}

	order := []uuid.UUID{}
	grouped := map[uuid.UUID][]ImportRow{}
	for _, row := range rows {
		if _, ok := grouped[row.ClassificationId]; !ok {
			order = append(order, row.ClassificationId)
		}
		grouped[row.ClassificationId] = append(grouped[row.ClassificationId], row)
	}

	for _, id := range order {
		group := grouped[id]
		applied, rowErrs, err := importClassification(txn, projectId, form, id, group, approveAll, actor)
		if err != nil {
			return result, err
		}
		result.Errors = append(result.Errors, rowErrs...)
		result.Imported += applied
	}

	slog.Info("classifications imported", "project_id", projectId, "imported", result.Imported, "total", result.Total, "code", logging.IMPORT)
	return result, nil
}

func importClassification(txn *gorm.DB, projectId uuid.UUID, form classify.Form, id uuid.UUID, group []ImportRow, approve bool, actor schema.User) (int, []ImportError, error) {
	fail := func(msg string) []ImportError {
		errs := make([]ImportError, 0, len(group))
		for _, row := range group {
			errs = append(errs, ImportError{Line: row.Line, Message: msg})
		}
		return errs
	}

	var c schema.Classification
	res := txn.Preload("Resource").Preload("DynamicAttrs", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).Limit(1).Find(&c, "id = ?", id)
	if res.Error != nil {
		slog.Error("sql error loading classification for import", "classification_id", id, "error", res.Error)
		return 0, nil, schema.ErrDbAccessFailed
	}
	if res.RowsAffected == 0 {
		return 0, fail(schema.ErrClassificationNotFound.Error()), nil
	}
	if c.ProjectId != projectId {
		return 0, fail(ErrWrongProject.Error()), nil
	}

	resourceType := ""
	if c.Resource != nil {
		resourceType = c.Resource.ResourceType
	}

	static := c.StaticAttrs.Data().Clone()
	if static == nil {
		static = schema.AttrBag{}
	}
	dynamic := make([]schema.AttrBag, 0, len(c.DynamicAttrs))
	for _, d := range c.DynamicAttrs {
		dynamic = append(dynamic, d.Attrs.Data().Clone())
	}

	// rows may name dynamic rows out of order, a row index may only extend the bag list by one
	ordered := slices.Clone(group)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Row < ordered[j].Row })

	var errs []ImportError
	for _, row := range ordered {
		field, ok := form.Field(row.Attribute)
		if !ok {
			errs = append(errs, ImportError{Line: row.Line, Message: fmt.Sprintf("%v: %v", classify.ErrUnknownAttribute, row.Attribute)})
			continue
		}
		if field.VideoOnly && resourceType != schema.VideoResource {
			errs = append(errs, ImportError{Line: row.Line, Message: row.Attribute + " is only available for video resources"})
			continue
		}
		value, err := classify.Coerce(field, row.Value)
		if err != nil {
			errs = append(errs, ImportError{Line: row.Line, Message: fmt.Sprintf("%v: %v", row.Attribute, err)})
			continue
		}

		if isStatic(form, row.Attribute) {
			static[row.Attribute] = value
			continue
		}
		if row.Row > len(dynamic) {
			errs = append(errs, ImportError{Line: row.Line, Message: fmt.Sprintf("%v: row %d, classification has %d rows", ErrRowOutOfRange, row.Row, len(dynamic))})
			continue
		}
		if row.Row == len(dynamic) {
			dynamic = append(dynamic, schema.AttrBag{})
		}
		dynamic[row.Row][row.Attribute] = value
	}
	if len(errs) > 0 {
		sort.SliceStable(errs, func(i, j int) bool { return errs[i].Line < errs[j].Line })
		return 0, errs, nil
	}

	static, dynamic, err := form.Validate(rawBag(static), lo.Map(dynamic, func(bag schema.AttrBag, _ int) map[string]interface{} { return rawBag(bag) }), resourceType)
	if err != nil {
		return 0, fail(err.Error()), nil
	}

	err = txn.Transaction(func(nested *gorm.DB) error {
		return SetValues(nested, &c, static, dynamic, actor, approve)
	})
	if err != nil {
		return 0, nil, err
	}
	return len(group), nil, nil
}

func rawBag(bag schema.AttrBag) map[string]interface{} {
	raw := make(map[string]interface{}, len(bag))
	for name, value := range bag {
		raw[name] = value.Interface()
	}
	return raw
}

func isStatic(form classify.Form, name string) bool {
	for _, f := range form.Static {
		if f.Name == name {
			return true
		}
	}
	return false
}
