package filters

import (
	"fmt"
	"log/slog"
	"time"

	"trapper_platform/trapper/schema"

	"github.com/samber/lo"
	"gorm.io/gorm"
)

// Listing describes how the filters apply to one kind of row. Empty columns and nil funcs
// disable the corresponding filter.
type Listing[T any] struct {
	Table string

	OwnerColumn string
	// many2many table holding managers, joined on ManagedColumn
	ManagersTable string
	ManagedColumn string

	DateColumn string
	// choice parameter name to column
	Choices map[string]string

	// Timestamp returns the row's time and the zone its time of day is read in.
	Timestamp func(row T) (time.Time, *time.Location, bool)
	Point     func(row T) (lon, lat float64, ok bool)
	Text      func(row T) []string
	// Visible hides rows the user may not see.
	Visible func(txn *gorm.DB, row T, user schema.User) (bool, error)
}

type Page[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

func (l Listing[T]) ChoiceNames() []string {
	return lo.Keys(l.Choices)
}

func (l Listing[T]) column(name string) string {
	return fmt.Sprintf("%v.%v", l.Table, name)
}

func (l Listing[T]) scope(query *gorm.DB, user schema.User, p Params) *gorm.DB {
	if p.Mine && l.OwnerColumn != "" {
		owned := query.Session(&gorm.Session{NewDB: true}).Where(l.column(l.OwnerColumn)+" = ?", user.Id)
		if l.ManagersTable != "" {
			managed := query.Session(&gorm.Session{NewDB: true}).Table(l.ManagersTable).Select(l.ManagedColumn).Where("user_id = ?", user.Id)
			owned = owned.Or(l.column("id")+" IN (?)", managed)
		}
		query = query.Where(owned)
	}
	if len(p.Ids) > 0 {
		query = query.Where(l.column("id")+" IN ?", p.Ids)
	}
	for name, values := range p.Choices {
		if col, ok := l.Choices[name]; ok && len(values) > 0 {
			query = query.Where(l.column(col)+" IN ?", values)
		}
	}
	if l.DateColumn != "" {
		if p.DateFrom != nil {
			query = query.Where(l.column(l.DateColumn)+" >= ?", *p.DateFrom)
		}
		if p.DateTo != nil {
			query = query.Where(l.column(l.DateColumn)+" <= ?", *p.DateTo)
		}
	}
	return query
}

func (l Listing[T]) keep(row T, p Params) bool {
	if l.Timestamp != nil && (p.TimeFrom != nil || p.TimeTo != nil) {
		t, zone, ok := l.Timestamp(row)
		if !ok {
			return false
		}
		local := t.In(zone)
		clock := time.Duration(local.Hour())*time.Hour + time.Duration(local.Minute())*time.Minute + time.Duration(local.Second())*time.Second
		if p.TimeFrom != nil && clock < *p.TimeFrom {
			return false
		}
		if p.TimeTo != nil && clock > *p.TimeTo+time.Minute-time.Second {
			return false
		}
	}

	if l.Point != nil && (p.Bbox != nil || p.Radius != nil) {
		lon, lat, ok := l.Point(row)
		if !ok {
			return false
		}
		if b := p.Bbox; b != nil && (lon < b.MinX || lon > b.MaxX || lat < b.MinY || lat > b.MaxY) {
			return false
		}
		if p.Radius != nil && !p.Radius.Contains(lon, lat) {
			return false
		}
	}

	if l.Text != nil && p.Search != nil {
		return lo.SomeBy(l.Text(row), func(s string) bool { return p.Search.MatchString(s) })
	}
	return true
}

// Apply runs the filters against query, which must select rows of T, and returns one page.
func (l Listing[T]) Apply(query *gorm.DB, user schema.User, p Params) (Page[T], error) {
	page := Page[T]{Items: []T{}, Page: p.Page, PageSize: p.PageSize}
	if p.Empty {
		return page, nil
	}

	var rows []T
	if err := l.scope(query, user, p).Find(&rows).Error; err != nil {
		slog.Error("sql error listing rows", "table", l.Table, "error", err)
		return page, schema.ErrDbAccessFailed
	}

	kept := make([]T, 0, len(rows))
	for _, row := range rows {
		if !l.keep(row, p) {
			continue
		}
		if l.Visible != nil {
			visible, err := l.Visible(query.Session(&gorm.Session{NewDB: true}), row, user)
			if err != nil {
				return page, err
			}
			if !visible {
				continue
			}
		}
		kept = append(kept, row)
	}

	page.Total = len(kept)
	start := (p.Page - 1) * p.PageSize
	if start >= len(kept) {
		return page, nil
	}
	page.Items = kept[start:min(start+p.PageSize, len(kept))]
	return page, nil
}
