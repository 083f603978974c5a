package filters

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"trapper_platform/trapper/schema"

	"github.com/google/uuid"
)

var ErrInvalidFilter = errors.New("invalid filter")

const DefaultPageSize = 50

// Accepted layouts of date filter values.
var DateLayouts = []string{"02-01-2006", "2006-01-02", "02.01.2006", "2006.01.02"}

const TimeLayout = "15:04"

type Radius struct {
	Lon float64
	Lat float64
	Km  float64
}

// Contains reports whether the point lies within the radius, on a spherical earth.
func (r Radius) Contains(lon, lat float64) bool {
	const earthKm = 6371.0
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat, dLon := rad(lat-r.Lat), rad(lon-r.Lon)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(rad(r.Lat))*math.Cos(rad(lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2*earthKm*math.Asin(math.Sqrt(a)) <= r.Km
}

type Params struct {
	Mine    bool
	Ids     []uuid.UUID
	Choices map[string][]string

	DateFrom *time.Time
	DateTo   *time.Time

	TimeFrom *time.Duration
	TimeTo   *time.Duration

	Bbox   *schema.BoundingBox
	Radius *Radius

	Search *regexp.Regexp
	// set when a filter value can never match, e.g. an invalid search pattern
	Empty bool

	Page     int
	PageSize int
}

func parseDate(value string) (time.Time, error) {
	for _, layout := range DateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognized date %q", ErrInvalidFilter, value)
}

func parseTimeOfDay(value string) (time.Duration, bool) {
	t, err := time.Parse(TimeLayout, value)
	if err != nil {
		return 0, false
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, true
}

func parseFloats(value string, n int) ([]float64, error) {
	parts := strings.Split(value, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("%w: expected %d comma separated numbers, got %q", ErrInvalidFilter, n, value)
	}
	out := make([]float64, 0, n)
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", ErrInvalidFilter, p)
		}
		out = append(out, f)
	}
	return out, nil
}

// Parse reads listing filters from query parameters:
//
//	mine=true
//	pks=<uuid>,<uuid>
//	<choice>=a,b        for every name in choices
//	date_from, date_to  in one of DateLayouts
//	time_from, time_to  as HH:MM
//	in_bbox=minx,miny,maxx,maxy
//	radius=lon,lat,km
//	search=<regex>
//	page, page_size
func Parse(values url.Values, choices []string, pageSizeMax int) (Params, error) {
	p := Params{Choices: map[string][]string{}, Page: 1, PageSize: DefaultPageSize}

	if v := values.Get("mine"); v != "" {
		mine, err := strconv.ParseBool(v)
		if err != nil {
			return p, fmt.Errorf("%w: mine must be a boolean", ErrInvalidFilter)
		}
		p.Mine = mine
	}

	if v := values.Get("pks"); v != "" {
		for _, s := range strings.Split(v, ",") {
			id, err := uuid.Parse(strings.TrimSpace(s))
			if err != nil {
				return p, fmt.Errorf("%w: invalid id %q", ErrInvalidFilter, s)
			}
			p.Ids = append(p.Ids, id)
		}
	}

	for _, name := range choices {
		for _, v := range values[name] {
			for _, s := range strings.Split(v, ",") {
				if s = strings.TrimSpace(s); s != "" {
					p.Choices[name] = append(p.Choices[name], s)
				}
			}
		}
	}

	if v := values.Get("date_from"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			return p, err
		}
		p.DateFrom = &t
	}
	if v := values.Get("date_to"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			return p, err
		}
		// inclusive of the whole day
		t = t.Add(24*time.Hour - time.Nanosecond)
		p.DateTo = &t
	}

	for key, dest := range map[string]**time.Duration{"time_from": &p.TimeFrom, "time_to": &p.TimeTo} {
		if v := values.Get(key); v != "" {
			d, ok := parseTimeOfDay(v)
			if !ok {
				p.Empty = true
				continue
			}
			*dest = &d
		}
	}

	if v := values.Get("in_bbox"); v != "" {
		f, err := parseFloats(v, 4)
		if err != nil {
			return p, err
		}
		p.Bbox = &schema.BoundingBox{Valid: true, MinX: f[0], MinY: f[1], MaxX: f[2], MaxY: f[3]}
	}
	if v := values.Get("radius"); v != "" {
		f, err := parseFloats(v, 3)
		if err != nil {
			return p, err
		}
		p.Radius = &Radius{Lon: f[0], Lat: f[1], Km: f[2]}
	}

	if v := values.Get("search"); v != "" {
		re, err := regexp.Compile("(?i)" + v)
		if err != nil {
			p.Empty = true
		} else {
			p.Search = re
		}
	}

	if v := values.Get("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil || page < 1 {
			return p, fmt.Errorf("%w: invalid page %q", ErrInvalidFilter, v)
		}
		p.Page = page
	}
	if v := values.Get("page_size"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil || size < 1 {
			return p, fmt.Errorf("%w: invalid page size %q", ErrInvalidFilter, v)
		}
		p.PageSize = size
	}
	if pageSizeMax > 0 && p.PageSize > pageSizeMax {
		p.PageSize = pageSizeMax
	}
	return p, nil
}
