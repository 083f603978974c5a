package filters_test

import (
	"net/url"
	"testing"
	"time"

	"trapper_platform/trapper/filters"
	"trapper_platform/trapper/schema"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupDb(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDb, err := db.DB()
	require.NoError(t, err)
	sqlDb.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(schema.AllModels()...))
	return db
}

var locationListing = filters.Listing[schema.Location]{
	Table:         "locations",
	OwnerColumn:   "owner_id",
	ManagersTable: "location_managers",
	ManagedColumn: "location_id",
	DateColumn:    "date_created",
	Choices:       map[string]string{"timezone": "timezone"},
	Timestamp: func(l schema.Location) (time.Time, *time.Location, bool) {
		return l.DateCreated, l.Zone(), true
	},
	Point: func(l schema.Location) (float64, float64, bool) { return l.Longitude, l.Latitude, true },
	Text:  func(l schema.Location) []string { return []string{l.LocationId, l.Name} },
}

func seed(t *testing.T, db *gorm.DB) (schema.User, schema.User) {
	alice := schema.User{Id: uuid.New(), Username: "alice", Email: "alice@mail.com", IsActive: true}
	bob := schema.User{Id: uuid.New(), Username: "bob", Email: "bob@mail.com", IsActive: true}
	require.NoError(t, db.Create(&alice).Error)
	require.NoError(t, db.Create(&bob).Error)

	locations := []schema.Location{
		{Id: uuid.New(), LocationId: "WAW-1", Name: "Warsaw park", OwnerId: alice.Id, Longitude: 21.01, Latitude: 52.23, Timezone: "Europe/Warsaw", DateCreated: time.Date(2020, 3, 1, 5, 30, 0, 0, time.UTC)},
		{Id: uuid.New(), LocationId: "KRK-1", Name: "Krakow forest", OwnerId: alice.Id, Longitude: 19.94, Latitude: 50.06, Timezone: "Europe/Warsaw", DateCreated: time.Date(2020, 3, 5, 12, 0, 0, 0, time.UTC)},
		{Id: uuid.New(), LocationId: "BER-1", Name: "Berlin", OwnerId: bob.Id, Longitude: 13.40, Latitude: 52.52, Timezone: "UTC", DateCreated: time.Date(2021, 1, 1, 22, 0, 0, 0, time.UTC)},
	}
	require.NoError(t, db.Create(&locations).Error)
	require.NoError(t, db.Exec("INSERT INTO location_managers (location_id, user_id) VALUES (?, ?)", locations[2].Id, alice.Id).Error)
	return alice, bob
}

func list(t *testing.T, db *gorm.DB, user schema.User, query string) filters.Page[schema.Location] {
	values, err := url.ParseQuery(query)
	require.NoError(t, err)
	p, err := filters.Parse(values, locationListing.ChoiceNames(), 2)
	require.NoError(t, err)
	page, err := locationListing.Apply(db.Model(&schema.Location{}).Order("location_id"), user, p)
	require.NoError(t, err)
	return page
}

func ids(page filters.Page[schema.Location]) []string {
	out := []string{}
	for _, l := range page.Items {
		out = append(out, l.LocationId)
	}
	return out
}

func TestListingFilters(t *testing.T) {
	db := setupDb(t)
	alice, bob := seed(t, db)

	assert.Equal(t, []string{"BER-1"}, ids(list(t, db, bob, "mine=true")))
	// managers see managed rows as their own
	assert.Equal(t, 3, list(t, db, alice, "mine=true").Total)

	assert.Equal(t, []string{"BER-1"}, ids(list(t, db, alice, "timezone=UTC")))
	assert.Equal(t, []string{"KRK-1", "WAW-1"}, ids(list(t, db, alice, "date_from=01.03.2020&date_to=2020-03-05")))

	// 05:30 UTC is 06:30 in Warsaw, 22:00 UTC stays 22:00
	assert.Equal(t, []string{"WAW-1"}, ids(list(t, db, alice, "time_from=06:00&time_to=07:00")))
	assert.Equal(t, 0, list(t, db, alice, "time_from=25:99").Total)

	assert.Equal(t, []string{"KRK-1", "WAW-1"}, ids(list(t, db, alice, "in_bbox=14,49,24,55")))
	assert.Equal(t, []string{"WAW-1"}, ids(list(t, db, alice, "radius=21,52.2,10")))

	assert.Equal(t, []string{"KRK-1"}, ids(list(t, db, alice, "search=FOREST")))
	assert.Equal(t, []string{"BER-1", "WAW-1"}, ids(list(t, db, alice, "search=^(ber|waw)")))
	assert.Equal(t, 0, list(t, db, alice, "search=(unclosed").Total)
}

func TestPagination(t *testing.T) {
	db := setupDb(t)
	alice, _ := seed(t, db)

	page := list(t, db, alice, "page_size=100")
	assert.Equal(t, 2, page.PageSize)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, []string{"BER-1", "KRK-1"}, ids(page))

	page = list(t, db, alice, "page=2&page_size=100")
	assert.Equal(t, []string{"WAW-1"}, ids(page))

	page = list(t, db, alice, "page=9")
	assert.Empty(t, page.Items)
}

func TestParseRejectsMalformedValues(t *testing.T) {
	for _, query := range []string{"date_from=2020/01/01", "in_bbox=1,2,3", "radius=a,b,c", "page=0", "pks=nope", "mine=maybe"} {
		values, err := url.ParseQuery(query)
		require.NoError(t, err)
		_, err = filters.Parse(values, nil, 10)
		assert.ErrorIs(t, err, filters.ErrInvalidFilter, query)
	}
}

func TestRadiusContains(t *testing.T) {
	r := filters.Radius{Lon: 21.0, Lat: 52.2, Km: 100}
	assert.True(t, r.Contains(21.5, 52.5))
	assert.False(t, r.Contains(19.94, 50.06))
}
