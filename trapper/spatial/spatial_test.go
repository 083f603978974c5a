package spatial_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"trapper_platform/trapper/schema"
	"trapper_platform/trapper/spatial"

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

func newUser(t *testing.T, db *gorm.DB, name string) schema.User {
	u := schema.User{Id: uuid.New(), Username: name, Email: name + "@mail.com", IsActive: true}
	require.NoError(t, db.Create(&u).Error)
	return u
}

const locationsCsv = `location_id,X,Y,name
L1,21.0122,52.2297,Warsaw
L2,abc,52.1,Broken
L3,19.9449,50.0647,Krakow
`

func TestImportLocations(t *testing.T) {
	db := setupDb(t)
	owner := newUser(t, db, "owner")
	other := newUser(t, db, "other")

	rows, err := spatial.ParseLocationsCSV(strings.NewReader(locationsCsv))
	require.NoError(t, err)
	require.Len(t, rows, 3)

	result, err := spatial.ImportLocations(db, owner, nil, "Europe/Warsaw", rows)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Imported)
	assert.Equal(t, 3, result.Total)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "L2", result.Errors[0].Id)
	assert.Equal(t, 3, result.Errors[0].Line)

	// importing again updates in place
	result, err = spatial.ImportLocations(db, owner, nil, "UTC", rows[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, result.Imported)
	var count int64
	require.NoError(t, db.Model(&schema.Location{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)

	// other users cannot update owned locations
	result, err = spatial.ImportLocations(db, other, nil, "UTC", rows[:1])
	require.NoError(t, err)
	assert.Equal(t, 0, result.Imported)
	assert.Len(t, result.Errors, 1)
	assert.Equal(t, "None of the locations could be imported.", result.Summary("locations"))

	_, err = spatial.ImportLocations(db, owner, nil, "Mars/Olympus", rows)
	assert.ErrorIs(t, err, spatial.ErrInvalidTimezone)

	_, err = spatial.ParseLocationsCSV(strings.NewReader("location_id,name\nL1,x\n"))
	assert.Error(t, err)
}

func TestParseGPX(t *testing.T) {
	doc := `<?xml version="1.0"?>
<gpx version="1.1" creator="test" xmlns="http://www.topografix.com/GPX/1/1">
  <wpt lat="52.2297" lon="21.0122"><name>L1</name></wpt>
  <wpt lat="50.0647" lon="19.9449"><name>L2</name><desc>river</desc></wpt>
</gpx>`
	rows, err := spatial.ParseGPX(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "L2", rows[1].LocationId)
	assert.Equal(t, "19.9449", rows[1].X)
	assert.Equal(t, "river", rows[1].Description)

	_, err = spatial.ParseGPX(strings.NewReader("<gpx"))
	assert.ErrorIs(t, err, spatial.ErrInvalidGPX)
}

func TestParseTimestamp(t *testing.T) {
	warsaw, err := time.LoadLocation("Europe/Warsaw")
	require.NoError(t, err)

	local, err := spatial.ParseTimestamp("2020-03-01 10:00:00", warsaw)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 3, 1, 9, 0, 0, 0, time.UTC), local)

	qualified, err := spatial.ParseTimestamp("2020-03-01T10:00:00Z", warsaw)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 3, 1, 10, 0, 0, 0, time.UTC), qualified)

	_, err = spatial.ParseTimestamp("not a date", warsaw)
	assert.Error(t, err)
}

func TestImportDeploymentsAndIdentifiers(t *testing.T) {
	db := setupDb(t)
	owner := newUser(t, db, "owner")

	rows, err := spatial.ParseLocationsCSV(strings.NewReader(locationsCsv))
	require.NoError(t, err)
	_, err = spatial.ImportLocations(db, owner, nil, "UTC", rows)
	require.NoError(t, err)

	deployments := `deployment_id,deployment_code,deployment_start,deployment_end,location_id,correct_setup,correct_tstamp,comments
D1-L1,D1,2020-03-01 08:00,2020-04-01 08:00,L1,True,False,first
D1-L9,D1,2020-03-01 08:00,2020-04-01 08:00,L9,True,True,
D2-L3,D2,garbage,2020-04-01T08:00:00+02:00,L3,False,False,
`
	depRows, err := spatial.ParseDeploymentsCSV(strings.NewReader(deployments))
	require.NoError(t, err)

	result, err := spatial.ImportDeployments(db, owner, nil, "Europe/Warsaw", depRows)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Imported)
	assert.Len(t, result.Errors, 2)

	var d1 schema.Deployment
	require.NoError(t, db.Preload("Location").First(&d1, "deployment_identifier = ?", "D1-L1").Error)
	assert.Equal(t, time.Date(2020, 3, 1, 7, 0, 0, 0, time.UTC), d1.Start.UTC())
	assert.True(t, *d1.CorrectSetup)
	assert.False(t, *d1.CorrectTstamp)
	assert.Equal(t, "first", d1.Comments)

	var d2 schema.Deployment
	require.NoError(t, db.First(&d2, "deployment_identifier = ?", "D2-L3").Error)
	assert.True(t, d2.Start.IsZero())
	assert.Equal(t, time.Date(2020, 4, 1, 6, 0, 0, 0, time.UTC), d2.End.UTC())

	res := schema.Resource{Id: uuid.New(), Name: "IMG1", ResourceType: schema.ImageResource, OwnerId: owner.Id, Status: schema.Private, InheritPrefix: true, DeploymentId: &d1.Id}
	require.NoError(t, db.Create(&res).Error)
	assert.Equal(t, "D1-L1_IMG1", res.PrefixedName)

	// renaming the location renames its deployments and their resources
	loc := *d1.Location
	loc.LocationId = "L1b"
	require.NoError(t, spatial.SaveLocation(db, &loc))

	require.NoError(t, db.First(&d1, "id = ?", d1.Id).Error)
	assert.Equal(t, "D1-L1b", d1.DeploymentIdentifier)
	require.NoError(t, db.First(&res, "id = ?", res.Id).Error)
	assert.Equal(t, "D1-L1b_IMG1", res.PrefixedName)

	err = spatial.DeleteDeployments(db, []uuid.UUID{d1.Id})
	assert.True(t, errors.Is(err, schema.ErrStillReferenced))
	err = spatial.DeleteLocations(db, []uuid.UUID{loc.Id})
	assert.True(t, errors.Is(err, schema.ErrStillReferenced))
	require.NoError(t, spatial.DeleteDeployments(db, []uuid.UUID{d2.Id}))
}

func TestExports(t *testing.T) {
	db := setupDb(t)
	owner := newUser(t, db, "owner")

	loc := schema.Location{Id: uuid.New(), LocationId: "L1", OwnerId: owner.Id, Longitude: 21.0122345, Latitude: 52.2297, Timezone: "Europe/Warsaw"}
	require.NoError(t, db.Create(&loc).Error)
	dep := schema.Deployment{Id: uuid.New(), DeploymentCode: "D1", LocationId: loc.Id, OwnerId: owner.Id, Start: time.Date(2020, 3, 1, 9, 0, 0, 0, time.UTC)}
	require.NoError(t, db.Create(&dep).Error)

	locations, err := spatial.ExportLocations(db, []uuid.UUID{loc.Id})
	require.NoError(t, err)
	require.Len(t, locations.Rows, 1)
	assert.Equal(t, "21.01223", locations.Rows[0][2])

	deployments, err := spatial.ExportDeployments(db, []uuid.UUID{dep.Id})
	require.NoError(t, err)
	require.Len(t, deployments.Rows, 1)
	assert.Equal(t, "D1-L1", deployments.Rows[0][1])
	assert.Equal(t, "2020-03-01T10:00:00+01:00", deployments.Rows[0][3])
	assert.Equal(t, "", deployments.Rows[0][4])

	var buf bytes.Buffer
	require.NoError(t, deployments.WriteCSV(&buf))
	assert.True(t, strings.HasPrefix(buf.String(), "id,deployment_id,deployment_code"))
}
