package schema_test

import (
	"encoding/json"
	"testing"

	"trapper_platform/trapper/schema"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestAttrBagRoundTripKeepsKinds(t *testing.T) {
	bag := schema.AttrBag{
		"count":   schema.IntValue(3),
		"weight":  schema.FloatValue(2.5),
		"adult":   schema.BoolValue(true),
		"species": schema.StringValue("Capreolus capreolus"),
	}

	data, err := json.Marshal(bag)
	require.NoError(t, err)

	var decoded schema.AttrBag
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, bag, decoded)
	assert.Equal(t, int64(3), decoded.Plain()["count"])
}

func TestAttrValueRejectsUnknownKind(t *testing.T) {
	var v schema.AttrValue
	err := json.Unmarshal([]byte(`{"type":"date","value":"2020-01-01"}`), &v)
	assert.Error(t, err)
}

func TestResolvePrefixedName(t *testing.T) {
	r := schema.Resource{Name: "IMG_001", InheritPrefix: true}
	assert.Equal(t, "DEP1-LOC1_IMG_001", r.ResolvePrefixedName("DEP1-LOC1", "alice"))
	assert.Equal(t, "alice_IMG_001", r.ResolvePrefixedName("", "alice"))

	r = schema.Resource{Name: "IMG_001", CustomPrefix: "site9"}
	assert.Equal(t, "site9_IMG_001", r.ResolvePrefixedName("DEP1-LOC1", "alice"))

	r = schema.Resource{Name: "IMG_001"}
	assert.Equal(t, "IMG_001", r.ResolvePrefixedName("DEP1-LOC1", "alice"))
}

func TestBoundingBoxExtend(t *testing.T) {
	var b schema.BoundingBox
	b = b.Extend(10, 50).Extend(12, 49).Extend(11, 51)
	assert.Equal(t, schema.BoundingBox{Valid: true, MinX: 10, MinY: 49, MaxX: 12, MaxY: 51}, b)
}

func setupDb(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDb, err := db.DB()
	require.NoError(t, err)
	// every new connection would get its own empty in-memory database
	sqlDb.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(schema.AllModels()...))
	return db
}

func TestDeploymentIdentifierFollowsLocation(t *testing.T) {
	db := setupDb(t)

	owner := schema.User{Id: uuid.New(), Username: "owner", Email: "owner@mail.com"}
	require.NoError(t, db.Create(&owner).Error)

	loc := schema.Location{Id: uuid.New(), LocationId: "L1", OwnerId: owner.Id, Timezone: "UTC"}
	require.NoError(t, db.Create(&loc).Error)

	dep := schema.Deployment{Id: uuid.New(), DeploymentCode: "D1", LocationId: loc.Id, OwnerId: owner.Id}
	require.NoError(t, db.Create(&dep).Error)
	assert.Equal(t, "D1-L1", dep.DeploymentIdentifier)

	dep.DeploymentCode = "D2"
	require.NoError(t, db.Save(&dep).Error)

	stored, err := schema.GetDeployment(dep.Id, db)
	require.NoError(t, err)
	assert.Equal(t, "D2-L1", stored.DeploymentIdentifier)
}

func TestResourcePrefixedNameOnSave(t *testing.T) {
	db := setupDb(t)

	owner := schema.User{Id: uuid.New(), Username: "bob", Email: "bob@mail.com"}
	require.NoError(t, db.Create(&owner).Error)

	res := schema.Resource{Id: uuid.New(), Name: "R1", ResourceType: schema.ImageResource, OwnerId: owner.Id, InheritPrefix: true}
	require.NoError(t, db.Create(&res).Error)
	assert.Equal(t, "bob_R1", res.PrefixedName)

	_, err := schema.GetResource(uuid.New(), db)
	assert.ErrorIs(t, err, schema.ErrResourceNotFound)
}
