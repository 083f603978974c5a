package auth_test

import (
	"testing"
	"time"

	"trapper_platform/trapper/auth"
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

func newUser(t *testing.T, db *gorm.DB, name string) schema.User {
	u := schema.User{Id: uuid.New(), Username: name, Email: name + "@mail.com", IsActive: true}
	require.NoError(t, db.Create(&u).Error)
	return u
}

func capability(t *testing.T, db *gorm.DB, e auth.Entity, u schema.User) auth.Capability {
	c, err := auth.Resolve(db, e, u)
	require.NoError(t, err)
	return c
}

func TestResourceCapabilities(t *testing.T) {
	db := setupDb(t)

	owner := newUser(t, db, "owner")
	manager := newUser(t, db, "manager")
	stranger := newUser(t, db, "stranger")
	admin := newUser(t, db, "admin")
	admin.IsAdmin = true

	res := schema.Resource{Id: uuid.New(), Name: "R1", ResourceType: schema.ImageResource, OwnerId: owner.Id, Status: schema.Private, Managers: []schema.User{manager}}
	require.NoError(t, db.Create(&res).Error)

	assert.Equal(t, auth.DeleteAccess, capability(t, db, auth.ForResource(&res), owner))
	assert.Equal(t, auth.DeleteAccess, capability(t, db, auth.ForResource(&res), admin))
	assert.Equal(t, auth.UpdateAccess, capability(t, db, auth.ForResource(&res), manager))
	assert.Equal(t, auth.NoAccess, capability(t, db, auth.ForResource(&res), stranger))

	col := schema.Collection{Id: uuid.New(), Name: "C1", OwnerId: owner.Id, Status: schema.Public}
	require.NoError(t, db.Create(&col).Error)
	require.NoError(t, db.Create(&schema.CollectionResource{CollectionId: col.Id, ResourceId: res.Id}).Error)

	assert.Equal(t, auth.ViewAccess, capability(t, db, auth.ForResource(&res), stranger))
}

func TestCapabilityLadderIsMonotone(t *testing.T) {
	db := setupDb(t)
	owner := newUser(t, db, "owner")
	col := schema.Collection{Id: uuid.New(), Name: "C1", OwnerId: owner.Id, Status: schema.Private}
	require.NoError(t, db.Create(&col).Error)

	for _, u := range []schema.User{owner, newUser(t, db, "other")} {
		del, err := auth.CanDelete(db, auth.ForCollection(&col), u)
		require.NoError(t, err)
		upd, err := auth.CanUpdate(db, auth.ForCollection(&col), u)
		require.NoError(t, err)
		view, err := auth.CanView(db, auth.ForCollection(&col), u)
		require.NoError(t, err)

		if del {
			assert.True(t, upd)
		}
		if upd {
			assert.True(t, view)
		}
	}
}

func TestManagersCannotDeleteCollections(t *testing.T) {
	db := setupDb(t)
	owner := newUser(t, db, "owner")
	manager := newUser(t, db, "manager")
	col := schema.Collection{Id: uuid.New(), Name: "C1", OwnerId: owner.Id, Status: schema.Private, Managers: []schema.User{manager}}
	require.NoError(t, db.Create(&col).Error)

	del, err := auth.CanDelete(db, auth.ForCollection(&col), manager)
	require.NoError(t, err)
	assert.False(t, del)

	upd, err := auth.CanUpdate(db, auth.ForCollection(&col), manager)
	require.NoError(t, err)
	assert.True(t, upd)
}

func TestOnDemandGrantAndRevoke(t *testing.T) {
	db := setupDb(t)
	owner := newUser(t, db, "owner")
	requester := newUser(t, db, "requester")

	col := schema.Collection{Id: uuid.New(), Name: "C1", OwnerId: owner.Id, Status: schema.OnDemand}
	require.NoError(t, db.Create(&col).Error)
	res := schema.Resource{Id: uuid.New(), Name: "R1", ResourceType: schema.ImageResource, OwnerId: owner.Id, Status: schema.OnDemand}
	require.NoError(t, db.Create(&res).Error)
	require.NoError(t, db.Create(&schema.CollectionResource{CollectionId: col.Id, ResourceId: res.Id}).Error)

	before := capability(t, db, auth.ForResource(&res), requester)
	assert.Equal(t, auth.NoAccess, before)

	member := schema.CollectionMember{Id: uuid.New(), CollectionId: col.Id, UserId: requester.Id, Level: schema.CanViewOnRequest, DateCreated: time.Now()}
	require.NoError(t, db.Create(&member).Error)
	assert.Equal(t, auth.ViewAccess, capability(t, db, auth.ForCollection(&col), requester))
	assert.Equal(t, auth.ViewAccess, capability(t, db, auth.ForResource(&res), requester))

	require.NoError(t, db.Delete(&member).Error)
	assert.Equal(t, before, capability(t, db, auth.ForResource(&res), requester))
}

func TestClassificationProjectRoles(t *testing.T) {
	db := setupDb(t)
	owner := newUser(t, db, "owner")
	expert := newUser(t, db, "expert")
	collaborator := newUser(t, db, "collaborator")
	projectAdmin := newUser(t, db, "padmin")

	rp := schema.ResearchProject{Id: uuid.New(), Name: "RP", Acronym: "RP", OwnerId: owner.Id, Status: schema.ProjectApproved}
	require.NoError(t, db.Create(&rp).Error)
	cp := schema.ClassificationProject{Id: uuid.New(), Name: "CP", ResearchProjectId: rp.Id, OwnerId: owner.Id, Status: schema.ProjectOngoing}
	require.NoError(t, db.Create(&cp).Error)
	// zero values are skipped on insert when the column has a default
	require.NoError(t, db.Model(&cp).Update("enable_sequencing", false).Error)
	cp.EnableSequencing = false
	for user, role := range map[uuid.UUID]string{expert.Id: schema.RoleExpert, collaborator.Id: schema.RoleCollaborator, projectAdmin.Id: schema.RoleAdmin} {
		require.NoError(t, db.Create(&schema.ClassificationProjectRole{Id: uuid.New(), ProjectId: cp.Id, UserId: user, Name: role}).Error)
	}

	check := func(f func(*gorm.DB, *schema.ClassificationProject, schema.User) (bool, error), u schema.User) bool {
		ok, err := f(db, &cp, u)
		require.NoError(t, err)
		return ok
	}

	assert.True(t, check(auth.IsProjectAdmin, projectAdmin))
	assert.False(t, check(auth.IsProjectAdmin, expert))
	assert.True(t, check(auth.CanViewClassifications, collaborator))
	assert.False(t, check(auth.CanViewClassifications, expert))
	assert.True(t, check(auth.CanClassify, expert))

	seq, err := auth.CanChangeSequence(db, &cp, nil, expert)
	require.NoError(t, err)
	assert.False(t, seq)
	seq, err = auth.CanChangeSequence(db, &cp, nil, projectAdmin)
	require.NoError(t, err)
	assert.True(t, seq)

	assert.Equal(t, auth.DeleteAccess, capability(t, db, auth.ForClassificationProject(&cp), projectAdmin))
	assert.Equal(t, auth.ViewAccess, capability(t, db, auth.ForClassificationProject(&cp), expert))
}

func TestMediaLinkRoundTrip(t *testing.T) {
	signer := auth.NewMediaLinkSigner([]byte("secret"), time.Minute)
	resourceId := uuid.New()

	token, err := signer.Sign(resourceId, "thumbnail", uuid.New())
	require.NoError(t, err)

	id, kind, err := signer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, resourceId, id)
	assert.Equal(t, "thumbnail", kind)

	_, _, err = auth.NewMediaLinkSigner([]byte("other"), time.Minute).Verify(token)
	assert.ErrorIs(t, err, auth.ErrInvalidMediaLink)

	expired := auth.NewMediaLinkSigner([]byte("secret"), -time.Minute)
	token, err = expired.Sign(resourceId, "file", uuid.New())
	require.NoError(t, err)
	_, _, err = signer.Verify(token)
	assert.ErrorIs(t, err, auth.ErrInvalidMediaLink)
}
