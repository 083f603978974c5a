package messaging_test

import (
	"testing"
	"time"

	"trapper_platform/trapper/auth"
	"trapper_platform/trapper/messaging"
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

type fixture struct {
	db        *gorm.DB
	owner     schema.User
	requester schema.User
	project   schema.ResearchProject
	col       schema.Collection
}

func newFixture(t *testing.T) fixture {
	db := setupDb(t)
	f := fixture{db: db}
	f.owner = schema.User{Id: uuid.New(), Username: "u2", Email: "u2@mail.com", IsActive: true}
	f.requester = schema.User{Id: uuid.New(), Username: "u1", Email: "u1@mail.com", IsActive: true}
	require.NoError(t, db.Create(&f.owner).Error)
	require.NoError(t, db.Create(&f.requester).Error)

	f.project = schema.ResearchProject{Id: uuid.New(), Name: "Wolves", Acronym: "WLV", OwnerId: f.requester.Id, Status: schema.ProjectApproved}
	require.NoError(t, db.Create(&f.project).Error)

	f.col = schema.Collection{Id: uuid.New(), Name: "C", OwnerId: f.owner.Id, Status: schema.OnDemand}
	require.NoError(t, db.Create(&f.col).Error)
	return f
}

func (f fixture) request(t *testing.T) (schema.CollectionRequest, error) {
	var request schema.CollectionRequest
	err := f.db.Transaction(func(txn *gorm.DB) error {
		var err error
		request, err = messaging.CreateRequest(txn, f.requester, messaging.NewRequest{
			ProjectId:     f.project.Id,
			CollectionIds: []uuid.UUID{f.col.Id},
		}, time.Hour)
		return err
	})
	return request, err
}

func TestRequestApproveRevokeRestoresAccess(t *testing.T) {
	f := newFixture(t)

	before, err := auth.CanView(f.db, auth.ForCollection(&f.col), f.requester)
	require.NoError(t, err)
	assert.False(t, before)

	request, err := f.request(t)
	require.NoError(t, err)

	incoming, err := messaging.ListRequests(f.db, f.owner.Id, true)
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	assert.Equal(t, request.Id, incoming[0].Id)

	_, err = messaging.Resolve(f.db, request.Id, f.owner, true)
	require.NoError(t, err)

	after, err := auth.CanView(f.db, auth.ForCollection(&f.col), f.requester)
	require.NoError(t, err)
	assert.True(t, after)

	_, err = messaging.Resolve(f.db, request.Id, f.owner, true)
	assert.ErrorIs(t, err, messaging.ErrNotPending)

	_, err = messaging.Revoke(f.db, request.Id, f.requester)
	assert.ErrorIs(t, err, messaging.ErrNotRequestOwner)

	revoked, err := messaging.Revoke(f.db, request.Id, f.owner)
	require.NoError(t, err)
	assert.Equal(t, schema.RequestRevoked, revoked.Status)

	restored, err := auth.CanView(f.db, auth.ForCollection(&f.col), f.requester)
	require.NoError(t, err)
	assert.Equal(t, before, restored)

	inbox, err := messaging.List(f.db, f.requester.Id, messaging.Inbox)
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	assert.Equal(t, "Revoked access to collections", inbox[0].Subject)
}

func TestRevokeKeepsAccessOfOtherApprovedRequests(t *testing.T) {
	f := newFixture(t)
	col2 := schema.Collection{Id: uuid.New(), Name: "C2", OwnerId: f.owner.Id, Status: schema.OnDemand}
	require.NoError(t, f.db.Create(&col2).Error)

	canView := func(col schema.Collection) bool {
		ok, err := auth.CanView(f.db, auth.ForCollection(&col), f.requester)
		require.NoError(t, err)
		return ok
	}

	both, err := messaging.CreateRequest(f.db, f.requester, messaging.NewRequest{ProjectId: f.project.Id, CollectionIds: []uuid.UUID{f.col.Id, col2.Id}}, 0)
	require.NoError(t, err)
	single, err := messaging.CreateRequest(f.db, f.requester, messaging.NewRequest{ProjectId: f.project.Id, CollectionIds: []uuid.UUID{f.col.Id}}, 0)
	require.NoError(t, err)
	for _, id := range []uuid.UUID{both.Id, single.Id} {
		_, err := messaging.Resolve(f.db, id, f.owner, true)
		require.NoError(t, err)
	}
	assert.True(t, canView(f.col))
	assert.True(t, canView(col2))

	_, err = messaging.Revoke(f.db, both.Id, f.owner)
	require.NoError(t, err)
	assert.True(t, canView(f.col))
	assert.False(t, canView(col2))

	_, err = messaging.Revoke(f.db, single.Id, f.owner)
	require.NoError(t, err)
	assert.False(t, canView(f.col))
}

func TestRequestRejections(t *testing.T) {
	f := newFixture(t)

	_, err := messaging.CreateRequest(f.db, f.owner, messaging.NewRequest{ProjectId: f.project.Id, CollectionIds: []uuid.UUID{f.col.Id}}, 0)
	assert.ErrorIs(t, err, messaging.ErrSelfRequest)

	_, err = f.request(t)
	require.NoError(t, err)
	_, err = f.request(t)
	assert.ErrorIs(t, err, messaging.ErrRequestFlood)

	require.NoError(t, f.db.Model(&f.owner).Update("is_active", false).Error)
	_, err = messaging.CreateRequest(f.db, f.requester, messaging.NewRequest{ProjectId: f.project.Id, CollectionIds: []uuid.UUID{f.col.Id}}, 0)
	assert.ErrorIs(t, err, messaging.ErrInactiveRecipient)
}

func TestMarkReceivedOnlyByRecipient(t *testing.T) {
	f := newFixture(t)

	msg, err := messaging.Send(f.db, &f.owner.Id, f.requester.Id, schema.MessageStandard, "hi", "hello")
	require.NoError(t, err)

	require.NoError(t, messaging.MarkReceived(f.db, &msg, f.owner.Id))
	assert.Nil(t, msg.DateReceived)

	require.NoError(t, messaging.MarkReceived(f.db, &msg, f.requester.Id))
	assert.NotNil(t, msg.DateReceived)

	stored, err := messaging.GetByHashcode(f.db, msg.Hashcode)
	require.NoError(t, err)
	assert.NotNil(t, stored.DateReceived)
	assert.True(t, messaging.CanRead(stored, f.owner.Id))
}
