package auth_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"trapper_platform/trapper/auth"
	"trapper_platform/trapper/schema"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func basicArgs() auth.BasicProviderArgs {
	return auth.BasicProviderArgs{
		Secret:        []byte("trap-secret"),
		TokenExpiry:   time.Hour,
		AdminUsername: "admin",
		AdminEmail:    "admin@trapper.org",
		AdminPassword: "admin-pwd",
	}
}

func TestBasicProviderSeedsAdministratorOnce(t *testing.T) {
	db := setupDb(t)

	_, err := auth.NewBasicIdentityProvider(db, auth.NewAuditLogger(&bytes.Buffer{}), basicArgs())
	require.NoError(t, err)
	provider, err := auth.NewBasicIdentityProvider(db, auth.NewAuditLogger(&bytes.Buffer{}), basicArgs())
	require.NoError(t, err)

	var admins []schema.User
	require.NoError(t, db.Find(&admins, "is_admin = ?", true).Error)
	require.Len(t, admins, 1)
	assert.True(t, admins[0].IsActive)

	login, err := provider.LoginWithEmail("admin@trapper.org", "admin-pwd")
	require.NoError(t, err)
	assert.Equal(t, admins[0].Id, login.UserId)

	_, err = provider.LoginWithEmail("admin@trapper.org", "wrong")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, err = provider.LoginWithEmail("nobody@trapper.org", "admin-pwd")
	assert.ErrorIs(t, err, auth.ErrUserNotFoundWithEmail)
}

func TestBasicProviderSignupWaitsForActivation(t *testing.T) {
	db := setupDb(t)
	provider, err := auth.NewBasicIdentityProvider(db, auth.NewAuditLogger(&bytes.Buffer{}), basicArgs())
	require.NoError(t, err)

	userId, err := provider.CreateUser("ranger", "ranger@trapper.org", "pwd")
	require.NoError(t, err)

	_, err = provider.CreateUser("ranger", "other@trapper.org", "pwd")
	assert.ErrorIs(t, err, auth.ErrUsernameAlreadyInUse)
	_, err = provider.CreateUser("other", "ranger@trapper.org", "pwd")
	assert.ErrorIs(t, err, auth.ErrEmailAlreadyInUse)

	_, err = provider.LoginWithEmail("ranger@trapper.org", "pwd")
	assert.ErrorIs(t, err, auth.ErrUserInactive)

	require.NoError(t, db.Model(&schema.User{}).Where("id = ?", userId).Update("is_active", true).Error)
	login, err := provider.LoginWithEmail("ranger@trapper.org", "pwd")
	require.NoError(t, err)
	assert.Equal(t, userId, login.UserId)
}

func TestBasicProviderMiddlewareLoadsActorAndAudits(t *testing.T) {
	db := setupDb(t)
	audit := &bytes.Buffer{}
	provider, err := auth.NewBasicIdentityProvider(db, auth.NewAuditLogger(audit), basicArgs())
	require.NoError(t, err)

	userId, err := provider.CreateUser("ranger", "ranger@trapper.org", "pwd")
	require.NoError(t, err)
	require.NoError(t, db.Model(&schema.User{}).Where("id = ?", userId).Update("is_active", true).Error)
	login, err := provider.LoginWithEmail("ranger@trapper.org", "pwd")
	require.NoError(t, err)

	r := chi.NewRouter()
	r.With(provider.AuthMiddleware()...).Get("/projects/{project_id}", func(w http.ResponseWriter, r *http.Request) {
		actor, err := auth.UserFromContext(r)
		require.NoError(t, err)
		w.Write([]byte(actor.Username))
	})

	call := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/projects/p1?status=approved", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := call(login.AccessToken)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ranger", w.Body.String())

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(audit.Bytes(), &entry))
	assert.Equal(t, "access", entry["msg"])
	assert.Equal(t, "ranger", entry["actor"])
	assert.Equal(t, "/projects/p1", entry["path"])
	assert.EqualValues(t, http.StatusOK, entry["status"])
	assert.Equal(t, map[string]interface{}{"project_id": "p1"}, entry["route"])
	assert.Equal(t, map[string]interface{}{"status": "approved"}, entry["filters"])

	assert.Equal(t, http.StatusUnauthorized, call("").Code)

	require.NoError(t, db.Model(&schema.User{}).Where("id = ?", userId).Update("is_active", false).Error)
	assert.Equal(t, http.StatusUnauthorized, call(login.AccessToken).Code)
}
