package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"trapper_platform/trapper/schema"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrUserNotFoundWithEmail = errors.New("no account is registered for this email")
	ErrInvalidCredentials    = errors.New("email or password is incorrect")
	ErrUserInactive          = errors.New("account is waiting for activation by an administrator")
	ErrGeneratingJwt         = errors.New("session token could not be issued")
	ErrEmailAlreadyInUse     = errors.New("an account with this email already exists")
	ErrUsernameAlreadyInUse  = errors.New("an account with this username already exists")
)

type LoginResult struct {
	UserId      uuid.UUID
	AccessToken string
}

// IdentityProvider authenticates the people working with the media: researchers, experts
// and administrators. Accounts created through it start inactive until an admin activates
// them.
type IdentityProvider interface {
	// AuthMiddleware resolves the session into the acting user, see UserFromContext.
	AuthMiddleware() chi.Middlewares

	// AllowDirectSignup reports whether the signup endpoint creates accounts here, external
	// providers manage registration themselves.
	AllowDirectSignup() bool

	LoginWithEmail(email, password string) (LoginResult, error)
	LoginWithToken(accessToken string) (LoginResult, error)

	CreateUser(username, email, password string) (uuid.UUID, error)
	ActivateUser(userId uuid.UUID) error
	DeleteUser(userId uuid.UUID) error

	GetTokenExpiration(r *http.Request) (time.Time, error)
}

// seedAdministrator creates the configured admin account on first start. An existing
// account with the same id, username or email is left as is.
func seedAdministrator(db *gorm.DB, userId uuid.UUID, username, email string, password []byte) error {
	admin := schema.User{
		Id:         userId,
		Username:   username,
		Email:      email,
		Password:   password,
		IsAdmin:    true,
		IsActive:   true,
		DateJoined: time.Now().UTC(),
		// the admin is never greeted with the activation message
		Profile: &schema.Profile{UserId: userId, SystemNotified: true},
	}

	return db.Transaction(func(txn *gorm.DB) error {
		var count int64
		err := txn.Model(&schema.User{}).Where("id = ? OR username = ? OR email = ?", userId, username, email).Count(&count).Error
		if err != nil {
			slog.Error("sql error looking up administrator account", "username", username, "error", err)
			return schema.ErrDbAccessFailed
		}
		if count > 0 {
			return nil
		}
		if err := txn.Create(&admin).Error; err != nil {
			slog.Error("sql error creating administrator account", "username", username, "error", err)
			return fmt.Errorf("error creating administrator %v: %w", username, schema.ErrDbAccessFailed)
		}
		slog.Info("administrator account created", "username", username)
		return nil
	})
}

// pendingAccount is a signed up user an admin still has to activate.
func pendingAccount(userId uuid.UUID, username, email string, password []byte) schema.User {
	return schema.User{
		Id:         userId,
		Username:   username,
		Email:      email,
		Password:   password,
		DateJoined: time.Now().UTC(),
		Profile:    &schema.Profile{UserId: userId},
	}
}

type actorKey struct{}

// withActor stores the acting user for the handlers behind the auth middleware.
func withActor(r *http.Request, user schema.User) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), actorKey{}, user))
}

// UserFromContext returns the acting user placed in the request by the auth middleware.
func UserFromContext(r *http.Request) (schema.User, error) {
	user, ok := r.Context().Value(actorKey{}).(schema.User)
	if !ok {
		return schema.User{}, fmt.Errorf("request carries no authenticated user")
	}
	return user, nil
}
