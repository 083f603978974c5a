package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"trapper_platform/trapper/schema"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	bcryptCost          = 10
	defaultSessionValid = 15 * time.Minute
)

// BasicIdentityProvider keeps trapper accounts and their bcrypt password hashes in the
// platform database and hands out signed session tokens.
type BasicIdentityProvider struct {
	sessions *JwtManager
	db       *gorm.DB
	auditLog AuditLogger
}

type BasicProviderArgs struct {
	Secret        []byte
	TokenExpiry   time.Duration
	AdminUsername string
	AdminEmail    string
	AdminPassword string
}

func NewBasicIdentityProvider(db *gorm.DB, auditLog AuditLogger, args BasicProviderArgs) (IdentityProvider, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(args.AdminPassword), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("error hashing administrator password: %w", err)
	}

	if err := seedAdministrator(db, uuid.New(), args.AdminUsername, args.AdminEmail, hash); err != nil {
		return nil, err
	}

	valid := args.TokenExpiry
	if valid == 0 {
		valid = defaultSessionValid
	}

	return &BasicIdentityProvider{
		sessions: NewJwtManager(args.Secret, valid),
		db:       db,
		auditLog: auditLog,
	}, nil
}

// loadActor swaps the verified session token for the account it was issued to. Tokens of
// deleted or deactivated accounts stop working immediately.
func (auth *BasicIdentityProvider) loadActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userId, err := sessionUser(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		user, err := schema.GetUser(userId, auth.db)
		switch {
		case errors.Is(err, schema.ErrUserNotFound):
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		case err != nil:
			http.Error(w, fmt.Sprintf("error loading account %v: %v", userId, err), http.StatusInternalServerError)
			return
		case !user.IsActive:
			http.Error(w, ErrUserInactive.Error(), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, withActor(r, user))
	})
}

func (auth *BasicIdentityProvider) AuthMiddleware() chi.Middlewares {
	return chi.Middlewares{auth.sessions.Verifier(), auth.sessions.Authenticator(), auth.loadActor, auth.auditLog.Middleware}
}

func (auth *BasicIdentityProvider) AllowDirectSignup() bool {
	return true
}

func (auth *BasicIdentityProvider) LoginWithEmail(email, password string) (LoginResult, error) {
	var user schema.User
	if err := auth.db.First(&user, "email = ?", email).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return LoginResult{}, ErrUserNotFoundWithEmail
		}
		slog.Error("sql error loading account for login", "email", email, "error", err)
		return LoginResult{}, schema.ErrDbAccessFailed
	}

	if bcrypt.CompareHashAndPassword(user.Password, []byte(password)) != nil {
		return LoginResult{}, ErrInvalidCredentials
	}
	if !user.IsActive {
		return LoginResult{}, ErrUserInactive
	}

	token, err := auth.sessions.CreateUserJwt(user.Id)
	if err != nil {
		return LoginResult{}, ErrGeneratingJwt
	}
	return LoginResult{UserId: user.Id, AccessToken: token}, nil
}

func (auth *BasicIdentityProvider) LoginWithToken(accessToken string) (LoginResult, error) {
	return LoginResult{}, fmt.Errorf("password accounts cannot log in with an external token")
}

func (auth *BasicIdentityProvider) CreateUser(username, email, password string) (uuid.UUID, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return uuid.Nil, fmt.Errorf("error hashing password: %w", err)
	}

	account := pendingAccount(uuid.New(), username, email, hash)

	err = auth.db.Transaction(func(txn *gorm.DB) error {
		var taken schema.User
		result := txn.Limit(1).Find(&taken, "username = ? OR email = ?", username, email)
		if result.Error != nil {
			slog.Error("sql error checking signup for duplicates", "username", username, "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if result.RowsAffected > 0 {
			if taken.Username == username {
				return ErrUsernameAlreadyInUse
			}
			return ErrEmailAlreadyInUse
		}

		if err := txn.Create(&account).Error; err != nil {
			slog.Error("sql error storing signed up account", "username", username, "error", err)
			return schema.ErrDbAccessFailed
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("error signing up %v: %w", username, err)
	}

	slog.Info("account signed up, waiting for activation", "user_id", account.Id, "username", username)
	return account.Id, nil
}

// ActivateUser is a no-op, the is_active flag in the database is the only switch.
func (auth *BasicIdentityProvider) ActivateUser(userId uuid.UUID) error {
	return nil
}

func (auth *BasicIdentityProvider) DeleteUser(userId uuid.UUID) error {
	return nil
}

func (auth *BasicIdentityProvider) GetTokenExpiration(r *http.Request) (time.Time, error) {
	return tokenExpiration(r)
}
