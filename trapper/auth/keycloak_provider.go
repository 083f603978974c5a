package auth

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"trapper_platform/trapper/schema"

	"github.com/Nerzal/gocloak/v13"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const keycloakTimeout = 2 * time.Second

// KeycloakIdentityProvider delegates credentials to a keycloak realm. Users are mirrored into the
// local users table and stay disabled in keycloak until activated.
type KeycloakIdentityProvider struct {
	keycloak *gocloak.GoCloak
	db       *gorm.DB
	auditLog AuditLogger

	realm                        string
	adminUsername, adminPassword string
}

type KeycloakArgs struct {
	KeycloakServerUrl     string
	KeycloakAdminUsername string
	KeycloakAdminPassword string
	Realm                 string

	AdminUsername string
	AdminEmail    string
	AdminPassword string

	InsecureTls bool
	Verbose     bool
}

func ptr[T any](value T) *T {
	return &value
}

func isConflict(err error) bool {
	var apiErr *gocloak.APIError
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict
}

func NewKeycloakIdentityProvider(db *gorm.DB, auditLog AuditLogger, args KeycloakArgs) (IdentityProvider, error) {
	realm := args.Realm
	if realm == "" {
		realm = "trapper"
	}

	client := gocloak.NewClient(args.KeycloakServerUrl)
	restyClient := client.RestyClient()
	restyClient.SetDebug(args.Verbose)
	if args.InsecureTls {
		restyClient.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}

	provider := &KeycloakIdentityProvider{
		keycloak:      client,
		db:            db,
		auditLog:      auditLog,
		realm:         realm,
		adminUsername: args.KeycloakAdminUsername,
		adminPassword: args.KeycloakAdminPassword,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 4*keycloakTimeout)
	defer cancel()

	adminToken, err := provider.adminToken(ctx)
	if err != nil {
		slog.Error("KEYCLOAK: admin login failed", "error", err)
		return nil, err
	}

	_, err = client.CreateRealm(ctx, adminToken, gocloak.RealmRepresentation{
		Realm:                  &realm,
		Enabled:                ptr(true),
		RegistrationAllowed:    ptr(false),
		LoginWithEmailAllowed:  ptr(true),
		DuplicateEmailsAllowed: ptr(false),
	})
	if err != nil && !isConflict(err) {
		slog.Error("KEYCLOAK: realm creation failed", "realm", realm, "error", err)
		return nil, fmt.Errorf("error creating keycloak realm: %w", err)
	}

	adminId, err := provider.ensureUser(ctx, adminToken, args.AdminUsername, args.AdminEmail, args.AdminPassword, true)
	if err != nil {
		slog.Error("KEYCLOAK: admin creation failed", "realm", realm, "error", err)
		return nil, err
	}

	if err := seedAdministrator(db, adminId, args.AdminUsername, args.AdminEmail, nil); err != nil {
		return nil, err
	}
	slog.Info("KEYCLOAK: identity provider ready", "realm", realm)

	return provider, nil
}

func (auth *KeycloakIdentityProvider) adminToken(ctx context.Context) (string, error) {
	token, err := auth.keycloak.LoginAdmin(ctx, auth.adminUsername, auth.adminPassword, "master")
	if err != nil {
		return "", fmt.Errorf("error during keycloak admin login: %w", err)
	}
	return token.AccessToken, nil
}

// ensureUser returns the id of username in the realm, creating the user when missing.
func (auth *KeycloakIdentityProvider) ensureUser(ctx context.Context, adminToken, username, email, password string, enabled bool) (uuid.UUID, error) {
	users, err := auth.keycloak.GetUsers(ctx, adminToken, auth.realm, gocloak.GetUsersParams{
		Username: &username,
		Exact:    ptr(true),
		Max:      ptr(1),
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("error looking up keycloak user: %w", err)
	}

	var id string
	if len(users) == 1 && users[0].ID != nil {
		id = *users[0].ID
	} else {
		id, err = auth.keycloak.CreateUser(ctx, adminToken, auth.realm, gocloak.User{
			Username:      &username,
			Email:         &email,
			Enabled:       &enabled,
			EmailVerified: ptr(true),
			Credentials: &[]gocloak.CredentialRepresentation{{
				Type: ptr("password"), Value: &password, Temporary: ptr(false),
			}},
		})
		if err != nil {
			if isConflict(err) {
				return uuid.Nil, ErrEmailAlreadyInUse
			}
			return uuid.Nil, fmt.Errorf("error creating keycloak user: %w", err)
		}
	}

	userId, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid uuid '%v' returned from keycloak: %w", id, err)
	}
	return userId, nil
}

func getToken(r *http.Request) (string, error) {
	if token := jwtauth.TokenFromHeader(r); token != "" {
		return token, nil
	}
	if token := jwtauth.TokenFromCookie(r); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("unable to find auth token")
}

func (auth *KeycloakIdentityProvider) userFromToken(ctx context.Context, token string) (*gocloak.UserInfo, uuid.UUID, error) {
	userInfo, err := auth.keycloak.GetUserInfo(ctx, token, auth.realm)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("unable to verify token with keycloak: %w", err)
	}
	if userInfo.Sub == nil {
		return nil, uuid.Nil, fmt.Errorf("user identifier missing in keycloak response")
	}
	userId, err := uuid.Parse(*userInfo.Sub)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("invalid uuid '%v' returned from keycloak: %w", *userInfo.Sub, err)
	}
	return userInfo, userId, nil
}

func (auth *KeycloakIdentityProvider) middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := func(w http.ResponseWriter, r *http.Request) {
			token, err := getToken(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), keycloakTimeout)
			defer cancel()

			_, userId, err := auth.userFromToken(ctx, token)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			user, err := schema.GetUser(userId, auth.db)
			if err != nil {
				if errors.Is(err, schema.ErrUserNotFound) {
					http.Error(w, err.Error(), http.StatusUnauthorized)
					return
				}
				http.Error(w, fmt.Sprintf("unable to find user %v: %v", userId, err), http.StatusInternalServerError)
				return
			}
			if !user.IsActive {
				http.Error(w, ErrUserInactive.Error(), http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, withActor(r, user))
		}

		return http.HandlerFunc(handler)
	}
}

func (auth *KeycloakIdentityProvider) AuthMiddleware() chi.Middlewares {
	return chi.Middlewares{auth.middleware(), auth.auditLog.Middleware}
}

func (auth *KeycloakIdentityProvider) AllowDirectSignup() bool {
	return true
}

func (auth *KeycloakIdentityProvider) LoginWithEmail(email, password string) (LoginResult, error) {
	return LoginResult{}, fmt.Errorf("login with email is not supported for this identity provider")
}

// LoginWithToken mirrors a keycloak account into the users table on first login.
func (auth *KeycloakIdentityProvider) LoginWithToken(accessToken string) (LoginResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), keycloakTimeout)
	defer cancel()

	userInfo, userId, err := auth.userFromToken(ctx, accessToken)
	if err != nil {
		return LoginResult{}, err
	}
	if userInfo.Email == nil || userInfo.PreferredUsername == nil {
		return LoginResult{}, fmt.Errorf("invalid user info from keycloak, missing required fields")
	}

	var user schema.User
	err = auth.db.Transaction(func(txn *gorm.DB) error {
		result := txn.Limit(1).Find(&user, "id = ?", userId)
		if result.Error != nil {
			slog.Error("sql error checking for existing keycloak user", "user_id", userId, "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if result.RowsAffected == 0 {
			user = pendingAccount(userId, *userInfo.PreferredUsername, *userInfo.Email, nil)
			if err := txn.Create(&user).Error; err != nil {
				slog.Error("sql error creating keycloak user", "user_id", userId, "error", err)
				return schema.ErrDbAccessFailed
			}
		}
		return nil
	})
	if err != nil {
		return LoginResult{}, fmt.Errorf("error logging in user: %w", err)
	}
	if !user.IsActive {
		return LoginResult{}, ErrUserInactive
	}

	return LoginResult{UserId: user.Id, AccessToken: accessToken}, nil
}

func (auth *KeycloakIdentityProvider) CreateUser(username, email, password string) (uuid.UUID, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*keycloakTimeout)
	defer cancel()

	var existing schema.User
	result := auth.db.Limit(1).Find(&existing, "username = ? or email = ?", username, email)
	if result.Error != nil {
		slog.Error("sql error checking for existing username/email", "error", result.Error)
		return uuid.Nil, schema.ErrDbAccessFailed
	}
	if result.RowsAffected != 0 {
		if existing.Username == username {
			return uuid.Nil, ErrUsernameAlreadyInUse
		}
		return uuid.Nil, ErrEmailAlreadyInUse
	}

	adminToken, err := auth.adminToken(ctx)
	if err != nil {
		return uuid.Nil, err
	}

	userId, err := auth.ensureUser(ctx, adminToken, username, email, password, false)
	if err != nil {
		return uuid.Nil, err
	}

	user := pendingAccount(userId, username, email, nil)
	if err := auth.db.Create(&user).Error; err != nil {
		slog.Error("sql error creating keycloak user", "user_id", userId, "error", err)
		return uuid.Nil, schema.ErrDbAccessFailed
	}

	return userId, nil
}

func (auth *KeycloakIdentityProvider) ActivateUser(userId uuid.UUID) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*keycloakTimeout)
	defer cancel()

	adminToken, err := auth.adminToken(ctx)
	if err != nil {
		return err
	}

	err = auth.keycloak.UpdateUser(ctx, adminToken, auth.realm, gocloak.User{
		ID:      ptr(userId.String()),
		Enabled: ptr(true),
	})
	if err != nil {
		slog.Error("failed to enable user with keycloak", "user_id", userId, "error", err)
		return fmt.Errorf("failed to enable user with keycloak: %w", err)
	}
	return nil
}

func (auth *KeycloakIdentityProvider) DeleteUser(userId uuid.UUID) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*keycloakTimeout)
	defer cancel()

	adminToken, err := auth.adminToken(ctx)
	if err != nil {
		return err
	}

	if err := auth.keycloak.DeleteUser(ctx, adminToken, auth.realm, userId.String()); err != nil {
		slog.Error("failed to delete user with keycloak", "user_id", userId, "error", err)
		return fmt.Errorf("failed to delete user with keycloak: %w", err)
	}
	return nil
}

func (auth *KeycloakIdentityProvider) GetTokenExpiration(r *http.Request) (time.Time, error) {
	authToken, err := getToken(r)
	if err != nil {
		return time.Time{}, err
	}

	ctx, cancel := context.WithTimeout(r.Context(), keycloakTimeout)
	defer cancel()

	tokenInfo, _, err := auth.keycloak.DecodeAccessToken(ctx, authToken, auth.realm)
	if err != nil {
		return time.Time{}, fmt.Errorf("unable to verify token with keycloak: %w", err)
	}

	exp, err := tokenInfo.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("error getting token expiration: %w", err)
	}
	if exp == nil {
		return time.Time{}, fmt.Errorf("no token expiration found")
	}

	return exp.Time, nil
}
