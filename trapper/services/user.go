package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"trapper_platform/trapper/auth"
	"trapper_platform/trapper/messaging"
	"trapper_platform/trapper/schema"
	"trapper_platform/trapper/storage"
	"trapper_platform/utils"
	"trapper_platform/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type UserService struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider
	external storage.Storage
}

func (s *UserService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		if s.userAuth.AllowDirectSignup() {
			r.Post("/signup", s.Signup)
		}

		r.Get("/login", s.LoginWithEmail)
		r.Post("/login-with-token", s.LoginWithToken)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)

		r.Get("/list", s.List)
		r.Get("/info", s.Info)
		r.Post("/profile", s.UpdateProfile)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)
		r.Use(auth.AdminOnly(s.db))

		r.Get("/inactive", s.ListInactive)

		r.Delete("/{user_id}", s.DeleteUser)

		r.Post("/{user_id}/admin", s.PromoteAdmin)
		r.Delete("/{user_id}/admin", s.DemoteAdmin)

		r.Post("/{user_id}/activate", s.ActivateUser)
	})

	return r
}

type signupRequest struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	Institution string `json:"institution"`
	About       string `json:"about"`
}

type signupResponse struct {
	UserId uuid.UUID `json:"user_id"`
}

func (s *UserService) Signup(w http.ResponseWriter, r *http.Request) {
	var params signupRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Username == "" || params.Email == "" || params.Password == "" {
		http.Error(w, "username, email and password must be specified", http.StatusUnprocessableEntity)
		return
	}

	userId, err := s.userAuth.CreateUser(params.Username, params.Email, params.Password)
	if err != nil {
		responseCode := http.StatusInternalServerError
		switch {
		case errors.Is(err, auth.ErrEmailAlreadyInUse):
			responseCode = http.StatusConflict
		case errors.Is(err, auth.ErrUsernameAlreadyInUse):
			responseCode = http.StatusConflict
		}
		http.Error(w, err.Error(), responseCode)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if params.Institution != "" || params.About != "" {
			result := txn.Model(&schema.Profile{UserId: userId}).Updates(schema.Profile{Institution: params.Institution, About: params.About})
			if result.Error != nil {
				slog.Error("sql error saving user profile", "user_id", userId, "error", result.Error)
				return schema.ErrDbAccessFailed
			}
		}
		text := fmt.Sprintf("User %v (%v) registered and is waiting for activation.", params.Username, params.Email)
		return messaging.NotifyAdmins(txn, schema.MessageStandard, "New user registered", text)
	})
	if err != nil {
		slog.Error("error finishing user signup", "user_id", userId, "error", err, "code", logging.ACCESS)
	}

	res := signupResponse{UserId: userId}
	utils.WriteJsonResponse(w, res)
}

type loginResponse struct {
	UserId      uuid.UUID `json:"user_id"`
	AccessToken string    `json:"access_token"`
}

func (s *UserService) LoginWithEmail(w http.ResponseWriter, r *http.Request) {
	email, password, ok := r.BasicAuth()
	if !ok {
		http.Error(w, "missing or invalid Authorization header", http.StatusUnauthorized)
		return
	}

	login, err := s.userAuth.LoginWithEmail(email, password)
	if err != nil {
		responseCode := http.StatusInternalServerError
		switch {
		case errors.Is(err, auth.ErrUserNotFoundWithEmail):
			responseCode = http.StatusNotFound
		case errors.Is(err, auth.ErrInvalidCredentials):
			responseCode = http.StatusUnauthorized
		case errors.Is(err, auth.ErrUserInactive):
			responseCode = http.StatusForbidden
		}
		http.Error(w, fmt.Sprintf("login failed: %v", err), responseCode)
		return
	}

	res := loginResponse{UserId: login.UserId, AccessToken: login.AccessToken}
	utils.WriteJsonResponse(w, res)
}

type loginWithTokenRequest struct {
	AccessToken string `json:"access_token"`
}

func (s *UserService) LoginWithToken(w http.ResponseWriter, r *http.Request) {
	var params loginWithTokenRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	login, err := s.userAuth.LoginWithToken(params.AccessToken)
	if err != nil {
		responseCode := http.StatusInternalServerError
		if errors.Is(err, auth.ErrUserInactive) {
			responseCode = http.StatusForbidden
		}
		http.Error(w, fmt.Sprintf("login failed: %v", err), responseCode)
		return
	}

	res := loginResponse{UserId: login.UserId, AccessToken: login.AccessToken}
	utils.WriteJsonResponse(w, res)
}

type UserInfo struct {
	Id          uuid.UUID `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	Admin       bool      `json:"admin"`
	Active      bool      `json:"active"`
	Institution string    `json:"institution"`
	About       string    `json:"about"`
	DateJoined  time.Time `json:"date_joined"`
}

func convertToUserInfo(user *schema.User) UserInfo {
	info := UserInfo{
		Id:         user.Id,
		Username:   user.Username,
		Email:      user.Email,
		Admin:      user.IsAdmin,
		Active:     user.IsActive,
		DateJoined: user.DateJoined,
	}
	if user.Profile != nil {
		info.Institution = user.Profile.Institution
		info.About = user.Profile.About
	}
	return info
}

func (s *UserService) listUsers(w http.ResponseWriter, query *gorm.DB) {
	var users []schema.User
	if err := query.Preload("Profile").Order("username").Find(&users).Error; err != nil {
		slog.Error("sql error listing users", "error", err)
		http.Error(w, fmt.Sprintf("error listing users: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]UserInfo, 0, len(users))
	for _, u := range users {
		infos = append(infos, convertToUserInfo(&u))
	}
	utils.WriteJsonResponse(w, infos)
}

// List returns the active users, the candidates for roles, managers and requests.
func (s *UserService) List(w http.ResponseWriter, r *http.Request) {
	s.listUsers(w, s.db.Where("is_active = ?", true))
}

func (s *UserService) ListInactive(w http.ResponseWriter, r *http.Request) {
	s.listUsers(w, s.db.Where("is_active = ?", false))
}

func (s *UserService) Info(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var withProfile schema.User
	result := s.db.Preload("Profile").First(&withProfile, "id = ?", user.Id)
	if result.Error != nil {
		slog.Error("sql error loading user info", "user_id", user.Id, "error", result.Error)
		http.Error(w, fmt.Sprintf("error getting user info: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, convertToUserInfo(&withProfile))
}

type updateProfileRequest struct {
	Institution *string `json:"institution"`
	About       *string `json:"about"`
}

func (s *UserService) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params updateProfileRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	updates := map[string]interface{}{}
	if params.Institution != nil {
		updates["institution"] = *params.Institution
	}
	if params.About != nil {
		updates["about"] = *params.About
	}
	if len(updates) > 0 {
		result := s.db.Model(&schema.Profile{UserId: user.Id}).Updates(updates)
		if result.Error != nil {
			slog.Error("sql error updating profile", "user_id", user.Id, "error", result.Error)
			http.Error(w, fmt.Sprintf("error updating profile: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
			return
		}
	}

	utils.WriteSuccess(w)
}

// ActivateUser accepts a registered account: the user is enabled, their external media area
// is created and a welcome message is delivered.
func (s *UserService) ActivateUser(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var user schema.User
	err = s.db.Transaction(func(txn *gorm.DB) error {
		user, err = schema.GetUser(userId, txn)
		if err != nil {
			return domainError(err)
		}
		if user.IsActive {
			return CodedError(fmt.Errorf("user %v is already active", user.Username), http.StatusUnprocessableEntity)
		}

		result := txn.Model(&schema.User{}).Where("id = ?", userId).Update("is_active", true)
		if result.Error != nil {
			slog.Error("sql error activating user", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		result = txn.Model(&schema.Profile{}).Where("user_id = ?", userId).Update("system_notified", true)
		if result.Error != nil {
			slog.Error("sql error updating user profile", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		text := fmt.Sprintf("Welcome %v, your account has been activated.", user.Username)
		if _, err := messaging.Send(txn, nil, userId, schema.MessageStandard, "Your account has been activated", text); err != nil {
			return domainError(err)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error activating user %v: %v", userId, err), GetResponseCode(err))
		return
	}

	if err := s.userAuth.ActivateUser(userId); err != nil {
		http.Error(w, fmt.Sprintf("error activating user %v: %v", userId, err), http.StatusInternalServerError)
		return
	}

	if err := storage.ProvisionUser(s.external, user.Username); err != nil {
		slog.Error("unable to create external media area", "user", user.Username, "error", err, "code", logging.ACCESS)
		http.Error(w, fmt.Sprintf("error creating media area for user %v: %v", userId, err), http.StatusInternalServerError)
		return
	}

	slog.Info("user activated", "user_id", userId, "username", user.Username, "code", logging.ACCESS)

	utils.WriteSuccess(w)
}

var ownedTables = []interface{}{
	&schema.Resource{}, &schema.Collection{}, &schema.Location{}, &schema.Deployment{},
	&schema.ResearchProject{}, &schema.ClassificationProject{}, &schema.Classificator{},
}

// DeleteUser removes an account that owns nothing. Ownership is never transferred.
func (s *UserService) DeleteUser(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkUserExists(txn, userId); err != nil {
			return err
		}

		for _, table := range ownedTables {
			var count int64
			if err := txn.Model(table).Where("owner_id = ?", userId).Count(&count).Error; err != nil {
				slog.Error("sql error counting owned items", "user_id", userId, "error", err)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
			if count > 0 {
				return CodedError(fmt.Errorf("%w: user %v still owns data", schema.ErrStillReferenced, userId), http.StatusConflict)
			}
		}

		result := txn.Delete(&schema.User{Id: userId})
		if result.Error != nil {
			slog.Error("sql error deleting user", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error deleting user %v: %v", userId, err), GetResponseCode(err))
		return
	}

	err = s.userAuth.DeleteUser(userId)
	if err != nil {
		http.Error(w, fmt.Sprintf("error deleting user %v: %v", userId, err), http.StatusInternalServerError)
		return
	}

	utils.WriteSuccess(w)
}

func (s *UserService) PromoteAdmin(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkUserExists(txn, userId); err != nil {
			return err
		}

		result := txn.Model(&schema.User{}).Where("id = ?", userId).Update("is_admin", true)
		if result.Error != nil {
			slog.Error("sql error updating user role to admin", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error promoting admin: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

func (s *UserService) DemoteAdmin(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		user, err := schema.GetUser(userId, txn)
		if err != nil {
			return domainError(err)
		}

		if !user.IsAdmin {
			return CodedError(errors.New("user is already not an admin"), http.StatusUnprocessableEntity)
		}

		var count int64
		result := txn.Model(&schema.User{}).Where("is_admin = ?", true).Count(&count)
		if result.Error != nil {
			slog.Error("sql error counting existing admins", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		if count < 2 {
			return CodedError(fmt.Errorf("cannot demote admin %v since there would be no admins left", userId), http.StatusUnprocessableEntity)
		}

		result = txn.Model(&schema.User{}).Where("id = ?", userId).Update("is_admin", false)
		if result.Error != nil {
			slog.Error("sql error updating user role to user", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error demoting admin: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}
