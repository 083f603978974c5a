package services

import (
	"fmt"
	"log/slog"
	"net/http"

	"trapper_platform/trapper/auth"
	"trapper_platform/trapper/schema"
	"trapper_platform/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type idsRequest struct {
	Ids []uuid.UUID `json:"ids"`
}

type countResponse struct {
	Count int `json:"count"`
}

func loadUsers(txn *gorm.DB, ids []uuid.UUID) ([]schema.User, error) {
	users := []schema.User{}
	if len(ids) == 0 {
		return users, nil
	}
	if err := txn.Where("id IN ?", ids).Find(&users).Error; err != nil {
		slog.Error("sql error loading users", "error", err)
		return nil, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	if len(users) != len(uuidSet(ids)) {
		return nil, CodedError(schema.ErrUserNotFound, http.StatusNotFound)
	}
	return users, nil
}

func uuidSet(ids []uuid.UUID) map[uuid.UUID]struct{} {
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// replaceManagers sets the co-managers of a row holding a many2many Managers association.
func replaceManagers(txn *gorm.DB, model interface{}, managerIds []uuid.UUID) error {
	managers, err := loadUsers(txn, managerIds)
	if err != nil {
		return err
	}
	if err := txn.Model(model).Association("Managers").Replace(managers); err != nil {
		slog.Error("sql error replacing managers", "error", err)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	return nil
}

func managerIds(users []schema.User) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.Id)
	}
	return ids
}

func writeCSV(w http.ResponseWriter, filename string, table utils.Table) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if err := table.WriteCSV(w); err != nil {
		slog.Error("error writing csv response", "filename", filename, "error", err)
	}
}

// filterPermitted keeps the ids of entities on which the user holds at least min.
func filterPermitted[T any](txn *gorm.DB, user schema.User, rows []T, entity func(*T) auth.Entity, id func(T) uuid.UUID, min auth.Capability) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(rows))
	for i := range rows {
		capability, err := auth.Resolve(txn, entity(&rows[i]), user)
		if err != nil {
			return nil, CodedError(err, http.StatusInternalServerError)
		}
		if capability >= min {
			ids = append(ids, id(rows[i]))
		}
	}
	return ids, nil
}

// requireAll fails unless the user holds min on every row.
func requireAll[T any](txn *gorm.DB, user schema.User, rows []T, entity func(*T) auth.Entity, min auth.Capability) error {
	for i := range rows {
		if err := requireCapability(txn, entity(&rows[i]), user, min); err != nil {
			return err
		}
	}
	return nil
}
