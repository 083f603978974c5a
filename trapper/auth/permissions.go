package auth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
)

func AdminOnly(db *gorm.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			user, err := UserFromContext(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			if !user.IsAdmin {
				http.Error(w, fmt.Sprintf("user %v is not an admin", user.Id), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(hfn)
	}
}

// EntityLoader resolves the entity addressed by the request url.
type EntityLoader func(txn *gorm.DB, r *http.Request) (Entity, error)

// CapabilityOnly rejects requests whose actor lacks min on the entity returned by load.
// Loader errors are mapped by notFound: when errors.Is(err, notFound) the response is 404.
func CapabilityOnly(db *gorm.DB, min Capability, load EntityLoader, notFound ...error) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			user, err := UserFromContext(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			entity, err := load(db, r)
			if err != nil {
				for _, nf := range notFound {
					if errors.Is(err, nf) {
						http.Error(w, err.Error(), http.StatusNotFound)
						return
					}
				}
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			capability, err := Resolve(db, entity, user)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			if capability >= min {
				next.ServeHTTP(w, r)
				return
			}

			http.Error(w, fmt.Sprintf("user %v does not have required permission for %v %v (required=%v, actual=%v)", user.Id, entity.Kind(), chi.URLParam(r, entity.Kind()+"_id"), min, capability), http.StatusForbidden)
		}
		return http.HandlerFunc(hfn)
	}
}
