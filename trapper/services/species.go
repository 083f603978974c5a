package services

import (
	"fmt"
	"net/http"
	"strconv"

	"trapper_platform/trapper/auth"
	"trapper_platform/trapper/classify"
	"trapper_platform/trapper/schema"
	"trapper_platform/utils"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

type SpeciesService struct {
	db          *gorm.DB
	userAuth    auth.IdentityProvider
	pageSizeMax int
}

func (s *SpeciesService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)

	r.Get("/", s.Search)

	return r
}

// Search backs the species selector: ?search= matches english or latin names, family= and
// genus= narrow the result.
func (s *SpeciesService) Search(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	query := classify.SpeciesQuery{
		Search: params.Get("search"),
		Family: params.Get("family"),
		Genus:  params.Get("genus"),
		Limit:  s.pageSizeMax,
	}
	if v := params.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			http.Error(w, fmt.Sprintf("invalid limit %q", v), http.StatusBadRequest)
			return
		}
		query.Limit = min(limit, s.pageSizeMax)
	}

	species, err := classify.SearchSpecies(s.db, query)
	if err != nil {
		writeError(w, "error searching species", err)
		return
	}

	utils.WriteJsonResponse(w, lo.Map(species, func(sp schema.Species, _ int) classify.Choice { return classify.SpeciesChoice(sp) }))
}
