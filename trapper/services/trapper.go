package services

import (
	"log"
	"net/http"
	"os"
	"slices"

	"trapper_platform/trapper/auth"
	"trapper_platform/trapper/classify"
	"trapper_platform/trapper/config"
	"trapper_platform/trapper/storage"
	"trapper_platform/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

type Trapper struct {
	user                  UserService
	location              LocationService
	deployment            DeploymentService
	resource              ResourceService
	collection            CollectionService
	researchProject       ResearchProjectService
	classificator         ClassificatorService
	species               SpeciesService
	classificationProject ClassificationProjectService
	message               MessageService
	request               RequestService
	dataPackage           DataPackageService
	task                  TaskService
}

// NewTrapper wires the http services. store holds the media files, external the per user
// areas for data packages.
func NewTrapper(
	db *gorm.DB, store, external storage.Storage, userAuth auth.IdentityProvider, forms *classify.FormCache, settings config.Settings, secret []byte,
) Trapper {
	links := auth.NewMediaLinkSigner(slices.Concat(secret, []byte("media")), settings.MediaLinkExpiry)

	return Trapper{
		user:       UserService{db: db, userAuth: userAuth, external: external},
		location:   LocationService{db: db, userAuth: userAuth, pageSizeMax: settings.PageSizeMax},
		deployment: DeploymentService{db: db, userAuth: userAuth, pageSizeMax: settings.PageSizeMax},
		resource: ResourceService{
			db:          db,
			userAuth:    userAuth,
			store:       store,
			links:       links,
			pageSizeMax: settings.PageSizeMax,
		},
		collection: CollectionService{
			db:          db,
			userAuth:    userAuth,
			store:       store,
			minFree:     settings.MinFreeDiskBytes,
			pageSizeMax: settings.PageSizeMax,
		},
		researchProject: ResearchProjectService{db: db, userAuth: userAuth, pageSizeMax: settings.PageSizeMax},
		classificator:   ClassificatorService{db: db, userAuth: userAuth, forms: forms, pageSizeMax: settings.PageSizeMax},
		species:         SpeciesService{db: db, userAuth: userAuth, pageSizeMax: settings.PageSizeMax},
		classificationProject: ClassificationProjectService{
			db:          db,
			userAuth:    userAuth,
			forms:       forms,
			pageSizeMax: settings.PageSizeMax,
		},
		message:     MessageService{db: db, userAuth: userAuth},
		request:     RequestService{db: db, userAuth: userAuth, floodDelay: settings.RequestFloodDelay},
		dataPackage: DataPackageService{db: db, userAuth: userAuth, external: external},
		task:        TaskService{db: db, userAuth: userAuth},
	}
}

func (t *Trapper) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger: log.New(os.Stderr, "", log.LstdFlags), NoColor: false,
	}))

	r.Mount("/user", t.user.Routes())
	r.Mount("/locations", t.location.Routes())
	r.Mount("/deployments", t.deployment.Routes())
	r.Mount("/resources", t.resource.Routes())
	r.Mount("/collections", t.collection.Routes())
	r.Mount("/research-projects", t.researchProject.Routes())
	r.Mount("/classificators", t.classificator.Routes())
	r.Mount("/species", t.species.Routes())
	r.Mount("/classification-projects", t.classificationProject.Routes())
	r.Mount("/messages", t.message.Routes())
	r.Mount("/requests", t.request.Routes())
	r.Mount("/data-packages", t.dataPackage.Routes())
	r.Mount("/tasks", t.task.Routes())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteSuccess(w)
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}
