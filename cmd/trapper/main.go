package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"trapper_platform/trapper/auth"
	"trapper_platform/trapper/classify"
	"trapper_platform/trapper/config"
	"trapper_platform/trapper/jobs"
	"trapper_platform/trapper/schema"
	"trapper_platform/trapper/services"
	"trapper_platform/trapper/storage"
	"trapper_platform/trapper/workers"
	"trapper_platform/utils"
	"trapper_platform/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"gorm.io/gorm"
)

type trapperEnv struct {
	PublicHostname string
	MediaDir       string
	ExternalDir    string
	LogDir         string
	JwtSecret      string

	AdminUsername string
	AdminEmail    string
	AdminPassword string

	IdentityProvider      string
	KeycloakServerUrl     string
	KeycloakRealm         string
	KeycloakAdminUsername string
	KeycloakAdminPassword string
	KeycloakInsecureTls   bool

	DatabaseUri string
}

func loadEnvFile(envFile string) {
	slog.Info(fmt.Sprintf("loading env from file %v", envFile))
	err := godotenv.Load(envFile)
	if err != nil {
		log.Fatalf("error loading .env file '%v': %v", envFile, err)
	}
}

// Every variable the server reads outside of config.Settings is loaded here.
func loadEnv() trapperEnv {
	missingEnvs := []string{}

	requiredEnv := func(key string) string {
		env := os.Getenv(key)
		if env == "" {
			missingEnvs = append(missingEnvs, key)
			slog.Error("missing required env variable", "key", key)
		}
		return env
	}

	env := trapperEnv{
		PublicHostname: requiredEnv("PUBLIC_HOSTNAME"),
		MediaDir:       requiredEnv("MEDIA_DIR"),
		ExternalDir:    requiredEnv("EXTERNAL_MEDIA_DIR"),
		LogDir:         utils.OptionalEnv("LOG_DIR"),
		JwtSecret:      requiredEnv("JWT_SECRET"),

		AdminUsername: requiredEnv("ADMIN_USERNAME"),
		AdminEmail:    requiredEnv("ADMIN_MAIL"),
		AdminPassword: requiredEnv("ADMIN_PASSWORD"),

		IdentityProvider:      requiredEnv("IDENTITY_PROVIDER"),
		KeycloakServerUrl:     utils.OptionalEnv("KEYCLOAK_SERVER_URL"),
		KeycloakRealm:         utils.OptionalEnv("KEYCLOAK_REALM"),
		KeycloakAdminUsername: utils.OptionalEnv("KEYCLOAK_ADMIN_USER"),
		KeycloakAdminPassword: utils.OptionalEnv("KEYCLOAK_ADMIN_PASSWORD"),
		KeycloakInsecureTls:   utils.BoolEnvVar("KEYCLOAK_INSECURE_TLS"),

		DatabaseUri: requiredEnv("DATABASE_URI"),
	}

	if len(missingEnvs) > 0 {
		log.Fatalf("The following required env vars are missing: %s", strings.Join(missingEnvs, ", "))
	}

	if env.IdentityProvider != "basic" && env.IdentityProvider != "keycloak" {
		log.Fatalf("IDENTITY_PROVIDER must be 'basic' or 'keycloak', got '%v'", env.IdentityProvider)
	}
	if env.IdentityProvider == "keycloak" && (env.KeycloakServerUrl == "" || env.KeycloakAdminUsername == "" || env.KeycloakAdminPassword == "") {
		log.Fatal("KEYCLOAK_SERVER_URL, KEYCLOAK_ADMIN_USER and KEYCLOAK_ADMIN_PASSWORD must be specified when using keycloak")
	}
	if env.LogDir == "" {
		env.LogDir = filepath.Join(env.MediaDir, "logs")
	}

	return env
}

func initDb(uri string) *gorm.DB {
	db, err := schema.OpenDb(uri)
	if err != nil {
		log.Fatalf("error opening database connection: %v", err)
	}

	if err := db.AutoMigrate(schema.AllModels()...); err != nil {
		log.Fatalf("error migrating db schema: %v", err)
	}

	return db
}

func openLog(dir, name string) *os.File {
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		log.Fatalf("error opening log file %v: %v", name, err)
	}
	return f
}

func main() {
	envFile := flag.String("env", "", "File to load env variables from. If not specified will just load them from the environment variables already defined.")
	port := flag.Int("port", 8000, "Port to run server on")
	noWorkers := flag.Bool("no_workers", false, "If specified the server will not run background tasks, another process must run them.")

	flag.Parse()

	if *envFile != "" {
		loadEnvFile(*envFile)
	}
	env := loadEnv()

	settings, err := config.Load()
	if err != nil {
		log.Fatalf("error loading settings: %v", err)
	}

	if err := os.MkdirAll(env.LogDir, 0777); err != nil {
		log.Fatalf("error creating log dir: %v", err)
	}

	logFile := openLog(env.LogDir, "trapper.log")
	defer logFile.Close()

	auditLog := openLog(env.LogDir, "audit.log")
	defer auditLog.Close()

	logging.InitLogging(logFile, "trapper", slog.String("hostname", env.PublicHostname))

	db := initDb(env.DatabaseUri)

	store := storage.NewSharedDisk(env.MediaDir)
	external := storage.NewSharedDisk(env.ExternalDir)

	var identityProvider auth.IdentityProvider
	if env.IdentityProvider == "keycloak" {
		identityProvider, err = auth.NewKeycloakIdentityProvider(
			db,
			auth.NewAuditLogger(auditLog),
			auth.KeycloakArgs{
				KeycloakServerUrl:     env.KeycloakServerUrl,
				KeycloakAdminUsername: env.KeycloakAdminUsername,
				KeycloakAdminPassword: env.KeycloakAdminPassword,
				Realm:                 env.KeycloakRealm,
				AdminUsername:         env.AdminUsername,
				AdminEmail:            env.AdminEmail,
				AdminPassword:         env.AdminPassword,
				InsecureTls:           env.KeycloakInsecureTls,
			},
		)
		if err != nil {
			log.Fatalf("error creating keycloak identity provider: %v", err)
		}
	} else {
		identityProvider, err = auth.NewBasicIdentityProvider(
			db,
			auth.NewAuditLogger(auditLog),
			auth.BasicProviderArgs{
				Secret:        []byte(env.JwtSecret),
				AdminUsername: env.AdminUsername,
				AdminEmail:    env.AdminEmail,
				AdminPassword: env.AdminPassword,
			},
		)
		if err != nil {
			log.Fatalf("error creating basic identity provider: %v", err)
		}
	}

	forms := classify.NewFormCache(5 * time.Minute)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var worker *jobs.Worker
	if !*noWorkers {
		worker = workers.NewWorker(db, workers.NewRegistry(db, store, external, settings), settings)
		worker.Start(ctx)
	}

	trapper := services.NewTrapper(db, store, external, identityProvider, forms, settings, []byte(env.JwtSecret))

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{env.PublicHostname},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Mount("/api/v2", trapper.Routes())

	server := &http.Server{Addr: fmt.Sprintf(":%d", *port), Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("error shutting down server", "error", err, "code", logging.SYSTEM)
		}
	}()

	slog.Info("starting server", "port", *port, "workers", !*noWorkers, "code", logging.SYSTEM)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("listen and serve returned error: %v", err.Error())
	}

	if worker != nil {
		worker.Wait()
	}
	slog.Info("server stopped", "code", logging.SYSTEM)
}
