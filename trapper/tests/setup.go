package tests

import (
	"archive/zip"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"path/filepath"
	"testing"
	"time"

	"trapper_platform/trapper/auth"
	"trapper_platform/trapper/classify"
	"trapper_platform/trapper/config"
	"trapper_platform/trapper/jobs"
	"trapper_platform/trapper/schema"
	"trapper_platform/trapper/services"
	"trapper_platform/trapper/storage"
	"trapper_platform/trapper/workers"

	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testEnv struct {
	db       *gorm.DB
	api      chi.Router
	store    storage.Storage
	external storage.Storage
	worker   *jobs.Worker
}

const (
	adminUsername = "admin123"
	adminEmail    = "admin123@mail.com"
	adminPassword = "admin_password123"
)

func setupTestEnv(t *testing.T) *testEnv {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	sqlDb, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDb.SetMaxOpenConns(1)

	if err := db.AutoMigrate(schema.AllModels()...); err != nil {
		t.Fatal(err)
	}

	tmpDir := t.TempDir()
	store := storage.NewSharedDisk(filepath.Join(tmpDir, "media"))
	external := storage.NewSharedDisk(filepath.Join(tmpDir, "external"))

	secret := []byte("290zcv02ai249")

	userAuth, err := auth.NewBasicIdentityProvider(
		db,
		auth.NewAuditLogger(new(bytes.Buffer)),
		auth.BasicProviderArgs{
			Secret:        secret,
			AdminUsername: adminUsername,
			AdminEmail:    adminEmail,
			AdminPassword: adminPassword,
		},
	)
	if err != nil {
		t.Fatal(err)
	}

	settings := config.Default()
	settings.MinFreeDiskBytes = 0
	settings.RequestFloodDelay = time.Hour
	settings.ThumbnailWorkers = 2

	forms := classify.NewFormCache(time.Minute)
	registry := workers.NewRegistry(db, store, external, settings)

	trapper := services.NewTrapper(db, store, external, userAuth, forms, settings, secret)

	return &testEnv{
		db:       db,
		api:      trapper.Routes(),
		store:    store,
		external: external,
		worker:   jobs.NewWorker(db, registry, jobs.WorkerOptions{Workers: 1}),
	}
}

// runTasks executes queued tasks until none are left.
func (t *testEnv) runTasks(tb testing.TB) {
	for {
		ran, err := t.worker.RunOnce(context.Background())
		if err != nil {
			tb.Fatal(err)
		}
		if !ran {
			return
		}
	}
}

func (t *testEnv) newClient() client {
	return client{api: t.api}
}

// newUser registers an account, has the admin activate it and logs in.
func (t *testEnv) newUser(tb testing.TB, username string) client {
	c := t.newClient()
	login := loginInfo{Email: username + "@mail.com", Password: username + "_password"}
	userId, err := c.signup(username, login.Email, login.Password)
	if err != nil {
		tb.Fatal(err)
	}

	admin := t.adminClient(tb)
	if err := admin.activateUser(userId); err != nil {
		tb.Fatal(err)
	}

	if err := c.login(login); err != nil {
		tb.Fatal(err)
	}
	return c
}

func (t *testEnv) adminClient(tb testing.TB) client {
	c := t.newClient()
	if err := c.login(loginInfo{Email: adminEmail, Password: adminPassword}); err != nil {
		tb.Fatal(err)
	}
	return c
}

func testJpeg(tb testing.TB) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	for x := 0; x < 320; x++ {
		for y := 0; y < 240; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 80, A: 255})
		}
	}
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, nil); err != nil {
		tb.Fatal(err)
	}
	return buf.Bytes()
}

// testArchive zips files below a top level directory, which ingest strips.
func testArchive(tb testing.TB, files map[string][]byte) []byte {
	buf := new(bytes.Buffer)
	writer := zip.NewWriter(buf)
	for name, data := range files {
		f, err := writer.Create("upload/" + name)
		if err != nil {
			tb.Fatal(err)
		}
		if _, err := f.Write(data); err != nil {
			tb.Fatal(err)
		}
	}
	if err := writer.Close(); err != nil {
		tb.Fatal(err)
	}
	return buf.Bytes()
}
