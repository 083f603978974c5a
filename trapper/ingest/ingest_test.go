package ingest_test

import (
	"archive/zip"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"strings"
	"testing"
	"time"

	"trapper_platform/trapper/ingest"
	"trapper_platform/trapper/jobs"
	"trapper_platform/trapper/media"
	"trapper_platform/trapper/schema"
	"trapper_platform/trapper/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupDb(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDb, err := db.DB()
	require.NoError(t, err)
	sqlDb.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(schema.AllModels()...))
	return db
}

func testJpeg(t *testing.T, w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 80, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

type stubFrames struct{ frame []byte }

func (s stubFrames) ExtractFrame(ctx context.Context, path string) ([]byte, error) {
	return s.frame, nil
}

type env struct {
	db        *gorm.DB
	store     storage.Storage
	external  storage.Storage
	owner     schema.User
	processor *ingest.Processor
}

func newEnv(t *testing.T) env {
	db := setupDb(t)
	e := env{
		db:       db,
		store:    storage.NewSharedDisk(t.TempDir()),
		external: storage.NewSharedDisk(t.TempDir()),
		owner:    schema.User{Id: uuid.New(), Username: "owner", Email: "owner@mail.com", IsActive: true},
	}
	require.NoError(t, db.Create(&e.owner).Error)

	loc := schema.Location{Id: uuid.New(), LocationId: "L1", OwnerId: e.owner.Id, Timezone: "Europe/Warsaw", Longitude: 21, Latitude: 52}
	require.NoError(t, db.Create(&loc).Error)

	thumbnailer := media.NewThumbnailer(136, 860, stubFrames{frame: testJpeg(t, 320, 240)})
	e.processor = ingest.NewProcessor(db, e.store, thumbnailer, ingest.Options{ThumbnailWorkers: 2})
	return e
}

func (e env) upload(t *testing.T, files map[string][]byte) string {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)})
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	path := "uploads/" + uuid.NewString() + ".zip"
	require.NoError(t, e.store.Write(path, &buf))
	return path
}

func (e env) request(definition, archivePath string) ingest.Request {
	return ingest.Request{OwnerId: e.owner.Id, Definition: definition, ArchivePath: archivePath, ArchiveName: "upload.zip"}
}

func (e env) messages(t *testing.T) []schema.Message {
	var msgs []schema.Message
	require.NoError(t, e.db.Where("user_to_id = ?", e.owner.Id).Order("date_sent").Find(&msgs).Error)
	return msgs
}

const singleDefinition = `
collections:
  - name: C1
    resources_dir: C1
    deployments:
      - deployment_id: D1-L1
        resources:
          - name: R1
            file: r1.jpg
            date_recorded: "2020-03-01T10:00:00Z"
`

func TestIngestOneCollection(t *testing.T) {
	e := newEnv(t)
	archive := e.upload(t, map[string][]byte{"r1.jpg": testJpeg(t, 400, 300)})

	result, err := e.processor.Process(context.Background(), e.request(singleDefinition, archive), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Total)
	assert.Empty(t, result.Errors)
	require.Len(t, result.Collections, 1)

	var col schema.Collection
	require.NoError(t, e.db.First(&col, "name = ?", "C1").Error)
	assert.Equal(t, e.owner.Id, col.OwnerId)

	var resources []schema.Resource
	require.NoError(t, e.db.Joins("JOIN collection_resources ON collection_resources.resource_id = resources.id").
		Where("collection_resources.collection_id = ?", col.Id).Find(&resources).Error)
	require.Len(t, resources, 1)
	r := resources[0]
	assert.Equal(t, "R1", r.Name)
	assert.Equal(t, "D1-L1_R1", r.PrefixedName)
	assert.Equal(t, schema.ImageResource, r.ResourceType)
	assert.Equal(t, "image/jpeg", r.FileMime)
	assert.True(t, r.DateRecorded.Equal(time.Date(2020, 3, 1, 10, 0, 0, 0, time.UTC)))
	assert.NotEmpty(t, r.Thumbnail)
	assert.NotEmpty(t, r.Preview)

	for _, p := range []string{r.File, r.Thumbnail, r.Preview} {
		exists, err := e.store.Exists(p)
		require.NoError(t, err)
		assert.True(t, exists, p)
	}

	// the deployment named by the definition is created on the owner's location
	var dep schema.Deployment
	require.NoError(t, e.db.First(&dep, "deployment_identifier = ?", "D1-L1").Error)
	assert.Equal(t, "D1", dep.DeploymentCode)

	exists, err := e.store.Exists(archive)
	require.NoError(t, err)
	assert.False(t, exists)

	msgs := e.messages(t)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Subject, "finished successfully")
	assert.Contains(t, msgs[0].Text, "Processed 1 out of 1")
}

func TestIngestMissingArchiveEntry(t *testing.T) {
	e := newEnv(t)
	archive := e.upload(t, map[string][]byte{"other.jpg": testJpeg(t, 10, 10)})

	result, err := e.processor.Process(context.Background(), e.request(singleDefinition, archive), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, []ingest.ResourceError{{Collection: "C1", Deployment: "D1-L1", Resource: "R1", Error: "missing archive entry"}}, result.Errors)

	var count int64
	require.NoError(t, e.db.Model(&schema.Collection{}).Where("name = ?", "C1").Count(&count).Error)
	assert.Equal(t, int64(1), count)
	require.NoError(t, e.db.Model(&schema.Resource{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)

	msgs := e.messages(t)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "collection: C1, deployment: D1-L1, resource: R1, error: missing archive entry")
}

func TestIngestPartialFailureKeepsSiblings(t *testing.T) {
	e := newEnv(t)
	definition := `
collections:
  - name: C1
    resources_dir: photos
    deployments:
      - deployment_id: D1-L1
        resources:
          - {name: A, file: a.jpg, date_recorded: "2020-03-01 11:00:00"}
          - {name: B, file: b.jpg}
          - {name: V, file: v.mp4}
    resources:
      - {name: Free, file: free.mp3}
`
	archive := e.upload(t, map[string][]byte{
		"upload/photos/D1-L1/a.jpg": testJpeg(t, 50, 50),
		"upload/photos/v.mp4":       []byte("not really a video"),
		"upload/free.mp3":           []byte("ID3 audio"),
	})

	var steps []int
	result, err := e.processor.Process(context.Background(), e.request(definition, archive), func(done, total int) error {
		steps = append(steps, done)
		assert.Equal(t, 4, total)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, steps)
	assert.Equal(t, 3, result.Processed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "B", result.Errors[0].Resource)

	var a schema.Resource
	require.NoError(t, e.db.First(&a, "name = ?", "A").Error)
	// no zone in the value, so it is read in the location's zone
	assert.True(t, a.DateRecorded.Equal(time.Date(2020, 3, 1, 10, 0, 0, 0, time.UTC)), a.DateRecorded)

	var v schema.Resource
	require.NoError(t, e.db.First(&v, "name = ?", "V").Error)
	assert.Equal(t, schema.VideoResource, v.ResourceType)
	assert.NotEmpty(t, v.Thumbnail)

	var free schema.Resource
	require.NoError(t, e.db.First(&free, "name = ?", "Free").Error)
	assert.Equal(t, schema.AudioResource, free.ResourceType)
	assert.Nil(t, free.DeploymentId)
	assert.Empty(t, free.Thumbnail)
	assert.Equal(t, "owner_Free", free.PrefixedName)
}

func TestIngestInvalidDefinitionSendsFailure(t *testing.T) {
	e := newEnv(t)
	archive := e.upload(t, map[string][]byte{"r1.jpg": testJpeg(t, 10, 10)})

	definition := strings.ReplaceAll(singleDefinition, "D1-L1", "D1-UNKNOWN")
	_, err := e.processor.Process(context.Background(), e.request(definition, archive), nil)
	require.ErrorIs(t, err, ingest.ErrDefinitionInvalid)

	var count int64
	require.NoError(t, e.db.Model(&schema.Collection{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)

	msgs := e.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Collection upload failed", msgs[0].Subject)
	assert.Contains(t, msgs[0].Text, "D1-UNKNOWN")
}

func TestIngestReusesCollectionByName(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 2; i++ {
		archive := e.upload(t, map[string][]byte{"r1.jpg": testJpeg(t, 10, 10)})
		_, err := e.processor.Process(context.Background(), e.request(singleDefinition, archive), nil)
		require.NoError(t, err)
	}

	var collections, deployments, links int64
	require.NoError(t, e.db.Model(&schema.Collection{}).Count(&collections).Error)
	require.NoError(t, e.db.Model(&schema.Deployment{}).Count(&deployments).Error)
	require.NoError(t, e.db.Model(&schema.CollectionResource{}).Count(&links).Error)
	assert.Equal(t, int64(1), collections)
	assert.Equal(t, int64(1), deployments)
	assert.Equal(t, int64(2), links)
}

func TestIngestCancelKeepsCreatedResources(t *testing.T) {
	e := newEnv(t)
	definition := `
collections:
  - name: C1
    resources_dir: C1
    resources:
      - {name: A, file: a.jpg}
      - {name: B, file: b.jpg}
`
	archive := e.upload(t, map[string][]byte{"a.jpg": testJpeg(t, 10, 10), "b.jpg": testJpeg(t, 10, 10)})

	result, err := e.processor.Process(context.Background(), e.request(definition, archive), func(done, total int) error {
		return jobs.ErrTaskCancelled
	})
	require.ErrorIs(t, err, jobs.ErrTaskCancelled)
	assert.Equal(t, 1, result.Processed)

	var links int64
	require.NoError(t, e.db.Model(&schema.CollectionResource{}).Count(&links).Error)
	assert.Equal(t, int64(1), links)
	assert.Empty(t, e.messages(t))
}

func TestRegenerateThumbnails(t *testing.T) {
	e := newEnv(t)
	archive := e.upload(t, map[string][]byte{"r1.jpg": testJpeg(t, 200, 100)})
	_, err := e.processor.Process(context.Background(), e.request(singleDefinition, archive), nil)
	require.NoError(t, err)

	result, err := e.processor.RegenerateThumbnails(context.Background(), false, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Total)

	require.NoError(t, e.db.Model(&schema.Resource{}).Where("1 = 1").UpdateColumn("thumbnail", "").Error)
	result, err = e.processor.RegenerateThumbnails(context.Background(), false, nil)
	require.NoError(t, err)
	assert.Equal(t, ingest.RegenerateResult{Processed: 1, Failed: 0, Total: 1}, result)

	var r schema.Resource
	require.NoError(t, e.db.First(&r).Error)
	assert.NotEmpty(t, r.Thumbnail)

	result, err = e.processor.RegenerateThumbnails(context.Background(), true, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
}

func TestExportPackage(t *testing.T) {
	e := newEnv(t)
	archive := e.upload(t, map[string][]byte{"r1.jpg": testJpeg(t, 20, 20)})
	_, err := e.processor.Process(context.Background(), e.request(singleDefinition, archive), nil)
	require.NoError(t, err)

	var r schema.Resource
	require.NoError(t, e.db.First(&r).Error)

	packager := ingest.NewPackager(e.db, e.store, e.external)
	result, err := packager.Export(context.Background(), ingest.PackageRequest{
		OwnerId:         e.owner.Id,
		ResourceIds:     []uuid.UUID{r.Id, uuid.New()},
		IncludeMetadata: true,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Files)
	assert.Equal(t, 1, result.Skipped)
	assert.True(t, strings.HasPrefix(result.Filename, "media_"))

	pkg, err := schema.GetDataPackage(result.PackageId, e.db)
	require.NoError(t, err)
	assert.Equal(t, schema.PackageMediaFiles, pkg.PackageType)
	assert.Equal(t, storage.UserAreaPath("owner", storage.AreaDataPackages, result.Filename), pkg.Path)

	reader, err := e.external.Read(pkg.Path)
	require.NoError(t, err)
	data, err := io.ReadAll(reader)
	reader.Close()
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	names := []string{}
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"D1-L1_R1.jpg", "metadata.csv"}, names)

	require.NoError(t, ingest.DeletePackage(e.db, e.external, pkg))
	exists, err := e.external.Exists(pkg.Path)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestExportsWithinOneSecondKeepSeparateArchives(t *testing.T) {
	e := newEnv(t)
	archive := e.upload(t, map[string][]byte{"r1.jpg": testJpeg(t, 20, 20)})
	_, err := e.processor.Process(context.Background(), e.request(singleDefinition, archive), nil)
	require.NoError(t, err)

	var r schema.Resource
	require.NoError(t, e.db.First(&r).Error)

	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	packager := ingest.NewPackager(e.db, e.store, e.external).WithClock(func() time.Time { return fixed })
	req := ingest.PackageRequest{OwnerId: e.owner.Id, ResourceIds: []uuid.UUID{r.Id}}

	first, err := packager.Export(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, "media_20240501_120000.zip", first.Filename)

	// a failing export in the same second must only remove its own archive
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = packager.Export(ctx, req, nil)
	require.ErrorIs(t, err, context.Canceled)

	second, err := packager.Export(context.Background(), req, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.Filename, second.Filename)

	var packages []schema.UserDataPackage
	require.NoError(t, e.db.Where("user_id = ?", e.owner.Id).Find(&packages).Error)
	require.Len(t, packages, 2)
	for _, pkg := range packages {
		exists, err := e.external.Exists(pkg.Path)
		require.NoError(t, err)
		assert.True(t, exists, pkg.Path)
	}
}

func TestParseDefinitionRejectsUnknownKeys(t *testing.T) {
	_, err := ingest.ParseDefinition([]byte("collections:\n  - name: C1\n    resources_dir: x\n    colour: red\n"))
	require.ErrorIs(t, err, ingest.ErrDefinitionInvalid)

	_, err = ingest.ParseDefinition([]byte("collections:\n  - name: C1\n    resources_dir: x\n    resources:\n      - {name: A, file: a.exe}\n"))
	require.ErrorIs(t, err, ingest.ErrDefinitionInvalid)
	assert.Contains(t, err.Error(), "not allowed file type")

	def, err := ingest.ParseDefinition([]byte(singleDefinition))
	require.NoError(t, err)
	assert.Equal(t, 1, def.ResourceCount())
	assert.Equal(t, []string{"C1/D1-L1/r1.jpg", "C1/r1.jpg", "r1.jpg"}, def.Collections[0].EntryPaths("D1-L1", "r1.jpg"))
}
