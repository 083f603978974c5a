// Package workers assembles the background task handlers shared by the server and the
// command line tools.
package workers

import (
	"trapper_platform/trapper/classification"
	"trapper_platform/trapper/config"
	"trapper_platform/trapper/ingest"
	"trapper_platform/trapper/jobs"
	"trapper_platform/trapper/media"
	"trapper_platform/trapper/storage"

	"gorm.io/gorm"
)

func NewRegistry(db *gorm.DB, store, external storage.Storage, settings config.Settings) *jobs.Registry {
	thumbnailer := media.NewThumbnailer(settings.ThumbnailSize, settings.PreviewSize, media.NewFfmpeg(settings.FfmpegPath, settings.FfmpegFrameTime))
	processor := ingest.NewProcessor(db, store, thumbnailer, ingest.Options{
		ThumbnailWorkers: settings.ThumbnailWorkers,
		MinFreeDiskBytes: settings.MinFreeDiskBytes,
	})

	registry := jobs.NewRegistry()
	registry.MustRegister(
		ingest.IngestHandler{Processor: processor},
		ingest.RegenerateHandler{Processor: processor},
		ingest.PackageHandler{Packager: ingest.NewPackager(db, store, external)},
		classification.BuildSequencesHandler{DefaultGap: settings.SequenceGap},
	)
	return registry
}

func NewWorker(db *gorm.DB, registry *jobs.Registry, settings config.Settings) *jobs.Worker {
	return jobs.NewWorker(db, registry, jobs.WorkerOptions{
		Workers:      settings.WorkerCount,
		PollInterval: settings.WorkerPollInterval,
		MaxAttempts:  settings.TaskMaxAttempts,
		StaleAfter:   settings.TaskStaleAfter,
	})
}
