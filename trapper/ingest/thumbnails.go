package ingest

import (
	"bytes"
	"context"
	"log/slog"

	"trapper_platform/trapper/media"
	"trapper_platform/trapper/schema"
	"trapper_platform/trapper/storage"
	"trapper_platform/utils/logging"

	"golang.org/x/sync/errgroup"
)

// derive builds and stores the thumbnail and preview of one resource. Audio resources are
// skipped. On failure the resource keeps empty thumbnail fields.
func (p *Processor) derive(ctx context.Context, resource schema.Resource) error {
	if resource.ResourceType == schema.AudioResource {
		return nil
	}

	var data []byte
	if resource.ResourceType == schema.ImageResource {
		var err error
		if data, err = readAll(p.store, resource.File); err != nil {
			return err
		}
	}

	derived, err := p.thumbnailer.Derive(ctx, resource.ResourceType, resource.FileMime, p.store.FullPath(resource.File), data)
	if err != nil {
		return err
	}

	ext := media.Extension(derived.Mime)
	thumbnail := storage.ResourcePath(resource.Id, storage.KindThumbnail, resource.Id.String()+ext)
	preview := storage.ResourcePath(resource.Id, storage.KindPreview, resource.Id.String()+ext)
	if err := p.store.Write(thumbnail, bytes.NewReader(derived.Thumbnail)); err != nil {
		return err
	}
	if err := p.store.Write(preview, bytes.NewReader(derived.Preview)); err != nil {
		return err
	}

	err = p.db.Model(&schema.Resource{}).Where("id = ?", resource.Id).
		UpdateColumns(map[string]interface{}{"thumbnail": thumbnail, "preview": preview}).Error
	if err != nil {
		slog.Error("sql error storing thumbnail paths", "resource_id", resource.Id, "error", err)
		return schema.ErrDbAccessFailed
	}
	return nil
}

// deriveAll derives thumbnails of independent resources on a bounded set of goroutines. A
// failure of one resource never stops the others.
func (p *Processor) deriveAll(ctx context.Context, resources []schema.Resource) int {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.ThumbnailWorkers)

	failed := make([]bool, len(resources))
	for i, resource := range resources {
		g.Go(func() error {
			if err := p.derive(gctx, resource); err != nil {
				failed[i] = true
				slog.Warn("thumbnail missing", "resource_id", resource.Id, "error", err, "code", logging.THUMBNAIL)
			}
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, f := range failed {
		if f {
			n++
		}
	}
	return n
}

type RegenerateResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

const regenerateBatch = 50

// RegenerateThumbnails reprocesses image and video resources. Unless all is set only resources
// without a thumbnail are visited. progress is called between batches and may stop the run.
func (p *Processor) RegenerateThumbnails(ctx context.Context, all bool, progress func(done, total int) error) (RegenerateResult, error) {
	query := p.db.Model(&schema.Resource{}).Where("resource_type IN ?", []string{schema.ImageResource, schema.VideoResource})
	if !all {
		query = query.Where("thumbnail IS NULL OR thumbnail = ''")
	}

	var resources []schema.Resource
	if err := query.Order("date_uploaded").Find(&resources).Error; err != nil {
		slog.Error("sql error loading resources for thumbnails", "error", err)
		return RegenerateResult{}, schema.ErrDbAccessFailed
	}

	result := RegenerateResult{Total: len(resources)}
	slog.Info("thumbnail regeneration started", "all", all, "total", result.Total, "code", logging.THUMBNAIL)

	for start := 0; start < len(resources); start += regenerateBatch {
		end := min(start+regenerateBatch, len(resources))
		result.Failed += p.deriveAll(ctx, resources[start:end])
		result.Processed = end
		if progress != nil {
			if err := progress(end, result.Total); err != nil {
				return result, err
			}
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
	}

	slog.Info("thumbnail regeneration finished", "processed", result.Processed, "failed", result.Failed, "code", logging.THUMBNAIL)
	return result, nil
}
