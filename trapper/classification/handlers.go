package classification

import (
	"log/slog"
	"time"

	"trapper_platform/trapper/jobs"
	"trapper_platform/trapper/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const KindBuildSequences = "build_sequences"

type BuildSequencesArgs struct {
	ProjectId     uuid.UUID   `json:"project_id"`
	CollectionIds []uuid.UUID `json:"collection_ids"`
	// Gap overrides the configured gap when positive.
	Gap time.Duration `json:"gap"`
}

type BuildSequencesResult struct {
	Collections int `json:"collections"`
	Sequences   int `json:"sequences"`
}

type BuildSequencesHandler struct {
	DefaultGap time.Duration
}

func (h BuildSequencesHandler) Kind() string { return KindBuildSequences }

// Run rebuilds the sequences of each selected project collection in its own transaction, so a
// cancelled run keeps the collections finished so far.
func (h BuildSequencesHandler) Run(tc *jobs.Context) (interface{}, error) {
	var args BuildSequencesArgs
	if err := tc.DecodeArgs(&args); err != nil {
		return nil, err
	}
	gap := h.DefaultGap
	if args.Gap > 0 {
		gap = args.Gap
	}

	db := tc.DB()
	query := db.Where("project_id = ?", args.ProjectId)
	if len(args.CollectionIds) > 0 {
		query = query.Where("id IN ?", args.CollectionIds)
	}
	var wrappers []schema.ClassificationProjectCollection
	if err := query.Find(&wrappers).Error; err != nil {
		slog.Error("sql error loading project collections", "project_id", args.ProjectId, "error", err)
		return nil, schema.ErrDbAccessFailed
	}

	result := BuildSequencesResult{}
	for i, wrapper := range wrappers {
		err := db.Transaction(func(txn *gorm.DB) error {
			n, err := BuildSequences(txn, wrapper, gap, tc.Task().UserId, nil)
			if err != nil {
				return err
			}
			result.Sequences += n
			return nil
		})
		if err != nil {
			return result, err
		}
		result.Collections++
		if err := tc.Progress(i+1, len(wrappers)); err != nil {
			return result, err
		}
	}
	return result, nil
}
