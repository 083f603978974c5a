package classification

import (
	"log/slog"
	"slices"
	"sort"
	"time"

	"trapper_platform/trapper/schema"
	"trapper_platform/utils/logging"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type sequenceMember struct {
	ResourceId   uuid.UUID
	DeploymentId *uuid.UUID
	DateRecorded time.Time
}

// scopeMembers loads the given resources restricted to the project collection, ordered by
// recording date.
func scopeMembers(txn *gorm.DB, wrapper schema.ClassificationProjectCollection, resourceIds []uuid.UUID) ([]sequenceMember, error) {
	var members []sequenceMember
	err := txn.Model(&schema.Classification{}).
		Select("classifications.resource_id, resources.deployment_id, resources.date_recorded").
		Joins("JOIN resources ON resources.id = classifications.resource_id").
		Where("classifications.collection_id = ? AND classifications.resource_id IN ?", wrapper.Id, resourceIds).
		Order("resources.date_recorded").
		Scan(&members).Error
	if err != nil {
		slog.Error("sql error loading sequence resources", "collection_id", wrapper.Id, "error", err)
		return nil, schema.ErrDbAccessFailed
	}
	return members, nil
}

func checkMembers(txn *gorm.DB, wrapper schema.ClassificationProjectCollection, resourceIds []uuid.UUID, except *uuid.UUID) ([]sequenceMember, error) {
	resourceIds = lo.Uniq(resourceIds)
	if len(resourceIds) == 0 {
		return nil, ErrEmptySequence
	}
	members, err := scopeMembers(txn, wrapper, resourceIds)
	if err != nil {
		return nil, err
	}
	if len(members) != len(resourceIds) {
		return nil, ErrResourceNotInScope
	}

	first := members[0].DeploymentId
	for _, m := range members[1:] {
		if (first == nil) != (m.DeploymentId == nil) || (first != nil && *first != *m.DeploymentId) {
			return nil, ErrMixedDeployments
		}
	}

	query := txn.Model(&schema.SequenceResource{}).
		Joins("JOIN sequences ON sequences.id = sequence_resources.sequence_id").
		Where("sequences.collection_id = ? AND sequence_resources.resource_id IN ?", wrapper.Id, resourceIds)
	if except != nil {
		query = query.Where("sequences.id <> ?", *except)
	}
	var taken int64
	if err := query.Count(&taken).Error; err != nil {
		slog.Error("sql error checking sequenced resources", "collection_id", wrapper.Id, "error", err)
		return nil, schema.ErrDbAccessFailed
	}
	if taken > 0 {
		return nil, ErrResourceSequenced
	}
	return members, nil
}

func nextSequenceId(txn *gorm.DB, wrapperId uuid.UUID) (int, error) {
	var current *int
	if err := txn.Model(&schema.Sequence{}).Where("collection_id = ?", wrapperId).Select("MAX(sequence_id)").Scan(&current).Error; err != nil {
		slog.Error("sql error loading last sequence id", "collection_id", wrapperId, "error", err)
		return 0, schema.ErrDbAccessFailed
	}
	if current == nil {
		return 1, nil
	}
	return *current + 1, nil
}

func writeSequence(txn *gorm.DB, seq *schema.Sequence, members []sequenceMember) error {
	seq.Resources = make([]schema.SequenceResource, 0, len(members))
	for i, m := range members {
		seq.Resources = append(seq.Resources, schema.SequenceResource{SequenceId: seq.Id, ResourceId: m.ResourceId, Position: i})
	}
	if err := txn.Create(&seq.Resources).Error; err != nil {
		slog.Error("sql error adding sequence resources", "sequence_id", seq.Id, "error", err)
		return schema.ErrDbAccessFailed
	}
	_, err := stampSequence(txn, *seq)
	return err
}

// CreateSequence groups resources of one deployment within a project collection.
func CreateSequence(txn *gorm.DB, wrapper schema.ClassificationProjectCollection, resourceIds []uuid.UUID, description string, creator *uuid.UUID) (schema.Sequence, error) {
	members, err := checkMembers(txn, wrapper, resourceIds, nil)
	if err != nil {
		return schema.Sequence{}, err
	}
	next, err := nextSequenceId(txn, wrapper.Id)
	if err != nil {
		return schema.Sequence{}, err
	}

	seq := schema.Sequence{
		Id:           uuid.New(),
		SequenceId:   next,
		CollectionId: wrapper.Id,
		Description:  description,
		CreatedById:  creator,
		CreatedAt:    time.Now().UTC(),
	}
	if err := txn.Omit(clause.Associations).Create(&seq).Error; err != nil {
		slog.Error("sql error creating sequence", "collection_id", wrapper.Id, "error", err)
		return schema.Sequence{}, schema.ErrDbAccessFailed
	}
	if err := writeSequence(txn, &seq, members); err != nil {
		return schema.Sequence{}, err
	}
	slog.Info("sequence created", "sequence_id", seq.Id, "number", seq.SequenceId, "resources", len(members), "code", logging.SEQUENCE)
	return seq, nil
}

// UpdateSequence replaces the resources and description of a sequence.
func UpdateSequence(txn *gorm.DB, wrapper schema.ClassificationProjectCollection, seq schema.Sequence, resourceIds []uuid.UUID, description string) (schema.Sequence, error) {
	members, err := checkMembers(txn, wrapper, resourceIds, &seq.Id)
	if err != nil {
		return seq, err
	}
	if err := unlinkSequences(txn, []uuid.UUID{seq.Id}); err != nil {
		return seq, err
	}
	if err := txn.Where("sequence_id = ?", seq.Id).Delete(&schema.SequenceResource{}).Error; err != nil {
		slog.Error("sql error clearing sequence resources", "sequence_id", seq.Id, "error", err)
		return seq, schema.ErrDbAccessFailed
	}
	if err := txn.Model(&seq).Update("description", description).Error; err != nil {
		slog.Error("sql error updating sequence", "sequence_id", seq.Id, "error", err)
		return seq, schema.ErrDbAccessFailed
	}
	seq.Description = description
	return seq, writeSequence(txn, &seq, members)
}

func unlinkSequences(txn *gorm.DB, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if err := txn.Model(&schema.Classification{}).Where("sequence_id IN ?", ids).Update("sequence_id", nil).Error; err != nil {
		slog.Error("sql error unlinking sequences", "error", err)
		return schema.ErrDbAccessFailed
	}
	return nil
}

func DeleteSequences(txn *gorm.DB, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if err := unlinkSequences(txn, ids); err != nil {
		return err
	}
	if err := txn.Where("sequence_id IN ?", ids).Delete(&schema.SequenceResource{}).Error; err != nil {
		slog.Error("sql error deleting sequence resources", "error", err)
		return schema.ErrDbAccessFailed
	}
	if err := txn.Where("id IN ?", ids).Delete(&schema.Sequence{}).Error; err != nil {
		slog.Error("sql error deleting sequences", "error", err)
		return schema.ErrDbAccessFailed
	}
	return nil
}

// splitByGap orders members by recording date and cuts a new group wherever two
// consecutive members are further apart than gap. Groups of one are dropped.
func splitByGap(members []sequenceMember, gap time.Duration) [][]sequenceMember {
	sorted := slices.Clone(members)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].DateRecorded.Before(sorted[j].DateRecorded) })

	var groups [][]sequenceMember
	var current []sequenceMember
	for i, m := range sorted {
		if i > 0 && m.DateRecorded.Sub(sorted[i-1].DateRecorded) > gap {
			groups = append(groups, current)
			current = nil
		}
		current = append(current, m)
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return lo.Filter(groups, func(g []sequenceMember, _ int) bool { return len(g) > 1 })
}

// BuildSequences replaces every sequence of the project collection with sequences derived
// from recording gaps, per deployment. progress is called after each deployment and may stop
// the build by returning an error.
func BuildSequences(txn *gorm.DB, wrapper schema.ClassificationProjectCollection, gap time.Duration, creator *uuid.UUID, progress func(done, total int) error) (int, error) {
	var existing []uuid.UUID
	if err := txn.Model(&schema.Sequence{}).Where("collection_id = ?", wrapper.Id).Pluck("id", &existing).Error; err != nil {
		slog.Error("sql error loading sequences", "collection_id", wrapper.Id, "error", err)
		return 0, schema.ErrDbAccessFailed
	}
	if err := DeleteSequences(txn, existing); err != nil {
		return 0, err
	}

	var members []sequenceMember
	err := txn.Model(&schema.Classification{}).
		Select("classifications.resource_id, resources.deployment_id, resources.date_recorded").
		Joins("JOIN resources ON resources.id = classifications.resource_id").
		Where("classifications.collection_id = ? AND resources.deployment_id IS NOT NULL", wrapper.Id).
		Scan(&members).Error
	if err != nil {
		slog.Error("sql error loading collection resources", "collection_id", wrapper.Id, "error", err)
		return 0, schema.ErrDbAccessFailed
	}

	byDeployment := lo.GroupBy(members, func(m sequenceMember) uuid.UUID { return *m.DeploymentId })
	deployments := lo.Keys(byDeployment)
	slices.SortFunc(deployments, func(a, b uuid.UUID) int { return slices.Compare(a[:], b[:]) })

	next := 1
	created := 0
	for i, deploymentId := range deployments {
		for _, group := range splitByGap(byDeployment[deploymentId], gap) {
			seq := schema.Sequence{
				Id:           uuid.New(),
				SequenceId:   next,
				CollectionId: wrapper.Id,
				CreatedById:  creator,
				CreatedAt:    time.Now().UTC(),
			}
			if err := txn.Omit(clause.Associations).Create(&seq).Error; err != nil {
				slog.Error("sql error creating sequence", "collection_id", wrapper.Id, "error", err)
				return created, schema.ErrDbAccessFailed
			}
			if err := writeSequence(txn, &seq, group); err != nil {
				return created, err
			}
			next++
			created++
		}
		if progress != nil {
			if err := progress(i+1, len(deployments)); err != nil {
				return created, err
			}
		}
	}

	slog.Info("sequences built", "collection_id", wrapper.Id, "sequences", created, "gap", gap, "code", logging.SEQUENCE)
	return created, nil
}
