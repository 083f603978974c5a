package classification

import (
	"errors"
	"log/slog"
	"time"

	"trapper_platform/trapper/schema"
	"trapper_platform/utils/logging"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// rows per insert statement
const dynamicBatchSize = 200

type Submission struct {
	Static  schema.AttrBag
	Dynamic []schema.AttrBag
	// when set, every classification of the sequence gets the same values and is stamped
	// with the sequence
	SequenceId *uuid.UUID
}

func lockClassification(txn *gorm.DB, classificationId uuid.UUID) (schema.Classification, error) {
	var c schema.Classification
	result := txn.Clauses(clause.Locking{Strength: "UPDATE"}).Limit(1).Find(&c, "id = ?", classificationId)
	if result.Error != nil {
		slog.Error("sql error locking classification", "classification_id", classificationId, "error", result.Error)
		return c, schema.ErrDbAccessFailed
	}
	if result.RowsAffected == 0 {
		return c, schema.ErrClassificationNotFound
	}
	return c, nil
}

func dynamicRows[T any](bags []schema.AttrBag, build func(position int, attrs datatypes.JSONType[schema.AttrBag]) T) []T {
	rows := make([]T, 0, len(bags))
	for i, bag := range bags {
		rows = append(rows, build(i, datatypes.NewJSONType(bag.Clone())))
	}
	return rows
}

// upsertUserClassification replaces the values of the user's classification atomically.
func upsertUserClassification(txn *gorm.DB, classificationId, userId uuid.UUID, sub Submission) (schema.UserClassification, error) {
	var uc schema.UserClassification
	result := txn.Limit(1).Find(&uc, "classification_id = ? AND owner_id = ?", classificationId, userId)
	if result.Error != nil {
		slog.Error("sql error loading user classification", "classification_id", classificationId, "error", result.Error)
		return uc, schema.ErrDbAccessFailed
	}

	now := time.Now().UTC()
	if result.RowsAffected == 0 {
		uc = schema.UserClassification{
			Id:               uuid.New(),
			ClassificationId: classificationId,
			OwnerId:          userId,
			CreatedAt:        now,
		}
	}
	uc.StaticAttrs = datatypes.NewJSONType(sub.Static.Clone())
	uc.UpdatedAt = now

	if err := txn.Omit("DynamicAttrs").Save(&uc).Error; err != nil {
		slog.Error("sql error saving user classification", "classification_id", classificationId, "error", err)
		return uc, schema.ErrDbAccessFailed
	}

	if err := txn.Where("user_classification_id = ?", uc.Id).Delete(&schema.UserClassificationDynamicAttrs{}).Error; err != nil {
		slog.Error("sql error clearing user classification rows", "user_classification_id", uc.Id, "error", err)
		return uc, schema.ErrDbAccessFailed
	}
	uc.DynamicAttrs = dynamicRows(sub.Dynamic, func(position int, attrs datatypes.JSONType[schema.AttrBag]) schema.UserClassificationDynamicAttrs {
		return schema.UserClassificationDynamicAttrs{Id: uuid.New(), UserClassificationId: uc.Id, Position: position, Attrs: attrs}
	})
	if len(uc.DynamicAttrs) > 0 {
		if err := txn.CreateInBatches(&uc.DynamicAttrs, dynamicBatchSize).Error; err != nil {
			slog.Error("sql error creating user classification rows", "user_classification_id", uc.Id, "error", err)
			return uc, schema.ErrDbAccessFailed
		}
	}
	submissions.Inc()
	return uc, nil
}

// Submit stores the user's values for a classification. The classification itself keeps its
// status. With a sequence, the values are stored for every classification of the sequence.
func Submit(txn *gorm.DB, project *schema.ClassificationProject, classificationId uuid.UUID, user schema.User, sub Submission) (schema.UserClassification, error) {
	if project.Status == schema.ProjectFinished {
		return schema.UserClassification{}, ErrProjectFinished
	}

	c, err := lockClassification(txn, classificationId)
	if err != nil {
		return schema.UserClassification{}, err
	}
	if c.ProjectId != project.Id {
		return schema.UserClassification{}, ErrWrongProject
	}

	targets := []uuid.UUID{c.Id}
	if sub.SequenceId != nil {
		seq, err := schema.GetSequence(*sub.SequenceId, txn)
		if err != nil {
			return schema.UserClassification{}, err
		}
		if seq.CollectionId != c.CollectionId {
			return schema.UserClassification{}, ErrResourceNotInScope
		}
		targets, err = stampSequence(txn, seq)
		if err != nil {
			return schema.UserClassification{}, err
		}
	}

	var own schema.UserClassification
	for _, target := range targets {
		uc, err := upsertUserClassification(txn, target, user.Id, sub)
		if err != nil {
			return schema.UserClassification{}, err
		}
		if target == c.Id {
			own = uc
		}
	}
	if own.Id == uuid.Nil {
		// the classification's resource was not part of the sequence
		own, err = upsertUserClassification(txn, c.Id, user.Id, sub)
		if err != nil {
			return schema.UserClassification{}, err
		}
	}

	slog.Info("classification submitted", "classification_id", c.Id, "user_id", user.Id, "targets", len(targets), "code", logging.CLASSIFY)
	return own, nil
}

// stampSequence links every classification of the sequence's resources to the sequence
// and returns their ids.
func stampSequence(txn *gorm.DB, seq schema.Sequence) ([]uuid.UUID, error) {
	resourceIds := make([]uuid.UUID, 0, len(seq.Resources))
	for _, r := range seq.Resources {
		resourceIds = append(resourceIds, r.ResourceId)
	}
	if len(resourceIds) == 0 {
		return nil, nil
	}

	query := txn.Model(&schema.Classification{}).Where("collection_id = ? AND resource_id IN ?", seq.CollectionId, resourceIds)
	if err := query.Update("sequence_id", seq.Id).Error; err != nil {
		slog.Error("sql error stamping sequence", "sequence_id", seq.Id, "error", err)
		return nil, schema.ErrDbAccessFailed
	}

	var ids []uuid.UUID
	err := txn.Model(&schema.Classification{}).Where("collection_id = ? AND resource_id IN ?", seq.CollectionId, resourceIds).Pluck("id", &ids).Error
	if err != nil {
		slog.Error("sql error loading sequence classifications", "sequence_id", seq.Id, "error", err)
		return nil, schema.ErrDbAccessFailed
	}
	return ids, nil
}

func sameInstant(a, b time.Time) bool {
	return a.Truncate(time.Millisecond).Equal(b.Truncate(time.Millisecond))
}

func promote(txn *gorm.DB, c *schema.Classification, uc schema.UserClassification, actor schema.User) error {
	if uc.ClassificationId != c.Id {
		return ErrWrongClassification
	}

	now := time.Now().UTC()
	c.Status = schema.ClassificationApproved
	c.ApprovedAt = &now
	c.ApprovedById = &actor.Id
	c.ApprovedSourceId = &uc.Id
	c.StaticAttrs = datatypes.NewJSONType(uc.StaticAttrs.Data().Clone())
	c.UpdatedAt = now

	if err := txn.Omit(clause.Associations).Save(c).Error; err != nil {
		slog.Error("sql error approving classification", "classification_id", c.Id, "error", err)
		return schema.ErrDbAccessFailed
	}

	rows := make([]schema.AttrBag, 0, len(uc.DynamicAttrs))
	for _, row := range uc.DynamicAttrs {
		rows = append(rows, row.Attrs.Data())
	}
	if err := replaceDynamic(txn, c, rows); err != nil {
		return err
	}

	approvals.Inc()
	slog.Info("classification approved", "classification_id", c.Id, "user_classification_id", uc.Id, "approved_by", actor.Id, "code", logging.APPROVE)
	return nil
}

func replaceDynamic(txn *gorm.DB, c *schema.Classification, rows []schema.AttrBag) error {
	if err := txn.Where("classification_id = ?", c.Id).Delete(&schema.ClassificationDynamicAttrs{}).Error; err != nil {
		slog.Error("sql error clearing classification rows", "classification_id", c.Id, "error", err)
		return schema.ErrDbAccessFailed
	}
	c.DynamicAttrs = dynamicRows(rows, func(position int, attrs datatypes.JSONType[schema.AttrBag]) schema.ClassificationDynamicAttrs {
		return schema.ClassificationDynamicAttrs{Id: uuid.New(), ClassificationId: c.Id, Position: position, Attrs: attrs}
	})
	if len(c.DynamicAttrs) > 0 {
		if err := txn.CreateInBatches(&c.DynamicAttrs, dynamicBatchSize).Error; err != nil {
			slog.Error("sql error creating classification rows", "classification_id", c.Id, "error", err)
			return schema.ErrDbAccessFailed
		}
	}
	return nil
}

func loadUserClassification(txn *gorm.DB, id uuid.UUID) (schema.UserClassification, error) {
	var uc schema.UserClassification
	err := txn.Preload("DynamicAttrs", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).First(&uc, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return uc, schema.ErrUserClassificationNotFound
		}
		slog.Error("sql error loading user classification", "user_classification_id", id, "error", err)
		return uc, schema.ErrDbAccessFailed
	}
	return uc, nil
}

// Approve promotes a user classification. When expectedUpdatedAt is given and the
// classification changed since, ErrStaleClassification is returned.
func Approve(txn *gorm.DB, projectId, classificationId, userClassificationId uuid.UUID, actor schema.User, expectedUpdatedAt *time.Time) (schema.Classification, error) {
	c, err := lockClassification(txn, classificationId)
	if err != nil {
		return c, err
	}
	if c.ProjectId != projectId {
		return c, ErrWrongProject
	}
	if expectedUpdatedAt != nil && !sameInstant(c.UpdatedAt, *expectedUpdatedAt) {
		return c, ErrStaleClassification
	}

	uc, err := loadUserClassification(txn, userClassificationId)
	if err != nil {
		return c, err
	}
	if err := promote(txn, &c, uc, actor); err != nil {
		return c, err
	}
	return c, nil
}

// BulkApprove promotes several user classifications of one user in a single write.
func BulkApprove(txn *gorm.DB, projectId uuid.UUID, userClassificationIds []uuid.UUID, actor schema.User) ([]schema.Classification, error) {
	if len(userClassificationIds) == 0 {
		return nil, ErrNothingToApprove
	}

	var ucs []schema.UserClassification
	err := txn.Preload("DynamicAttrs", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("id IN ?", userClassificationIds).Find(&ucs).Error
	if err != nil {
		slog.Error("sql error loading user classifications", "error", err)
		return nil, schema.ErrDbAccessFailed
	}
	if len(ucs) != len(userClassificationIds) {
		return nil, schema.ErrUserClassificationNotFound
	}

	owner := ucs[0].OwnerId
	seen := map[uuid.UUID]bool{}
	for _, uc := range ucs {
		if uc.OwnerId != owner {
			return nil, ErrBulkApprovePolicyViolation
		}
		if seen[uc.ClassificationId] {
			return nil, ErrBulkApprovePolicyViolation
		}
		seen[uc.ClassificationId] = true
	}

	approved := make([]schema.Classification, 0, len(ucs))
	for _, uc := range ucs {
		c, err := lockClassification(txn, uc.ClassificationId)
		if err != nil {
			return nil, err
		}
		if c.ProjectId != projectId {
			return nil, ErrWrongProject
		}
		if err := promote(txn, &c, uc, actor); err != nil {
			return nil, err
		}
		approved = append(approved, c)
	}
	return approved, nil
}

// Unapprove returns an approved classification to the rejected state and empties its rows.
// expectedUpdatedAt guards against concurrent changes like in Approve.
func Unapprove(txn *gorm.DB, projectId, classificationId uuid.UUID, expectedUpdatedAt *time.Time) (schema.Classification, error) {
	c, err := lockClassification(txn, classificationId)
	if err != nil {
		return c, err
	}
	if c.ProjectId != projectId {
		return c, ErrWrongProject
	}
	if expectedUpdatedAt != nil && !sameInstant(c.UpdatedAt, *expectedUpdatedAt) {
		return c, ErrStaleClassification
	}

	err = txn.Model(&c).Updates(map[string]interface{}{
		"status":             schema.ClassificationRejected,
		"approved_at":        nil,
		"approved_by_id":     nil,
		"approved_source_id": nil,
		"updated_at":         time.Now().UTC(),
	}).Error
	if err != nil {
		slog.Error("sql error unapproving classification", "classification_id", c.Id, "error", err)
		return c, schema.ErrDbAccessFailed
	}
	c.Status, c.ApprovedAt, c.ApprovedById, c.ApprovedSourceId = schema.ClassificationRejected, nil, nil, nil

	if err := replaceDynamic(txn, &c, nil); err != nil {
		return c, err
	}
	slog.Info("classification unapproved", "classification_id", c.Id, "code", logging.APPROVE)
	return c, nil
}

// Clear resets values, rows and approval of a classification without removing it.
func Clear(txn *gorm.DB, projectId, classificationId uuid.UUID, expectedUpdatedAt *time.Time) (schema.Classification, error) {
	c, err := Unapprove(txn, projectId, classificationId, expectedUpdatedAt)
	if err != nil {
		return c, err
	}
	c.StaticAttrs = datatypes.NewJSONType(schema.AttrBag{})
	if err := txn.Model(&c).Update("static_attrs", c.StaticAttrs).Error; err != nil {
		slog.Error("sql error clearing classification", "classification_id", c.Id, "error", err)
		return c, schema.ErrDbAccessFailed
	}
	return c, nil
}

// SetValues writes values directly onto a classification, optionally approving it as
// the actor's own input.
func SetValues(txn *gorm.DB, c *schema.Classification, static schema.AttrBag, dynamic []schema.AttrBag, actor schema.User, approve bool) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"static_attrs": datatypes.NewJSONType(static.Clone()),
		"updated_at":   now,
	}
	if approve {
		updates["status"] = schema.ClassificationApproved
		updates["approved_at"] = now
		updates["approved_by_id"] = actor.Id
		updates["approved_source_id"] = nil
	}
	if err := txn.Model(c).Updates(updates).Error; err != nil {
		slog.Error("sql error setting classification values", "classification_id", c.Id, "error", err)
		return schema.ErrDbAccessFailed
	}
	c.StaticAttrs = datatypes.NewJSONType(static.Clone())
	c.UpdatedAt = now
	if approve {
		c.Status, c.ApprovedAt, c.ApprovedById, c.ApprovedSourceId = schema.ClassificationApproved, &now, &actor.Id, nil
		approvals.Inc()
	}
	return replaceDynamic(txn, c, dynamic)
}
