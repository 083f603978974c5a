package messaging

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"trapper_platform/trapper/collections"
	"trapper_platform/trapper/schema"
	"trapper_platform/utils/logging"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrSelfRequest       = errors.New("cannot request access to your own collections")
	ErrInactiveRecipient = errors.New("collection owner is not an active user")
	ErrMixedOwners       = errors.New("all requested collections must have the same owner")
	ErrNotPending        = errors.New("request has already been resolved")
	ErrNotApproved       = errors.New("only approved requests can be revoked")
	ErrRequestFlood      = errors.New("a request for these collections was sent recently")
	ErrNoCollections     = errors.New("request must name at least one collection")
	ErrNotOnDemand       = errors.New("access can only be requested for on-demand collections")
	ErrNotRequestOwner   = errors.New("only the owner of the collections can resolve this request")
)

type NewRequest struct {
	Name          string
	ProjectId     uuid.UUID
	CollectionIds []uuid.UUID
	Text          string
}

// CreateRequest asks the owner of the collections for on-demand access. floodDelay blocks
// repeated requests for the same collections by the same requester.
func CreateRequest(txn *gorm.DB, requester schema.User, req NewRequest, floodDelay time.Duration) (schema.CollectionRequest, error) {
	if len(req.CollectionIds) == 0 {
		return schema.CollectionRequest{}, ErrNoCollections
	}

	var cols []schema.Collection
	if err := txn.Where("id IN ?", req.CollectionIds).Find(&cols).Error; err != nil {
		slog.Error("sql error loading requested collections", "error", err)
		return schema.CollectionRequest{}, schema.ErrDbAccessFailed
	}
	if len(cols) != len(req.CollectionIds) {
		return schema.CollectionRequest{}, schema.ErrCollectionNotFound
	}
	ownerId := cols[0].OwnerId
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		if c.OwnerId != ownerId {
			return schema.CollectionRequest{}, ErrMixedOwners
		}
		if c.Status != schema.OnDemand {
			return schema.CollectionRequest{}, ErrNotOnDemand
		}
		names = append(names, c.Name)
	}
	if ownerId == requester.Id {
		return schema.CollectionRequest{}, ErrSelfRequest
	}

	owner, err := schema.GetUser(ownerId, txn)
	if err != nil {
		return schema.CollectionRequest{}, err
	}
	if !owner.IsActive {
		return schema.CollectionRequest{}, ErrInactiveRecipient
	}

	if _, err := schema.GetResearchProject(req.ProjectId, txn); err != nil {
		return schema.CollectionRequest{}, err
	}

	if floodDelay > 0 {
		var recent int64
		err := txn.Model(&schema.CollectionRequest{}).
			Joins("JOIN collection_request_collections ON collection_request_collections.collection_request_id = collection_requests.id").
			Where("collection_requests.user_from_id = ? AND collection_requests.added_at > ? AND collection_request_collections.collection_id IN ?",
				requester.Id, time.Now().UTC().Add(-floodDelay), req.CollectionIds).
			Count(&recent).Error
		if err != nil {
			slog.Error("sql error checking recent requests", "error", err)
			return schema.CollectionRequest{}, schema.ErrDbAccessFailed
		}
		if recent > 0 {
			return schema.CollectionRequest{}, ErrRequestFlood
		}
	}

	text := req.Text
	if text == "" {
		text = fmt.Sprintf("User %s requests access to the following collections: %s.", requester.Username, strings.Join(names, ", "))
	}
	msg, err := Send(txn, &requester.Id, ownerId, schema.MessageCollectionRequest, "Request for access to collections", text)
	if err != nil {
		return schema.CollectionRequest{}, err
	}

	name := req.Name
	if name == "" {
		name = fmt.Sprintf("Request from %s", requester.Username)
	}
	request := schema.CollectionRequest{
		Id:          uuid.New(),
		Name:        name,
		Status:      schema.RequestPending,
		OwnerId:     ownerId,
		UserFromId:  requester.Id,
		ProjectId:   req.ProjectId,
		MessageId:   &msg.Id,
		Collections: cols,
		AddedAt:     time.Now().UTC(),
	}
	if err := txn.Omit("Collections.*").Create(&request).Error; err != nil {
		slog.Error("sql error creating collection request", "error", err)
		return schema.CollectionRequest{}, schema.ErrDbAccessFailed
	}

	slog.Info("collection request created", "request_id", request.Id, "requester", requester.Id, "owner", ownerId, "code", logging.ACCESS)
	return request, nil
}

func lockRequest(txn *gorm.DB, requestId uuid.UUID) (schema.CollectionRequest, error) {
	var request schema.CollectionRequest
	result := txn.Clauses(clause.Locking{Strength: "UPDATE"}).Preload("Collections").Limit(1).Find(&request, "id = ?", requestId)
	if result.Error != nil {
		slog.Error("sql error loading collection request", "request_id", requestId, "error", result.Error)
		return request, schema.ErrDbAccessFailed
	}
	if result.RowsAffected == 0 {
		return request, schema.ErrCollectionRequestNotFound
	}
	return request, nil
}

func collectionIds(request schema.CollectionRequest) ([]uuid.UUID, string) {
	ids := make([]uuid.UUID, 0, len(request.Collections))
	names := make([]string, 0, len(request.Collections))
	for _, c := range request.Collections {
		ids = append(ids, c.Id)
		names = append(names, c.Name)
	}
	return ids, strings.Join(names, ", ")
}

// Resolve approves or rejects a pending request. Approval grants on-request view access
// on every collection. The requester is notified either way.
func Resolve(txn *gorm.DB, requestId uuid.UUID, actor schema.User, approve bool) (schema.CollectionRequest, error) {
	request, err := lockRequest(txn, requestId)
	if err != nil {
		return request, err
	}
	if request.OwnerId != actor.Id && !actor.IsAdmin {
		return request, ErrNotRequestOwner
	}
	if request.Status != schema.RequestPending {
		return request, ErrNotPending
	}

	now := time.Now().UTC()
	status := schema.RequestRejected
	if approve {
		status = schema.RequestApproved
	}
	if err := txn.Model(&request).Updates(map[string]interface{}{"status": status, "resolved_at": now}).Error; err != nil {
		slog.Error("sql error resolving collection request", "request_id", requestId, "error", err)
		return request, schema.ErrDbAccessFailed
	}
	request.Status, request.ResolvedAt = status, &now

	if request.MessageId != nil {
		msg, err := schema.GetMessage(*request.MessageId, txn)
		if err == nil {
			err = MarkReceived(txn, &msg, actor.Id)
		}
		if err != nil && !errors.Is(err, schema.ErrMessageNotFound) {
			return request, err
		}
	}

	ids, names := collectionIds(request)
	if approve {
		if err := collections.GrantAccess(txn, ids, []uuid.UUID{request.UserFromId}, schema.CanViewOnRequest); err != nil {
			return request, err
		}
	}

	text := fmt.Sprintf("You have recently requested access to the collections %s. Their owner decided that your request is: %s.", names, status)
	if _, err := Send(txn, &actor.Id, request.UserFromId, schema.MessageStandard, "Decision on your request for collections", text); err != nil {
		return request, err
	}

	slog.Info("collection request resolved", "request_id", request.Id, "status", status, "code", logging.ACCESS)
	return request, nil
}

// Revoke withdraws access granted by an approved request and notifies the requester.
func Revoke(txn *gorm.DB, requestId uuid.UUID, actor schema.User) (schema.CollectionRequest, error) {
	request, err := lockRequest(txn, requestId)
	if err != nil {
		return request, err
	}
	if request.OwnerId != actor.Id && !actor.IsAdmin {
		return request, ErrNotRequestOwner
	}
	if request.Status != schema.RequestApproved {
		return request, ErrNotApproved
	}

	if err := txn.Model(&request).Update("status", schema.RequestRevoked).Error; err != nil {
		slog.Error("sql error revoking collection request", "request_id", requestId, "error", err)
		return request, schema.ErrDbAccessFailed
	}
	request.Status = schema.RequestRevoked

	ids, names := collectionIds(request)
	covered, err := coveredByOtherRequests(txn, request, ids)
	if err != nil {
		return request, err
	}
	if revoked := lo.Without(ids, covered...); len(revoked) > 0 {
		if err := collections.RevokeAccess(txn, revoked, []uuid.UUID{request.UserFromId}, schema.CanViewOnRequest); err != nil {
			return request, err
		}
	}

	text := fmt.Sprintf("We regret to inform you that your permission to access the following collections has been revoked by their owner: %s.", names)
	if _, err := Send(txn, &actor.Id, request.UserFromId, schema.MessageStandard, "Revoked access to collections", text); err != nil {
		return request, err
	}

	slog.Info("collection request revoked", "request_id", request.Id, "code", logging.ACCESS)
	return request, nil
}

// coveredByOtherRequests returns the collections among ids that another approved request of
// the same requester still grants.
func coveredByOtherRequests(txn *gorm.DB, request schema.CollectionRequest, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var covered []uuid.UUID
	err := txn.Table("collection_request_collections AS crc").
		Joins("JOIN collection_requests AS cr ON cr.id = crc.collection_request_id").
		Where("cr.user_from_id = ? AND cr.status = ? AND cr.id <> ? AND crc.collection_id IN ?", request.UserFromId, schema.RequestApproved, request.Id, ids).
		Distinct().Pluck("crc.collection_id", &covered).Error
	if err != nil {
		slog.Error("sql error loading other approved requests", "request_id", request.Id, "error", err)
		return nil, schema.ErrDbAccessFailed
	}
	return covered, nil
}

// ListRequests returns requests received (incoming) or sent by the user.
func ListRequests(txn *gorm.DB, userId uuid.UUID, incoming bool) ([]schema.CollectionRequest, error) {
	column := "user_from_id"
	if incoming {
		column = "owner_id"
	}
	var requests []schema.CollectionRequest
	err := txn.Preload("Collections").Where(column+" = ?", userId).Order("added_at DESC").Find(&requests).Error
	if err != nil {
		slog.Error("sql error listing collection requests", "user_id", userId, "error", err)
		return nil, schema.ErrDbAccessFailed
	}
	return requests, nil
}
