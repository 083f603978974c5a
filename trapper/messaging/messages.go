package messaging

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"trapper_platform/trapper/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrNotRecipient = errors.New("message was not sent to this user")
)

func newHashcode() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)
}

// Send stores a message. A nil sender marks a system message.
func Send(txn *gorm.DB, from *uuid.UUID, to uuid.UUID, messageType, subject, text string) (schema.Message, error) {
	msg := schema.Message{
		Id:          uuid.New(),
		Hashcode:    newHashcode(),
		Subject:     subject,
		Text:        text,
		UserFromId:  from,
		UserToId:    to,
		MessageType: messageType,
		DateSent:    time.Now().UTC(),
	}
	if err := txn.Create(&msg).Error; err != nil {
		slog.Error("sql error sending message", "to", to, "type", messageType, "error", err)
		return schema.Message{}, schema.ErrDbAccessFailed
	}
	return msg, nil
}

// NotifyAdmins sends the same system message to every active admin.
func NotifyAdmins(txn *gorm.DB, messageType, subject, text string) error {
	var admins []uuid.UUID
	if err := txn.Model(&schema.User{}).Where("is_admin = ? AND is_active = ?", true, true).Pluck("id", &admins).Error; err != nil {
		slog.Error("sql error loading admins", "error", err)
		return schema.ErrDbAccessFailed
	}
	for _, admin := range admins {
		if _, err := Send(txn, nil, admin, messageType, subject, text); err != nil {
			return err
		}
	}
	return nil
}

type Box string

const (
	Inbox  Box = "inbox"
	Outbox Box = "outbox"
)

// List returns the messages of a user's box, newest first. The inbox excludes access
// requests, those are listed with the requests themselves.
func List(txn *gorm.DB, userId uuid.UUID, box Box) ([]schema.Message, error) {
	query := txn.Order("date_sent DESC")
	switch box {
	case Outbox:
		query = query.Where("user_from_id = ? AND message_type = ?", userId, schema.MessageStandard)
	default:
		query = query.Where("user_to_id = ? AND message_type <> ?", userId, schema.MessageCollectionRequest)
	}
	var messages []schema.Message
	if err := query.Find(&messages).Error; err != nil {
		slog.Error("sql error listing messages", "user_id", userId, "box", box, "error", err)
		return nil, schema.ErrDbAccessFailed
	}
	return messages, nil
}

func GetByHashcode(txn *gorm.DB, hashcode string) (schema.Message, error) {
	var msg schema.Message
	result := txn.Limit(1).Find(&msg, "hashcode = ?", hashcode)
	if result.Error != nil {
		slog.Error("sql error loading message", "error", result.Error)
		return msg, schema.ErrDbAccessFailed
	}
	if result.RowsAffected == 0 {
		return msg, schema.ErrMessageNotFound
	}
	return msg, nil
}

// MarkReceived stamps the receive date the first time the recipient opens the message.
func MarkReceived(txn *gorm.DB, msg *schema.Message, userId uuid.UUID) error {
	if msg.UserToId != userId || msg.DateReceived != nil {
		return nil
	}
	now := time.Now().UTC()
	if err := txn.Model(msg).Update("date_received", now).Error; err != nil {
		slog.Error("sql error marking message received", "message_id", msg.Id, "error", err)
		return schema.ErrDbAccessFailed
	}
	msg.DateReceived = &now
	return nil
}

// CanRead reports whether the user sent or received the message.
func CanRead(msg schema.Message, userId uuid.UUID) bool {
	return msg.UserToId == userId || (msg.UserFromId != nil && *msg.UserFromId == userId)
}
