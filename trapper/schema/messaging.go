package schema

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Message struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Hashcode string `gorm:"unique;size:64;not null"`
	Subject  string `gorm:"size:255;not null"`
	Text     string

	UserFromId *uuid.UUID `gorm:"type:uuid"`
	UserFrom   *User      `gorm:"constraint:OnDelete:SET NULL"`
	UserToId   uuid.UUID  `gorm:"type:uuid;not null;index"`
	UserTo     *User      `gorm:"constraint:OnDelete:CASCADE"`

	MessageType  string `gorm:"size:50;not null;default:'standard'"`
	DateSent     time.Time
	DateReceived *time.Time
}

type CollectionRequest struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name   string `gorm:"size:255;not null"`
	Status string `gorm:"size:20;not null;default:'pending'"`

	// OwnerId is the owner of the requested collections, UserFromId the requester.
	OwnerId    uuid.UUID `gorm:"type:uuid;not null;index"`
	Owner      *User
	UserFromId uuid.UUID `gorm:"type:uuid;not null;index"`
	UserFrom   *User

	ProjectId uuid.UUID        `gorm:"type:uuid;not null"`
	Project   *ResearchProject `gorm:"constraint:OnDelete:CASCADE"`

	MessageId *uuid.UUID `gorm:"type:uuid"`
	Message   *Message   `gorm:"constraint:OnDelete:SET NULL"`

	Collections []Collection `gorm:"many2many:collection_request_collections;"`

	AddedAt    time.Time
	ResolvedAt *time.Time
}

type Task struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Kind  string `gorm:"size:50;not null;index"`
	Args  datatypes.JSON
	State string `gorm:"size:20;not null;default:'pending';index"`

	Progress int
	Total    int

	CancelRequested bool `gorm:"not null;default:false"`
	Result          datatypes.JSON
	Error           string

	UserId *uuid.UUID `gorm:"type:uuid;index"`

	Attempts    int
	LockedAt    *time.Time
	HeartbeatAt *time.Time

	CreatedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt *time.Time
}
