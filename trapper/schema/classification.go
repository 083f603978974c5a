package schema

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Classificator struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name        string `gorm:"unique;size:255;not null"`
	Description string
	Template    string `gorm:"size:20;not null;default:'inline'"`

	CustomAttrs       datatypes.JSONType[map[string]CustomAttribute]
	PredefinedAttrs   datatypes.JSONType[map[string]PredefinedAttribute]
	StaticAttrsOrder  datatypes.JSONSlice[string]
	DynamicAttrsOrder datatypes.JSONSlice[string]

	OwnerId uuid.UUID `gorm:"type:uuid;not null"`
	Owner   *User

	CopyOfId *uuid.UUID     `gorm:"type:uuid"`
	CopyOf   *Classificator `gorm:"constraint:OnDelete:SET NULL"`

	CreatedAt time.Time
	UpdatedAt time.Time

	DisabledAt   *time.Time
	DisabledById *uuid.UUID `gorm:"type:uuid"`
}

func (c *Classificator) Custom() map[string]CustomAttribute {
	attrs := c.CustomAttrs.Data()
	if attrs == nil {
		return map[string]CustomAttribute{}
	}
	return attrs
}

func (c *Classificator) Predefined() map[string]PredefinedAttribute {
	attrs := c.PredefinedAttrs.Data()
	if attrs == nil {
		return map[string]PredefinedAttribute{}
	}
	return attrs
}

type ClassificatorHistory struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ProjectId       uuid.UUID  `gorm:"type:uuid;not null;index"`
	ClassificatorId *uuid.UUID `gorm:"type:uuid"`
	ChangedById     *uuid.UUID `gorm:"type:uuid"`
	ChangedAt       time.Time
}

type ClassificationProject struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name string `gorm:"size:255;not null"`

	ResearchProjectId uuid.UUID        `gorm:"type:uuid;not null"`
	ResearchProject   *ResearchProject `gorm:"constraint:OnDelete:CASCADE"`

	ClassificatorId *uuid.UUID     `gorm:"type:uuid"`
	Classificator   *Classificator `gorm:"constraint:OnDelete:SET NULL"`

	OwnerId uuid.UUID `gorm:"type:uuid;not null"`
	Owner   *User

	Status              string `gorm:"size:20;not null;default:'ongoing'"`
	EnableSequencing    bool   `gorm:"not null;default:true"`
	EnableCrowdsourcing bool   `gorm:"not null;default:false"`

	Roles       []ClassificationProjectRole       `gorm:"foreignKey:ProjectId;constraint:OnDelete:CASCADE"`
	Collections []ClassificationProjectCollection `gorm:"foreignKey:ProjectId;constraint:OnDelete:CASCADE"`

	DateCreated time.Time

	DisabledAt   *time.Time
	DisabledById *uuid.UUID `gorm:"type:uuid"`
}

type ClassificationProjectRole struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ProjectId uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_classification_role"`
	UserId    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_classification_role"`
	User      *User     `gorm:"constraint:OnDelete:CASCADE"`
	Name      string    `gorm:"size:20;not null"`

	DateCreated time.Time
}

// ClassificationProjectCollection wraps a research project collection inside a classification project.
type ClassificationProjectCollection struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ProjectId    uuid.UUID                  `gorm:"type:uuid;not null;uniqueIndex:idx_project_collection"`
	CollectionId uuid.UUID                  `gorm:"type:uuid;not null;uniqueIndex:idx_project_collection"`
	Collection   *ResearchProjectCollection `gorm:"constraint:OnDelete:RESTRICT"`

	IsActive                bool `gorm:"not null;default:true"`
	EnableSequencingExperts bool `gorm:"not null;default:true"`
	EnableCrowdsourcing     bool `gorm:"not null;default:true"`
}

type Sequence struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	SequenceId   int       `gorm:"not null;uniqueIndex:idx_sequence_collection"`
	CollectionId uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_sequence_collection"`
	Description  string

	CreatedById *uuid.UUID `gorm:"type:uuid"`
	CreatedAt   time.Time

	Resources []SequenceResource `gorm:"constraint:OnDelete:CASCADE"`
}

type SequenceResource struct {
	SequenceId uuid.UUID `gorm:"type:uuid;primaryKey"`
	ResourceId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Position   int
}

type Classification struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ProjectId    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_classification_resource"`
	ResourceId   uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_classification_resource"`
	Resource     *Resource `gorm:"constraint:OnDelete:CASCADE"`
	CollectionId uuid.UUID `gorm:"type:uuid;not null;index"`

	SequenceId *uuid.UUID `gorm:"type:uuid"`
	Sequence   *Sequence  `gorm:"constraint:OnDelete:SET NULL"`

	Status      string `gorm:"size:20;not null;default:'rejected'"`
	StaticAttrs datatypes.JSONType[AttrBag]

	ApprovedAt   *time.Time
	ApprovedById *uuid.UUID `gorm:"type:uuid"`
	// nullable link to the promoted user classification, no foreign key to avoid a cycle
	ApprovedSourceId *uuid.UUID `gorm:"type:uuid"`

	CreatedById *uuid.UUID `gorm:"type:uuid"`
	CreatedAt   time.Time
	UpdatedAt   time.Time

	DynamicAttrs        []ClassificationDynamicAttrs `gorm:"constraint:OnDelete:CASCADE"`
	UserClassifications []UserClassification         `gorm:"constraint:OnDelete:CASCADE"`
}

type ClassificationDynamicAttrs struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ClassificationId uuid.UUID `gorm:"type:uuid;not null;index"`
	Position         int
	Attrs            datatypes.JSONType[AttrBag]
}

type UserClassification struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ClassificationId uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_user_classification"`
	OwnerId          uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_user_classification"`
	Owner            *User     `gorm:"constraint:OnDelete:CASCADE"`

	StaticAttrs datatypes.JSONType[AttrBag]

	CreatedAt time.Time
	UpdatedAt time.Time

	DynamicAttrs []UserClassificationDynamicAttrs `gorm:"constraint:OnDelete:CASCADE"`
}

type UserClassificationDynamicAttrs struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	UserClassificationId uuid.UUID `gorm:"type:uuid;not null;index"`
	Position             int
	Attrs                datatypes.JSONType[AttrBag]
}
