package schema

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type User struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Username string `gorm:"unique;size:150;not null"`
	Email    string `gorm:"unique;size:254;not null"`
	Password []byte

	IsAdmin  bool `gorm:"not null;default:false"`
	IsActive bool `gorm:"not null;default:false"`

	DateJoined time.Time

	Profile *Profile `gorm:"constraint:OnDelete:CASCADE"`
}

type Profile struct {
	UserId uuid.UUID `gorm:"type:uuid;primaryKey"`

	Institution    string `gorm:"size:255"`
	About          string
	SystemNotified bool `gorm:"not null;default:false"`
}

type Location struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	LocationId  string `gorm:"size:100;not null;uniqueIndex:idx_location_project"`
	Name        string `gorm:"size:255"`
	Description string
	IsPublic    bool `gorm:"not null;default:false"`

	Longitude float64
	Latitude  float64
	Timezone  string `gorm:"size:100;not null;default:'UTC'"`

	Country string `gorm:"size:100"`
	State   string `gorm:"size:100"`
	County  string `gorm:"size:100"`
	City    string `gorm:"size:100"`

	OwnerId  uuid.UUID `gorm:"type:uuid;not null"`
	Owner    *User
	Managers []User `gorm:"many2many:location_managers;"`

	ResearchProjectId *uuid.UUID       `gorm:"type:uuid;uniqueIndex:idx_location_project"`
	ResearchProject   *ResearchProject `gorm:"constraint:OnDelete:SET NULL"`

	DateCreated time.Time
}

// Zone returns the location's time zone, falling back to UTC when the name is unknown.
func (l *Location) Zone() *time.Location {
	zone, err := time.LoadLocation(l.Timezone)
	if err != nil {
		return time.UTC
	}
	return zone
}

type Deployment struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	DeploymentCode string `gorm:"size:100;not null"`
	// DeploymentIdentifier is always DeploymentCode + "-" + Location.LocationId.
	DeploymentIdentifier string `gorm:"size:255;not null;uniqueIndex:idx_deployment_project"`

	LocationId uuid.UUID `gorm:"type:uuid;not null"`
	Location   *Location `gorm:"constraint:OnDelete:RESTRICT"`

	Start time.Time
	End   time.Time

	OwnerId  uuid.UUID `gorm:"type:uuid;not null"`
	Owner    *User
	Managers []User `gorm:"many2many:deployment_managers;"`

	ResearchProjectId *uuid.UUID       `gorm:"type:uuid;uniqueIndex:idx_deployment_project"`
	ResearchProject   *ResearchProject `gorm:"constraint:OnDelete:SET NULL"`

	CorrectSetup  *bool
	CorrectTstamp *bool
	ViewQuality   string `gorm:"size:100"`
	Comments      string

	DateCreated time.Time
}

func DeploymentIdentifier(deploymentCode, locationId string) string {
	return deploymentCode + "-" + locationId
}

// BeforeSave recomputes the deployment identifier from the current location.
func (d *Deployment) BeforeSave(txn *gorm.DB) error {
	if d.LocationId == uuid.Nil {
		return nil
	}
	var locationId string
	result := txn.Model(&Location{}).Select("location_id").Where("id = ?", d.LocationId).Scan(&locationId)
	if result.Error != nil {
		return fmt.Errorf("error loading deployment location: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrLocationNotFound
	}
	d.DeploymentIdentifier = DeploymentIdentifier(d.DeploymentCode, locationId)
	return nil
}

type BoundingBox struct {
	Valid bool    `json:"valid"`
	MinX  float64 `json:"min_x"`
	MinY  float64 `json:"min_y"`
	MaxX  float64 `json:"max_x"`
	MaxY  float64 `json:"max_y"`
}

func (b BoundingBox) Extend(x, y float64) BoundingBox {
	if !b.Valid {
		return BoundingBox{Valid: true, MinX: x, MinY: y, MaxX: x, MaxY: y}
	}
	b.MinX, b.MaxX = min(b.MinX, x), max(b.MaxX, x)
	b.MinY, b.MaxY = min(b.MinY, y), max(b.MaxY, y)
	return b
}

type Resource struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name         string `gorm:"size:255;not null"`
	PrefixedName string `gorm:"size:512;not null"`
	ResourceType string `gorm:"size:20;not null"`

	File      string `gorm:"size:512"`
	FileMime  string `gorm:"size:100"`
	ExtraFile string `gorm:"size:512"`
	ExtraMime string `gorm:"size:100"`
	Thumbnail string `gorm:"size:512"`
	Preview   string `gorm:"size:512"`

	DateRecorded time.Time
	DateUploaded time.Time

	Status string `gorm:"size:20;not null;default:'private'"`
	Tags   datatypes.JSONSlice[string]

	InheritPrefix bool   `gorm:"not null;default:false"`
	CustomPrefix  string `gorm:"size:255"`

	OwnerId  uuid.UUID `gorm:"type:uuid;not null"`
	Owner    *User
	Managers []User `gorm:"many2many:resource_managers;"`

	DeploymentId *uuid.UUID  `gorm:"type:uuid"`
	Deployment   *Deployment `gorm:"constraint:OnDelete:RESTRICT"`

	// extent of the collections containing this resource, invalidated on location moves
	CollectionBbox datatypes.JSONType[BoundingBox]
}

// ResolvePrefixedName computes the stored name of a resource. deploymentIdentifier and
// ownerUsername are only consulted when InheritPrefix is set.
func (r *Resource) ResolvePrefixedName(deploymentIdentifier, ownerUsername string) string {
	prefix := r.CustomPrefix
	if r.InheritPrefix {
		if deploymentIdentifier != "" {
			prefix = deploymentIdentifier
		} else {
			prefix = ownerUsername
		}
	}
	if prefix == "" {
		return r.Name
	}
	return prefix + "_" + r.Name
}

// BeforeSave keeps PrefixedName in sync with the prefix rule.
func (r *Resource) BeforeSave(txn *gorm.DB) error {
	var deploymentIdentifier, ownerUsername string
	if r.InheritPrefix {
		if r.DeploymentId != nil {
			if err := txn.Model(&Deployment{}).Select("deployment_identifier").Where("id = ?", *r.DeploymentId).Scan(&deploymentIdentifier).Error; err != nil {
				return fmt.Errorf("error loading resource deployment: %w", err)
			}
		} else {
			if err := txn.Model(&User{}).Select("username").Where("id = ?", r.OwnerId).Scan(&ownerUsername).Error; err != nil {
				return fmt.Errorf("error loading resource owner: %w", err)
			}
		}
	}
	r.PrefixedName = r.ResolvePrefixedName(deploymentIdentifier, ownerUsername)
	return nil
}

type Collection struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name        string `gorm:"size:255;not null;uniqueIndex:idx_collection_owner"`
	Description string
	Status      string `gorm:"size:20;not null;default:'private'"`
	ProjectName string `gorm:"size:255"`

	OwnerId  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_collection_owner"`
	Owner    *User
	Managers []User `gorm:"many2many:collection_managers;"`

	Members []CollectionMember `gorm:"constraint:OnDelete:CASCADE"`

	PeriodBegin *time.Time
	PeriodEnd   *time.Time
	Bbox        datatypes.JSONType[BoundingBox]

	DateCreated time.Time
}

type CollectionResource struct {
	CollectionId uuid.UUID `gorm:"type:uuid;primaryKey"`
	ResourceId   uuid.UUID `gorm:"type:uuid;primaryKey"`

	Collection *Collection `gorm:"foreignKey:CollectionId;constraint:OnDelete:CASCADE"`
	Resource   *Resource   `gorm:"foreignKey:ResourceId;constraint:OnDelete:CASCADE"`
}

type CollectionMember struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	CollectionId uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_member_level"`
	UserId       uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_member_level"`
	User         *User     `gorm:"constraint:OnDelete:CASCADE"`
	Level        int       `gorm:"not null;uniqueIndex:idx_member_level"`

	DateCreated time.Time
}

type ResearchProject struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name        string `gorm:"unique;size:255;not null"`
	Acronym     string `gorm:"unique;size:10;not null"`
	Description string
	Abstract    string
	Methods     string
	Keywords    datatypes.JSONSlice[string]

	OwnerId uuid.UUID `gorm:"type:uuid;not null"`
	Owner   *User

	Status     string `gorm:"size:20;not null;default:'unprocessed'"`
	StatusDate *time.Time

	Roles       []ResearchProjectRole       `gorm:"foreignKey:ProjectId;constraint:OnDelete:CASCADE"`
	Collections []ResearchProjectCollection `gorm:"foreignKey:ProjectId;constraint:OnDelete:CASCADE"`

	DateCreated time.Time
}

type ResearchProjectRole struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ProjectId uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_research_role"`
	UserId    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_research_role"`
	User      *User     `gorm:"constraint:OnDelete:CASCADE"`
	Name      string    `gorm:"size:20;not null"`

	DateCreated time.Time
}

type ResearchProjectCollection struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ProjectId    uuid.UUID        `gorm:"type:uuid;not null;uniqueIndex:idx_research_collection"`
	Project      *ResearchProject `gorm:"foreignKey:ProjectId"`
	CollectionId uuid.UUID        `gorm:"type:uuid;not null;uniqueIndex:idx_research_collection"`
	Collection   *Collection      `gorm:"constraint:OnDelete:CASCADE"`
}

type UserDataPackage struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	UserId      uuid.UUID `gorm:"type:uuid;not null"`
	User        *User     `gorm:"constraint:OnDelete:CASCADE"`
	Filename    string    `gorm:"size:255;not null"`
	Path        string    `gorm:"size:512;not null"`
	PackageType string    `gorm:"size:50;not null"`
	Description string

	DateCreated time.Time
}

// Species backs the predefined species attribute.
type Species struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	EnglishName string `gorm:"size:255"`
	LatinName   string `gorm:"size:255;not null"`
	Family      string `gorm:"size:255"`
	Genus       string `gorm:"size:255"`
}
