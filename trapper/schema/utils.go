package schema

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound                  = errors.New("user not found")
	ErrLocationNotFound              = errors.New("location not found")
	ErrDeploymentNotFound            = errors.New("deployment not found")
	ErrResourceNotFound              = errors.New("resource not found")
	ErrCollectionNotFound            = errors.New("collection not found")
	ErrResearchProjectNotFound       = errors.New("research project not found")
	ErrClassificatorNotFound         = errors.New("classificator not found")
	ErrClassificationProjectNotFound = errors.New("classification project not found")
	ErrProjectCollectionNotFound     = errors.New("project collection not found")
	ErrClassificationNotFound        = errors.New("classification not found")
	ErrUserClassificationNotFound    = errors.New("user classification not found")
	ErrSequenceNotFound              = errors.New("sequence not found")
	ErrMessageNotFound               = errors.New("message not found")
	ErrCollectionRequestNotFound     = errors.New("collection request not found")
	ErrDataPackageNotFound           = errors.New("data package not found")
	ErrTaskNotFound                  = errors.New("task not found")

	ErrStillReferenced = errors.New("item is still referenced and cannot be deleted")
	ErrDbAccessFailed  = errors.New("db access failed")
)

func getById[T any](db *gorm.DB, id uuid.UUID, notFound error, entity string, preloads ...string) (T, error) {
	var item T

	query := db
	for _, p := range preloads {
		query = query.Preload(p)
	}
	result := query.First(&item, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return item, notFound
		}
		slog.Error("sql error in get "+entity, "id", id, "error", result.Error)
		return item, ErrDbAccessFailed
	}

	return item, nil
}

func GetUser(userId uuid.UUID, db *gorm.DB) (User, error) {
	return getById[User](db, userId, ErrUserNotFound, "user")
}

func GetUserByUsername(username string, db *gorm.DB) (User, error) {
	var user User

	result := db.First(&user, "username = ?", username)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return user, ErrUserNotFound
		}
		slog.Error("sql error in get user by username", "username", username, "error", result.Error)
		return user, ErrDbAccessFailed
	}

	return user, nil
}

func GetLocation(locationId uuid.UUID, db *gorm.DB) (Location, error) {
	return getById[Location](db, locationId, ErrLocationNotFound, "location", "Managers")
}

func GetDeployment(deploymentId uuid.UUID, db *gorm.DB) (Deployment, error) {
	return getById[Deployment](db, deploymentId, ErrDeploymentNotFound, "deployment", "Managers", "Location")
}

func GetResource(resourceId uuid.UUID, db *gorm.DB) (Resource, error) {
	return getById[Resource](db, resourceId, ErrResourceNotFound, "resource", "Managers", "Deployment", "Deployment.Location")
}

func GetCollection(collectionId uuid.UUID, db *gorm.DB) (Collection, error) {
	return getById[Collection](db, collectionId, ErrCollectionNotFound, "collection", "Managers")
}

func GetResearchProject(projectId uuid.UUID, db *gorm.DB) (ResearchProject, error) {
	return getById[ResearchProject](db, projectId, ErrResearchProjectNotFound, "research project", "Roles")
}

func GetClassificator(classificatorId uuid.UUID, db *gorm.DB) (Classificator, error) {
	return getById[Classificator](db, classificatorId, ErrClassificatorNotFound, "classificator")
}

func GetClassificationProject(projectId uuid.UUID, db *gorm.DB) (ClassificationProject, error) {
	return getById[ClassificationProject](db, projectId, ErrClassificationProjectNotFound, "classification project", "Roles", "Classificator")
}

func GetProjectCollection(collectionId uuid.UUID, db *gorm.DB) (ClassificationProjectCollection, error) {
	return getById[ClassificationProjectCollection](db, collectionId, ErrProjectCollectionNotFound, "project collection", "Collection")
}

func GetClassification(classificationId uuid.UUID, db *gorm.DB) (Classification, error) {
	return getById[Classification](db, classificationId, ErrClassificationNotFound, "classification", "DynamicAttrs")
}

func GetUserClassification(userClassificationId uuid.UUID, db *gorm.DB) (UserClassification, error) {
	return getById[UserClassification](db, userClassificationId, ErrUserClassificationNotFound, "user classification", "DynamicAttrs")
}

func GetSequence(sequenceId uuid.UUID, db *gorm.DB) (Sequence, error) {
	return getById[Sequence](db, sequenceId, ErrSequenceNotFound, "sequence", "Resources")
}

func GetMessage(messageId uuid.UUID, db *gorm.DB) (Message, error) {
	return getById[Message](db, messageId, ErrMessageNotFound, "message")
}

func GetCollectionRequest(requestId uuid.UUID, db *gorm.DB) (CollectionRequest, error) {
	return getById[CollectionRequest](db, requestId, ErrCollectionRequestNotFound, "collection request", "Collections")
}

func GetDataPackage(packageId uuid.UUID, db *gorm.DB) (UserDataPackage, error) {
	return getById[UserDataPackage](db, packageId, ErrDataPackageNotFound, "data package")
}

func GetTask(taskId uuid.UUID, db *gorm.DB) (Task, error) {
	return getById[Task](db, taskId, ErrTaskNotFound, "task")
}

// AllModels lists every table, in creation order, for migrations and tests.
func AllModels() []interface{} {
	return []interface{}{
		&User{}, &Profile{},
		&ResearchProject{}, &ResearchProjectRole{},
		&Location{}, &Deployment{},
		&Resource{}, &Collection{}, &CollectionResource{}, &CollectionMember{},
		&ResearchProjectCollection{},
		&Classificator{}, &ClassificationProject{}, &ClassificationProjectRole{},
		&ClassificationProjectCollection{}, &ClassificatorHistory{},
		&Sequence{}, &SequenceResource{},
		&Classification{}, &ClassificationDynamicAttrs{},
		&UserClassification{}, &UserClassificationDynamicAttrs{},
		&Message{}, &CollectionRequest{},
		&UserDataPackage{}, &Species{}, &Task{},
	}
}
