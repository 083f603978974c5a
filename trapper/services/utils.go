package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"trapper_platform/trapper/auth"
	"trapper_platform/trapper/classification"
	"trapper_platform/trapper/classify"
	"trapper_platform/trapper/filters"
	"trapper_platform/trapper/ingest"
	"trapper_platform/trapper/jobs"
	"trapper_platform/trapper/messaging"
	"trapper_platform/trapper/schema"
	"trapper_platform/trapper/spatial"
	"trapper_platform/trapper/storage"
	"trapper_platform/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type codedError struct {
	err  error
	code int
}

func (e *codedError) Error() string {
	return e.err.Error()
}

func (e *codedError) Unwrap() error {
	return e.err
}

func CodedError(err error, code int) error {
	return &codedError{err: err, code: code}
}

func GetResponseCode(err error) int {
	var cerr *codedError
	if errors.As(err, &cerr) {
		return cerr.code
	}
	slog.Error("non coded error passed to GetResponseCode", "error", err)
	return http.StatusInternalServerError
}

var notFoundErrors = []error{
	schema.ErrUserNotFound,
	schema.ErrLocationNotFound,
	schema.ErrDeploymentNotFound,
	schema.ErrResourceNotFound,
	schema.ErrCollectionNotFound,
	schema.ErrResearchProjectNotFound,
	schema.ErrClassificatorNotFound,
	schema.ErrClassificationProjectNotFound,
	schema.ErrProjectCollectionNotFound,
	schema.ErrClassificationNotFound,
	schema.ErrUserClassificationNotFound,
	schema.ErrSequenceNotFound,
	schema.ErrMessageNotFound,
	schema.ErrCollectionRequestNotFound,
	schema.ErrDataPackageNotFound,
	schema.ErrTaskNotFound,
}

var forbiddenErrors = []error{
	auth.ErrPermissionDenied,
	messaging.ErrNotRecipient,
	messaging.ErrNotRequestOwner,
}

var conflictErrors = []error{
	schema.ErrStillReferenced,
	classification.ErrStaleClassification,
	classification.ErrResourceSequenced,
	messaging.ErrNotPending,
	messaging.ErrNotApproved,
	messaging.ErrRequestFlood,
	jobs.ErrTaskFinished,
}

var unprocessableErrors = []error{
	ingest.ErrDefinitionInvalid,
	classification.ErrBulkApprovePolicyViolation,
	classification.ErrWrongClassification,
	classification.ErrWrongProject,
	classification.ErrProjectFinished,
	classification.ErrNothingToApprove,
	classification.ErrMixedDeployments,
	classification.ErrResourceNotInScope,
	classification.ErrEmptySequence,
	classify.ErrValidation,
	classify.ErrInvalidAttribute,
	classify.ErrUnknownAttribute,
	messaging.ErrSelfRequest,
	messaging.ErrInactiveRecipient,
	messaging.ErrMixedOwners,
	messaging.ErrNoCollections,
	messaging.ErrNotOnDemand,
	spatial.ErrInvalidCoordinates,
	spatial.ErrInvalidTimezone,
	spatial.ErrInvalidGPX,
	filters.ErrInvalidFilter,
	utils.ErrInvalidTable,
}

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// domainError attaches the response code for errors returned by the domain packages. Errors
// that already carry a code are returned unchanged.
func domainError(err error) error {
	if err == nil {
		return nil
	}
	var cerr *codedError
	if errors.As(err, &cerr) {
		return err
	}
	switch {
	case isAny(err, notFoundErrors):
		return CodedError(err, http.StatusNotFound)
	case isAny(err, forbiddenErrors):
		return CodedError(err, http.StatusForbidden)
	case isAny(err, conflictErrors):
		return CodedError(err, http.StatusConflict)
	case isAny(err, unprocessableErrors):
		return CodedError(err, http.StatusUnprocessableEntity)
	}
	return CodedError(err, http.StatusInternalServerError)
}

// writeError replies with the error, rendering field level details for validation failures.
func writeError(w http.ResponseWriter, prefix string, err error) {
	err = domainError(err)
	var verr *classify.ValidationError
	if errors.As(err, &verr) {
		utils.WriteJsonResponseWithStatus(w, http.StatusUnprocessableEntity, validationResponse{Error: prefix, Fields: verr.Fields})
		return
	}
	http.Error(w, fmt.Sprintf("%v: %v", prefix, err), GetResponseCode(err))
}

type validationResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields"`
}

func denied(format string, args ...any) error {
	return CodedError(fmt.Errorf("%w: %v", auth.ErrPermissionDenied, fmt.Sprintf(format, args...)), http.StatusForbidden)
}

func requireCapability(txn *gorm.DB, entity auth.Entity, user schema.User, min auth.Capability) error {
	capability, err := auth.Resolve(txn, entity, user)
	if err != nil {
		return CodedError(err, http.StatusInternalServerError)
	}
	if capability < min {
		return denied("user %v does not have required permission for %v (required=%v, actual=%v)", user.Id, entity.Kind(), min, capability)
	}
	return nil
}

func checkUserExists(txn *gorm.DB, userId uuid.UUID) error {
	if _, err := schema.GetUser(userId, txn); err != nil {
		return domainError(err)
	}
	return nil
}

func checkDiskUsage(storage storage.Storage, minFree uint64) error {
	stats, err := storage.Usage()
	if err != nil {
		slog.Error("unable to get disk usage from storage", "error", err)
		return CodedError(errors.New("unable to get disk usage"), http.StatusInternalServerError)
	}
	oneMib := uint64(1024 * 1024)
	if stats.FreeBytes < minFree {
		used := (stats.TotalBytes - stats.FreeBytes) / oneMib
		total := stats.TotalBytes / oneMib
		delta := (minFree - stats.FreeBytes) / oneMib
		return CodedError(fmt.Errorf("insufficient disk space available, usage: %d/%d Mib, please clear %d Mib", used, total, delta), http.StatusInsufficientStorage)
	}
	return nil
}

func checkSufficientStorage(storage storage.Storage, minFree uint64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := func(w http.ResponseWriter, r *http.Request) {
			if err := checkDiskUsage(storage, minFree); err != nil {
				slog.Error(err.Error())
				http.Error(w, err.Error(), GetResponseCode(err))
				return
			}
			next.ServeHTTP(w, r)
		}

		return http.HandlerFunc(handler)
	}
}
