package classification

import "errors"

var (
	ErrBulkApprovePolicyViolation = errors.New("bulk approval requires classifications of a single user")
	ErrStaleClassification        = errors.New("classification was changed since it was loaded")
	ErrWrongClassification        = errors.New("user classification does not belong to this classification")
	ErrWrongProject               = errors.New("classification belongs to a different project")
	ErrProjectFinished            = errors.New("classification project is finished")
	ErrNothingToApprove           = errors.New("no user classifications selected")
	ErrRowOutOfRange              = errors.New("dynamic row index skips rows")

	ErrMixedDeployments   = errors.New("all resources of a sequence must belong to one deployment")
	ErrResourceSequenced  = errors.New("resource already belongs to another sequence in this collection")
	ErrResourceNotInScope = errors.New("resource does not belong to the project collection")
	ErrEmptySequence      = errors.New("sequence must contain at least one resource")
)
