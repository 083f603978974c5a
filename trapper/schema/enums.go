package schema

import "fmt"

// Visibility of resources and collections.
const (
	Private  = "private"
	OnDemand = "on_demand"
	Public   = "public"
)

func CheckValidStatus(status string) error {
	if status == Private || status == OnDemand || status == Public {
		return nil
	}
	return fmt.Errorf("invalid status %v, must be 'private', 'on_demand', or 'public'", status)
}

const (
	ImageResource = "image"
	VideoResource = "video"
	AudioResource = "audio"
)

func CheckValidResourceType(resourceType string) error {
	if resourceType == ImageResource || resourceType == VideoResource || resourceType == AudioResource {
		return nil
	}
	return fmt.Errorf("invalid resource type '%v'", resourceType)
}

// Collection membership levels. A user may hold several of them for the same collection.
const (
	CanView          = 1
	CanUpdate        = 2
	CanCreate        = 3
	CanDelete        = 4
	CanViewOnRequest = 5
	CanViewBasic     = 6
)

func CheckValidMemberLevel(level int) error {
	if level >= CanView && level <= CanViewBasic {
		return nil
	}
	return fmt.Errorf("invalid collection access level %d", level)
}

// Project roles, shared by research and classification projects.
const (
	RoleAdmin        = "admin"
	RoleExpert       = "expert"
	RoleCollaborator = "collaborator"
)

func CheckValidRole(role string) error {
	if role == RoleAdmin || role == RoleExpert || role == RoleCollaborator {
		return nil
	}
	return fmt.Errorf("invalid role %v, must be 'admin', 'expert', or 'collaborator'", role)
}

const (
	ProjectUnprocessed = "unprocessed"
	ProjectApproved    = "approved"
	ProjectRejected    = "rejected"
)

func CheckValidProjectDecision(status string) error {
	if status == ProjectApproved || status == ProjectRejected {
		return nil
	}
	return fmt.Errorf("invalid decision %v, must be 'approved' or 'rejected'", status)
}

const (
	ProjectOngoing  = "ongoing"
	ProjectFinished = "finished"
)

func CheckValidClassificationProjectStatus(status string) error {
	if status == ProjectOngoing || status == ProjectFinished {
		return nil
	}
	return fmt.Errorf("invalid project status %v, must be 'ongoing' or 'finished'", status)
}

const (
	ClassificationApproved = "approved"
	ClassificationRejected = "rejected"
)

const (
	TemplateInline = "inline"
	TemplateTab    = "tab"
)

func CheckValidTemplate(template string) error {
	if template == TemplateInline || template == TemplateTab {
		return nil
	}
	return fmt.Errorf("invalid template %v, must be 'inline' or 'tab'", template)
}

const (
	MessageStandard          = "standard"
	MessageCollectionRequest = "collection_request"
	MessageResourceDeleted   = "resource_deleted"
	MessageCollectionDeleted = "collection_deleted"
	MessageProjectCreated    = "research_project_created"
	MessageTaskResult        = "task_result"
)

const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestRejected = "rejected"
	RequestRevoked  = "revoked"
)

const (
	PackageMediaFiles = "media_files"
)

const (
	TaskPending = "pending"
	TaskRunning = "running"
	TaskSuccess = "success"
	TaskFailure = "failure"
	TaskRevoked = "revoked"
)

func TaskFinished(state string) bool {
	return state == TaskSuccess || state == TaskFailure || state == TaskRevoked
}
