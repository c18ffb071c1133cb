package model

// Edge validation states.
const (
	EdgeNotValidated       = "NOT_VALIDATED"
	EdgeDestinationPresent = "DESTINATION_PRESENT"
	EdgeDestinationMissing = "DESTINATION_MISSING"
)

// Edge is a directed reference between two content entities.
type Edge struct {
	GUID            string       `json:"guid"`
	PackageGUID     string       `json:"package_guid"`
	SourceID        string       `json:"source_id"`
	DestinationID   string       `json:"destination_id"`
	SourceType      string       `json:"source_type"`
	DestinationType string       `json:"destination_type,omitempty"`
	Relationship    string       `json:"relationship"`
	Purpose         string       `json:"purpose"`
	ReferenceType   string       `json:"reference_type"`
	Status          string       `json:"status"`
	Metadata        EdgeMetadata `json:"metadata"`
}

// EdgeMetadata caches the resolved guids of both ends.
type EdgeMetadata struct {
	SourceGUID      string `json:"sourceGuid,omitempty"`
	DestinationGUID string `json:"destinationGuid,omitempty"`
}

// ResourceEditLock is an advisory, time-boxed edit claim. Never persisted.
type ResourceEditLock struct {
	ResourceID string `json:"resource_id"`
	LockedBy   string `json:"locked_by"`
	LockedAt   int64  `json:"locked_at"`
}
