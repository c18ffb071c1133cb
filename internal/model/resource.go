package model

import "time"

// Resource lifecycle states.
const (
	StateActive  = "ACTIVE"
	StateDeleted = "DELETED"
)

// Revision types.
const (
	RevisionSystem = "SYSTEM"
	RevisionUser   = "USER"
)

// FileNode maps a resource into the working copy and the blob store.
type FileNode struct {
	VolumeLocation string `json:"volume_location"`
	PathFrom       string `json:"path_from"`
	PathTo         string `json:"path_to"`
	MimeType       string `json:"mime_type"`
	FileSize       int64  `json:"file_size"`
}

// Resource is one typed content unit inside a package.
type Resource struct {
	GUID         string    `json:"guid"`
	PackageGUID  string    `json:"package_guid"`
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	State        string    `json:"state"`
	FileNode     FileNode  `json:"file_node"`
	LastRevision string    `json:"last_revision,omitempty"`
	LastSession  string    `json:"last_session,omitempty"`
	Errors       []string  `json:"errors,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// Body is the head revision payload; populated only by reads that ask for it.
	Body *RevisionBlob `json:"body,omitempty"`
}

// Revision is one snapshot in a resource's edit history.
type Revision struct {
	GUID         string    `json:"guid"`
	ResourceGUID string    `json:"resource_guid"`
	Parent       string    `json:"parent,omitempty"`
	BlobGUID     string    `json:"blob_guid"`
	Author       string    `json:"author"`
	Type         string    `json:"type"`
	CreatedAt    time.Time `json:"created_at"`
}

// RevisionBlob holds a revision payload. Exactly one of JSON and XML is set.
type RevisionBlob struct {
	GUID string `json:"guid"`
	JSON string `json:"json,omitempty"`
	XML  string `json:"xml,omitempty"`
	Hash string `json:"hash"`
}

// Payload returns whichever payload is set.
func (b *RevisionBlob) Payload() string {
	if b.JSON != "" {
		return b.JSON
	}
	return b.XML
}

// IsJSON reports whether the blob carries a JSON payload.
func (b *RevisionBlob) IsJSON() bool {
	return b.JSON != ""
}

// NewBlob wraps content in a blob of the right flavor.
func NewBlob(content string, jsonCapable bool) RevisionBlob {
	if jsonCapable {
		return RevisionBlob{JSON: content}
	}
	return RevisionBlob{XML: content}
}

// ConflictMarker is appended to a resource's error list when the working copy
// reported a merge conflict for its file.
const ConflictMarker = "vcs-conflict"
