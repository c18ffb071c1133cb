// Package model defines the core content data types.
package model

import "time"

// Package lifecycle states.
const (
	StatusDeveloping   = "DEVELOPING"
	StatusRequestingQA = "REQUESTING_QA"
	StatusQA           = "QA"
	StatusDeployed     = "DEPLOYED"
)

// Build states track asynchronous package construction (version clones).
const (
	BuildProcessing = "PROCESSING"
	BuildReady      = "READY"
	BuildFailed     = "FAILED"
)

// ContentPackage is a versioned course content bundle.
type ContentPackage struct {
	GUID             string    `json:"guid"`
	ID               string    `json:"id"`
	Version          string    `json:"version"`
	Title            string    `json:"title"`
	Description      string    `json:"description,omitempty"`
	Status           string    `json:"status"`
	BuildStatus      string    `json:"build_status"`
	SourceLocation   string    `json:"source_location"`
	VolumeLocation   string    `json:"volume_location"`
	WebContentVolume string    `json:"web_content_volume"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// KeyPrefix is the "id:version:" prefix shared by all edge keys of the package.
func (p *ContentPackage) KeyPrefix() string {
	return p.ID + ":" + p.Version + ":"
}

// Key builds the composite edge key for an entity inside the package.
func (p *ContentPackage) Key(local string) string {
	return p.KeyPrefix() + local
}

// ValidPackageStatuses are the allowed lifecycle states.
var ValidPackageStatuses = map[string]bool{
	StatusDeveloping:   true,
	StatusRequestingQA: true,
	StatusQA:           true,
	StatusDeployed:     true,
}

// IndexEntry is one row of a package's objectives or skills lookup index.
type IndexEntry struct {
	GUID         string `json:"guid"`
	PackageGUID  string `json:"package_guid"`
	Kind         string `json:"kind"`
	DomainID     string `json:"domain_id"`
	ResourceGUID string `json:"resource_guid,omitempty"`
	Body         string `json:"body,omitempty"`
}

// Index kinds.
const (
	IndexObjective = "objective"
	IndexSkill     = "skill"
)

// WebContent is a static asset (image, media, css) owned by a package.
type WebContent struct {
	GUID        string   `json:"guid"`
	PackageGUID string   `json:"package_guid"`
	FileNode    FileNode `json:"file_node"`
	Hash        string   `json:"hash,omitempty"`
}
