// Package content holds the compiled-in validators for resource types. A
// validator checks a body, derives the resource id and extracts the
// references and objective/skill definitions the dependency graph needs.
package content

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/rcliao/content-engine/internal/apperr"
	"github.com/rcliao/content-engine/internal/config"
)

// Reference is one outgoing link found in a body.
type Reference struct {
	// Source is the local key the edge starts at. Empty means the resource
	// itself; otherwise it is the domain id of an objective or skill defined
	// by the resource that encloses the reference.
	Source string
	// Destination is a resource id, an objective/skill domain id, or a
	// web-content path ("webcontent/...").
	Destination   string
	Relationship  string
	Purpose       string
	ReferenceType string
}

// Definition is an objective or skill defined inside a body.
type Definition struct {
	Kind  string
	ID    string
	Title string
}

// Result is what a validator extracts from a well-formed body.
type Result struct {
	ID          string
	Title       string
	References  []Reference
	Definitions []Definition
	// Warnings are schema problems that do not prevent extraction.
	Warnings []string
}

// Validator checks a body of one resource type.
type Validator interface {
	Validate(body []byte) (*Result, error)
}

// builtin maps validator names from the type registry to implementations.
var builtin = map[string]Validator{
	"xml-page":         &xmlValidator{root: "workbook_page", requireID: true},
	"xml-assessment":   &xmlValidator{root: "assessment", requireID: true},
	"xml-objectives":   &xmlValidator{root: "objectives", requireID: true, defines: map[string]string{"objective": "objective"}},
	"xml-skills":       &xmlValidator{root: "skills_model", requireID: true, defines: map[string]string{"skill": "skill"}},
	"xml-organization": &xmlValidator{root: "organization"},
	"json-activity":    &jsonValidator{},
}

// Registry resolves resource types to their configuration and validator.
// It is built once at startup; lookups never consult anything dynamic.
type Registry struct {
	cfg        *config.TypesConfig
	validators map[string]Validator
	bySegment  map[string]config.ResourceType
}

// NewRegistry binds every configured type to a compiled-in validator.
func NewRegistry(cfg *config.TypesConfig) (*Registry, error) {
	r := &Registry{
		cfg:        cfg,
		validators: make(map[string]Validator, len(cfg.Types)),
		bySegment:  make(map[string]config.ResourceType, len(cfg.Types)),
	}
	for _, t := range cfg.Types {
		v, ok := builtin[t.Validator]
		if !ok {
			return nil, fmt.Errorf("resource type %s: unknown validator %q", t.ID, t.Validator)
		}
		r.validators[t.ID] = v
		if !t.Structural {
			r.bySegment[t.Segment] = t
		}
	}
	return r, nil
}

// Layout returns the working-copy layout.
func (r *Registry) Layout() config.Layout { return r.cfg.Layout }

// Types lists configured types in registry order.
func (r *Registry) Types() []config.ResourceType { return r.cfg.Types }

// Lookup returns the type and its validator. Unknown types are a BadRequest.
func (r *Registry) Lookup(typeID string) (config.ResourceType, Validator, error) {
	t, ok := r.cfg.Find(typeID)
	if !ok {
		return config.ResourceType{}, nil, apperr.BadRequest("unknown resource type %q", typeID)
	}
	return t, r.validators[typeID], nil
}

// TypeForSegment returns the non-structural type whose directory is segment.
func (r *Registry) TypeForSegment(segment string) (config.ResourceType, bool) {
	t, ok := r.bySegment[segment]
	return t, ok
}

// Structural returns the first structural (organization) type.
func (r *Registry) Structural() (config.ResourceType, bool) {
	for _, t := range r.cfg.Types {
		if t.Structural {
			return t, true
		}
	}
	return config.ResourceType{}, false
}

// Ext is the file extension of the type's bodies.
func Ext(t config.ResourceType) string {
	if t.JSON {
		return ".json"
	}
	return ".xml"
}

// PathFrom is the working-copy path of a resource.
func (r *Registry) PathFrom(t config.ResourceType, id string) string {
	if t.Structural {
		return path.Join(r.cfg.Layout.OrganizationRoot, id, "organization.xml")
	}
	return path.Join(r.cfg.Layout.ContentRoot, t.Segment, id+Ext(t))
}

// PathTo is the rendered path of a resource inside its volume.
func (r *Registry) PathTo(t config.ResourceType, id string) string {
	if t.Structural {
		return path.Join(t.Segment, id, "organization.xml")
	}
	return path.Join(t.Segment, id+Ext(t))
}

// StructuralID keys a structural resource to its package coordinates:
// "<packageId>-<version>_<local>". A missing local name is generated.
func StructuralID(packageID, version, local string) string {
	prefix := packageID + "-" + version + "_"
	if strings.HasPrefix(local, prefix) {
		return local
	}
	if local == "" {
		local = strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	return prefix + local
}

// RekeyStructuralID moves a structural id from one package coordinate to another.
func RekeyStructuralID(id, fromID, fromVersion, toID, toVersion string) string {
	local := strings.TrimPrefix(id, fromID+"-"+fromVersion+"_")
	return toID + "-" + toVersion + "_" + local
}

// WebContentKey normalizes a body reference to a web asset into the local
// edge key used by the graph ("webcontent/..."). It reports false for
// anything that is not a package-relative web-content path.
func WebContentKey(ref string) (string, bool) {
	if ref == "" || strings.Contains(ref, "://") || strings.HasPrefix(ref, "#") || strings.HasPrefix(ref, "/") {
		return "", false
	}
	for strings.HasPrefix(ref, "../") {
		ref = strings.TrimPrefix(ref, "../")
	}
	ref = strings.TrimPrefix(ref, "./")
	if !strings.HasPrefix(ref, "webcontent/") {
		return "", false
	}
	return path.Clean(ref), true
}
