package reconcile

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/rcliao/content-engine/internal/config"
	"github.com/rcliao/content-engine/internal/content"
)

// Kind is what a working-copy path holds.
type Kind int

const (
	KindIgnored Kind = iota
	KindManifest
	KindWebContent
	KindOrganization
	KindLDModel
	KindResource
)

func (k Kind) String() string {
	switch k {
	case KindManifest:
		return "manifest"
	case KindWebContent:
		return "webcontent"
	case KindOrganization:
		return "organization"
	case KindLDModel:
		return "ldmodel"
	case KindResource:
		return "resource"
	default:
		return "ignored"
	}
}

// classifier maps working-copy paths to kinds. Precedence: manifest, web
// content, organization, learning-model staging, then the
// resource type of the first directory that names a segment.
type classifier struct {
	layout config.Layout
	types  *content.Registry
}

func newClassifier(types *content.Registry) classifier {
	return classifier{layout: types.Layout(), types: types}
}

func (c classifier) classify(p string) (Kind, config.ResourceType) {
	p = strings.TrimPrefix(path.Clean(p), "./")
	switch {
	case match(c.layout.Manifest, p):
		return KindManifest, config.ResourceType{}
	case match(c.layout.WebContent, p):
		return KindWebContent, config.ResourceType{}
	case match(c.layout.Organization, p):
		t, _ := c.types.Structural()
		return KindOrganization, t
	case match(c.layout.LDModel, p):
		return KindLDModel, config.ResourceType{}
	}

	ext := path.Ext(p)
	if ext != ".xml" && ext != ".json" {
		return KindIgnored, config.ResourceType{}
	}
	for _, d := range strings.Split(path.Dir(p), "/") {
		if t, ok := c.types.TypeForSegment(d); ok && content.Ext(t) == ext {
			return KindResource, t
		}
	}
	return KindIgnored, config.ResourceType{}
}

// webContentPathTo is the rendered path of an asset: its path relative to
// the content root ("webcontent/...").
func (c classifier) webContentPathTo(p string) string {
	return strings.TrimPrefix(p, c.layout.ContentRoot+"/")
}

// fallbackID guesses a resource id from its working-copy path when the body
// does not name one: the file stem, or the directory of an organization.
func fallbackID(kind Kind, p string) string {
	if kind == KindOrganization {
		return path.Base(path.Dir(p))
	}
	base := path.Base(p)
	return strings.TrimSuffix(base, path.Ext(base))
}

func match(pattern, p string) bool {
	if pattern == "" {
		return false
	}
	ok, err := doublestar.Match(pattern, p)
	return err == nil && ok
}
