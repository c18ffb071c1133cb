package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/content-engine/internal/config"
	"github.com/rcliao/content-engine/internal/content"
)

func TestClassify(t *testing.T) {
	tc, err := config.LoadTypes("")
	require.NoError(t, err)
	reg, err := content.NewRegistry(tc)
	require.NoError(t, err)
	c := newClassifier(reg)

	tests := []struct {
		path string
		kind Kind
		typ  string
	}{
		{"content/package.xml", KindManifest, ""},
		{"content/webcontent/img/a.png", KindWebContent, ""},
		{"content/webcontent/x-oli-workbook_page/page.xml", KindWebContent, ""},
		{"organizations/default/organization.xml", KindOrganization, "x-oli-organization"},
		{"ldmodel/skills.tsv", KindLDModel, ""},
		{"content/x-oli-workbook_page/A.xml", KindResource, "x-oli-workbook_page"},
		{"./content/x-oli-inline-assessment/q.xml", KindResource, "x-oli-inline-assessment"},
		{"content/x-oli-embed-activity/e.json", KindResource, "x-oli-embed-activity"},
		{"content/x-oli-embed-activity/e.xml", KindIgnored, ""},
		{"content/x-oli-workbook_page/notes.txt", KindIgnored, ""},
		{"content/unknown/A.xml", KindIgnored, ""},
		{"organizations/default/extra.xml", KindIgnored, ""},
		{"README.md", KindIgnored, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			kind, rt := c.classify(tt.path)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.typ, rt.ID)
		})
	}
}

func TestFallbackID(t *testing.T) {
	assert.Equal(t, "A", fallbackID(KindResource, "content/x-oli-workbook_page/A.xml"))
	assert.Equal(t, "default", fallbackID(KindOrganization, "organizations/default/organization.xml"))
}

func TestWebContentPathTo(t *testing.T) {
	tc, err := config.LoadTypes("")
	require.NoError(t, err)
	reg, err := content.NewRegistry(tc)
	require.NoError(t, err)
	assert.Equal(t, "webcontent/img/a.png", newClassifier(reg).webContentPathTo("content/webcontent/img/a.png"))
}
