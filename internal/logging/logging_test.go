package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	log := Component(New(Options{Level: "debug", JSON: true, Writer: &buf}), "graph")
	log.Debug().Str("package", "p1").Msg("validated")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "graph", entry["component"])
	assert.Equal(t, "p1", entry["package"])
	assert.Equal(t, "validated", entry["message"])
	assert.Contains(t, entry, "time")
}

func TestBadLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "chatty", JSON: true, Writer: &buf})
	log.Debug().Msg("hidden")
	assert.Empty(t, buf.String())
	log.Info().Msg("shown")
	assert.NotEmpty(t, buf.String())
}
