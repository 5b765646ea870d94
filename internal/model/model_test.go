package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardianos/guardian/internal/model"
)

func TestValidateWorkerID_Valid(t *testing.T) {
	valid := []string{
		"agent",
		"plugin:memory_analyzer",
		"system:codex-maintenance",
		"agent.v2",
		"worker@host",
		strings.Repeat("a", 255),
	}
	for _, id := range valid {
		require.NoError(t, model.ValidateWorkerID(id), "expected valid: %q", id)
	}
}

func TestValidateWorkerID_Invalid(t *testing.T) {
	invalid := []string{
		"",
		"has space",
		"slash/worker",
		strings.Repeat("a", 256),
	}
	for _, id := range invalid {
		assert.Error(t, model.ValidateWorkerID(id), "expected invalid: %q", id)
	}
}

func TestValidatePluginName(t *testing.T) {
	require.NoError(t, model.ValidatePluginName("memory_analyzer"))
	require.NoError(t, model.ValidatePluginName("Pattern.Analyzer-2"))

	assert.Error(t, model.ValidatePluginName(""))
	assert.Error(t, model.ValidatePluginName("9lives"))
	assert.Error(t, model.ValidatePluginName("bad:name"))
	assert.Error(t, model.ValidatePluginName(strings.Repeat("p", 129)))
}

func TestWorkerRecordClone_DoesNotAlias(t *testing.T) {
	rec := model.WorkerRecord{
		ID:           "w",
		ErrorHistory: []model.WorkerError{{At: time.Now(), Message: "boom"}},
	}
	c := rec.Clone()
	c.ErrorHistory[0].Message = "changed"
	assert.Equal(t, "boom", rec.ErrorHistory[0].Message)
}

func TestPluginEntryClone_DoesNotAlias(t *testing.T) {
	e := model.PluginManifestEntry{
		Name:         "p",
		Capabilities: []string{"codex:read"},
		Config:       map[string]any{"enabled": true},
		LastHealth:   &model.HealthReport{Status: model.HealthHealthy, Metrics: map[string]any{"n": 1}},
	}
	c := e.Clone()
	c.Capabilities[0] = "codex:write"
	c.Config["enabled"] = false
	c.LastHealth.Metrics["n"] = 2
	c.LastHealth.Status = model.HealthError

	assert.Equal(t, "codex:read", e.Capabilities[0])
	assert.Equal(t, true, e.Config["enabled"])
	assert.Equal(t, 1, e.LastHealth.Metrics["n"])
	assert.Equal(t, model.HealthHealthy, e.LastHealth.Status)
}

func TestSummarize(t *testing.T) {
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)
	rec := model.Summarize([]model.PluginManifestEntry{
		{Name: "a", Version: "1.0.0", Status: model.PluginActive, Capabilities: []string{"codex:read"}, UpdatedAt: early},
		{Name: "b", Version: "0.2.0", Status: model.PluginFailed, UpdatedAt: late},
	})

	require.Len(t, rec.Plugins, 2)
	assert.Equal(t, model.PluginActive, rec.Plugins["a"].Status)
	assert.Equal(t, []string{"codex:read"}, rec.Plugins["a"].Capabilities)
	assert.Equal(t, model.PluginFailed, rec.Plugins["b"].Status)
	assert.Equal(t, late, rec.LastUpdated)
}

func TestMemoryArtifact_HasTag(t *testing.T) {
	a := model.MemoryArtifact{Tags: []string{"pattern", "memory"}}
	assert.True(t, a.HasTag("memory"))
	assert.False(t, a.HasTag("decision"))
}
