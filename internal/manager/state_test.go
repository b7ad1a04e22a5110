package manager

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiangfire/envcli-sub000/internal/plugin"
)

func TestState_RoundTrip(t *testing.T) {
	f := newFixture(t)
	path := f.add("fmt.sh", fakeOf("fmt", plugin.HookPreCommand))
	f.load(path)
	runPreCommand(t, f.m)
	require.NoError(t, f.m.Disable("fmt"))

	statePath := filepath.Join(t.TempDir(), "data", "plugin_state.json")
	require.NoError(t, f.m.SaveState(statePath))

	raw, err := os.ReadFile(statePath)
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	for _, key := range []string{"version", "timestamp", "plugin_configs", "plugin_statuses", "stats"} {
		assert.Contains(t, doc, key)
	}

	fresh := newFixture(t)
	restored, err := fresh.m.LoadState(statePath)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	cfg, ok := fresh.m.Config("fmt")
	require.True(t, ok)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, path, cfg.Path)

	st, ok := fresh.m.Status("fmt")
	require.True(t, ok)
	assert.False(t, st.Loaded)
	assert.EqualValues(t, 1, st.ExecutionCount)
	assert.EqualValues(t, 1, fresh.m.PerformanceStats().Loads)

	// A later load starts from the restored config and keeps the counters.
	fresh.load(fresh.add("fmt.sh", fakeOf("fmt", plugin.HookPreCommand)))
	cfg, _ = fresh.m.Config("fmt")
	assert.False(t, cfg.Enabled)
	st, _ = fresh.m.Status("fmt")
	assert.True(t, st.Loaded)
	assert.EqualValues(t, 1, st.ExecutionCount)
	assert.Empty(t, runPreCommand(t, fresh.m))
}

func TestLoadState_TolerantOfMissingFields(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(statePath, []byte(`{
		"plugin_configs": {"x": {"enabled": true}, "bad": {"enabled": true, "timeout": 99999}},
		"plugin_statuses": {"x": {"execution_count": 3}}
	}`), 0o600))

	f := newFixture(t)
	restored, err := f.m.LoadState(statePath)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	cfg, ok := f.m.Config("x")
	require.True(t, ok)
	assert.Equal(t, "x", cfg.PluginID)
	assert.Equal(t, plugin.DefaultTimeout, cfg.Timeout)
	assert.NotNil(t, cfg.Settings)

	_, ok = f.m.Config("bad")
	assert.False(t, ok)

	st, ok := f.m.Status("x")
	require.True(t, ok)
	assert.Equal(t, "x", st.PluginID)
	assert.EqualValues(t, 3, st.ExecutionCount)
}

func TestLoadState_MissingAndMalformed(t *testing.T) {
	f := newFixture(t)
	n, err := f.m.LoadState(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Zero(t, n)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o600))
	_, err = f.m.LoadState(bad)
	assert.ErrorIs(t, err, plugin.ErrConfig)
}

func TestLoadState_SkipsLoadedPlugins(t *testing.T) {
	f := newFixture(t)
	f.load(f.add("fmt.sh", fakeOf("fmt")))

	statePath := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(statePath, []byte(`{"plugin_configs": {"fmt": {"enabled": false, "timeout": 5}}}`), 0o600))

	n, err := f.m.LoadState(statePath)
	require.NoError(t, err)
	assert.Zero(t, n)

	cfg, _ := f.m.Config("fmt")
	assert.True(t, cfg.Enabled)
}
