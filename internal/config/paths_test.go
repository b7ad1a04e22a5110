package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigPath(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{"single segment", "plugins", []string{"plugins"}, false},
		{"two segments", "plugins.dir", []string{"plugins", "dir"}, false},
		{"three segments", "plugins.autoReload.maxRetries", []string{"plugins", "autoReload", "maxRetries"}, false},
		{"empty", "", nil, true},
		{"empty segment", "plugins..dir", nil, true},
		{"leading dot", ".plugins", nil, true},
		{"trailing dot", "plugins.", nil, true},
		{"blocked __proto__", "foo.__proto__.bar", nil, true},
		{"blocked prototype", "prototype.x", nil, true},
		{"blocked constructor", "constructor", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseConfigPath(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				var ce *ConfigError
				assert.ErrorAs(t, err, &ce)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestGetValueAtPath(t *testing.T) {
	root := map[string]any{
		"plugins": map[string]any{
			"dir": "/opt/plugins",
			"autoReload": map[string]any{
				"maxRetries": 3,
			},
		},
		"simple": "value",
	}

	tests := []struct {
		name string
		path []string
		want any
		ok   bool
	}{
		{"nested value", []string{"plugins", "dir"}, "/opt/plugins", true},
		{"deeply nested", []string{"plugins", "autoReload", "maxRetries"}, 3, true},
		{"top level", []string{"simple"}, "value", true},
		{"missing key", []string{"nonexistent"}, nil, false},
		{"missing nested", []string{"plugins", "nonexistent"}, nil, false},
		{"non-map intermediate", []string{"simple", "sub"}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			val, ok := GetValueAtPath(root, tt.path)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, val)
			}
		})
	}
}

func TestSetValueAtPath(t *testing.T) {
	root := map[string]any{
		"plugins":   map[string]any{"dir": "/a"},
		"scalar":    "string-not-map",
		"untouched": 1,
	}

	SetValueAtPath(root, []string{"plugins", "dir"}, "/b")
	SetValueAtPath(root, []string{"a", "b", "c"}, "deep")
	SetValueAtPath(root, []string{"scalar", "key"}, 8080)
	SetValueAtPath(root, []string{"top"}, "1.0.0")

	for _, c := range []struct {
		path []string
		want any
	}{
		{[]string{"plugins", "dir"}, "/b"},
		{[]string{"a", "b", "c"}, "deep"},
		{[]string{"scalar", "key"}, 8080},
		{[]string{"top"}, "1.0.0"},
		{[]string{"untouched"}, 1},
	} {
		val, ok := GetValueAtPath(root, c.path)
		assert.True(t, ok, "%v", c.path)
		assert.Equal(t, c.want, val)
	}
}

func TestUnsetValueAtPath(t *testing.T) {
	root := map[string]any{
		"logging": map[string]any{
			"level":        "debug",
			"consoleStyle": "json",
		},
		"scalar": "string",
	}

	assert.True(t, UnsetValueAtPath(root, []string{"logging", "level"}))
	_, found := GetValueAtPath(root, []string{"logging", "level"})
	assert.False(t, found)

	val, found := GetValueAtPath(root, []string{"logging", "consoleStyle"})
	assert.True(t, found)
	assert.Equal(t, "json", val)

	assert.False(t, UnsetValueAtPath(root, []string{"logging", "nonexistent"}))
	assert.False(t, UnsetValueAtPath(root, []string{"a", "b", "c"}))
	assert.False(t, UnsetValueAtPath(root, []string{"scalar", "key"}))
}

func TestResolvePaths_Default(t *testing.T) {
	t.Setenv("ENVCLI_HOME", "")

	paths, err := ResolvePaths()
	require.NoError(t, err)

	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".envcli")
	assert.Equal(t, base, paths.Base)
	assert.Equal(t, filepath.Join(base, "config.yaml"), paths.Config)
	assert.Equal(t, filepath.Join(base, "plugins.yaml"), paths.PluginsFile)
	assert.Equal(t, filepath.Join(base, "plugins"), paths.Plugins)
	assert.Equal(t, filepath.Join(base, "data", "plugin_state.json"), paths.State)
	assert.Equal(t, filepath.Join(base, "data", "journal.db"), paths.Journal)
}

func TestResolvePaths_CustomHome(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("ENVCLI_HOME", tmp)

	paths, err := ResolvePaths()
	require.NoError(t, err)
	assert.Equal(t, tmp, paths.Base)
	assert.Equal(t, filepath.Join(tmp, "config.yaml"), paths.Config)
	assert.Equal(t, filepath.Join(tmp, "data"), paths.Data)
}

func TestEnsureDirs(t *testing.T) {
	t.Setenv("ENVCLI_HOME", filepath.Join(t.TempDir(), "home"))

	paths, err := ResolvePaths()
	require.NoError(t, err)
	require.NoError(t, paths.EnsureDirs())
	require.NoError(t, paths.EnsureDirs())

	for _, d := range []string{paths.Base, paths.Plugins, paths.Data} {
		info, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestBlockedKeys(t *testing.T) {
	assert.True(t, blockedKeys["__proto__"])
	assert.True(t, blockedKeys["prototype"])
	assert.True(t, blockedKeys["constructor"])
	assert.False(t, blockedKeys["plugins"])
}
