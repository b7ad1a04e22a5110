package plugin

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"good-plugin_1", true},
		{"a", true},
		{"Plugin123", true},
		{"a-b_c", true},
		{"bad--id", false},
		{"bad_-id", false},
		{"", false},
		{"-leading", false},
		{"trailing_", false},
		{"has space", false},
		{"dot.name", false},
		{"ümlaut", false},
		{strings.Repeat("a", 64), true},
		{strings.Repeat("a", 65), false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := ValidateID(tt.id)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrConfig)
			}
		})
	}
}

func TestValidatePath(t *testing.T) {
	assert.NoError(t, ValidatePath("/opt/plugins/a.so"))
	assert.ErrorIs(t, ValidatePath(""), ErrConfig)
	assert.ErrorIs(t, ValidatePath("   "), ErrConfig)
	assert.ErrorIs(t, ValidatePath("a\x00b"), ErrConfig)
}

func TestValidateConfig(t *testing.T) {
	base := NewConfig("p")
	require.NoError(t, ValidateConfig(base))

	zero := base.Clone()
	zero.Timeout = 0
	assert.ErrorIs(t, ValidateConfig(zero), ErrConfig)

	tooLong := base.Clone()
	tooLong.Timeout = MaxTimeout + 1
	assert.ErrorIs(t, ValidateConfig(tooLong), ErrConfig)

	upper := base.Clone()
	upper.Timeout = MaxTimeout
	assert.NoError(t, ValidateConfig(upper))

	badEnv := base.Clone()
	badEnv.Env["BAD-KEY"] = "x"
	assert.ErrorIs(t, ValidateConfig(badEnv), ErrConfig)

	emptyEnv := base.Clone()
	emptyEnv.Env[""] = "x"
	assert.ErrorIs(t, ValidateConfig(emptyEnv), ErrConfig)

	emptySetting := base.Clone()
	emptySetting.Settings[" "] = "x"
	assert.ErrorIs(t, ValidateConfig(emptySetting), ErrConfig)

	good := base.Clone()
	good.Env["API_KEY_2"] = "x"
	assert.NoError(t, ValidateConfig(good))
}

func TestIDFromPath(t *testing.T) {
	assert.Equal(t, "formatter", IDFromPath("/opt/plugins/formatter.so"))
	assert.Equal(t, "hook", IDFromPath("hook.py"))
	assert.Equal(t, "noext", IDFromPath("/x/noext"))
	assert.Equal(t, "a.b", IDFromPath("/x/a.b.sh"))
}
