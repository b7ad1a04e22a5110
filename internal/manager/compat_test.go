package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiangfire/envcli-sub000/internal/plugin"
	"github.com/jiangfire/envcli-sub000/internal/plugin/plugintest"
)

func otherPlatform() plugin.Platform {
	for _, p := range []plugin.Platform{plugin.PlatformWindows, plugin.PlatformLinux, plugin.PlatformMacOS} {
		if p != plugin.CurrentPlatform() {
			return p
		}
	}
	return ""
}

func TestCheckCompatibility_ReportsEveryIssue(t *testing.T) {
	f := newFixture(t, WithHostVersion("1.2.0"))
	f.load(f.add("old.sh", func() *plugintest.Fake {
		p := plugintest.New("old").WithDeps("missing")
		p.Meta.Version = "1.x"
		p.Meta.HostVersion = ">=2.0"
		p.Meta.Platforms = []plugin.Platform{otherPlatform()}
		return p
	}))

	r, err := f.m.CheckCompatibility("old")
	require.NoError(t, err)
	assert.False(t, r.Compatible)

	kinds := make([]IssueKind, 0, len(r.Issues))
	for _, i := range r.Issues {
		kinds = append(kinds, i.Kind)
	}
	assert.Equal(t, []IssueKind{IssueVersionFormat, IssueHostVersion, IssuePlatform, IssueMissingDependency}, kinds)
	assert.Equal(t, ">=2.0", r.Issues[1].Required)
	assert.Equal(t, "1.2.0", r.Issues[1].Current)
	assert.Contains(t, r.Issues[3].String(), "missing")
}

func TestCheckCompatibility_Compatible(t *testing.T) {
	f := newFixture(t, WithHostVersion("1.2.0"))
	f.load(f.add("ok.sh", func() *plugintest.Fake {
		p := plugintest.New("ok")
		p.Meta.HostVersion = "1.0"
		p.Meta.Platforms = []plugin.Platform{plugin.CurrentPlatform()}
		return p
	}))

	r, err := f.m.CheckCompatibility("ok")
	require.NoError(t, err)
	assert.True(t, r.Compatible)
	assert.Empty(t, r.Issues)

	_, err = f.m.CheckCompatibility("ghost")
	assert.ErrorIs(t, err, plugin.ErrNotFound)
}

func TestHostSatisfies(t *testing.T) {
	tests := []struct {
		required string
		want     bool
		wantErr  bool
	}{
		{"1.0", true, false},
		{"1.2.0", true, false},
		{"1.3", false, false},
		{"^1.0", true, false},
		{"~1.1", false, false},
		{"=1.2.0", true, false},
		{"<1.2", false, false},
		{"abc", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.required, func(t *testing.T) {
			got, err := hostSatisfies("1.2.0", tt.required)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckAllCompatibility(t *testing.T) {
	f := newFixture(t)
	f.load(f.add("b.sh", fakeOf("b")))
	f.load(f.add("a.sh", fakeOf("a")))

	reports := f.m.CheckAllCompatibility()
	require.Len(t, reports, 2)
	assert.Equal(t, "b", reports[0].PluginID)
	assert.Equal(t, "a", reports[1].PluginID)
}

func TestDetectConflicts(t *testing.T) {
	f := newFixture(t)
	assert.Empty(t, f.m.DetectConflicts())

	f.load(f.add("a.sh", fakeOf("same")))
	f.load(f.add("b.sh", fakeOf("same")))
	f.load(f.add("p.sh", fakeWithDeps("p", "q")))
	f.load(f.add("q.sh", fakeWithDeps("q", "p")))
	f.load(f.add("r.sh", fakeWithDeps("r", "not-loaded")))

	conflicts := f.m.DetectConflicts()
	require.Len(t, conflicts, 2)

	assert.Equal(t, "dependency_cycle", conflicts[0].Kind)
	assert.Equal(t, []string{"p", "q"}, conflicts[0].PluginIDs)

	assert.Equal(t, "duplicate_id", conflicts[1].Kind)
	assert.Equal(t, []string{"a", "b"}, conflicts[1].PluginIDs)
	assert.Contains(t, conflicts[1].Detail, "same")
}
