package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiangfire/envcli-sub000/internal/config"
	"github.com/jiangfire/envcli-sub000/internal/logging"
	"github.com/jiangfire/envcli-sub000/internal/plugin"
	"github.com/jiangfire/envcli-sub000/internal/plugin/loader"
	"github.com/jiangfire/envcli-sub000/internal/plugin/plugintest"
	"github.com/jiangfire/envcli-sub000/internal/store"
)

// fakeLoader builds plugintest fakes for .sh files, keyed by file name.
type fakeLoader struct {
	mu        sync.Mutex
	factories map[string]func() *plugintest.Fake
	failures  map[string]error
	created   map[string][]*plugintest.Fake
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		factories: make(map[string]func() *plugintest.Fake),
		failures:  make(map[string]error),
		created:   make(map[string][]*plugintest.Fake),
	}
}

func (l *fakeLoader) Type() plugin.PluginType { return plugin.TypeExternalExecutable }

func (l *fakeLoader) Load(_ context.Context, path string, cfg plugin.Config) (plugin.Plugin, error) {
	name := filepath.Base(path)
	l.mu.Lock()
	err := l.failures[name]
	build := l.factories[name]
	l.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if build == nil {
		return nil, plugin.Errorf(plugin.ErrLoadFailed, "no fake registered for %s", name)
	}
	f := build()
	if err := f.Initialize(cfg); err != nil {
		return nil, plugin.Errorf(plugin.ErrLoadFailed, "initialize: %v", err)
	}

	l.mu.Lock()
	l.created[name] = append(l.created[name], f)
	l.mu.Unlock()
	return f, nil
}

func (l *fakeLoader) Unload(p plugin.Plugin) error {
	defer plugin.Release(p)
	return p.Shutdown()
}

func (l *fakeLoader) fail(name string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[name] = err
}

func (l *fakeLoader) instances(name string) []*plugintest.Fake {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*plugintest.Fake(nil), l.created[name]...)
}

func (l *fakeLoader) last(name string) *plugintest.Fake {
	all := l.instances(name)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

type memJournal struct {
	mu     sync.Mutex
	events []store.Event
}

func (j *memJournal) Record(_ context.Context, ev store.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	return nil
}

func (j *memJournal) all() []store.Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]store.Event(nil), j.events...)
}

type fixture struct {
	t      *testing.T
	m      *Manager
	loader *fakeLoader
	dir    string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	fl := newFakeLoader()
	set := loader.NewEmptySet()
	set.Register(fl)
	m := New(logging.Nop(), append([]Option{WithLoaders(set)}, opts...)...)
	return &fixture{t: t, m: m, loader: fl, dir: t.TempDir()}
}

// add writes dir/name and makes every load of it build a fresh fake.
func (f *fixture) add(name string, build func() *plugintest.Fake) string {
	return f.addIn(f.dir, name, build)
}

func (f *fixture) addIn(dir, name string, build func() *plugintest.Fake) string {
	f.t.Helper()
	require.NoError(f.t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(f.t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))

	f.loader.mu.Lock()
	f.loader.factories[name] = build
	f.loader.mu.Unlock()
	return path
}

func (f *fixture) load(path string) string {
	f.t.Helper()
	id, err := f.m.LoadFromPath(context.Background(), path)
	require.NoError(f.t, err)
	return id
}

func fakeOf(id string, hooks ...plugin.HookType) func() *plugintest.Fake {
	return func() *plugintest.Fake { return plugintest.New(id, hooks...) }
}

func runPreCommand(t *testing.T, m *Manager) []plugin.HookResult {
	t.Helper()
	res, err := m.ExecuteHooks(context.Background(), plugin.HookPreCommand, plugin.NewHookContext("run"))
	require.NoError(t, err)
	return res
}

// --- Load tests ---

func TestLoadFromPath_RegistersHooks(t *testing.T) {
	f := newFixture(t)
	path := f.add("fmt.sh", fakeOf("fmt", plugin.HookPreCommand, plugin.HookPostCommand))

	id, err := f.m.LoadFromPath(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "fmt", id)

	info, err := f.m.PluginInfo("fmt")
	require.NoError(t, err)
	assert.Equal(t, path, info.Config.Path)
	assert.True(t, info.Config.Enabled)
	assert.True(t, info.Status.Loaded)
	assert.Equal(t, "fmt", info.Metadata.ID)
	assert.Equal(t, 2, f.m.Dispatcher().Stats().Total)

	assert.Len(t, runPreCommand(t, f.m), 1)

	st, ok := f.m.Status("fmt")
	require.True(t, ok)
	assert.EqualValues(t, 1, st.ExecutionCount)
	assert.Zero(t, st.ErrorCount)
	assert.NotNil(t, st.LastExecution)

	fake := f.loader.last("fmt.sh")
	assert.Equal(t, 1, fake.Calls())
	assert.Equal(t, path, fake.LastConfig().Path)
}

func TestLoadFromPath_DuplicateID(t *testing.T) {
	f := newFixture(t)
	first := f.addIn(filepath.Join(f.dir, "a"), "dup.sh", fakeOf("dup", plugin.HookPreCommand))
	second := f.addIn(filepath.Join(f.dir, "b"), "dup.sh", fakeOf("dup", plugin.HookPreCommand))

	f.load(first)
	_, err := f.m.LoadFromPath(context.Background(), second)
	require.Error(t, err)
	assert.ErrorIs(t, err, plugin.ErrAlreadyExists)

	cfg, ok := f.m.Config("dup")
	require.True(t, ok)
	assert.Equal(t, first, cfg.Path)
	assert.Len(t, runPreCommand(t, f.m), 1)
	assert.Len(t, f.loader.instances("dup.sh"), 1)
}

func TestLoadFromPath_UnknownHookRollsBack(t *testing.T) {
	f := newFixture(t)
	fake := plugintest.New("bad", plugin.HookPreCommand, plugin.HookType("Bogus"))
	path := f.add("bad.sh", func() *plugintest.Fake { return fake })

	_, err := f.m.LoadFromPath(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, plugin.ErrUnsupported)
	assert.Contains(t, err.Error(), "rolled back")

	assert.False(t, f.m.IsLoaded("bad"))
	_, ok := f.m.Config("bad")
	assert.False(t, ok)
	_, ok = f.m.Status("bad")
	assert.False(t, ok)
	assert.Zero(t, f.m.Dispatcher().Stats().Total)
	assert.Equal(t, 1, fake.Shutdowns())
	assert.Equal(t, 1, fake.Releases())
}

func TestLoadFromPath_InvalidID(t *testing.T) {
	f := newFixture(t)
	path := f.add("bad--id.sh", fakeOf("bad--id"))

	_, err := f.m.LoadFromPath(context.Background(), path)
	require.Error(t, err)
	assert.Empty(t, f.loader.instances("bad--id.sh"))
}

func TestLoadFromPath_LoaderFailure(t *testing.T) {
	f := newFixture(t)
	path := f.add("fmt.sh", fakeOf("fmt"))
	f.loader.fail("fmt.sh", plugin.Errorf(plugin.ErrLoadFailed, "corrupt"))

	_, err := f.m.LoadFromPath(context.Background(), path)
	assert.ErrorIs(t, err, plugin.ErrLoadFailed)
	assert.False(t, f.m.IsLoaded("fmt"))
}

func TestLoadFromPath_PluginsFileOverrides(t *testing.T) {
	pf := config.NewPluginsFile("")
	require.NoError(t, pf.SetSetting("fmt", "style", "compact"))
	require.NoError(t, pf.SetEnv("fmt", "FMT_MODE", "ci"))
	require.NoError(t, pf.SetPriority("fmt", plugin.PriorityHigh))

	f := newFixture(t, WithPluginsFile(pf))
	f.load(f.add("fmt.sh", fakeOf("fmt", plugin.HookPreCommand)))

	cfg, ok := f.m.Config("fmt")
	require.True(t, ok)
	assert.Equal(t, "compact", cfg.Settings["style"])
	assert.Equal(t, "ci", cfg.Env["FMT_MODE"])
	assert.Equal(t, "compact", f.loader.last("fmt.sh").LastConfig().Settings["style"])

	bindings := f.m.Dispatcher().Bindings("fmt")
	require.Len(t, bindings, 1)
	assert.Equal(t, plugin.PriorityHigh, bindings[0].Priority)
}

func TestLoadFromPath_DisabledEntry(t *testing.T) {
	pf := config.NewPluginsFile("")
	require.NoError(t, pf.Disable("quiet"))

	f := newFixture(t, WithPluginsFile(pf))
	f.load(f.add("quiet.sh", fakeOf("quiet", plugin.HookPreCommand)))

	assert.Empty(t, runPreCommand(t, f.m))
	assert.Zero(t, f.loader.last("quiet.sh").Calls())
	assert.Empty(t, f.m.ListPlugins(false))
	assert.Len(t, f.m.ListPlugins(true), 1)

	require.NoError(t, f.m.Enable("quiet"))
	assert.Len(t, runPreCommand(t, f.m), 1)
}

func TestLoadFromPath_SchemaDefaults(t *testing.T) {
	f := newFixture(t)
	path := f.add("fmt.sh", func() *plugintest.Fake {
		p := plugintest.New("fmt", plugin.HookPreCommand)
		p.Meta.ConfigSchema = &plugin.ConfigSchema{Fields: []plugin.ConfigField{
			{Name: "mode", Type: plugin.FieldString, Default: "fast"},
			{Name: "width", Type: plugin.FieldNumber},
		}}
		return p
	})

	f.load(path)

	cfg, _ := f.m.Config("fmt")
	assert.Equal(t, "fast", cfg.Settings["mode"])
	fake := f.loader.last("fmt.sh")
	assert.Equal(t, "fast", fake.LastConfig().Settings["mode"])
	assert.Equal(t, 2, fake.Inits())
}

func TestLoadFromPath_InvalidSettings(t *testing.T) {
	pf := config.NewPluginsFile("")
	require.NoError(t, pf.SetSetting("fmt", "width", "wide"))

	f := newFixture(t, WithPluginsFile(pf))
	path := f.add("fmt.sh", func() *plugintest.Fake {
		p := plugintest.New("fmt", plugin.HookPreCommand)
		p.Meta.ConfigSchema = &plugin.ConfigSchema{Fields: []plugin.ConfigField{
			{Name: "width", Type: plugin.FieldNumber},
		}}
		return p
	})

	_, err := f.m.LoadFromPath(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, plugin.ErrConfig)
	assert.False(t, f.m.IsLoaded("fmt"))
	assert.Equal(t, 1, f.loader.last("fmt.sh").Shutdowns())
}

func TestLoadFromPath_Sandbox(t *testing.T) {
	base := t.TempDir()
	f := newFixture(t, WithSandbox(base))

	outside := f.add("out.sh", fakeOf("out"))
	_, err := f.m.LoadFromPath(context.Background(), outside)
	require.Error(t, err)
	assert.ErrorIs(t, err, plugin.ErrConfig)

	inside := f.addIn(base, "in.sh", fakeOf("in"))
	f.load(inside)
	assert.True(t, f.m.IsLoaded("in"))
}

// --- Unload / enable tests ---

func TestUnload(t *testing.T) {
	f := newFixture(t)
	f.load(f.add("fmt.sh", fakeOf("fmt", plugin.HookPreCommand)))
	fake := f.loader.last("fmt.sh")

	require.NoError(t, f.m.Unload("fmt"))
	assert.False(t, f.m.IsLoaded("fmt"))
	_, ok := f.m.Config("fmt")
	assert.False(t, ok)
	_, ok = f.m.Status("fmt")
	assert.False(t, ok)
	assert.Zero(t, f.m.Dispatcher().Stats().Total)
	assert.Equal(t, 1, fake.Shutdowns())
	assert.Equal(t, 1, fake.Releases())

	assert.ErrorIs(t, f.m.Unload("fmt"), plugin.ErrNotFound)
}

func TestUnload_ShutdownErrorStillCleansUp(t *testing.T) {
	errShutdown := errors.New("flush failed")
	f := newFixture(t)
	f.load(f.add("fmt.sh", func() *plugintest.Fake {
		p := plugintest.New("fmt", plugin.HookPreCommand)
		p.ShutdownErr = errShutdown
		return p
	}))

	err := f.m.Unload("fmt")
	assert.ErrorIs(t, err, errShutdown)
	assert.False(t, f.m.IsLoaded("fmt"))
	assert.Equal(t, 1, f.loader.last("fmt.sh").Releases())
}

func TestEnableDisable(t *testing.T) {
	f := newFixture(t)
	f.load(f.add("fmt.sh", fakeOf("fmt", plugin.HookPreCommand, plugin.HookPostCommand)))

	require.NoError(t, f.m.Disable("fmt"))
	cfg, _ := f.m.Config("fmt")
	st, _ := f.m.Status("fmt")
	assert.False(t, cfg.Enabled)
	assert.False(t, st.Enabled)
	for _, b := range f.m.Dispatcher().Bindings("fmt") {
		assert.False(t, b.Enabled, b.Hook)
	}
	assert.Empty(t, runPreCommand(t, f.m))

	require.NoError(t, f.m.Enable("fmt"))
	assert.Len(t, runPreCommand(t, f.m), 1)

	assert.ErrorIs(t, f.m.Enable("ghost"), plugin.ErrNotFound)
	assert.ErrorIs(t, f.m.Disable("ghost"), plugin.ErrNotFound)
}

// --- Hook execution tests ---

func TestExecuteHooks_FailureUpdatesStatus(t *testing.T) {
	f := newFixture(t)
	f.load(f.add("fmt.sh", func() *plugintest.Fake {
		p := plugintest.New("fmt", plugin.HookPreCommand)
		p.OnHook = func(context.Context, plugin.HookType, *plugin.HookContext) (*plugin.HookResult, error) {
			return nil, errors.New("nope")
		}
		return p
	}))

	res := runPreCommand(t, f.m)
	require.Len(t, res, 1)
	assert.True(t, res[0].ContinueExecution)
	assert.Contains(t, res[0].Message, "nope")

	st, _ := f.m.Status("fmt")
	assert.EqualValues(t, 1, st.ExecutionCount)
	assert.EqualValues(t, 1, st.ErrorCount)
	assert.Equal(t, "nope", st.LastError)
}

func TestExecuteHooksWithContext_MergesEnv(t *testing.T) {
	f := newFixture(t)
	f.load(f.add("env.sh", func() *plugintest.Fake {
		p := plugintest.New("env", plugin.HookPreRun)
		p.OnHook = func(context.Context, plugin.HookType, *plugin.HookContext) (*plugin.HookResult, error) {
			res := plugin.Continue()
			res.ModifiedEnv["STAGE"] = "ci"
			return res, nil
		}
		return p
	}))

	hc := plugin.NewHookContext("run")
	_, err := f.m.ExecuteHooksWithContext(context.Background(), plugin.HookPreRun, hc)
	require.NoError(t, err)
	assert.Equal(t, "ci", hc.Env["STAGE"])
}

// --- Scan / shutdown / stats tests ---

func TestScanAndLoad(t *testing.T) {
	f := newFixture(t)
	f.add("a.sh", fakeOf("a"))
	f.add("b.sh", fakeOf("b"))
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "mod.wasm"), []byte("x"), 0o644))

	loaded, err := f.m.ScanAndLoad(context.Background(), f.dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, loaded)

	again, err := f.m.ScanAndLoad(context.Background(), f.dir)
	require.NoError(t, err)
	assert.Empty(t, again)

	none, err := f.m.ScanAndLoad(context.Background(), filepath.Join(f.dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestScanAndLoad_ReportsFailures(t *testing.T) {
	f := newFixture(t)
	f.add("a.sh", fakeOf("a"))
	f.add("b.sh", fakeOf("b"))
	f.loader.fail("b.sh", plugin.Errorf(plugin.ErrLoadFailed, "broken"))

	loaded, err := f.m.ScanAndLoad(context.Background(), f.dir)
	assert.Equal(t, []string{"a"}, loaded)
	require.Error(t, err)
	assert.ErrorIs(t, err, plugin.ErrLoadFailed)
	assert.Contains(t, err.Error(), "b.sh")
}

func TestShutdown_UnloadsEverything(t *testing.T) {
	f := newFixture(t)
	f.load(f.add("a.sh", fakeOf("a", plugin.HookPreCommand)))
	f.load(f.add("b.sh", fakeOf("b", plugin.HookPreCommand)))

	require.NoError(t, f.m.Shutdown())
	assert.Empty(t, f.m.LoadedIDs())
	assert.Equal(t, 1, f.loader.last("a.sh").Shutdowns())
	assert.Equal(t, 1, f.loader.last("b.sh").Shutdowns())
	assert.Zero(t, f.m.Dispatcher().Stats().Total)
}

func TestExecuteExtension(t *testing.T) {
	f := newFixture(t)
	f.load(f.add("fmt.sh", func() *plugintest.Fake {
		p := plugintest.New("fmt")
		p.Meta.Extensions = []plugin.ExtensionPoint{plugin.ExtCustomFormatter}
		return p
	}))

	out, err := f.m.ExecuteExtension(context.Background(), "fmt", plugin.ExtCustomFormatter, []byte("A=1"))
	require.NoError(t, err)
	assert.Equal(t, "A=1", string(out))

	_, err = f.m.ExecuteExtension(context.Background(), "fmt", plugin.ExtCustomStorage, nil)
	assert.ErrorIs(t, err, plugin.ErrUnsupported)
	_, err = f.m.ExecuteExtension(context.Background(), "ghost", plugin.ExtCustomFormatter, nil)
	assert.ErrorIs(t, err, plugin.ErrNotFound)

	require.NoError(t, f.m.Disable("fmt"))
	_, err = f.m.ExecuteExtension(context.Background(), "fmt", plugin.ExtCustomFormatter, nil)
	assert.ErrorIs(t, err, plugin.ErrExecutionFailed)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.load(f.add("a.sh", fakeOf("a", plugin.HookPreCommand)))
	f.load(f.add("b.sh", fakeOf("b", plugin.HookPreCommand)))
	require.NoError(t, f.m.Disable("b"))

	s := f.m.Stats()
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 2, s.Loaded)
	assert.Equal(t, 1, s.Enabled)
	assert.Equal(t, 1, s.Disabled)
	assert.Equal(t, 2, s.Hooks.PreCommand)
}

func TestPerformanceStats(t *testing.T) {
	f := newFixture(t)
	f.load(f.add("a.sh", fakeOf("a")))
	broken := f.add("b.sh", fakeOf("b"))
	f.loader.fail("b.sh", plugin.Errorf(plugin.ErrLoadFailed, "broken"))
	_, err := f.m.LoadFromPath(context.Background(), broken)
	require.Error(t, err)

	ps := f.m.PerformanceStats()
	assert.EqualValues(t, 2, ps.Loads)
	assert.EqualValues(t, 1, ps.Errors)
	assert.EqualValues(t, 2, ps.Operations[opLoad].Count)
	assert.GreaterOrEqual(t, ps.Operations[opLoad].Max, ps.Operations[opLoad].Average)

	f.m.ResetStats()
	ps = f.m.PerformanceStats()
	assert.Zero(t, ps.Loads)
	assert.Empty(t, ps.Operations)
}

func TestJournal_RecordsLifecycle(t *testing.T) {
	j := &memJournal{}
	f := newFixture(t, WithJournal(j))
	f.load(f.add("fmt.sh", fakeOf("fmt")))
	require.NoError(t, f.m.Disable("fmt"))
	require.NoError(t, f.m.Unload("fmt"))

	events := j.all()
	require.Len(t, events, 3)
	assert.Equal(t, store.ActionLoad, events[0].Action)
	assert.Equal(t, store.ActionDisable, events[1].Action)
	assert.Equal(t, store.ActionUnload, events[2].Action)
	for _, ev := range events {
		assert.Equal(t, "fmt", ev.PluginID)
		assert.True(t, ev.Success)
	}
}
