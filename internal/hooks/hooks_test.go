package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jiangfire/envcli-sub000/internal/logging"
	"github.com/jiangfire/envcli-sub000/internal/plugin"
	"github.com/jiangfire/envcli-sub000/internal/plugin/plugintest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDispatcher() *Dispatcher {
	return NewDispatcher(logging.New(nil, "silent"))
}

// recorder appends plugin ids to a shared slice in call order.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) plugin(id string, fn func(*plugin.HookContext) (*plugin.HookResult, error)) *plugintest.Fake {
	f := plugintest.New(id, plugin.HookPreCommand)
	f.OnHook = func(_ context.Context, _ plugin.HookType, hc *plugin.HookContext) (*plugin.HookResult, error) {
		r.mu.Lock()
		r.order = append(r.order, id)
		r.mu.Unlock()
		if fn != nil {
			return fn(hc)
		}
		return plugin.Continue(), nil
	}
	return f
}

func (r *recorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func TestRegister_PriorityOrder(t *testing.T) {
	for _, reverse := range []bool{false, true} {
		d := testDispatcher()
		rec := &recorder{}
		a := rec.plugin("a", nil)
		b := rec.plugin("b", nil)

		if reverse {
			require.NoError(t, d.Register(plugin.HookPreCommand, "b", b, plugin.PriorityLow))
			require.NoError(t, d.Register(plugin.HookPreCommand, "a", a, plugin.PriorityHigh))
		} else {
			require.NoError(t, d.Register(plugin.HookPreCommand, "a", a, plugin.PriorityHigh))
			require.NoError(t, d.Register(plugin.HookPreCommand, "b", b, plugin.PriorityLow))
		}

		results, err := d.Execute(context.Background(), plugin.HookPreCommand, plugin.NewHookContext("run"))
		require.NoError(t, err)
		assert.Len(t, results, 2)
		assert.Equal(t, []string{"a", "b"}, rec.calls())
	}
}

func TestRegister_EqualPriorityKeepsRegistrationOrder(t *testing.T) {
	d := testDispatcher()
	rec := &recorder{}
	for _, id := range []string{"first", "second", "third"} {
		require.NoError(t, d.Register(plugin.HookPreCommand, id, rec.plugin(id, nil), plugin.PriorityNormal))
	}
	require.NoError(t, d.Register(plugin.HookPreCommand, "early", rec.plugin("early", nil), plugin.PriorityCritical))

	_, err := d.Execute(context.Background(), plugin.HookPreCommand, plugin.NewHookContext("run"))
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "first", "second", "third"}, rec.calls())
}

func TestRegister_Rejects(t *testing.T) {
	d := testDispatcher()
	p := plugintest.New("p")

	assert.ErrorIs(t, d.Register("Bogus", "p", p, plugin.PriorityNormal), plugin.ErrUnsupported)
	assert.ErrorIs(t, d.Register(plugin.HookPreRun, "p", nil, plugin.PriorityNormal), plugin.ErrConfig)

	require.NoError(t, d.Register(plugin.HookPreRun, "p", p, plugin.PriorityNormal))
	assert.ErrorIs(t, d.Register(plugin.HookPreRun, "p", p, plugin.PriorityHigh), plugin.ErrAlreadyExists)
}

func TestExecute_StopsOnContinueFalse(t *testing.T) {
	d := testDispatcher()
	rec := &recorder{}
	stop := func(*plugin.HookContext) (*plugin.HookResult, error) {
		r := plugin.Continue()
		r.ContinueExecution = false
		r.Message = "blocked"
		return r, nil
	}
	require.NoError(t, d.Register(plugin.HookPreCommand, "a", rec.plugin("a", nil), plugin.PriorityHigh))
	require.NoError(t, d.Register(plugin.HookPreCommand, "stop", rec.plugin("stop", stop), plugin.PriorityNormal))
	require.NoError(t, d.Register(plugin.HookPreCommand, "never", rec.plugin("never", nil), plugin.PriorityLow))

	results, err := d.Execute(context.Background(), plugin.HookPreCommand, plugin.NewHookContext("run"))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "blocked", results[1].Message)
	assert.Equal(t, []string{"a", "stop"}, rec.calls())
}

func TestExecute_NonCriticalErrorDegrades(t *testing.T) {
	d := testDispatcher()
	rec := &recorder{}
	fail := func(*plugin.HookContext) (*plugin.HookResult, error) { return nil, errors.New("disk full") }

	require.NoError(t, d.Register(plugin.HookPreCommand, "bad", rec.plugin("bad", fail), plugin.PriorityHigh))
	require.NoError(t, d.Register(plugin.HookPreCommand, "good", rec.plugin("good", nil), plugin.PriorityNormal))

	results, err := d.Execute(context.Background(), plugin.HookPreCommand, plugin.NewHookContext("run"))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].ContinueExecution)
	assert.Equal(t, "Hook failed: disk full", results[0].Message)
	assert.Equal(t, []string{"bad", "good"}, rec.calls())
}

func TestExecute_CriticalErrorAborts(t *testing.T) {
	d := testDispatcher()
	rec := &recorder{}
	boom := errors.New("boom")
	fail := func(*plugin.HookContext) (*plugin.HookResult, error) { return nil, boom }

	require.NoError(t, d.Register(plugin.HookPreCommand, "guard", rec.plugin("guard", fail), plugin.PriorityCritical))
	require.NoError(t, d.Register(plugin.HookPreCommand, "after", rec.plugin("after", nil), plugin.PriorityNormal))

	_, err := d.Execute(context.Background(), plugin.HookPreCommand, plugin.NewHookContext("run"))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "guard")
	assert.Equal(t, []string{"guard"}, rec.calls())
}

func TestExecute_NoRegistrations(t *testing.T) {
	d := testDispatcher()
	results, err := d.Execute(context.Background(), plugin.HookPostRun, plugin.NewHookContext("run"))
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestExecute_NilResultTreatedAsContinue(t *testing.T) {
	d := testDispatcher()
	rec := &recorder{}
	nilResult := func(*plugin.HookContext) (*plugin.HookResult, error) { return nil, nil }
	require.NoError(t, d.Register(plugin.HookPreCommand, "a", rec.plugin("a", nilResult), plugin.PriorityNormal))
	require.NoError(t, d.Register(plugin.HookPreCommand, "b", rec.plugin("b", nil), plugin.PriorityNormal))

	results, err := d.Execute(context.Background(), plugin.HookPreCommand, plugin.NewHookContext("run"))
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestExecuteWithContext_MergesForward(t *testing.T) {
	d := testDispatcher()
	rec := &recorder{}

	first := func(*plugin.HookContext) (*plugin.HookResult, error) {
		r := plugin.Continue()
		r.ModifiedEnv["TOKEN"] = "abc"
		r.PluginData["seen"] = "first"
		return r, nil
	}
	var sawToken, sawData string
	second := func(hc *plugin.HookContext) (*plugin.HookResult, error) {
		sawToken = hc.Env["TOKEN"]
		sawData = hc.PluginData["seen"]
		r := plugin.Continue()
		r.ModifiedEnv["TOKEN"] = "override"
		return r, nil
	}

	require.NoError(t, d.Register(plugin.HookPreCommand, "first", rec.plugin("first", first), plugin.PriorityHigh))
	require.NoError(t, d.Register(plugin.HookPreCommand, "second", rec.plugin("second", second), plugin.PriorityNormal))

	hc := plugin.NewHookContext("run")
	hc.Env["KEEP"] = "1"
	results, err := d.ExecuteWithContext(context.Background(), plugin.HookPreCommand, hc)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	assert.Equal(t, "abc", sawToken)
	assert.Equal(t, "first", sawData)
	assert.Equal(t, "override", hc.Env["TOKEN"])
	assert.Equal(t, "1", hc.Env["KEEP"])
	assert.True(t, hc.ContinueExecution)
}

func TestExecuteWithContext_ContinueStaysFalse(t *testing.T) {
	d := testDispatcher()
	rec := &recorder{}
	stop := func(*plugin.HookContext) (*plugin.HookResult, error) {
		r := plugin.Continue()
		r.ContinueExecution = false
		return r, nil
	}
	require.NoError(t, d.Register(plugin.HookPreCommand, "stop", rec.plugin("stop", stop), plugin.PriorityHigh))
	require.NoError(t, d.Register(plugin.HookPreCommand, "later", rec.plugin("later", nil), plugin.PriorityLow))

	hc := plugin.NewHookContext("run")
	_, err := d.ExecuteWithContext(context.Background(), plugin.HookPreCommand, hc)
	require.NoError(t, err)
	assert.False(t, hc.ContinueExecution)
	assert.Equal(t, []string{"stop"}, rec.calls())

	// A context that arrives already stopped runs nothing.
	rec2 := &recorder{}
	d2 := testDispatcher()
	require.NoError(t, d2.Register(plugin.HookPreCommand, "x", rec2.plugin("x", nil), plugin.PriorityNormal))
	stopped := plugin.NewHookContext("run")
	stopped.ContinueExecution = false
	results, err := d2.ExecuteWithContext(context.Background(), plugin.HookPreCommand, stopped)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, rec2.calls())
}

func TestUnregister_PrunesEmptyHooks(t *testing.T) {
	d := testDispatcher()
	p := plugintest.New("p")
	q := plugintest.New("q")

	require.NoError(t, d.Register(plugin.HookPreCommand, "p", p, plugin.PriorityNormal))
	require.NoError(t, d.Register(plugin.HookPostCommand, "p", p, plugin.PriorityNormal))
	require.NoError(t, d.Register(plugin.HookPostCommand, "q", q, plugin.PriorityNormal))

	assert.Equal(t, 2, d.Unregister("p"))
	assert.False(t, d.HasHooks(plugin.HookPreCommand))
	assert.True(t, d.HasHooks(plugin.HookPostCommand))
	assert.Equal(t, []plugin.HookType{plugin.HookPostCommand}, d.HookTypes())
	assert.Equal(t, 0, d.Unregister("p"))
}

func TestEnableDisableHook(t *testing.T) {
	d := testDispatcher()
	rec := &recorder{}
	require.NoError(t, d.Register(plugin.HookPreCommand, "p", rec.plugin("p", nil), plugin.PriorityNormal))

	require.NoError(t, d.DisableHook(plugin.HookPreCommand, "p"))
	results, err := d.Execute(context.Background(), plugin.HookPreCommand, plugin.NewHookContext("run"))
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.True(t, d.HasHooks(plugin.HookPreCommand))

	require.NoError(t, d.EnableHook(plugin.HookPreCommand, "p"))
	results, err = d.Execute(context.Background(), plugin.HookPreCommand, plugin.NewHookContext("run"))
	require.NoError(t, err)
	assert.Len(t, results, 1)

	assert.ErrorIs(t, d.DisableHook(plugin.HookPostRun, "p"), plugin.ErrNotFound)
}

func TestBindingsAndStats(t *testing.T) {
	d := testDispatcher()
	p := plugintest.New("p")
	require.NoError(t, d.Register(plugin.HookPreCommand, "p", p, plugin.PriorityHigh))
	require.NoError(t, d.Register(plugin.HookError, "p", p, plugin.PriorityLow))
	require.NoError(t, d.Register(plugin.HookPostCommand, "q", plugintest.New("q"), plugin.PriorityNormal))
	require.NoError(t, d.DisableHook(plugin.HookError, "p"))

	assert.Equal(t, []Binding{
		{Hook: plugin.HookPreCommand, Priority: plugin.PriorityHigh, Enabled: true},
		{Hook: plugin.HookError, Priority: plugin.PriorityLow, Enabled: false},
	}, d.Bindings("p"))

	s := d.Stats()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.Enabled)
	assert.Equal(t, 1, s.PreCommand)
	assert.Equal(t, 1, s.PostCommand)
	assert.Equal(t, 1, s.Error)

	regs := d.Registrations(plugin.HookPreCommand)
	require.Len(t, regs, 1)
	assert.Equal(t, "p", regs[0].PluginID)

	d.Clear()
	assert.Equal(t, 0, d.Stats().Total)
}

func TestExecute_ConcurrentWithRegistration(t *testing.T) {
	d := testDispatcher()
	require.NoError(t, d.Register(plugin.HookPreCommand, "base", plugintest.New("base"), plugin.PriorityNormal))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := d.Execute(context.Background(), plugin.HookPreCommand, plugin.NewHookContext("run"))
			assert.NoError(t, err)
		}()
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			_ = d.Register(plugin.HookPreCommand, id, plugintest.New(id), plugin.PriorityLow)
			d.Unregister(id)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, d.Stats().Total)
}

func TestExecute_PanicIsAHookFailure(t *testing.T) {
	panics := func(*plugin.HookContext) (*plugin.HookResult, error) { panic("nil map write") }

	t.Run("normal priority degrades", func(t *testing.T) {
		d := testDispatcher()
		rec := &recorder{}
		require.NoError(t, d.Register(plugin.HookPreCommand, "bad", rec.plugin("bad", panics), plugin.PriorityNormal))
		require.NoError(t, d.Register(plugin.HookPreCommand, "good", rec.plugin("good", nil), plugin.PriorityLow))

		results, err := d.Execute(context.Background(), plugin.HookPreCommand, plugin.NewHookContext("run"))
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.True(t, results[0].ContinueExecution)
		assert.Contains(t, results[0].Message, "Hook failed:")
		assert.Contains(t, results[0].Message, "nil map write")
		assert.Equal(t, []string{"bad", "good"}, rec.calls())
	})

	t.Run("critical priority aborts", func(t *testing.T) {
		d := testDispatcher()
		rec := &recorder{}
		require.NoError(t, d.Register(plugin.HookPreCommand, "guard", rec.plugin("guard", panics), plugin.PriorityCritical))
		require.NoError(t, d.Register(plugin.HookPreCommand, "after", rec.plugin("after", nil), plugin.PriorityNormal))

		_, err := d.ExecuteWithContext(context.Background(), plugin.HookPreCommand, plugin.NewHookContext("run"))
		require.Error(t, err)
		assert.ErrorIs(t, err, plugin.ErrExecutionFailed)
		assert.Contains(t, err.Error(), "guard")
		assert.Equal(t, []string{"guard"}, rec.calls())
	})
}

func TestExecute_SkipsClosedHandles(t *testing.T) {
	d := testDispatcher()
	rec := &recorder{}
	gone := plugin.NewHandle("gone", rec.plugin("gone", nil), nil)
	require.NoError(t, d.Register(plugin.HookPreCommand, "gone", gone, plugin.PriorityCritical))
	require.NoError(t, d.Register(plugin.HookPreCommand, "live", rec.plugin("live", nil), plugin.PriorityNormal))

	require.NoError(t, gone.Shutdown())
	gone.Release()

	results, err := d.Execute(context.Background(), plugin.HookPreCommand, plugin.NewHookContext("run"))
	require.NoError(t, err)
	assert.Len(t, results, 1)

	hc := plugin.NewHookContext("run")
	results, err = d.ExecuteWithContext(context.Background(), plugin.HookPreCommand, hc)
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, []string{"live", "live"}, rec.calls())
}
