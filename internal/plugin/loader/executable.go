package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"slices"
	"strings"

	"github.com/jiangfire/envcli-sub000/internal/logging"
	"github.com/jiangfire/envcli-sub000/internal/plugin"
)

// Protocol actions understood by executable plugins.
const (
	ActionMetadata         = "metadata"
	ActionExecuteHook      = "execute_hook"
	ActionExecuteExtension = "execute_extension"
)

// Request is written as JSON to the plugin's stdin.
type Request struct {
	Action   string              `json:"action"`
	HookType plugin.HookType     `json:"hook_type,omitempty"`
	Context  *plugin.HookContext `json:"context,omitempty"`
	Config   *plugin.Config      `json:"config,omitempty"`
}

// Response is read as JSON from the plugin's stdout.
type Response struct {
	Success  bool               `json:"success"`
	Result   *plugin.HookResult `json:"result,omitempty"`
	Metadata *plugin.Metadata   `json:"metadata,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// ExecutablePlugin talks to an external program. Every call is one process
// spawn and one request/response round trip.
type ExecutablePlugin struct {
	path string
	meta plugin.Metadata
	cfg  plugin.Config
	log  *logging.Logger
}

// Path returns the program path.
func (p *ExecutablePlugin) Path() string { return p.path }

func (p *ExecutablePlugin) Metadata() plugin.Metadata { return p.meta }

// Initialize stores cfg and refreshes the metadata from the program.
func (p *ExecutablePlugin) Initialize(cfg plugin.Config) error {
	return p.initialize(context.Background(), cfg)
}

func (p *ExecutablePlugin) initialize(ctx context.Context, cfg plugin.Config) error {
	p.cfg = cfg.Clone()
	resp, err := p.call(ctx, Request{Action: ActionMetadata})
	if err != nil {
		return err
	}
	if resp.Metadata == nil {
		return plugin.Errorf(plugin.ErrExecutionFailed, "%s returned no metadata", p.path)
	}

	meta := *resp.Metadata
	if meta.ID == "" {
		meta.ID = plugin.IDFromPath(p.path)
	}
	meta.Type = plugin.TypeExternalExecutable
	p.meta = meta
	return nil
}

func (p *ExecutablePlugin) ExecuteHook(ctx context.Context, hook plugin.HookType, hc *plugin.HookContext) (*plugin.HookResult, error) {
	resp, err := p.call(ctx, Request{Action: ActionExecuteHook, HookType: hook, Context: hc})
	if err != nil {
		return nil, err
	}
	if resp.Result == nil {
		return nil, plugin.Errorf(plugin.ErrExecutionFailed, "%s returned no hook result", p.path)
	}
	return resp.Result, nil
}

func (p *ExecutablePlugin) SupportsExtension(ext plugin.ExtensionPoint) bool {
	return slices.Contains(p.meta.Extensions, ext)
}

// ExecuteExtension passes input in plugin_data["input"] and reads the output
// from the result's plugin_data["output"].
func (p *ExecutablePlugin) ExecuteExtension(ctx context.Context, ext plugin.ExtensionPoint, input []byte) ([]byte, error) {
	if !p.SupportsExtension(ext) {
		return nil, plugin.Errorf(plugin.ErrUnsupported, "%s does not provide %s", p.meta.ID, ext)
	}
	hc := plugin.NewHookContext(string(ext))
	hc.PluginData["input"] = string(input)

	resp, err := p.call(ctx, Request{Action: ActionExecuteExtension, Context: hc})
	if err != nil {
		return nil, err
	}
	if resp.Result == nil {
		return nil, nil
	}
	return []byte(resp.Result.PluginData["output"]), nil
}

// Shutdown is a no-op: the program holds no state between calls.
func (p *ExecutablePlugin) Shutdown() error { return nil }

func (p *ExecutablePlugin) call(ctx context.Context, req Request) (*Response, error) {
	cfg := p.cfg
	req.Config = &cfg

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", req.Action, err)
	}

	cmd := exec.CommandContext(ctx, p.path)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = os.Environ()
	for k, v := range p.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	p.log.Trace().Str("action", req.Action).Str("path", p.path).Msg("spawning plugin")

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, plugin.Errorf(plugin.ErrExecutionFailed, "%s exited %d: %s",
				p.path, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, plugin.Errorf(plugin.ErrExecutionFailed, "running %s: %v", p.path, err)
	}

	var resp Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, plugin.Errorf(plugin.ErrExecutionFailed, "%s: malformed response to %s: %v",
			p.path, req.Action, err)
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "unknown error"
		}
		return nil, plugin.Errorf(plugin.ErrExecutionFailed, "%s: %s failed: %s", p.path, req.Action, msg)
	}
	return &resp, nil
}

// ExecutableLoader runs plugins as external programs.
type ExecutableLoader struct {
	log *logging.Logger
}

// NewExecutableLoader creates the external-executable loader.
func NewExecutableLoader(log *logging.Logger) *ExecutableLoader {
	return &ExecutableLoader{log: log.Sub("loader.exec")}
}

func (l *ExecutableLoader) Type() plugin.PluginType { return plugin.TypeExternalExecutable }

func (l *ExecutableLoader) Load(ctx context.Context, path string, cfg plugin.Config) (plugin.Plugin, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, plugin.Errorf(plugin.ErrLoadFailed, "plugin file %s: %v", path, err)
	}
	if info.IsDir() {
		return nil, plugin.Errorf(plugin.ErrLoadFailed, "plugin path %s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
		return nil, plugin.Errorf(plugin.ErrLoadFailed, "plugin file %s is not executable", path)
	}

	p := &ExecutablePlugin{path: path, log: l.log.Plugin(plugin.IDFromPath(path))}
	if err := p.initialize(ctx, cfg); err != nil {
		return nil, plugin.Errorf(plugin.ErrLoadFailed, "handshake with %s: %v", path, err)
	}

	l.log.Debug().Str("path", path).Str("plugin", p.meta.ID).Msg("executable plugin loaded")
	return p, nil
}

func (l *ExecutableLoader) Unload(p plugin.Plugin) error {
	return unload(p)
}
