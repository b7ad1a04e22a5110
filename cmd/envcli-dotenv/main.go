// Command envcli-dotenv is an executable envcli plugin. Install it in the
// plugin directory as dotenv.bin.
//
// Before a command runs it loads a .env file into the command environment.
// As a CustomFormatter it renders a JSON object of variables as .env text.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/jiangfire/envcli-sub000/internal/logging"
	"github.com/jiangfire/envcli-sub000/internal/plugin"
	"github.com/jiangfire/envcli-sub000/internal/plugin/loader"
)

const pluginVersion = "1.0.0"

var log *logging.Logger

func main() {
	level := os.Getenv("ENVCLI_PLUGIN_LOG_LEVEL")
	if level == "" {
		level = "error"
	}
	log = logging.New(os.Stderr, level).Sub("dotenv")

	resp := handle(os.Stdin)
	if err := json.NewEncoder(os.Stdout).Encode(resp); err != nil {
		fmt.Fprintf(os.Stderr, "writing response: %v\n", err)
		os.Exit(1)
	}
}

func metadata() plugin.Metadata {
	return plugin.Metadata{
		ID:          "dotenv",
		Name:        "dotenv loader",
		Version:     pluginVersion,
		Description: "Loads variables from a .env file before commands run",
		Type:        plugin.TypeExternalExecutable,
		Hooks:       []plugin.HookType{plugin.HookPreCommand, plugin.HookConfigLoad},
		Extensions:  []plugin.ExtensionPoint{plugin.ExtCustomFormatter},
		ConfigSchema: &plugin.ConfigSchema{Fields: []plugin.ConfigField{
			{Name: "file", Type: plugin.FieldPath, Default: ".env", Description: "file to load"},
			{Name: "override", Type: plugin.FieldBoolean, Default: "false", Description: "replace variables that are already set"},
		}},
		Enabled:      true,
		Dependencies: []string{},
		Platforms:    []plugin.Platform{},
	}
}

func handle(r io.Reader) loader.Response {
	var req loader.Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return failure(fmt.Errorf("parse error: %w", err))
	}
	log.Debug().Str("action", req.Action).Msg("request")

	cfg := plugin.NewConfig("dotenv")
	if req.Config != nil {
		cfg = req.Config.Clone()
	}

	switch req.Action {
	case loader.ActionMetadata:
		m := metadata()
		return loader.Response{Success: true, Metadata: &m}

	case loader.ActionExecuteHook:
		if req.Context == nil {
			return failure(fmt.Errorf("execute_hook without context"))
		}
		res, err := loadHook(cfg, req.Context)
		if err != nil {
			return failure(err)
		}
		return loader.Response{Success: true, Result: res}

	case loader.ActionExecuteExtension:
		if req.Context == nil {
			return failure(fmt.Errorf("execute_extension without context"))
		}
		out, err := format([]byte(req.Context.PluginData["input"]))
		if err != nil {
			return failure(err)
		}
		res := plugin.Continue()
		res.PluginData["output"] = out
		return loader.Response{Success: true, Result: res}
	}

	return failure(fmt.Errorf("unknown action %q", req.Action))
}

func failure(err error) loader.Response {
	log.Error().Err(err).Msg("request failed")
	return loader.Response{Success: false, Error: err.Error()}
}

// loadHook reads the configured file and returns the variables the command
// does not already have. A missing file is not an error.
func loadHook(cfg plugin.Config, hc *plugin.HookContext) (*plugin.HookResult, error) {
	path := cfg.Settings["file"]
	if path == "" {
		path = ".env"
	}
	override, _ := strconv.ParseBool(cfg.Settings["override"])

	res := plugin.Continue()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			res.Message = fmt.Sprintf("%s not found", path)
			return res, nil
		}
		return nil, err
	}
	defer f.Close()

	vars, err := parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for k, v := range vars {
		if _, set := hc.Env[k]; set && !override {
			continue
		}
		res.ModifiedEnv[k] = v
	}
	res.Message = fmt.Sprintf("loaded %d of %d variables from %s", len(res.ModifiedEnv), len(vars), path)
	return res, nil
}

// parse reads KEY=VALUE lines. Blank lines and # comments are skipped, an
// "export " prefix is accepted and matching surrounding quotes are removed.
// Double-quoted values understand \n, \t, \" and \\.
func parse(r io.Reader) (map[string]string, error) {
	vars := map[string]string{}
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || strings.ContainsAny(key, " \t") {
			return nil, fmt.Errorf("line %d: expected KEY=VALUE", lineNo)
		}
		value = strings.TrimSpace(value)

		switch {
		case len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"':
			unq, err := strconv.Unquote(value)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			value = unq
		case len(value) >= 2 && value[0] == '\'' && value[len(value)-1] == '\'':
			value = value[1 : len(value)-1]
		default:
			if i := strings.Index(value, " #"); i >= 0 {
				value = strings.TrimSpace(value[:i])
			}
		}
		vars[key] = value
	}
	return vars, sc.Err()
}

// format renders a JSON object of variables as sorted .env lines.
func format(input []byte) (string, error) {
	var vars map[string]string
	if err := json.Unmarshal(input, &vars); err != nil {
		return "", fmt.Errorf("input must be a JSON object of strings: %w", err)
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := vars[k]
		if v == "" || strings.ContainsAny(v, " \t\n\"'#\\") {
			v = strconv.Quote(v)
		}
		fmt.Fprintf(&b, "%s=%s\n", k, v)
	}
	return b.String(), nil
}
