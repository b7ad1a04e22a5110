package manager

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jiangfire/envcli-sub000/internal/plugin"
	"github.com/jiangfire/envcli-sub000/internal/plugin/deps"
)

// IssueKind classifies a compatibility problem.
type IssueKind string

const (
	IssueHostVersion       IssueKind = "host_version_mismatch"
	IssuePlatform          IssueKind = "platform_mismatch"
	IssueVersionFormat     IssueKind = "invalid_version_format"
	IssueMissingDependency IssueKind = "missing_dependency"
)

// Issue is one reason a plugin cannot run on this host.
type Issue struct {
	Kind     IssueKind `json:"kind"`
	Required string    `json:"required,omitempty"`
	Current  string    `json:"current,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

func (i Issue) String() string {
	switch i.Kind {
	case IssueHostVersion:
		return fmt.Sprintf("requires envcli %s, running %s", i.Required, i.Current)
	case IssuePlatform:
		return fmt.Sprintf("supports %s, running on %s", i.Required, i.Current)
	case IssueVersionFormat:
		return fmt.Sprintf("invalid version %q: %s", i.Required, i.Detail)
	case IssueMissingDependency:
		return fmt.Sprintf("dependency %s is not loaded", i.Required)
	}
	return string(i.Kind)
}

// CompatibilityReport lists what keeps one plugin from running here.
type CompatibilityReport struct {
	PluginID   string  `json:"plugin_id"`
	Compatible bool    `json:"compatible"`
	Issues     []Issue `json:"issues"`
}

// Conflict is a problem spanning several loaded plugins.
type Conflict struct {
	Kind      string   `json:"kind"`
	PluginIDs []string `json:"plugin_ids"`
	Detail    string   `json:"detail"`
}

// CheckCompatibility reports host version, platform, version format and
// dependency problems of a loaded plugin.
func (m *Manager) CheckCompatibility(id string) (CompatibilityReport, error) {
	h := m.plugins.Get(id)
	if h == nil {
		return CompatibilityReport{}, plugin.Errorf(plugin.ErrNotFound, "plugin %s is not loaded", id)
	}
	meta := h.Metadata()
	r := CompatibilityReport{PluginID: id, Issues: []Issue{}}

	if err := plugin.ValidateVersion(meta.Version); err != nil {
		r.Issues = append(r.Issues, Issue{Kind: IssueVersionFormat, Required: meta.Version, Detail: err.Error()})
	}

	if req := strings.TrimSpace(meta.HostVersion); req != "" {
		ok, err := hostSatisfies(m.hostVersion, req)
		switch {
		case err != nil:
			r.Issues = append(r.Issues, Issue{Kind: IssueVersionFormat, Required: req, Detail: err.Error()})
		case !ok:
			r.Issues = append(r.Issues, Issue{Kind: IssueHostVersion, Required: req, Current: m.hostVersion})
		}
	}

	if len(meta.Platforms) > 0 {
		current := plugin.CurrentPlatform()
		if !slices.Contains(meta.Platforms, current) {
			names := make([]string, len(meta.Platforms))
			for i, p := range meta.Platforms {
				names[i] = string(p)
			}
			r.Issues = append(r.Issues, Issue{Kind: IssuePlatform, Required: strings.Join(names, ", "), Current: string(current)})
		}
	}

	for _, dep := range meta.Dependencies {
		if !m.IsLoaded(dep) {
			r.Issues = append(r.Issues, Issue{Kind: IssueMissingDependency, Required: dep})
		}
	}

	r.Compatible = len(r.Issues) == 0
	return r, nil
}

// hostSatisfies treats a bare version as a minimum and anything with an
// operator as a constraint.
func hostSatisfies(host, required string) (bool, error) {
	if strings.ContainsAny(required[:1], "=<>~^") {
		return plugin.CheckVersionConstraint(host, required)
	}
	cmp, err := plugin.CompareVersions(host, required)
	if err != nil {
		return false, err
	}
	return cmp >= 0, nil
}

// CheckAllCompatibility reports on every loaded plugin in load order.
func (m *Manager) CheckAllCompatibility() []CompatibilityReport {
	var out []CompatibilityReport
	for _, id := range m.plugins.IDs() {
		if r, err := m.CheckCompatibility(id); err == nil {
			out = append(out, r)
		}
	}
	return out
}

// DetectConflicts finds plugins reporting the same metadata id and
// dependency cycles among the loaded plugins.
func (m *Manager) DetectConflicts() []Conflict {
	metas := m.loadedMetadata()
	var out []Conflict

	byMetaID := make(map[string][]string)
	for id, meta := range metas {
		key := meta.ID
		if key == "" {
			key = id
		}
		byMetaID[key] = append(byMetaID[key], id)
	}
	for metaID, ids := range byMetaID {
		if len(ids) < 2 {
			continue
		}
		slices.Sort(ids)
		out = append(out, Conflict{
			Kind:      "duplicate_id",
			PluginIDs: ids,
			Detail:    fmt.Sprintf("plugins %s all report id %s", strings.Join(ids, ", "), metaID),
		})
	}

	pruned := make(map[string]plugin.Metadata, len(metas))
	for id, meta := range metas {
		var kept []string
		for _, dep := range meta.Dependencies {
			if _, ok := metas[dep]; ok {
				kept = append(kept, dep)
			}
		}
		meta.Dependencies = kept
		pruned[id] = meta
	}
	var cycle *deps.CycleError
	if _, err := deps.Resolve(pruned); errors.As(err, &cycle) {
		out = append(out, Conflict{
			Kind:      "dependency_cycle",
			PluginIDs: cycle.IDs,
			Detail:    cycle.Error(),
		})
	}

	slices.SortFunc(out, func(a, b Conflict) int {
		if c := strings.Compare(a.Kind, b.Kind); c != 0 {
			return c
		}
		return strings.Compare(strings.Join(a.PluginIDs, ","), strings.Join(b.PluginIDs, ","))
	})
	return out
}
