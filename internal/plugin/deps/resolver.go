// Package deps orders plugins by their declared dependencies.
package deps

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jiangfire/envcli-sub000/internal/plugin"
)

var (
	ErrMissingDependency  = errors.New("missing dependency")
	ErrCircularDependency = errors.New("circular dependency")
)

// MissingError names a dependency that is not in the plugin set.
type MissingError struct {
	PluginID   string
	Dependency string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("%s: %s depends on %s but %s does not exist",
		ErrMissingDependency, e.PluginID, e.Dependency, e.Dependency)
}

func (e *MissingError) Unwrap() error { return ErrMissingDependency }

// CycleError names the plugins that could not be ordered.
type CycleError struct {
	IDs []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s among: %s", ErrCircularDependency, strings.Join(e.IDs, ", "))
}

func (e *CycleError) Unwrap() error { return ErrCircularDependency }

// Resolve returns the plugin ids ordered so that every id follows all of its
// dependencies. Ties are broken alphabetically so the order is stable.
func Resolve(metas map[string]plugin.Metadata) ([]string, error) {
	if err := checkExistence(metas); err != nil {
		return nil, err
	}

	inDegree := make(map[string]int, len(metas))
	dependents := make(map[string][]string, len(metas))
	for id, m := range metas {
		inDegree[id] += 0
		for _, dep := range uniq(m.Dependencies) {
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var queue []string
	for id, n := range inDegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	slices.Sort(queue)

	order := make([]string, 0, len(metas))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		var freed []string
		for _, dependent := range dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				freed = append(freed, dependent)
			}
		}
		slices.Sort(freed)
		queue = append(queue, freed...)
	}

	if len(order) < len(metas) {
		var remaining []string
		for id, n := range inDegree {
			if n > 0 {
				remaining = append(remaining, id)
			}
		}
		slices.Sort(remaining)
		return nil, &CycleError{IDs: remaining}
	}
	return order, nil
}

// AllDependencies returns the transitive dependencies of id, sorted. Cycles
// are tolerated; id itself is never included.
func AllDependencies(metas map[string]plugin.Metadata, id string) []string {
	visited := map[string]bool{id: true}
	var out []string

	stack := append([]string(nil), metas[id].Dependencies...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		out = append(out, cur)
		if m, ok := metas[cur]; ok {
			stack = append(stack, m.Dependencies...)
		}
	}

	slices.Sort(out)
	return out
}

// Validate checks that every dependency exists and that there is no cycle.
func Validate(metas map[string]plugin.Metadata) error {
	_, err := Resolve(metas)
	return err
}

// HasCycle reports whether the dependency graph contains a cycle. Missing
// dependencies are ignored.
func HasCycle(metas map[string]plugin.Metadata) bool {
	pruned := make(map[string]plugin.Metadata, len(metas))
	for id, m := range metas {
		var kept []string
		for _, dep := range m.Dependencies {
			if _, ok := metas[dep]; ok {
				kept = append(kept, dep)
			}
		}
		m.Dependencies = kept
		pruned[id] = m
	}
	_, err := Resolve(pruned)
	return errors.Is(err, ErrCircularDependency)
}

func checkExistence(metas map[string]plugin.Metadata) error {
	ids := make([]string, 0, len(metas))
	for id := range metas {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		for _, dep := range metas[id].Dependencies {
			if _, ok := metas[dep]; !ok {
				return &MissingError{PluginID: id, Dependency: dep}
			}
		}
	}
	return nil
}

func uniq(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
