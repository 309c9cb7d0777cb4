// Package scheduler resolves Application dependencies into start triggers and drives the
// synchronized start of an experiment.
package scheduler

import (
	"sort"
	"strings"

	"github.com/openziti/vmlab/kernel/model"
	"github.com/pkg/errors"
)

var (
	ErrCycle      = errors.New("dependency cycle")
	ErrDaemonEdge = errors.New("daemon applications never finish")
)

// Node is one Application in the start graph.
type Node struct {
	App        *model.Application
	Level      int
	Dependents []model.AppKey
}

func (n *Node) Key() model.AppKey {
	return n.App.Key()
}

// Graph is the validated start graph of a testbed. Order is deterministic for a given
// declaration: by level, then instance name, then application name.
type Graph struct {
	nodes map[model.AppKey]*Node
	order []model.AppKey
}

// Build validates every dependency and computes the activation order. Nothing is started or
// allocated here, so a rejected declaration has no side effects.
func Build(tb *model.Testbed) (*Graph, error) {
	return build(tb.Applications())
}

func build(apps []*model.Application) (*Graph, error) {
	g := &Graph{nodes: make(map[model.AppKey]*Node, len(apps))}
	for _, app := range apps {
		key := app.Key()
		if _, dup := g.nodes[key]; dup {
			return nil, model.Validationf("scheduler", "application [%s] declared twice", key)
		}
		g.nodes[key] = &Node{App: app}
	}

	indegree := map[model.AppKey]int{}
	for _, key := range g.sortedKeys() {
		node := g.nodes[key]
		seen := map[model.AppKey]bool{}
		for _, dep := range node.App.Depends {
			src := dep.Source()
			source, found := g.nodes[src]
			if !found {
				return nil, model.Validationf("scheduler", "application [%s] depends on unknown application [%s]", key, src)
			}
			switch dep.Event {
			case model.EventStarted:
			case model.EventFinished:
				if source.App.IsDaemon() {
					return nil, model.Validation("scheduler", errors.Wrapf(ErrDaemonEdge, "application [%s] depends on finished of daemon [%s]", key, src))
				}
			default:
				return nil, model.Validationf("scheduler", "application [%s] depends on unknown event [%s]", key, dep.Event)
			}
			if src == key {
				return nil, model.Validation("scheduler", errors.Wrapf(ErrCycle, "[%s] depends on itself", key))
			}
			if seen[src] {
				continue
			}
			seen[src] = true
			source.Dependents = append(source.Dependents, key)
			indegree[key]++
		}
	}

	var ready []model.AppKey
	for _, key := range g.sortedKeys() {
		if indegree[key] == 0 {
			ready = append(ready, key)
		}
	}
	if len(ready) == 0 && len(g.nodes) > 0 {
		return nil, model.Validation("scheduler", errors.Wrapf(ErrCycle, "no application is free of dependencies: %s", joinKeys(g.sortedKeys())))
	}

	// Kahn's algorithm; anything left with incoming edges sits on or behind a cycle, and so is
	// unreachable from the roots.
	visited := map[model.AppKey]bool{}
	for len(ready) > 0 {
		key := ready[0]
		ready = ready[1:]
		visited[key] = true
		node := g.nodes[key]
		for _, dependent := range node.Dependents {
			next := g.nodes[dependent]
			if node.Level+1 > next.Level {
				next.Level = node.Level + 1
			}
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	var stuck []model.AppKey
	for _, key := range g.sortedKeys() {
		if !visited[key] {
			stuck = append(stuck, key)
		}
	}
	if len(stuck) > 0 {
		return nil, model.Validation("scheduler", errors.Wrapf(ErrCycle, "%s unreachable from the zero-dependency set", joinKeys(stuck)))
	}

	for key := range g.nodes {
		g.order = append(g.order, key)
	}
	sort.Slice(g.order, func(i, j int) bool {
		a, b := g.nodes[g.order[i]], g.nodes[g.order[j]]
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		return less(g.order[i], g.order[j])
	})
	for _, node := range g.nodes {
		sort.Slice(node.Dependents, func(i, j int) bool { return less(node.Dependents[i], node.Dependents[j]) })
	}
	return g, nil
}

// Order is the activation order.
func (g *Graph) Order() []model.AppKey {
	return append([]model.AppKey(nil), g.order...)
}

// Roots are the Applications with no dependencies, in activation order.
func (g *Graph) Roots() []model.AppKey {
	var roots []model.AppKey
	for _, key := range g.order {
		if len(g.nodes[key].App.Depends) == 0 {
			roots = append(roots, key)
		}
	}
	return roots
}

func (g *Graph) Node(key model.AppKey) *Node {
	return g.nodes[key]
}

func (g *Graph) Len() int {
	return len(g.nodes)
}

// Instances lists every instance hosting at least one Application, sorted.
func (g *Graph) Instances() []string {
	seen := map[string]bool{}
	var out []string
	for key := range g.nodes {
		if !seen[key.Instance] {
			seen[key.Instance] = true
			out = append(out, key.Instance)
		}
	}
	sort.Strings(out)
	return out
}

// Without drops the Applications of the named instances. It fails when a remaining
// Application depends on a dropped one, since it could never be activated.
func (g *Graph) Without(instances ...string) (*Graph, error) {
	drop := map[string]bool{}
	for _, name := range instances {
		drop[name] = true
	}
	var kept []*model.Application
	for _, key := range g.order {
		if !drop[key.Instance] {
			kept = append(kept, g.nodes[key].App)
		}
	}
	for _, app := range kept {
		for _, dep := range app.Depends {
			if drop[dep.Instance] {
				return nil, errors.Errorf("application [%s] depends on [%s] of failed instance [%s]", app.Key(), dep.Source(), dep.Instance)
			}
		}
	}
	return build(kept)
}

// RequiredBy lists the Applications on other instances that directly depend on Applications
// of the named instance.
func (g *Graph) RequiredBy(instance string) []model.AppKey {
	var out []model.AppKey
	for _, key := range g.order {
		if key.Instance == instance {
			continue
		}
		for _, dep := range g.nodes[key].App.Depends {
			if dep.Instance == instance {
				out = append(out, key)
				break
			}
		}
	}
	return out
}

func (g *Graph) sortedKeys() []model.AppKey {
	keys := make([]model.AppKey, 0, len(g.nodes))
	for key := range g.nodes {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return less(keys[i], keys[j]) })
	return keys
}

func less(a, b model.AppKey) bool {
	if a.Instance != b.Instance {
		return a.Instance < b.Instance
	}
	return a.Name < b.Name
}

func joinKeys(keys []model.AppKey) string {
	parts := make([]string, len(keys))
	for i, key := range keys {
		parts[i] = key.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
