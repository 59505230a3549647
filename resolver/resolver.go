// Package resolver orders the actions of a transition so that every
// prerequisite runs before the actions that depend on it.
package resolver

import (
	"fmt"
	"sort"
	"strings"

	transition "github.com/goliatone/go-transition"
)

// Node is one action and the names it must run after.
type Node struct {
	Name          string
	Prerequisites []string
}

// NodesFor builds resolver nodes from action metadata in declaration order.
func NodesFor(metas []transition.ActionMeta) []Node {
	nodes := make([]Node, 0, len(metas))
	for _, meta := range metas {
		nodes = append(nodes, Node{Name: meta.Name, Prerequisites: meta.Prerequisites})
	}
	return nodes
}

// Resolve returns the node names in an order where every prerequisite that is
// itself in nodes comes first. Prerequisites outside the set only constrain order
// and never pull new nodes in. Ties keep declaration order, so a graph without
// edges resolves to its input order.
func Resolve(nodes []Node) ([]string, error) {
	index := make(map[string]int, len(nodes))
	for i, node := range nodes {
		name := strings.TrimSpace(node.Name)
		if name == "" {
			return nil, transition.NewError(transition.ErrInvalidDefinition, "action with empty name", nil, map[string]any{"position": i})
		}
		if _, ok := index[name]; ok {
			return nil, transition.NewError(transition.ErrInvalidDefinition, fmt.Sprintf("action %s listed twice", name), nil, map[string]any{"action": name})
		}
		index[name] = i
	}

	indegree := make([]int, len(nodes))
	dependents := make([][]int, len(nodes))
	for i, node := range nodes {
		seen := make(map[int]struct{}, len(node.Prerequisites))
		for _, pre := range node.Prerequisites {
			j, ok := index[strings.TrimSpace(pre)]
			if !ok {
				continue
			}
			if _, dup := seen[j]; dup {
				continue
			}
			seen[j] = struct{}{}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	// ready is kept sorted by declaration index
	ready := make([]int, 0, len(nodes))
	for i := range nodes {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, strings.TrimSpace(nodes[next].Name))
		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = insertSorted(ready, dep)
			}
		}
	}

	if len(order) == len(nodes) {
		return order, nil
	}

	var stuck []int
	for i := range nodes {
		if indegree[i] > 0 {
			stuck = append(stuck, i)
		}
	}
	return nil, cycleError(nodes, index, stuck)
}

func insertSorted(list []int, v int) []int {
	pos := sort.SearchInts(list, v)
	list = append(list, 0)
	copy(list[pos+1:], list[pos:])
	list[pos] = v
	return list
}

// cycleError names the actions left unresolved and one concrete cycle among them.
func cycleError(nodes []Node, index map[string]int, stuck []int) error {
	remaining := make(map[int]bool, len(stuck))
	members := make([]string, 0, len(stuck))
	for _, i := range stuck {
		remaining[i] = true
		members = append(members, strings.TrimSpace(nodes[i].Name))
	}
	sort.Strings(members)

	path := findCycle(nodes, index, stuck, remaining)
	msg := "action prerequisites form a cycle"
	if len(path) > 0 {
		msg = fmt.Sprintf("action prerequisites form a cycle: %s", strings.Join(path, " -> "))
	}
	return transition.NewError(transition.ErrCycle, msg, nil, map[string]any{
		"actions": members,
		"cycle":   path,
	})
}

func findCycle(nodes []Node, index map[string]int, stuck []int, remaining map[int]bool) []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[int]int, len(stuck))
	var stack []int
	var found []string

	var visit func(i int) bool
	visit = func(i int) bool {
		state[i] = visiting
		stack = append(stack, i)
		for _, pre := range nodes[i].Prerequisites {
			j, ok := index[strings.TrimSpace(pre)]
			if !ok || !remaining[j] {
				continue
			}
			switch state[j] {
			case visiting:
				start := 0
				for k, n := range stack {
					if n == j {
						start = k
						break
					}
				}
				// report in execution direction: prerequisite first
				for k := len(stack) - 1; k >= start; k-- {
					found = append(found, strings.TrimSpace(nodes[stack[k]].Name))
				}
				found = append(found, strings.TrimSpace(nodes[i].Name))
				return true
			case unvisited:
				if visit(j) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[i] = done
		return false
	}

	for _, i := range stuck {
		if state[i] == unvisited && visit(i) {
			return found
		}
	}
	return nil
}
