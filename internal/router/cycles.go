package router

import (
	"sort"

	"github.com/msageha/conductor/internal/model"
)

// dependencyCycle returns one dependency cycle among the open items of a
// snapshot, as a path that starts and ends on the same id, or nil when the
// graph is acyclic. Items in a completed state and ids outside the snapshot
// are ignored since they never block anything.
func (r *Router) dependencyCycle(items []model.WorkItem) []string {
	edges := make(map[string][]string, len(items))
	for _, item := range items {
		if _, done := r.completed[item.State]; done {
			continue
		}
		edges[item.ID] = nil
	}
	if len(edges) == 0 {
		return nil
	}

	nodes := make([]string, 0, len(edges))
	for _, item := range items {
		if _, open := edges[item.ID]; !open {
			continue
		}
		for _, dep := range item.DependsOn {
			if _, open := edges[dep]; open {
				edges[item.ID] = append(edges[item.ID], dep)
			}
		}
	}
	for id := range edges {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)

	// Kahn's algorithm; anything left with in-degree > 0 sits on or behind a cycle.
	inDegree := make(map[string]int, len(nodes))
	forward := make(map[string][]string, len(nodes))
	for id, deps := range edges {
		inDegree[id] += len(deps)
		for _, dep := range deps {
			forward[dep] = append(forward[dep], id)
		}
	}
	var pending []string
	for _, id := range nodes {
		if inDegree[id] == 0 {
			pending = append(pending, id)
		}
	}
	resolved := 0
	for len(pending) > 0 {
		id := pending[0]
		pending = pending[1:]
		resolved++
		for _, dependent := range forward[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				pending = append(pending, dependent)
			}
		}
	}
	if resolved == len(nodes) {
		return nil
	}
	return findCyclePath(nodes, edges, inDegree)
}

func findCyclePath(nodes []string, edges map[string][]string, inDegree map[string]int) []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(nodes))
	parent := make(map[string]string, len(nodes))
	var path []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, dep := range edges[id] {
			switch color[dep] {
			case gray:
				path = []string{dep}
				for cur := id; cur != dep; cur = parent[cur] {
					path = append(path, cur)
				}
				path = append(path, dep)
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return true
			case white:
				parent[dep] = id
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for _, id := range nodes {
		if inDegree[id] > 0 && color[id] == white && visit(id) {
			return path
		}
	}
	return nil
}
