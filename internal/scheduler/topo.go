package scheduler

import (
	"errors"

	"hive/internal/model"
)

// ErrCycle is returned by TopologicalSort when the dependency graph
// restricted to the input set contains a cycle.
var ErrCycle = errors.New("scheduler: dependency cycle detected")

// TopologicalSort orders stories so that every dependency precedes its
// dependent, using Kahn's algorithm restricted to the ids present in
// stories. Dependencies pointing outside the input set are ignored:
// they are either already resolved or belong to a different batch.
func TopologicalSort(stories []model.Story, deps []model.StoryDependency) ([]model.Story, error) {
	byID := make(map[string]model.Story, len(stories))
	for _, st := range stories {
		byID[st.ID] = st
	}

	// adjacency: dependsOn -> dependents, and in-degree of each story
	// counting only prerequisites that are themselves in the input set.
	adj := make(map[string][]string, len(stories))
	indegree := make(map[string]int, len(stories))
	for id := range byID {
		indegree[id] = 0
	}
	for _, d := range deps {
		if _, ok := byID[d.StoryID]; !ok {
			continue
		}
		if _, ok := byID[d.DependsOnID]; !ok {
			continue
		}
		adj[d.DependsOnID] = append(adj[d.DependsOnID], d.StoryID)
		indegree[d.StoryID]++
	}

	// Seed the queue in input order so ties resolve deterministically.
	var queue []string
	for _, st := range stories {
		if indegree[st.ID] == 0 {
			queue = append(queue, st.ID)
		}
	}

	var sorted []model.Story
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, byID[id])
		for _, next := range adj[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(sorted) != len(stories) {
		return nil, ErrCycle
	}
	return sorted, nil
}
