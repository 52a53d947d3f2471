package scheduler

import (
	"testing"

	"hive/internal/model"
)

func TestTopologicalSortOrdersDependenciesFirst(t *testing.T) {
	stories := []model.Story{
		{ID: "a", Title: "A"},
		{ID: "b", Title: "B"},
		{ID: "c", Title: "C"},
	}
	deps := []model.StoryDependency{
		{StoryID: "b", DependsOnID: "a"},
		{StoryID: "c", DependsOnID: "b"},
	}

	sorted, err := TopologicalSort(stories, deps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pos := make(map[string]int, len(sorted))
	for i, st := range sorted {
		pos[st.ID] = i
	}
	if pos["a"] > pos["b"] || pos["b"] > pos["c"] {
		t.Fatalf("order not respected: %v", pos)
	}
}

func TestTopologicalSortDetectsCycle(t *testing.T) {
	stories := []model.Story{
		{ID: "a"},
		{ID: "b"},
	}
	deps := []model.StoryDependency{
		{StoryID: "a", DependsOnID: "b"},
		{StoryID: "b", DependsOnID: "a"},
	}
	if _, err := TopologicalSort(stories, deps); err != ErrCycle {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
}

func TestTopologicalSortIgnoresDependenciesOutsideInputSet(t *testing.T) {
	stories := []model.Story{{ID: "a"}}
	deps := []model.StoryDependency{
		{StoryID: "a", DependsOnID: "outside-the-batch"},
	}
	sorted, err := TopologicalSort(stories, deps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sorted) != 1 || sorted[0].ID != "a" {
		t.Fatalf("unexpected result: %v", sorted)
	}
}
