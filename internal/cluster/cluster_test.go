package cluster

import (
	"context"
	"testing"
)

func TestDisabledIsAlwaysLeader(t *testing.T) {
	var s Sync = Disabled{}
	if s.IsEnabled() {
		t.Fatalf("expected disabled sync to report not enabled")
	}
	leader, err := s.IsLeader(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !leader {
		t.Fatalf("expected a disabled cluster to always be its own leader")
	}
	result, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != (SyncResult{}) {
		t.Fatalf("expected zeroed counters, got %+v", result)
	}
}
