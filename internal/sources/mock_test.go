package sources

import (
	"context"
	"testing"

	pollerrors "github.com/Strix89/PMI-DashboardEPS-sub000/internal/errors"
	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/models"
)

func TestMockClusterStableKeys(t *testing.T) {
	mock := NewMockCluster("demo", 3, 12, 5)
	ctx := context.Background()

	first, err := mock.FetchGuests(ctx)
	if err != nil {
		t.Fatalf("FetchGuests: %v", err)
	}
	second, err := mock.FetchGuests(ctx)
	if err != nil {
		t.Fatalf("FetchGuests: %v", err)
	}
	if len(first) != 12 || len(second) != 12 {
		t.Fatalf("expected 12 guests per poll, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i].EntityKey() != second[i].EntityKey() {
			t.Errorf("guest key drifted between polls: %q vs %q",
				first[i].EntityKey(), second[i].EntityKey())
		}
	}
}

func TestMockClusterValuesStayInRange(t *testing.T) {
	mock := NewMockCluster("demo", 2, 6, 2)
	ctx := context.Background()

	for poll := 0; poll < 25; poll++ {
		nodes, err := mock.FetchNodes(ctx)
		if err != nil {
			t.Fatalf("FetchNodes: %v", err)
		}
		for _, e := range nodes {
			node := e.(models.Node)
			if node.CPU < 0 || node.CPU > 100 {
				t.Fatalf("node CPU out of range: %.2f", node.CPU)
			}
			if node.Memory.Usage < 0 || node.Memory.Usage > 100 {
				t.Fatalf("node memory out of range: %.2f", node.Memory.Usage)
			}
		}
	}
}

func TestMockClusterFailureInjection(t *testing.T) {
	mock := NewMockCluster("demo", 1, 0, 0)
	mock.FailEvery(2, pollerrors.CategoryTimeout)
	ctx := context.Background()

	if _, err := mock.FetchNodes(ctx); err != nil {
		t.Fatalf("first poll should succeed: %v", err)
	}
	_, err := mock.FetchNodes(ctx)
	if err == nil {
		t.Fatal("second poll should fail")
	}
	if got := pollerrors.CategoryOf(err); got != pollerrors.CategoryTimeout {
		t.Errorf("category = %s, want timeout", got)
	}
	if _, err := mock.FetchNodes(ctx); err != nil {
		t.Fatalf("third poll should succeed: %v", err)
	}
}

func TestMockClusterAgentsIncludeOffline(t *testing.T) {
	mock := NewMockCluster("demo", 1, 0, 4)
	agents, err := mock.FetchAgents(context.Background())
	if err != nil {
		t.Fatalf("FetchAgents: %v", err)
	}
	if len(agents) != 4 {
		t.Fatalf("expected 4 agents, got %d", len(agents))
	}
	var offline int
	for _, e := range agents {
		if e.(models.BackupAgent).Status == "offline" {
			offline++
		}
	}
	if offline != 1 {
		t.Errorf("expected exactly 1 offline agent, got %d", offline)
	}
}
