package topology

import (
	"testing"
	"time"
)

func TestNewClusterTopologySingleWriter(t *testing.T) {
	now := time.Now()
	topo := NewClusterTopology([]HostInfo{
		{HostID: "node-1", Role: RoleWriter, LastUpdated: now},
		{HostID: "node-2", Role: RoleReader, LastUpdated: now},
		{HostID: "node-3", Role: RoleReader, LastUpdated: now},
	}, now)

	writer, ok := topo.Writer()
	if !ok {
		t.Fatal("expected a writer in the snapshot")
	}
	if writer.HostID != "node-1" {
		t.Errorf("expected writer node-1, got %s", writer.HostID)
	}
	if len(topo.Readers()) != 2 {
		t.Errorf("expected 2 readers, got %d", len(topo.Readers()))
	}
}

func TestNewClusterTopologyDemotesStaleWriters(t *testing.T) {
	now := time.Now()
	// Two hosts claim the writer role, as happens when a refresh races a
	// writer election. The more recently updated claim must win.
	topo := NewClusterTopology([]HostInfo{
		{HostID: "old-writer", Role: RoleWriter, LastUpdated: now.Add(-time.Minute)},
		{HostID: "new-writer", Role: RoleWriter, LastUpdated: now},
		{HostID: "reader", Role: RoleReader, LastUpdated: now},
	}, now)

	writer, ok := topo.Writer()
	if !ok {
		t.Fatal("expected a writer in the snapshot")
	}
	if writer.HostID != "new-writer" {
		t.Errorf("expected new-writer to win the writer role, got %s", writer.HostID)
	}

	writers := 0
	for _, h := range topo.Hosts() {
		if h.Role == RoleWriter {
			writers++
		}
	}
	if writers != 1 {
		t.Errorf("expected exactly one writer after dedup, got %d", writers)
	}

	// The demoted host stays a member, just with an unknown role.
	if !topo.Contains("old-writer") {
		t.Error("demoted writer should remain in the topology")
	}
	for _, h := range topo.Hosts() {
		if h.HostID == "old-writer" && h.Role != RoleUnknown {
			t.Errorf("expected old-writer demoted to unknown, got %s", h.Role)
		}
	}
}

func TestNewClusterTopologyDoesNotMutateInput(t *testing.T) {
	now := time.Now()
	hosts := []HostInfo{
		{HostID: "a", Role: RoleWriter, LastUpdated: now.Add(-time.Minute)},
		{HostID: "b", Role: RoleWriter, LastUpdated: now},
	}
	NewClusterTopology(hosts, now)

	if hosts[0].Role != RoleWriter {
		t.Error("input slice was mutated by snapshot construction")
	}
}

func TestClusterTopologyAccessors(t *testing.T) {
	fetched := time.Now().Add(-2 * time.Second)
	topo := NewClusterTopology([]HostInfo{
		{HostID: "w", Role: RoleWriter},
	}, fetched)

	if topo.Size() != 1 {
		t.Errorf("expected size 1, got %d", topo.Size())
	}
	if !topo.Contains("w") || topo.Contains("x") {
		t.Error("Contains gave wrong membership answers")
	}
	if !topo.FetchedAt().Equal(fetched) {
		t.Error("FetchedAt does not match construction time")
	}
	if topo.Age() < 2*time.Second {
		t.Errorf("expected age >= 2s, got %s", topo.Age())
	}
}
