// Package topology discovers and caches the membership and role assignment
// of a clustered database (one writer, N readers).
//
// Snapshots are immutable: a refresh replaces the whole ClusterTopology and
// readers never observe partial updates. The provider collapses concurrent
// refreshes into a single metadata fetch and degrades to the stale snapshot
// when the metadata source is unreachable.
package topology

import (
	"fmt"
	"time"
)

// HostRole is the cluster-assigned designation of a host.
type HostRole string

const (
	RoleWriter  HostRole = "writer"
	RoleReader  HostRole = "reader"
	RoleUnknown HostRole = "unknown"
)

// Availability is the last observed liveness of a host.
type Availability string

const (
	Available   Availability = "available"
	Unavailable Availability = "unavailable"
)

// HostInfo describes one cluster member as reported by the metadata source.
type HostInfo struct {
	// HostID is the cluster-internal identifier (e.g. the Aurora server ID).
	HostID string
	// Endpoint is the connectable address resolved from the host pattern.
	Endpoint string
	Role     HostRole
	// Availability as last observed; refreshed with the snapshot.
	Availability Availability
	// LastUpdated is the metadata source's own update marker for this host,
	// used to arbitrate when racing refreshes disagree.
	LastUpdated time.Time
}

func (h HostInfo) String() string {
	return fmt.Sprintf("%s (%s, %s)", h.Endpoint, h.Role, h.Availability)
}

// ClusterTopology is an immutable snapshot of the cluster membership.
type ClusterTopology struct {
	hosts     []HostInfo
	fetchedAt time.Time
}

// NewClusterTopology builds a snapshot. At most one host keeps RoleWriter:
// if the metadata reports several (a refresh racing a writer election), the
// most recently updated one wins and the others are demoted to RoleUnknown.
func NewClusterTopology(hosts []HostInfo, fetchedAt time.Time) *ClusterTopology {
	copied := make([]HostInfo, len(hosts))
	copy(copied, hosts)

	writerIdx := -1
	for i := range copied {
		if copied[i].Role != RoleWriter {
			continue
		}
		if writerIdx == -1 {
			writerIdx = i
			continue
		}
		if copied[i].LastUpdated.After(copied[writerIdx].LastUpdated) {
			copied[writerIdx].Role = RoleUnknown
			writerIdx = i
		} else {
			copied[i].Role = RoleUnknown
		}
	}

	return &ClusterTopology{hosts: copied, fetchedAt: fetchedAt}
}

// Hosts returns all hosts in the snapshot.
func (t *ClusterTopology) Hosts() []HostInfo {
	out := make([]HostInfo, len(t.hosts))
	copy(out, t.hosts)
	return out
}

// Writer returns the writer host, if the snapshot has one.
func (t *ClusterTopology) Writer() (HostInfo, bool) {
	for _, h := range t.hosts {
		if h.Role == RoleWriter {
			return h, true
		}
	}
	return HostInfo{}, false
}

// Readers returns all reader hosts.
func (t *ClusterTopology) Readers() []HostInfo {
	var readers []HostInfo
	for _, h := range t.hosts {
		if h.Role == RoleReader {
			readers = append(readers, h)
		}
	}
	return readers
}

// Contains reports whether a host with the given ID is a member.
func (t *ClusterTopology) Contains(hostID string) bool {
	for _, h := range t.hosts {
		if h.HostID == hostID {
			return true
		}
	}
	return false
}

// Size returns the number of hosts in the snapshot.
func (t *ClusterTopology) Size() int {
	return len(t.hosts)
}

// FetchedAt returns when this snapshot was fetched.
func (t *ClusterTopology) FetchedAt() time.Time {
	return t.fetchedAt
}

// Age returns how old the snapshot is.
func (t *ClusterTopology) Age() time.Duration {
	return time.Since(t.fetchedAt)
}
