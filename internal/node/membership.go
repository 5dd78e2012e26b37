package node

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidMembership is returned when an init message describes an impossible cluster
var ErrInvalidMembership = errors.New("invalid membership")

// Membership is the fixed cluster view learned from init.
// Cluster includes the local node; Neighbors excludes it. Both are sorted.
type Membership struct {
	Self      string
	Cluster   []string
	Neighbors []string
}

// NewMembership builds the view for self from the full list of node ids
func NewMembership(self string, nodeIDs []string) (Membership, error) {
	if self == "" {
		return Membership{}, fmt.Errorf("%w: node id is required", ErrInvalidMembership)
	}

	seen := make(map[string]struct{}, len(nodeIDs))
	cluster := make([]string, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		if id == "" {
			return Membership{}, fmt.Errorf("%w: empty node id in cluster", ErrInvalidMembership)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		cluster = append(cluster, id)
	}
	if _, ok := seen[self]; !ok {
		return Membership{}, fmt.Errorf("%w: %s is not in the cluster %v", ErrInvalidMembership, self, nodeIDs)
	}
	sort.Strings(cluster)

	neighbors := make([]string, 0, len(cluster)-1)
	for _, id := range cluster {
		if id != self {
			neighbors = append(neighbors, id)
		}
	}

	return Membership{Self: self, Cluster: cluster, Neighbors: neighbors}, nil
}

// Contains reports whether id is a cluster member
func (m Membership) Contains(id string) bool {
	i := sort.SearchStrings(m.Cluster, id)
	return i < len(m.Cluster) && m.Cluster[i] == id
}

// IsNeighbor reports whether id is a cluster member other than self
func (m Membership) IsNeighbor(id string) bool {
	return id != m.Self && m.Contains(id)
}

// Size returns the number of nodes in the cluster
func (m Membership) Size() int {
	return len(m.Cluster)
}
