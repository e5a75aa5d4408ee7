// Package cluster answers which node a volume should be served from.
package cluster

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
)

// Registry is the view of cluster membership the orchestrator needs.
type Registry interface {
	// Self is the ID of the node this process runs on.
	Self() string
	// Assign picks the node a (restored) volume is attached to.
	Assign(ctx context.Context, volumeID string) (string, error)
}

// Static is a fixed membership list. Volumes are assigned to a stable member
// derived from the volume ID so retries land on the same node.
type Static struct {
	self  string
	nodes []string
}

// NewStatic builds a registry; nodes defaults to just self.
func NewStatic(self string, nodes ...string) *Static {
	var members []string
	for _, n := range nodes {
		if n = strings.TrimSpace(n); n != "" {
			members = append(members, n)
		}
	}
	if len(members) == 0 {
		members = []string{self}
	}
	return &Static{self: self, nodes: members}
}

func (s *Static) Self() string { return s.self }

func (s *Static) Assign(ctx context.Context, volumeID string) (string, error) {
	if len(s.nodes) == 0 || s.nodes[0] == "" {
		return "", fmt.Errorf("%w: no nodes registered", model.ErrResourceUnavailable)
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(volumeID))
	return s.nodes[int(h.Sum32()%uint32(len(s.nodes)))], nil
}
