package kafka

import "maelstrom-nodes/internal/logging"

// AnchorEngine retires entries every cluster member holds
type AnchorEngine struct {
	cluster []string
	store   *LogStore
	peers   *PeerKnowledge
	logger  logging.Logger
}

// NewAnchorEngine creates an engine anchoring against cluster
func NewAnchorEngine(cluster []string, store *LogStore, peers *PeerKnowledge, logger logging.Logger) *AnchorEngine {
	return &AnchorEngine{cluster: cluster, store: store, peers: peers, logger: logger}
}

// Anchor moves fully replicated entries to the archive and returns how many moved
func (a *AnchorEngine) Anchor() (int, error) {
	ids, err := a.store.AnchorComplete(a.cluster)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	a.peers.Forget(ids)
	a.store.metrics.RecordAnchored(len(ids))
	a.logger.Debugf("[Anchor] Anchored %d entries", len(ids))
	return len(ids), nil
}
