package kafka

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects counters for the replicated log. It implements
// prometheus.Collector, so one instance can be registered as is.
type Metrics struct {
	appends           atomic.Uint64
	merges            atomic.Uint64
	promotions        atomic.Uint64
	commits           atomic.Uint64
	allocatorFailures atomic.Uint64
	gossipSent        atomic.Uint64
	gossipEntriesSent atomic.Uint64
	gossipReceived    atomic.Uint64
	gossipEntriesRecv atomic.Uint64
	gossipAcks        atomic.Uint64
	anchored          atomic.Uint64
	pushes            atomic.Uint64

	startTime time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordAppend counts a locally written entry
func (m *Metrics) RecordAppend() { m.appends.Add(1) }

// RecordMerge counts an entry folded in from a peer
func (m *Metrics) RecordMerge() { m.merges.Add(1) }

// RecordPromotion counts an entry moved to Committed by a peer's gossip
func (m *Metrics) RecordPromotion() { m.promotions.Add(1) }

// RecordCommit counts a per-key commit that advanced the committed offset
func (m *Metrics) RecordCommit() { m.commits.Add(1) }

// RecordAllocatorFailure counts a send rejected because no offset was available
func (m *Metrics) RecordAllocatorFailure() { m.allocatorFailures.Add(1) }

// RecordGossipSent counts one outgoing gossip message carrying entries
func (m *Metrics) RecordGossipSent(entries int) {
	m.gossipSent.Add(1)
	m.gossipEntriesSent.Add(uint64(entries))
}

// RecordGossipReceived counts one incoming gossip message carrying entries
func (m *Metrics) RecordGossipReceived(entries int) {
	m.gossipReceived.Add(1)
	m.gossipEntriesRecv.Add(uint64(entries))
}

// RecordGossipAck counts an acknowledged gossip message
func (m *Metrics) RecordGossipAck() { m.gossipAcks.Add(1) }

// RecordAnchored counts entries moved to the Anchored tier
func (m *Metrics) RecordAnchored(entries int) { m.anchored.Add(uint64(entries)) }

// RecordPush counts one eager internal_send or internal_commit_offsets
func (m *Metrics) RecordPush() { m.pushes.Add(1) }

// Snapshot is a point-in-time copy of the counters
type Snapshot struct {
	Appends           uint64  `json:"appends"`
	Merges            uint64  `json:"merges"`
	Promotions        uint64  `json:"promotions"`
	Commits           uint64  `json:"commits"`
	AllocatorFailures uint64  `json:"allocator_failures"`
	GossipSent        uint64  `json:"gossip_sent"`
	GossipEntriesSent uint64  `json:"gossip_entries_sent"`
	GossipReceived    uint64  `json:"gossip_received"`
	GossipEntriesRecv uint64  `json:"gossip_entries_received"`
	GossipAcks        uint64  `json:"gossip_acks"`
	Anchored          uint64  `json:"anchored"`
	Pushes            uint64  `json:"pushes"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
	AppendsPerSecond  float64 `json:"appends_per_second"`
}

// Snapshot returns the current counter values
func (m *Metrics) Snapshot() Snapshot {
	uptime := time.Since(m.startTime).Seconds()
	s := Snapshot{
		Appends:           m.appends.Load(),
		Merges:            m.merges.Load(),
		Promotions:        m.promotions.Load(),
		Commits:           m.commits.Load(),
		AllocatorFailures: m.allocatorFailures.Load(),
		GossipSent:        m.gossipSent.Load(),
		GossipEntriesSent: m.gossipEntriesSent.Load(),
		GossipReceived:    m.gossipReceived.Load(),
		GossipEntriesRecv: m.gossipEntriesRecv.Load(),
		GossipAcks:        m.gossipAcks.Load(),
		Anchored:          m.anchored.Load(),
		Pushes:            m.pushes.Load(),
		UptimeSeconds:     uptime,
	}
	if uptime > 0 {
		s.AppendsPerSecond = float64(s.Appends) / uptime
	}
	return s
}

// Report renders the snapshot as indented JSON
func (m *Metrics) Report() (string, error) {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal metrics: %w", err)
	}
	return string(data), nil
}

var (
	descAppends    = newDesc("appends_total", "Entries written by this node.")
	descMerges     = newDesc("merges_total", "Entries folded in from peers.")
	descPromotions = newDesc("promotions_total", "Entries moved to committed by peer gossip.")
	descCommits    = newDesc("commits_total", "Per-key commits that advanced the committed offset.")
	descAllocFails = newDesc("allocator_failures_total", "Sends rejected because no offset could be allocated.")
	descGossipSent = newDesc("gossip_messages_sent_total", "Gossip messages sent.")
	descGossipESnt = newDesc("gossip_entries_sent_total", "Entries carried by sent gossip.")
	descGossipRecv = newDesc("gossip_messages_received_total", "Gossip messages received.")
	descGossipERcv = newDesc("gossip_entries_received_total", "Entries carried by received gossip.")
	descGossipAcks = newDesc("gossip_acks_total", "Gossip messages acknowledged by peers.")
	descAnchored   = newDesc("anchored_total", "Entries moved to the anchored tier.")
	descPushes     = newDesc("pushes_total", "Eager sends and commits forwarded to peers.")
)

func newDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName("maelstrom", "kafka", name), help, nil, nil)
}

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descAppends, descMerges, descPromotions, descCommits, descAllocFails,
		descGossipSent, descGossipESnt, descGossipRecv, descGossipERcv,
		descGossipAcks, descAnchored, descPushes,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	s := m.Snapshot()
	for _, c := range []struct {
		desc  *prometheus.Desc
		value uint64
	}{
		{descAppends, s.Appends},
		{descMerges, s.Merges},
		{descPromotions, s.Promotions},
		{descCommits, s.Commits},
		{descAllocFails, s.AllocatorFailures},
		{descGossipSent, s.GossipSent},
		{descGossipESnt, s.GossipEntriesSent},
		{descGossipRecv, s.GossipReceived},
		{descGossipERcv, s.GossipEntriesRecv},
		{descGossipAcks, s.GossipAcks},
		{descAnchored, s.Anchored},
		{descPushes, s.Pushes},
	} {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(c.value))
	}
}
