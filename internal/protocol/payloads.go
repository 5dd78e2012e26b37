package protocol

import "encoding/json"

// Payload is the closed set of message bodies. Every implementation lives in
// this package and is listed in the registry below.
type Payload interface {
	// Type is the value of the wire "type" field
	Type() string
	isPayload()
}

var registry = map[string]func() Payload{
	"init":                      func() Payload { return &Init{} },
	"init_ok":                   func() Payload { return &InitOk{} },
	"error":                     func() Payload { return &Error{} },
	"echo":                      func() Payload { return &Echo{} },
	"echo_ok":                   func() Payload { return &EchoOk{} },
	"generate":                  func() Payload { return &Generate{} },
	"generate_ok":               func() Payload { return &GenerateOk{} },
	"broadcast":                 func() Payload { return &Broadcast{} },
	"broadcast_ok":              func() Payload { return &BroadcastOk{} },
	"topology":                  func() Payload { return &Topology{} },
	"topology_ok":               func() Payload { return &TopologyOk{} },
	"broadcast_gossip":          func() Payload { return &BroadcastGossip{} },
	"broadcast_gossip_ok":       func() Payload { return &BroadcastGossipOk{} },
	"read":                      func() Payload { return &Read{} },
	"read_ok":                   func() Payload { return &ReadOk{} },
	"add":                       func() Payload { return &Add{} },
	"add_ok":                    func() Payload { return &AddOk{} },
	"counter_gossip":            func() Payload { return &CounterGossip{} },
	"cas":                       func() Payload { return &Cas{} },
	"cas_ok":                    func() Payload { return &CasOk{} },
	"send":                      func() Payload { return &Send{} },
	"send_ok":                   func() Payload { return &SendOk{} },
	"poll":                      func() Payload { return &Poll{} },
	"poll_ok":                   func() Payload { return &PollOk{} },
	"commit_offsets":            func() Payload { return &CommitOffsets{} },
	"commit_offsets_ok":         func() Payload { return &CommitOffsetsOk{} },
	"list_committed_offsets":    func() Payload { return &ListCommittedOffsets{} },
	"list_committed_offsets_ok": func() Payload { return &ListCommittedOffsetsOk{} },
	"gossip":                    func() Payload { return &Gossip{} },
	"gossip_ok":                 func() Payload { return &GossipOk{} },
	"internal_send":             func() Payload { return &InternalSend{} },
	"internal_commit_offsets":   func() Payload { return &InternalCommitOffsets{} },
}

// Init is the first message every node receives.
type Init struct {
	NodeID  string   `json:"node_id"`
	NodeIDs []string `json:"node_ids"`
}

type InitOk struct{}

type Echo struct {
	Echo json.RawMessage `json:"echo"`
}

type EchoOk struct {
	Echo json.RawMessage `json:"echo"`
}

type Generate struct{}

type GenerateOk struct {
	ID string `json:"id"`
}

type Broadcast struct {
	Message int `json:"message"`
}

type BroadcastOk struct{}

type Topology struct {
	Topology map[string][]string `json:"topology"`
}

type TopologyOk struct{}

// BroadcastGossip carries set values a neighbor is not known to hold.
type BroadcastGossip struct {
	Messages []int `json:"messages"`
}

type BroadcastGossipOk struct{}

// Read is shared by the broadcast and counter workloads, which send it
// without a key, and by the lin-kv service, which requires one.
type Read struct {
	Key string `json:"key,omitempty"`
}

// ReadOk is the counter and lin-kv read reply. Decoding a broadcast read
// reply also lands here, with Messages filled in.
type ReadOk struct {
	Value    int   `json:"value"`
	Messages []int `json:"messages,omitempty"`
}

// MessagesOk is the broadcast read reply. Unlike ReadOk it always renders
// the messages list, even when empty. Replies decode as ReadOk.
type MessagesOk struct {
	Messages []int `json:"messages"`
}

type Add struct {
	Delta int `json:"delta"`
}

type AddOk struct{}

// CounterGossip carries per-node counter totals.
type CounterGossip struct {
	Counts map[string]int `json:"counts"`
}

// Cas is a lin-kv compare-and-set request.
type Cas struct {
	Key               string `json:"key"`
	From              int    `json:"from"`
	To                int    `json:"to"`
	CreateIfNotExists bool   `json:"create_if_not_exists,omitempty"`
}

type CasOk struct{}

type Send struct {
	Key string `json:"key"`
	Msg int    `json:"msg"`
}

type SendOk struct {
	Offset int `json:"offset"`
}

type Poll struct {
	Offsets map[string]int `json:"offsets"`
}

// PollOk maps each key to [offset, value] pairs sorted by offset.
type PollOk struct {
	Msgs map[string][][2]int `json:"msgs"`
}

type CommitOffsets struct {
	Offsets map[string]int `json:"offsets"`
}

type CommitOffsetsOk struct{}

type ListCommittedOffsets struct {
	Keys []string `json:"keys"`
}

type ListCommittedOffsetsOk struct {
	Offsets map[string]int `json:"offsets"`
}

// LogEntry is the wire form of a replicated log entry.
type LogEntry struct {
	MsgID  int      `json:"msg_id"`
	Key    string   `json:"key"`
	Offset int      `json:"offset"`
	Msg    int      `json:"msg"`
	SeenBy []string `json:"seen_by"`
}

// SeenLogs groups gossiped entries by tier and key.
type SeenLogs struct {
	Committed   map[string][]LogEntry `json:"committed"`
	Uncommitted map[string][]LogEntry `json:"uncommitted"`
}

// Gossip is the anti-entropy message exchanged between log nodes.
// CommittedOffsets carries the sender's committed offset per key, for keys
// the receiver is not known to have caught up on.
type Gossip struct {
	Seen             SeenLogs       `json:"seen"`
	CommittedOffsets map[string]int `json:"committed_offsets,omitempty"`
}

type GossipOk struct{}

type InternalSend struct {
	LogEntry LogEntry `json:"log_entry"`
}

type InternalCommitOffsets struct {
	Offsets map[string]int `json:"offsets"`
}

func (*Init) Type() string                   { return "init" }
func (*InitOk) Type() string                 { return "init_ok" }
func (*Error) Type() string                  { return "error" }
func (*Echo) Type() string                   { return "echo" }
func (*EchoOk) Type() string                 { return "echo_ok" }
func (*Generate) Type() string               { return "generate" }
func (*GenerateOk) Type() string             { return "generate_ok" }
func (*Broadcast) Type() string              { return "broadcast" }
func (*BroadcastOk) Type() string            { return "broadcast_ok" }
func (*Topology) Type() string               { return "topology" }
func (*TopologyOk) Type() string             { return "topology_ok" }
func (*BroadcastGossip) Type() string        { return "broadcast_gossip" }
func (*BroadcastGossipOk) Type() string      { return "broadcast_gossip_ok" }
func (*Read) Type() string                   { return "read" }
func (*ReadOk) Type() string                 { return "read_ok" }
func (*MessagesOk) Type() string             { return "read_ok" }
func (*Add) Type() string                    { return "add" }
func (*AddOk) Type() string                  { return "add_ok" }
func (*CounterGossip) Type() string          { return "counter_gossip" }
func (*Cas) Type() string                    { return "cas" }
func (*CasOk) Type() string                  { return "cas_ok" }
func (*Send) Type() string                   { return "send" }
func (*SendOk) Type() string                 { return "send_ok" }
func (*Poll) Type() string                   { return "poll" }
func (*PollOk) Type() string                 { return "poll_ok" }
func (*CommitOffsets) Type() string          { return "commit_offsets" }
func (*CommitOffsetsOk) Type() string        { return "commit_offsets_ok" }
func (*ListCommittedOffsets) Type() string   { return "list_committed_offsets" }
func (*ListCommittedOffsetsOk) Type() string { return "list_committed_offsets_ok" }
func (*Gossip) Type() string                 { return "gossip" }
func (*GossipOk) Type() string               { return "gossip_ok" }
func (*InternalSend) Type() string           { return "internal_send" }
func (*InternalCommitOffsets) Type() string  { return "internal_commit_offsets" }

func (*Init) isPayload()                   {}
func (*InitOk) isPayload()                 {}
func (*Error) isPayload()                  {}
func (*Echo) isPayload()                   {}
func (*EchoOk) isPayload()                 {}
func (*Generate) isPayload()               {}
func (*GenerateOk) isPayload()             {}
func (*Broadcast) isPayload()              {}
func (*BroadcastOk) isPayload()            {}
func (*Topology) isPayload()               {}
func (*TopologyOk) isPayload()             {}
func (*BroadcastGossip) isPayload()        {}
func (*BroadcastGossipOk) isPayload()      {}
func (*Read) isPayload()                   {}
func (*ReadOk) isPayload()                 {}
func (*MessagesOk) isPayload()             {}
func (*Add) isPayload()                    {}
func (*AddOk) isPayload()                  {}
func (*CounterGossip) isPayload()          {}
func (*Cas) isPayload()                    {}
func (*CasOk) isPayload()                  {}
func (*Send) isPayload()                   {}
func (*SendOk) isPayload()                 {}
func (*Poll) isPayload()                   {}
func (*PollOk) isPayload()                 {}
func (*CommitOffsets) isPayload()          {}
func (*CommitOffsetsOk) isPayload()        {}
func (*ListCommittedOffsets) isPayload()   {}
func (*ListCommittedOffsetsOk) isPayload() {}
func (*Gossip) isPayload()                 {}
func (*GossipOk) isPayload()               {}
func (*InternalSend) isPayload()           {}
func (*InternalCommitOffsets) isPayload()  {}
