package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"

	"maelstrom-nodes/internal/cli"
	"maelstrom-nodes/internal/kafka"
	"maelstrom-nodes/internal/kafka/archive"
	"maelstrom-nodes/internal/logging"
	"maelstrom-nodes/internal/offset"
	"maelstrom-nodes/internal/telemetry"
)

const (
	allocatorKV     = "kv"
	allocatorEtcd   = "etcd"
	allocatorGRPC   = "grpc"
	allocatorMemory = "memory"
)

type kafkaOptions struct {
	gossipInterval    time.Duration
	anchorInterval    time.Duration
	batchSize         int
	gossipAck         bool
	resendRounds      int
	dissemination     string
	allocator         string
	kvService         string
	allocatorTimeout  time.Duration
	allocatorAttempts int
	etcdEndpoints     []string
	etcdPrefix        string
	counterAddr       string
	archivePath       string
}

func newKafkaCommand(v *viper.Viper, root *rootOptions) *cobra.Command {
	opts := &kafkaOptions{}
	defaults := kafka.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "kafka",
		Short: "Run the replicated Kafka-style log",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			logger := root.logger("kafka")
			config, closers, err := opts.config(logger)
			if err != nil {
				return err
			}
			h, err := kafka.NewHandler(config)
			if err != nil {
				return multierr.Append(err, closeAll(closers))
			}
			if err := telemetry.Registry.Register(h.Metrics()); err != nil {
				return multierr.Append(fmt.Errorf("failed to register log metrics: %w", err), closeAll(closers))
			}
			return root.run("kafka", h, closers...)
		},
	}
	cli.BindOptions(v, cmd, []cli.Opt{
		cli.NewOpt(&opts.gossipInterval, "gossip-interval", defaults.GossipInterval, "how often deltas are sent to each neighbor"),
		cli.NewOpt(&opts.anchorInterval, "anchor-interval", defaults.AnchorInterval, "how often fully replicated entries are anchored"),
		cli.NewOpt(&opts.batchSize, "gossip-batch-size", defaults.GossipBatchSize, "entries per tier in one gossip message"),
		cli.NewOpt(&opts.gossipAck, "gossip-ack", defaults.GossipAck, "count gossiped entries as delivered only once acknowledged"),
		cli.NewOpt(&opts.resendRounds, "gossip-resend-rounds", int(defaults.GossipResendRounds), "rounds before unacknowledged entries are resent"),
		cli.NewOpt(&opts.dissemination, "dissemination", string(defaults.Dissemination), "gossip, or push to also forward every send and commit"),
		cli.NewOpt(&opts.allocator, "allocator", allocatorKV, "offset allocator: kv, etcd, grpc or memory (single node only)"),
		cli.NewOpt(&opts.kvService, "kv-service", defaults.KVService, "harness key-value service backing the kv allocator"),
		cli.NewOpt(&opts.allocatorTimeout, "allocator-timeout", defaults.AllocatorTimeout, "bound on one offset allocation"),
		cli.NewOpt(&opts.allocatorAttempts, "allocator-attempts", defaults.AllocatorAttempts, "compare-and-set attempts per allocation"),
		cli.NewOpt(&opts.etcdEndpoints, "etcd-endpoints", []string{"localhost:2379"}, "etcd endpoints for the etcd allocator"),
		cli.NewOpt(&opts.etcdPrefix, "etcd-prefix", "/maelstrom/offsets/", "key prefix for etcd counters"),
		cli.NewOpt(&opts.counterAddr, "counter-addr", "localhost:7070", "counterd address for the grpc allocator"),
		cli.NewOpt(&opts.archivePath, "archive-path", "", "bbolt file for anchored entries; in memory when empty"),
	})
	return cmd
}

// config builds the log configuration and opens the resources it names.
// The returned closers release them.
func (o *kafkaOptions) config(logger logging.Logger) (*kafka.Config, []io.Closer, error) {
	config := kafka.DefaultConfig()
	config.GossipInterval = o.gossipInterval
	config.AnchorInterval = o.anchorInterval
	config.GossipBatchSize = o.batchSize
	config.GossipAck = o.gossipAck
	config.GossipResendRounds = uint64(o.resendRounds)
	config.Dissemination = kafka.Dissemination(o.dissemination)
	config.KVService = o.kvService
	config.AllocatorTimeout = o.allocatorTimeout
	config.AllocatorAttempts = o.allocatorAttempts
	config.Metrics = kafka.NewMetrics()
	config.Logger = logger

	var closers []io.Closer
	fail := func(err error) (*kafka.Config, []io.Closer, error) {
		return nil, nil, multierr.Append(err, closeAll(closers))
	}

	switch o.allocator {
	case allocatorKV:
		// built by the handler once the node is known
	case allocatorMemory:
		config.Allocator = offset.NewMemory()
	case allocatorEtcd:
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   o.etcdEndpoints,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return fail(fmt.Errorf("failed to connect to etcd: %w", err))
		}
		closers = append(closers, client)
		config.Allocator = offset.NewEtcd(client, o.etcdPrefix, o.allocatorAttempts)
	case allocatorGRPC:
		conn, err := offset.Dial(o.counterAddr)
		if err != nil {
			return fail(fmt.Errorf("failed to dial counterd: %w", err))
		}
		closers = append(closers, conn)
		config.Allocator = offset.NewGRPC(conn)
	default:
		return fail(fmt.Errorf("%w: unknown allocator %q", kafka.ErrInvalidConfig, o.allocator))
	}

	if o.archivePath != "" {
		db, err := archive.NewBolt(o.archivePath)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, db)
		config.Archive = db
	}

	logger.Infof("Log configured with %s allocator, archive %q", o.allocator, o.archivePath)
	return config, closers, nil
}

func closeAll(closers []io.Closer) error {
	var err error
	for _, c := range closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}
