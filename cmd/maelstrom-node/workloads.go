package main

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"maelstrom-nodes/internal/broadcast"
	"maelstrom-nodes/internal/cli"
	"maelstrom-nodes/internal/counter"
	"maelstrom-nodes/internal/echo"
	"maelstrom-nodes/internal/uniqueid"
)

func newEchoCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "echo",
		Short: "Answer echo requests",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return root.run("echo", echo.NewHandler())
		},
	}
}

func newUniqueIDsCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unique-ids",
		Short: "Generate cluster-unique ids",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return root.run("unique-ids", uniqueid.NewHandler())
		},
	}
}

func newBroadcastCommand(v *viper.Viper, root *rootOptions) *cobra.Command {
	config := broadcast.DefaultConfig()
	var unacked int

	cmd := &cobra.Command{
		Use:   "broadcast",
		Short: "Replicate broadcast values by gossip",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			config.UnackedRounds = uint64(unacked)
			config.Logger = root.logger("broadcast")
			h, err := broadcast.NewHandler(config)
			if err != nil {
				return err
			}
			return root.run("broadcast", h)
		},
	}
	cli.BindOptions(v, cmd, []cli.Opt{
		cli.NewOpt(&config.GossipInterval, "broadcast-interval", 300*time.Millisecond, "how often neighbors are sent missing values"),
		cli.NewOpt(&unacked, "broadcast-unacked-rounds", int(config.UnackedRounds), "rounds an unacknowledged gossip is remembered"),
	})
	return cmd
}

func newCounterCommand(v *viper.Viper, root *rootOptions) *cobra.Command {
	config := counter.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "g-counter",
		Short: "Run a grow-only counter",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			config.Logger = root.logger("g-counter")
			h, err := counter.NewHandler(config)
			if err != nil {
				return err
			}
			return root.run("g-counter", h)
		},
	}
	cli.BindOptions(v, cmd, []cli.Opt{
		cli.NewOpt(&config.GossipInterval, "counter-interval", 300*time.Millisecond, "how often per-node totals are gossiped"),
	})
	return cmd
}
