package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"maelstrom-nodes/internal/cli"
	"maelstrom-nodes/internal/logging"
	"maelstrom-nodes/internal/node"
	"maelstrom-nodes/internal/telemetry"
	"maelstrom-nodes/internal/transport"
)

// envPrefix prefixes every environment variable, e.g. MAELSTROM_LOG_LEVEL
const envPrefix = "maelstrom"

type rootOptions struct {
	logLevel    zapcore.Level
	metricsAddr string
	rpcTimeout  time.Duration

	log *zap.Logger
}

func newRootCommand() *cobra.Command {
	v := cli.NewViper(envPrefix)
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "maelstrom-node",
		Short:         "Run a Maelstrom workload node on stdin and stdout",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			log, err := logging.New(os.Stderr, opts.logLevel.String())
			if err != nil {
				return err
			}
			opts.log = log
			return nil
		},
	}
	cli.BindPersistentOptions(v, cmd, []cli.Opt{
		cli.NewOpt(&opts.logLevel, "log-level", zapcore.InfoLevel, "log level written to stderr"),
		cli.NewOpt(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9100"),
		cli.NewOpt(&opts.rpcTimeout, "rpc-timeout", time.Second, "timeout for RPCs without a deadline"),
	})

	cmd.AddCommand(
		newEchoCommand(opts),
		newUniqueIDsCommand(opts),
		newBroadcastCommand(v, opts),
		newCounterCommand(v, opts),
		newKafkaCommand(v, opts),
	)
	return cmd
}

// logger returns the sugared logger for a workload
func (o *rootOptions) logger(workload string) logging.Logger {
	return o.log.With(zap.String("workload", workload)).Sugar()
}

// run serves handler on stdin and stdout until the input ends or the process
// is signalled, then closes closers
func (o *rootOptions) run(workload string, handler node.Handler, closers ...io.Closer) (err error) {
	logger := o.logger(workload)
	defer func() {
		err = multierr.Append(err, closeAll(closers))
		_ = o.log.Sync()
	}()

	config := node.DefaultConfig()
	config.Workload = workload
	config.RPCTimeout = o.rpcTimeout
	config.Logger = logger

	n, err := node.New(config, transport.NewStdioTransport(os.Stdin, os.Stdout, logger), handler)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		defer cancel()
		return n.Run(runCtx)
	})
	if o.metricsAddr != "" {
		logger.Infof("Serving metrics on %s", o.metricsAddr)
		g.Go(func() error {
			return telemetry.Serve(runCtx, o.metricsAddr)
		})
	}
	return g.Wait()
}
