// Command counterd serves durable per-key offset counters over gRPC for the
// kafka workload's grpc allocator.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"maelstrom-nodes/internal/cli"
	"maelstrom-nodes/internal/logging"
	"maelstrom-nodes/internal/offset"
	"maelstrom-nodes/internal/telemetry"
)

type options struct {
	addr        string
	dbPath      string
	metricsAddr string
	logLevel    zapcore.Level
}

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "counterd: %v\n", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "counterd",
		Short:         "Serve offset counters over gRPC",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(*cobra.Command, []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}
	cli.BindOptions(cli.NewViper("counterd"), cmd, []cli.Opt{
		cli.NewOpt(&opts.addr, "addr", "localhost:7070", "gRPC listen address"),
		cli.NewOpt(&opts.dbPath, "db", "counters.db", "bbolt file holding the counters"),
		cli.NewOpt(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address"),
		cli.NewOpt(&opts.logLevel, "log-level", zapcore.InfoLevel, "log level written to stderr"),
	})
	return cmd
}

func run(ctx context.Context, opts *options) (err error) {
	log, err := logging.New(os.Stderr, opts.logLevel.String())
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	logger := log.With(zap.String("service", "counterd")).Sugar()

	store, err := offset.NewBoltStore(opts.dbPath)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, store.Close()) }()

	lis, err := net.Listen("tcp", opts.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", opts.addr, err)
	}

	server := grpc.NewServer()
	offset.RegisterOffsetsServer(server, offset.NewServer(store))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("Serving counters from %s on %s", opts.dbPath, lis.Addr())
		if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Infof("Shutting down")
		server.GracefulStop()
		return nil
	})
	if opts.metricsAddr != "" {
		g.Go(func() error {
			return telemetry.Serve(gctx, opts.metricsAddr)
		})
	}
	return g.Wait()
}
