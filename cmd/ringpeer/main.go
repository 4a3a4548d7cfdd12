package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zde37/ringpeer/internal/api"
	"github.com/zde37/ringpeer/internal/chord"
	"github.com/zde37/ringpeer/internal/config"
	"github.com/zde37/ringpeer/internal/transport"
	"github.com/zde37/ringpeer/pkg"
)

func main() {
	cfg, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(2)
	}

	// Initialize logger
	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = cfg.LogLevel
	loggerConfig.Format = cfg.LogFormat
	if cfg.LogFile != "" {
		loggerConfig.File.Enable = true
		loggerConfig.File.Path = cfg.LogFile
	}

	logger, err := pkg.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	if err := run(cfg, logger, os.Stdin, os.Stdout); err != nil {
		logger.Error().Err(err).Msg("Peer failed")
		logger.Close()
		os.Exit(1)
	}
}

// parseFlags builds the configuration. The bootstrap triple may be given as
// flags or as three positional arguments: <id> <successor1> <successor2>.
func parseFlags(args []string, output io.Writer) (*config.Config, error) {
	cfg := config.DefaultConfig()

	fs := flag.NewFlagSet("ringpeer", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprintf(output, "Usage: ringpeer [flags] [<id> <successor1> <successor2>]\n\n")
		fs.PrintDefaults()
	}

	fs.IntVar(&cfg.ID, "id", cfg.ID, "Peer identifier (0-255)")
	fs.IntVar(&cfg.Successor1, "succ1", cfg.Successor1, "Bootstrap first successor")
	fs.IntVar(&cfg.Successor2, "succ2", cfg.Successor2, "Bootstrap second successor")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Host every peer listens on")
	fs.IntVar(&cfg.BasePort, "base-port", cfg.BasePort, "Peer id is added to this to get its UDP/TCP port")
	fs.IntVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "Port for the HTTP admin API (0 disables it)")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "Time between heartbeats to each successor")
	fs.DurationVar(&cfg.PingTimeout, "ping-timeout", cfg.PingTimeout, "How long a heartbeat waits for its response")
	fs.IntVar(&cfg.AckAccumulationMax, "ack-max", cfg.AckAccumulationMax, "Unacknowledged heartbeats tolerated before a successor is dead")
	fs.DurationVar(&cfg.RepairMargin, "repair-margin", cfg.RepairMargin, "Extra wait before second-successor repair and departure")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "Bound on control connections")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (trace, debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (json, console)")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Also write logs to this rotated file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch fs.NArg() {
	case 0:
	case 3:
		for i, dst := range []*int{&cfg.ID, &cfg.Successor1, &cfg.Successor2} {
			v, err := strconv.Atoi(fs.Arg(i))
			if err != nil {
				return nil, fmt.Errorf("argument %d: %q is not a peer id", i+1, fs.Arg(i))
			}
			*dst = v
		}
	default:
		fs.Usage()
		return nil, fmt.Errorf("expected 0 or 3 positional arguments, got %d", fs.NArg())
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// run wires the peer together and blocks until a signal arrives or the
// operator quits.
func run(cfg *config.Config, logger *pkg.Logger, in io.Reader, out io.Writer) error {
	id := uint8(cfg.ID)

	logger.Info().
		Uint8("id", id).
		Int("successor1", cfg.Successor1).
		Int("successor2", cfg.Successor2).
		Str("address", cfg.Address(id)).
		Msg("Starting ring peer")

	peer, err := chord.NewPeer(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create peer: %w", err)
	}
	peer.SetRemote(transport.NewClient(cfg.Address, cfg.DialTimeout, logger))

	operator := newConsole(peer, in, out, logger)
	peer.AddBroadcaster(operator)

	server, err := transport.NewServer(peer, cfg.Address(id), cfg.DialTimeout, logger)
	if err != nil {
		return fmt.Errorf("failed to create peer server: %w", err)
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start peer server: %w", err)
	}

	var httpServer *api.Server
	if cfg.HTTPPort > 0 {
		httpServer, err = api.NewServer(peer, cfg.DialTimeout, logger)
		if err != nil {
			cleanup(peer, server, nil, logger)
			return fmt.Errorf("failed to create HTTP API server: %w", err)
		}
		if err := httpServer.Start(net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.HTTPPort))); err != nil {
			cleanup(peer, server, nil, logger)
			return fmt.Errorf("failed to start HTTP API server: %w", err)
		}
		peer.AddBroadcaster(httpServer.Hub())
	}

	if err := peer.Start(); err != nil {
		cleanup(peer, server, httpServer, logger)
		return fmt.Errorf("failed to start peer: %w", err)
	}

	logger.Info().Msg("Ring peer is ready")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return operator.Run(gctx)
	})

	err = g.Wait()
	switch {
	case errors.Is(err, errQuit):
		logger.Info().Msg("Operator quit")
		err = nil
	case ctx.Err() != nil:
		logger.Info().Msg("Received shutdown signal")
	}

	cleanup(peer, server, httpServer, logger)
	logger.Info().Msg("Ring peer shutdown complete")
	return err
}

// cleanup performs graceful shutdown of all components
func cleanup(peer *chord.Peer, server *transport.Server, httpServer *api.Server, logger *pkg.Logger) {
	logger.Info().Msg("Starting graceful shutdown")

	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpServer.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Error stopping HTTP server")
		}
		cancel()
	}

	if err := peer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error shutting down peer")
	}

	if err := server.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping peer server")
	}
}
