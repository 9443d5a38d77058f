// Command comlinkd exposes the demo service over stdio, TCP or gRPC.
//
// In stdio mode the packets travel on stdin and stdout and the logs go to
// stderr, so comlinkd can be spawned by comlink-client as a child process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	comlink "github.com/smnsjas/go-comlink"
	"github.com/smnsjas/go-comlink/grpctransport"
	"github.com/smnsjas/go-comlink/internal/cli"
	"github.com/smnsjas/go-comlink/internal/demo"
	"github.com/smnsjas/go-comlink/outofproc"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "comlinkd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("comlinkd", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a TOML config file")
	mode := fs.String("mode", "", "transport: stdio | tcp | grpc")
	address := fs.String("address", "", "listen address for tcp and grpc")
	level := fs.String("log-level", "", "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := cli.Load(*configPath)
	if err != nil {
		return err
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if *address != "" {
		cfg.Address = *address
	}
	if *level != "" {
		cfg.LogLevel = *level
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := cli.NewLogger(os.Stderr, "comlinkd", cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s := &server{cfg: cfg, logger: logger}
	switch cfg.Mode {
	case cli.ModeStdio:
		return s.serveConn(ctx, outofproc.NewTransport(os.Stdin, os.Stdout), "stdio")
	case cli.ModeTCP:
		lis, err := net.Listen("tcp", cfg.Address)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		logger.Info().Str("address", lis.Addr().String()).Msg("serving tcp")
		return s.serveTCP(ctx, lis)
	case cli.ModeGRPC:
		lis, err := net.Listen("tcp", cfg.Address)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		logger.Info().Str("address", lis.Addr().String()).Msg("serving grpc")
		return s.serveGRPC(ctx, lis)
	}
	return fmt.Errorf("unknown mode %q", cfg.Mode)
}

type server struct {
	cfg    cli.Config
	logger zerolog.Logger
}

func (s *server) sessionOptions(logger zerolog.Logger) []outofproc.Option {
	opts := []outofproc.Option{
		outofproc.WithLogger(cli.Printf{Logger: logger, Component: "outofproc"}),
		outofproc.WithCloseTimeout(s.cfg.CloseTimeout),
	}
	if s.cfg.MaxFragmentSize > 0 {
		opts = append(opts, outofproc.WithMaxFragmentSize(s.cfg.MaxFragmentSize))
	}
	return opts
}

// serveConn exposes a fresh demo service on conn until the peer ends the
// session or ctx is cancelled.
func (s *server) serveConn(ctx context.Context, conn outofproc.PacketConn, peer string) error {
	logger := s.logger.With().Str("peer", peer).Logger()
	session := outofproc.NewSession(conn, s.sessionOptions(logger)...)

	svc := demo.NewService(s.cfg.Name, func() {
		logger.Debug().Msg("service finalized")
	})
	exp, err := comlink.Expose(svc, session.Root(),
		comlink.WithLogger(cli.Printf{Logger: logger, Component: "comlink"}))
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("expose: %w", err)
	}
	logger.Info().Msg("session started")

	select {
	case <-session.Done():
	case <-ctx.Done():
		if err := session.Close(); err != nil {
			logger.Warn().Err(err).Msg("close session")
		}
	}
	exp.Release()
	exp.Wait()

	if err := session.Err(); err != nil && !errors.Is(err, outofproc.ErrSessionClosed) {
		logger.Warn().Err(err).Msg("session failed")
		return nil
	}
	logger.Info().Msg("session ended")
	return nil
}

// serveTCP runs one session per accepted connection until ctx is cancelled.
func (s *server) serveTCP(ctx context.Context, lis net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = lis.Close()
		return nil
	})
	g.Go(func() error {
		for {
			conn, err := lis.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			g.Go(func() error {
				return s.serveConn(gctx, outofproc.NewTransportFromReadWriter(conn), conn.RemoteAddr().String())
			})
		}
	})
	return g.Wait()
}

// serveGRPC registers the packet service and serves it until ctx is
// cancelled. Open sessions are closed before the server stops.
func (s *server) serveGRPC(ctx context.Context, lis net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	srv := grpc.NewServer()
	grpctransport.Register(srv, func(sctx context.Context, conn *grpctransport.Conn) error {
		ctx, cancel := context.WithCancel(sctx)
		defer cancel()
		stop := context.AfterFunc(gctx, cancel)
		defer stop()
		return s.serveConn(ctx, conn, "grpc")
	})

	g.Go(func() error {
		if err := srv.Serve(lis); err != nil {
			return fmt.Errorf("serve grpc: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		srv.GracefulStop()
		return nil
	})
	return g.Wait()
}
