// Command comlink-client connects to comlinkd and drives the demo service.
//
// In stdio mode it spawns the configured command and talks to it over the
// child's stdin and stdout. In tcp and grpc mode it dials the configured
// address.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	comlink "github.com/smnsjas/go-comlink"
	"github.com/smnsjas/go-comlink/grpctransport"
	"github.com/smnsjas/go-comlink/internal/cli"
	"github.com/smnsjas/go-comlink/outofproc"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "comlink-client: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("comlink-client", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a TOML config file")
	mode := fs.String("mode", "", "transport: stdio | tcp | grpc")
	address := fs.String("address", "", "server address for tcp and grpc")
	command := fs.String("exec", "", "server command line for stdio mode")
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
	if *command != "" {
		cfg.Command = strings.Fields(*command)
	}
	if *level != "" {
		cfg.LogLevel = *level
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := cli.NewLogger(os.Stderr, "comlink-client", cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conn, err := connect(ctx, cfg)
	if err != nil {
		return err
	}

	opts := []outofproc.Option{
		outofproc.WithLogger(cli.Printf{Logger: logger, Component: "outofproc"}),
		outofproc.WithCloseTimeout(cfg.CloseTimeout),
	}
	if cfg.MaxFragmentSize > 0 {
		opts = append(opts, outofproc.WithMaxFragmentSize(cfg.MaxFragmentSize))
	}
	// The session closes conn when it ends.
	session := outofproc.NewSession(conn, opts...)

	ref, err := comlink.Wrap(session.Root(),
		comlink.WithLogger(cli.Printf{Logger: logger, Component: "comlink"}))
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("wrap: %w", err)
	}

	d := &driver{ref: ref, timeout: cfg.CallTimeout, logger: logger}
	if err := d.run(ctx); err != nil {
		_ = session.Close()
		return err
	}

	select {
	case <-session.Done():
	case <-ctx.Done():
		_ = session.Close()
	}
	if err := session.Err(); err != nil && !errors.Is(err, outofproc.ErrSessionClosed) {
		return fmt.Errorf("session: %w", err)
	}
	logger.Info().Msg("done")
	return nil
}

// packetConn is a PacketConn that owns the resources behind it.
type packetConn interface {
	outofproc.PacketConn
	io.Closer
}

func connect(ctx context.Context, cfg cli.Config) (packetConn, error) {
	switch cfg.Mode {
	case cli.ModeStdio:
		if len(cfg.Command) == 0 {
			return nil, fmt.Errorf("stdio mode requires a command")
		}
		return startProcess(cfg.Command[0], cfg.Command[1:]...)
	case cli.ModeTCP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("dial: %w", err)
		}
		return outofproc.NewTransportFromReadWriter(conn), nil
	case cli.ModeGRPC:
		cc, err := grpc.NewClient(cfg.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("grpc client: %w", err)
		}
		conn, err := grpctransport.Dial(ctx, cc)
		if err != nil {
			_ = cc.Close()
			return nil, err
		}
		return &grpcConn{Conn: conn, cc: cc}, nil
	}
	return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
}

type grpcConn struct {
	*grpctransport.Conn
	cc *grpc.ClientConn
}

func (c *grpcConn) Close() error {
	err := c.Conn.Close()
	if cerr := c.cc.Close(); err == nil {
		err = cerr
	}
	return err
}

// processConn speaks the packet protocol over a child's stdin and stdout.
type processConn struct {
	*outofproc.Transport
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

// Close closes the pipes and waits for the child to exit.
func (p *processConn) Close() error {
	_ = p.Transport.Close()
	_ = p.stdout.Close()
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("wait for %s: %w", p.cmd.Path, err)
	}
	return nil
}

func startProcess(command string, args ...string) (*processConn, error) {
	cmd := exec.Command(command, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	return &processConn{
		Transport: outofproc.NewTransport(stdout, stdin),
		cmd:       cmd,
		stdout:    stdout,
	}, nil
}
