// Command vaultctl manages a running didkeeper daemon over its gRPC
// management API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"github.com/dtroode/didkeeper/internal/api/grpc/client"
)

type globalOptions struct {
	addr       string
	socket     string
	token      string
	tls        bool
	skipVerify bool
	timeout    time.Duration
}

// app carries what every command needs.
type app struct {
	opts   globalOptions
	out    io.Writer
	prompt *prompter
	// dialOptions are appended to every connection, tests route them in-process.
	dialOptions []grpc.DialOption
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{out: os.Stdout, prompt: newPrompter(os.Stdin, os.Stderr)}
	if err := a.run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "vaultctl: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func (a *app) run(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("vaultctl", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.SetOutput(io.Discard)
	fs.StringVar(&a.opts.addr, "addr", envOr("DIDKEEPER_ADDR", "localhost:3200"), "daemon address")
	fs.StringVar(&a.opts.socket, "socket", os.Getenv("DIDKEEPER_SOCKET"), "daemon unix socket, overrides --addr")
	fs.StringVar(&a.opts.token, "token", os.Getenv("DIDKEEPER_ADMIN_TOKEN"), "admin token")
	fs.BoolVar(&a.opts.tls, "tls", false, "use TLS")
	fs.BoolVar(&a.opts.skipVerify, "insecure-skip-verify", false, "skip TLS certificate verification")
	fs.DurationVar(&a.opts.timeout, "timeout", 30*time.Second, "timeout of one call, watch is unbounded")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			a.root(ctx).printHelp(a.out, "vaultctl")
			fmt.Fprintf(a.out, "\nGlobal flags:\n%s", fs.FlagUsages())
			return nil
		}
		return fmt.Errorf("%w: %w", errUsage, err)
	}

	return a.root(ctx).execute(a.out, "", fs.Args())
}

func (a *app) target() string {
	if a.opts.socket != "" {
		return "unix://" + a.opts.socket
	}
	return a.opts.addr
}

func (a *app) dial() (*client.Client, error) {
	return client.Dial(a.target(), client.Options{
		AdminToken:         a.opts.token,
		TLS:                a.opts.tls && a.opts.socket == "",
		InsecureSkipVerify: a.opts.skipVerify,
	}, a.dialOptions...)
}

// call dials, runs fn with a bounded context and closes the connection.
func (a *app) call(ctx context.Context, fn func(ctx context.Context, c *client.Client) error) error {
	c, err := a.dial()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(ctx, a.opts.timeout)
	defer cancel()
	return fn(ctx, c)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
