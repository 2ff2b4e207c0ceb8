// Package grpctest runs a complete keeper behind an in-memory gRPC
// listener for transport tests.
package grpctest

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	grpcContext "github.com/dtroode/didkeeper/internal/api/grpc/context"
	"github.com/dtroode/didkeeper/internal/api/grpc/router"
	"github.com/dtroode/didkeeper/internal/clock"
	"github.com/dtroode/didkeeper/internal/controlplane"
	"github.com/dtroode/didkeeper/internal/controlplane/controlplanetest"
	"github.com/dtroode/didkeeper/internal/model"
	"github.com/dtroode/didkeeper/internal/repository/memory"
	"github.com/dtroode/didkeeper/internal/service"
	"github.com/dtroode/didkeeper/internal/testutil"
)

const bufSize = 1 << 20

// FastKDF keeps password hashing cheap in tests.
var FastKDF = model.KDFParams{Time: 1, MemKiB: 1024, Par: 1}

// Env is a running keeper reachable over a bufconn listener.
type Env struct {
	ControlPlane *controlplanetest.Server
	Keeper       *service.Keeper
	Durable      *memory.Store

	listener *bufconn.Listener
}

// Option tunes the keeper started by New.
type Option func(*options)

type options struct {
	defaultsFallback bool
}

// WithDefaultsFallback applies the default grant policy when no consent
// subscriber is attached.
func WithDefaultsFallback() Option {
	return func(o *options) { o.defaultsFallback = true }
}

// New starts a keeper protected by adminToken. Everything is torn down
// when t finishes.
func New(t testing.TB, adminToken string, opts ...Option) *Env {
	t.Helper()
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log := testutil.MakeNoopLogger()
	clk := clock.Real()

	env := &Env{
		ControlPlane: controlplanetest.New(t),
		Durable:      memory.NewStore(),
		listener:     bufconn.Listen(bufSize),
	}
	volatile := memory.NewStore()
	cp := controlplane.NewClient(env.ControlPlane.URL, env.ControlPlane.Client(), 5*time.Second, log)

	vault := service.NewVaultStore(env.Durable, FastKDF, clk, log)
	session := service.NewSession(vault, volatile, log)
	tokens := service.NewTokenService(cp, env.Durable, volatile, session, clk, log)
	recovery := service.NewRecovery(cp, tokens, nil, 3, log)
	hub := service.NewHub(clk, log)
	consent := service.NewConsent(env.Durable, hub, o.defaultsFallback, clk, time.Minute, log)
	env.Keeper = service.NewKeeper(vault, session, tokens, recovery, consent, hub, nil, cp, env.Durable, log)

	srv := router.New(env.Keeper, grpcContext.NewManager(), adminToken, log).Register()
	go func() { _ = srv.Serve(env.listener) }()
	t.Cleanup(func() {
		srv.Stop()
		_ = session.Lock(context.Background())
	})

	return env
}

// DialOptions returns the options that route a client to the listener.
func (e *Env) DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return e.listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
}

// Target is the dial target to use with DialOptions.
const Target = "passthrough:///bufnet"

// Dial opens a raw connection to the keeper.
func (e *Env) Dial(t testing.TB) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient(Target, e.DialOptions()...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
