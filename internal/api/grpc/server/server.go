package server

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
)

// Endpoint opens the listener the API is served on.
type Endpoint interface {
	Listen() (net.Listener, error)
	String() string
}

// GRPCServer serves a gRPC server on an endpoint until stopped.
type GRPCServer struct {
	server   *grpc.Server
	endpoint Endpoint
}

// NewGRPCServer creates a GRPCServer serving server on endpoint.
func NewGRPCServer(server *grpc.Server, endpoint Endpoint) *GRPCServer {
	return &GRPCServer{server: server, endpoint: endpoint}
}

// Start listens on the endpoint and serves until Stop.
func (s *GRPCServer) Start() error {
	listener, err := s.endpoint.Listen()
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.endpoint, err)
	}
	return s.server.Serve(listener)
}

// Stop drains in-flight calls. Open state streams keep a graceful stop
// waiting, so the server is stopped hard once ctx is done.
func (s *GRPCServer) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.server.Stop()
		<-done
		return fmt.Errorf("forced shutdown: %w", ctx.Err())
	}
}

// Address returns the endpoint the server listens on.
func (s *GRPCServer) Address() string {
	return s.endpoint.String()
}
