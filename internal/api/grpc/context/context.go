package context

import (
	"context"

	"google.golang.org/grpc/metadata"

	"github.com/dtroode/didkeeper/internal/api/grpc/api"
)

// Manager represents a gRPC context manager for application origins.
// It keeps the verified origin in incoming metadata under the same key the
// caller sends it with.
type Manager struct{}

// NewManager creates a new gRPC context manager instance.
func NewManager() *Manager {
	return &Manager{}
}

// SetOriginToContext replaces the origin in the incoming metadata of ctx.
func (m *Manager) SetOriginToContext(ctx context.Context, origin string) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		md = metadata.New(map[string]string{api.OriginMetadataKey: origin})
	} else {
		md = md.Copy()
		md.Set(api.OriginMetadataKey, origin)
	}

	return metadata.NewIncomingContext(ctx, md)
}

// GetOriginFromContext returns the origin from incoming metadata.
func (m *Manager) GetOriginFromContext(ctx context.Context) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}

	origins := md.Get(api.OriginMetadataKey)
	if len(origins) == 0 || origins[0] == "" {
		return "", false
	}

	return origins[0], true
}

// WithOutgoingOrigin attaches origin to the outgoing metadata of a client
// call.
func WithOutgoingOrigin(ctx context.Context, origin string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, api.OriginMetadataKey, origin)
}
