package middleware

import (
	"context"
	"net/url"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/dtroode/didkeeper/internal/api/grpc/api"
	"github.com/dtroode/didkeeper/internal/logger"
	"github.com/dtroode/didkeeper/internal/model"
)

// Origin validates the application origin sent by untrusted callers and
// stores its normalized form in the context.
type Origin struct {
	contextManager model.ContextManager
	logger         *logger.Logger
}

// NewOrigin creates a new Origin middleware instance.
func NewOrigin(contextManager model.ContextManager, logger *logger.Logger) *Origin {
	return &Origin{contextManager: contextManager, logger: logger}
}

// AuthFunc rejects calls without a well-formed origin.
func (m *Origin) AuthFunc(ctx context.Context) (context.Context, error) {
	var raw string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if origins := md.Get(api.OriginMetadataKey); len(origins) > 0 {
			raw = origins[0]
		}
	}
	if raw == "" {
		return nil, status.Error(codes.Unauthenticated, "missing application origin")
	}

	origin, ok := NormalizeOrigin(raw)
	if !ok {
		m.logger.Debug("Origin middleware: malformed origin rejected", "origin", raw)
		return nil, status.Error(codes.InvalidArgument, "malformed application origin")
	}

	return m.contextManager.SetOriginToContext(ctx, origin), nil
}

// NormalizeOrigin reduces raw to lower-case scheme://host[:port].
func NormalizeOrigin(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" || u.User != nil {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}
