package middleware

import (
	"context"
	"crypto/subtle"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/auth"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dtroode/didkeeper/internal/logger"
)

// Authenticate checks the admin bearer token of trusted management calls.
type Authenticate struct {
	adminToken []byte
	logger     *logger.Logger
}

// NewAuthenticate creates a new Authenticate middleware instance. An empty
// token disables the check; the listener is then expected to be a unix
// socket guarded by file permissions.
func NewAuthenticate(adminToken string, logger *logger.Logger) *Authenticate {
	return &Authenticate{adminToken: []byte(adminToken), logger: logger}
}

// AuthFunc compares the bearer token with the admin token in constant time.
func (m *Authenticate) AuthFunc(ctx context.Context) (context.Context, error) {
	if len(m.adminToken) == 0 {
		return ctx, nil
	}

	token, err := auth.AuthFromMD(ctx, "bearer")
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(token), m.adminToken) != 1 {
		m.logger.Warn("Authenticate middleware: invalid admin token")
		return nil, status.Error(codes.Unauthenticated, "invalid admin token")
	}

	return ctx, nil
}
