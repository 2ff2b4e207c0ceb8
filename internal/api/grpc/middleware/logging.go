package middleware

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dtroode/didkeeper/internal/logger"
)

// Logging logs gRPC requests and results. Request bodies are never logged;
// they carry passwords and mnemonics.
type Logging struct {
	logger *logger.Logger
}

// NewLogging creates a new Logging middleware.
func NewLogging(logger *logger.Logger) *Logging {
	return &Logging{logger: logger}
}

// HandleGRPC logs method name, duration and status for each unary request.
func (l *Logging) HandleGRPC(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()

	l.logger.Debug("gRPC request started", "method", info.FullMethod)

	resp, err := handler(ctx, req)
	l.completed(info.FullMethod, start, err)

	return resp, err
}

// HandleGRPCStream logs method name, duration and status for each stream.
func (l *Logging) HandleGRPCStream(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()

	l.logger.Debug("gRPC stream started", "method", info.FullMethod)

	err := handler(srv, ss)
	l.completed(info.FullMethod, start, err)

	return err
}

func (l *Logging) completed(method string, start time.Time, err error) {
	statusCode := codes.OK
	if err != nil {
		if st, ok := status.FromError(err); ok {
			statusCode = st.Code()
		} else {
			statusCode = codes.Internal
		}
	}

	l.logger.Info("gRPC request completed",
		"method", method,
		"duration_ms", time.Since(start).Milliseconds(),
		"status", statusCode.String())

	if err != nil && statusCode != codes.Canceled {
		l.logger.Warn("gRPC request failed",
			"method", method,
			"error", err.Error(),
			"status", statusCode.String())
	}
}
