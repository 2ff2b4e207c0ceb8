package router

import (
	"context"
	"strings"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/auth"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/selector"
	"google.golang.org/grpc"

	"github.com/dtroode/didkeeper/internal/api/grpc/api"
	"github.com/dtroode/didkeeper/internal/api/grpc/handler"
	"github.com/dtroode/didkeeper/internal/api/grpc/middleware"
	"github.com/dtroode/didkeeper/internal/logger"
	"github.com/dtroode/didkeeper/internal/model"
)

// Service is everything the two gRPC surfaces need from the keeper.
type Service interface {
	handler.KeeperService
	handler.AppsService
}

// Router wires the keeper services, interceptors and handlers into a
// gRPC server.
type Router struct {
	keeper         Service
	contextManager model.ContextManager
	adminToken     string
	logger         *logger.Logger
}

// New creates new gRPC Router instance.
//
// Parameters:
//   - keeper: The keeper facade
//   - contextManager: Carries the application origin
//   - adminToken: Bearer token for the management API, empty disables the check
//   - logger: The logger for request logging
func New(
	keeper Service,
	contextManager model.ContextManager,
	adminToken string,
	logger *logger.Logger,
) *Router {
	return &Router{
		keeper:         keeper,
		contextManager: contextManager,
		adminToken:     adminToken,
		logger:         logger,
	}
}

func servicePrefix(name string) string {
	return "/" + name + "/"
}

func matchService(name string) selector.Matcher {
	prefix := servicePrefix(name)
	return selector.MatchFunc(func(_ context.Context, c interceptors.CallMeta) bool {
		return strings.HasPrefix(c.FullMethod(), prefix)
	})
}

// Register registers all gRPC services and middleware.
//
// Returns the configured gRPC server instance.
func (r *Router) Register(opts ...grpc.ServerOption) *grpc.Server {
	logging := middleware.NewLogging(r.logger)
	rec := middleware.NewRecovery(r.logger)
	authenticate := middleware.NewAuthenticate(r.adminToken, r.logger)
	origin := middleware.NewOrigin(r.contextManager, r.logger)

	recoveryOpt := recovery.WithRecoveryHandlerContext(rec.Handle)

	opts = append(opts,
		grpc.ChainUnaryInterceptor(
			recovery.UnaryServerInterceptor(recoveryOpt),
			logging.HandleGRPC,
			selector.UnaryServerInterceptor(
				auth.UnaryServerInterceptor(authenticate.AuthFunc),
				matchService(api.KeeperServiceName),
			),
			selector.UnaryServerInterceptor(
				auth.UnaryServerInterceptor(origin.AuthFunc),
				matchService(api.AppsServiceName),
			),
		),
		grpc.ChainStreamInterceptor(
			recovery.StreamServerInterceptor(recoveryOpt),
			logging.HandleGRPCStream,
			selector.StreamServerInterceptor(
				auth.StreamServerInterceptor(authenticate.AuthFunc),
				matchService(api.KeeperServiceName),
			),
		),
	)

	s := grpc.NewServer(opts...)
	r.registerKeeperRoutes(s)
	r.registerAppsRoutes(s)

	return s
}

func (r *Router) registerKeeperRoutes(server *grpc.Server) {
	api.RegisterKeeperServer(server, handler.NewKeeper(r.keeper, r.logger))
}

func (r *Router) registerAppsRoutes(server *grpc.Server) {
	api.RegisterAppsServer(server, handler.NewApps(r.keeper, r.contextManager, r.logger))
}
