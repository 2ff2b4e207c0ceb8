package handler

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/dtroode/didkeeper/internal/api/grpc/api"
	"github.com/dtroode/didkeeper/internal/logger"
	"github.com/dtroode/didkeeper/internal/model"
	"github.com/dtroode/didkeeper/internal/service"
)

// AppsService is what applications may reach.
type AppsService interface {
	GetLockState(ctx context.Context) (service.LockStatus, error)
	InitializeAppSession(ctx context.Context, manifest model.AppManifest, origin string) (model.AppSession, error)
}

// Apps handles calls from untrusted applications.
type Apps struct {
	keeper         AppsService
	contextManager model.ContextManager
	logger         *logger.Logger
}

var _ api.AppsServer = (*Apps)(nil)

// NewApps creates a new Apps handler.
func NewApps(keeper AppsService, contextManager model.ContextManager, logger *logger.Logger) *Apps {
	return &Apps{keeper: keeper, contextManager: contextManager, logger: logger}
}

// GetLockState tells an application whether it can expect a session. The
// active identity is not disclosed.
func (h *Apps) GetLockState(ctx context.Context, _ *emptypb.Empty) (*api.LockState, error) {
	st, err := h.keeper.GetLockState(ctx)
	if err != nil {
		return nil, handleError(ctx, err)
	}
	return &api.LockState{
		VaultExists: st.VaultExists,
		Session:     model.SessionSnapshot{State: st.Session.State, ActiveIndex: -1},
	}, nil
}

// InitializeSession resolves the permissions of the calling application.
// It blocks while a consent request is pending.
func (h *Apps) InitializeSession(ctx context.Context, req *api.InitializeSessionRequest) (*model.AppSession, error) {
	origin, ok := h.contextManager.GetOriginFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing application origin")
	}

	h.logger.Debug("Apps handler: session requested", "app_id", req.Manifest.AppID, "origin", origin)

	session, err := h.keeper.InitializeAppSession(ctx, req.Manifest, origin)
	if err != nil {
		h.logger.Info("Apps handler: session refused",
			"app_id", req.Manifest.AppID,
			"origin", origin,
			"kind", string(model.KindOf(err)))
		return nil, handleError(ctx, err)
	}

	h.logger.Info("Apps handler: session initialized", "app_id", session.AppID, "origin", origin)
	return &session, nil
}
