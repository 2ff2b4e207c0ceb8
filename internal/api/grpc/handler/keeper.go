package handler

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/dtroode/didkeeper/internal/api/grpc/api"
	"github.com/dtroode/didkeeper/internal/logger"
	"github.com/dtroode/didkeeper/internal/model"
	"github.com/dtroode/didkeeper/internal/service"
)

// KeeperService is the facade the management handler drives.
type KeeperService interface {
	GetLockState(ctx context.Context) (service.LockStatus, error)
	SetupCreateVault(ctx context.Context, password string) (service.CreateVaultResult, error)
	SetupImportVault(ctx context.Context, mnemonic, password string) (service.IdentityResult, error)
	SetupRecoverIdentities(ctx context.Context, mnemonic, password string) (service.RecoveryResult, error)
	SetupRestoreBackup(ctx context.Context, key string) (service.RestoreResult, error)
	Unlock(ctx context.Context, password string) (model.SessionSnapshot, error)
	Lock(ctx context.Context) error
	CreateIdentity(ctx context.Context, displayName string) (service.IdentityResult, error)
	SwitchIdentity(ctx context.Context, did string) (service.IdentityResult, error)
	DeleteIdentity(ctx context.Context, did string) (service.IdentityResult, error)
	ListIdentities(ctx context.Context) ([]model.IdentityRecord, error)
	UpdateIdentityProfile(ctx context.Context, did string, profile model.Profile) (service.IdentityResult, error)
	LoginIdentity(ctx context.Context, did string) (service.IdentityResult, error)
	RegisterIdentity(ctx context.Context, did string) (service.IdentityResult, error)
	GetValidAccessToken(ctx context.Context, did string) (string, error)
	SubmitConsentDecision(ctx context.Context, requestID string, decision model.Decision, grants map[string]model.GrantLevel) error
	PendingConsents() []model.ConsentRequest
	ListGrants(ctx context.Context, did string) ([]model.AppGrant, error)
	RevokeApp(ctx context.Context, did, origin, appID string) error
	ResetVault(ctx context.Context) error
	Subscribe(ctx context.Context, consentCapable bool) *service.Subscription
}

// Keeper handles the trusted management API.
type Keeper struct {
	keeper KeeperService
	logger *logger.Logger
}

var _ api.KeeperServer = (*Keeper)(nil)

// NewKeeper creates a new Keeper handler.
func NewKeeper(keeper KeeperService, logger *logger.Logger) *Keeper {
	return &Keeper{keeper: keeper, logger: logger}
}

func (h *Keeper) GetLockState(ctx context.Context, _ *emptypb.Empty) (*api.LockState, error) {
	st, err := h.keeper.GetLockState(ctx)
	if err != nil {
		return nil, handleError(ctx, err)
	}
	return &api.LockState{VaultExists: st.VaultExists, Session: st.Session}, nil
}

func (h *Keeper) CreateVault(ctx context.Context, req *api.PasswordRequest) (*api.CreateVaultResponse, error) {
	res, err := h.keeper.SetupCreateVault(ctx, req.Password)
	if err != nil {
		h.logger.Error("Keeper handler: vault creation failed", "error", err.Error())
		return nil, handleError(ctx, err)
	}
	h.logger.Info("Keeper handler: vault created")
	return &api.CreateVaultResponse{Mnemonic: res.Mnemonic, Warnings: res.Warnings}, nil
}

func (h *Keeper) ImportVault(ctx context.Context, req *api.MnemonicRequest) (*api.IdentityResponse, error) {
	res, err := h.keeper.SetupImportVault(ctx, req.Mnemonic, req.Password)
	if err != nil {
		h.logger.Error("Keeper handler: vault import failed", "error", err.Error())
		return nil, handleError(ctx, err)
	}
	h.logger.Info("Keeper handler: vault imported", "did", res.Identity.DID)
	return identityResponse(res), nil
}

func (h *Keeper) RecoverIdentities(ctx context.Context, req *api.MnemonicRequest) (*api.RecoverResponse, error) {
	res, err := h.keeper.SetupRecoverIdentities(ctx, req.Mnemonic, req.Password)
	if err != nil {
		h.logger.Error("Keeper handler: recovery failed", "error", err.Error())
		return nil, handleError(ctx, err)
	}
	h.logger.Info("Keeper handler: recovery completed", "identities", len(res.Identities))
	return &api.RecoverResponse{
		Identities:     res.Identities,
		NextIndex:      res.NextIndex,
		ScannedThrough: res.ScannedThrough,
		ProbeFailures:  res.ProbeFailures,
		Warnings:       res.Warnings,
		NothingFound:   res.NothingFound,
	}, nil
}

func (h *Keeper) RestoreBackup(ctx context.Context, req *api.RestoreRequest) (*api.RestoreResponse, error) {
	res, err := h.keeper.SetupRestoreBackup(ctx, req.Key)
	if err != nil {
		h.logger.Error("Keeper handler: restore failed", "key", req.Key, "error", err.Error())
		return nil, handleError(ctx, err)
	}
	return &api.RestoreResponse{Key: res.Key, Identities: res.Identities}, nil
}

func (h *Keeper) Unlock(ctx context.Context, req *api.PasswordRequest) (*api.SessionResponse, error) {
	snap, err := h.keeper.Unlock(ctx, req.Password)
	if err != nil {
		return nil, handleError(ctx, err)
	}
	return &api.SessionResponse{Session: snap}, nil
}

func (h *Keeper) Lock(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := h.keeper.Lock(ctx); err != nil {
		return nil, handleError(ctx, err)
	}
	return &emptypb.Empty{}, nil
}

func (h *Keeper) CreateIdentity(ctx context.Context, req *api.CreateIdentityRequest) (*api.IdentityResponse, error) {
	res, err := h.keeper.CreateIdentity(ctx, req.DisplayName)
	if err != nil {
		return nil, handleError(ctx, err)
	}
	return identityResponse(res), nil
}

func (h *Keeper) SwitchIdentity(ctx context.Context, req *api.DIDRequest) (*api.IdentityResponse, error) {
	res, err := h.keeper.SwitchIdentity(ctx, req.DID)
	if err != nil {
		return nil, handleError(ctx, err)
	}
	return identityResponse(res), nil
}

func (h *Keeper) DeleteIdentity(ctx context.Context, req *api.DIDRequest) (*api.IdentityResponse, error) {
	res, err := h.keeper.DeleteIdentity(ctx, req.DID)
	if err != nil {
		return nil, handleError(ctx, err)
	}
	return identityResponse(res), nil
}

func (h *Keeper) ListIdentities(ctx context.Context, _ *emptypb.Empty) (*api.IdentityList, error) {
	list, err := h.keeper.ListIdentities(ctx)
	if err != nil {
		return nil, handleError(ctx, err)
	}
	return &api.IdentityList{Identities: list}, nil
}

func (h *Keeper) UpdateProfile(ctx context.Context, req *api.UpdateProfileRequest) (*api.IdentityResponse, error) {
	res, err := h.keeper.UpdateIdentityProfile(ctx, req.DID, req.Profile)
	if err != nil {
		return nil, handleError(ctx, err)
	}
	return identityResponse(res), nil
}

func (h *Keeper) LoginIdentity(ctx context.Context, req *api.DIDRequest) (*api.IdentityResponse, error) {
	res, err := h.keeper.LoginIdentity(ctx, req.DID)
	if err != nil {
		return nil, handleError(ctx, err)
	}
	return identityResponse(res), nil
}

func (h *Keeper) RegisterIdentity(ctx context.Context, req *api.DIDRequest) (*api.IdentityResponse, error) {
	res, err := h.keeper.RegisterIdentity(ctx, req.DID)
	if err != nil {
		return nil, handleError(ctx, err)
	}
	return identityResponse(res), nil
}

func (h *Keeper) GetAccessToken(ctx context.Context, req *api.DIDRequest) (*api.AccessTokenResponse, error) {
	token, err := h.keeper.GetValidAccessToken(ctx, req.DID)
	if err != nil {
		return nil, handleError(ctx, err)
	}
	return &api.AccessTokenResponse{AccessToken: token}, nil
}

func (h *Keeper) SubmitConsentDecision(ctx context.Context, req *api.ConsentDecisionRequest) (*emptypb.Empty, error) {
	if err := h.keeper.SubmitConsentDecision(ctx, req.RequestID, req.Decision, req.Grants); err != nil {
		return nil, handleError(ctx, err)
	}
	return &emptypb.Empty{}, nil
}

func (h *Keeper) PendingConsents(_ context.Context, _ *emptypb.Empty) (*api.ConsentList, error) {
	return &api.ConsentList{Requests: h.keeper.PendingConsents()}, nil
}

func (h *Keeper) ListGrants(ctx context.Context, req *api.DIDRequest) (*api.GrantList, error) {
	grants, err := h.keeper.ListGrants(ctx, req.DID)
	if err != nil {
		return nil, handleError(ctx, err)
	}
	return &api.GrantList{Grants: grants}, nil
}

func (h *Keeper) RevokeApp(ctx context.Context, req *api.RevokeAppRequest) (*emptypb.Empty, error) {
	if err := h.keeper.RevokeApp(ctx, req.DID, req.Origin, req.AppID); err != nil {
		return nil, handleError(ctx, err)
	}
	return &emptypb.Empty{}, nil
}

func (h *Keeper) ResetVault(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := h.keeper.ResetVault(ctx); err != nil {
		h.logger.Error("Keeper handler: reset failed", "error", err.Error())
		return nil, handleError(ctx, err)
	}
	h.logger.Warn("Keeper handler: vault reset")
	return &emptypb.Empty{}, nil
}

// Subscribe streams state events until the client goes away.
func (h *Keeper) Subscribe(req *api.SubscribeRequest, stream grpc.ServerStreamingServer[model.StateEvent]) error {
	ctx := stream.Context()
	sub := h.keeper.Subscribe(ctx, req.ConsentCapable)
	defer sub.Close()

	h.logger.Debug("Keeper handler: subscriber attached", "consent_capable", req.ConsentCapable)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := stream.Send(&ev); err != nil {
				return err
			}
		}
	}
}

func identityResponse(res service.IdentityResult) *api.IdentityResponse {
	return &api.IdentityResponse{Identity: res.Identity, Session: res.Session, Warnings: res.Warnings}
}
