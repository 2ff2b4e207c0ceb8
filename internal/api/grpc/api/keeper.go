package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/dtroode/didkeeper/internal/model"
)

// KeeperServiceName is the trusted management service. Every call needs
// the admin bearer token.
const KeeperServiceName = "didkeeper.Keeper"

// KeeperServer is the server API of didkeeper.Keeper.
type KeeperServer interface {
	GetLockState(context.Context, *emptypb.Empty) (*LockState, error)
	CreateVault(context.Context, *PasswordRequest) (*CreateVaultResponse, error)
	ImportVault(context.Context, *MnemonicRequest) (*IdentityResponse, error)
	RecoverIdentities(context.Context, *MnemonicRequest) (*RecoverResponse, error)
	RestoreBackup(context.Context, *RestoreRequest) (*RestoreResponse, error)
	Unlock(context.Context, *PasswordRequest) (*SessionResponse, error)
	Lock(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	CreateIdentity(context.Context, *CreateIdentityRequest) (*IdentityResponse, error)
	SwitchIdentity(context.Context, *DIDRequest) (*IdentityResponse, error)
	DeleteIdentity(context.Context, *DIDRequest) (*IdentityResponse, error)
	ListIdentities(context.Context, *emptypb.Empty) (*IdentityList, error)
	UpdateProfile(context.Context, *UpdateProfileRequest) (*IdentityResponse, error)
	LoginIdentity(context.Context, *DIDRequest) (*IdentityResponse, error)
	RegisterIdentity(context.Context, *DIDRequest) (*IdentityResponse, error)
	GetAccessToken(context.Context, *DIDRequest) (*AccessTokenResponse, error)
	SubmitConsentDecision(context.Context, *ConsentDecisionRequest) (*emptypb.Empty, error)
	PendingConsents(context.Context, *emptypb.Empty) (*ConsentList, error)
	ListGrants(context.Context, *DIDRequest) (*GrantList, error)
	RevokeApp(context.Context, *RevokeAppRequest) (*emptypb.Empty, error)
	ResetVault(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Subscribe(*SubscribeRequest, grpc.ServerStreamingServer[model.StateEvent]) error
}

// KeeperServiceDesc describes didkeeper.Keeper for grpc.Server.RegisterService.
var KeeperServiceDesc = grpc.ServiceDesc{
	ServiceName: KeeperServiceName,
	HandlerType: (*KeeperServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(KeeperServiceName, "GetLockState", KeeperServer.GetLockState),
		unaryMethod(KeeperServiceName, "CreateVault", KeeperServer.CreateVault),
		unaryMethod(KeeperServiceName, "ImportVault", KeeperServer.ImportVault),
		unaryMethod(KeeperServiceName, "RecoverIdentities", KeeperServer.RecoverIdentities),
		unaryMethod(KeeperServiceName, "RestoreBackup", KeeperServer.RestoreBackup),
		unaryMethod(KeeperServiceName, "Unlock", KeeperServer.Unlock),
		unaryMethod(KeeperServiceName, "Lock", KeeperServer.Lock),
		unaryMethod(KeeperServiceName, "CreateIdentity", KeeperServer.CreateIdentity),
		unaryMethod(KeeperServiceName, "SwitchIdentity", KeeperServer.SwitchIdentity),
		unaryMethod(KeeperServiceName, "DeleteIdentity", KeeperServer.DeleteIdentity),
		unaryMethod(KeeperServiceName, "ListIdentities", KeeperServer.ListIdentities),
		unaryMethod(KeeperServiceName, "UpdateProfile", KeeperServer.UpdateProfile),
		unaryMethod(KeeperServiceName, "LoginIdentity", KeeperServer.LoginIdentity),
		unaryMethod(KeeperServiceName, "RegisterIdentity", KeeperServer.RegisterIdentity),
		unaryMethod(KeeperServiceName, "GetAccessToken", KeeperServer.GetAccessToken),
		unaryMethod(KeeperServiceName, "SubmitConsentDecision", KeeperServer.SubmitConsentDecision),
		unaryMethod(KeeperServiceName, "PendingConsents", KeeperServer.PendingConsents),
		unaryMethod(KeeperServiceName, "ListGrants", KeeperServer.ListGrants),
		unaryMethod(KeeperServiceName, "RevokeApp", KeeperServer.RevokeApp),
		unaryMethod(KeeperServiceName, "ResetVault", KeeperServer.ResetVault),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       keeperSubscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "didkeeper/keeper",
}

// RegisterKeeperServer registers srv on s.
func RegisterKeeperServer(s grpc.ServiceRegistrar, srv KeeperServer) {
	s.RegisterService(&KeeperServiceDesc, srv)
}

func keeperSubscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(SubscribeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(KeeperServer).Subscribe(in, &grpc.GenericServerStream[SubscribeRequest, model.StateEvent]{ServerStream: stream})
}

// KeeperClient calls didkeeper.Keeper.
type KeeperClient struct {
	cc grpc.ClientConnInterface
}

func NewKeeperClient(cc grpc.ClientConnInterface) *KeeperClient {
	return &KeeperClient{cc: cc}
}

func (c *KeeperClient) method(name string) string {
	return FullMethod(KeeperServiceName, name)
}

func (c *KeeperClient) GetLockState(ctx context.Context, opts ...grpc.CallOption) (*LockState, error) {
	return invoke[LockState](ctx, c.cc, c.method("GetLockState"), &emptypb.Empty{}, opts)
}

func (c *KeeperClient) CreateVault(ctx context.Context, in *PasswordRequest, opts ...grpc.CallOption) (*CreateVaultResponse, error) {
	return invoke[CreateVaultResponse](ctx, c.cc, c.method("CreateVault"), in, opts)
}

func (c *KeeperClient) ImportVault(ctx context.Context, in *MnemonicRequest, opts ...grpc.CallOption) (*IdentityResponse, error) {
	return invoke[IdentityResponse](ctx, c.cc, c.method("ImportVault"), in, opts)
}

func (c *KeeperClient) RecoverIdentities(ctx context.Context, in *MnemonicRequest, opts ...grpc.CallOption) (*RecoverResponse, error) {
	return invoke[RecoverResponse](ctx, c.cc, c.method("RecoverIdentities"), in, opts)
}

func (c *KeeperClient) RestoreBackup(ctx context.Context, in *RestoreRequest, opts ...grpc.CallOption) (*RestoreResponse, error) {
	return invoke[RestoreResponse](ctx, c.cc, c.method("RestoreBackup"), in, opts)
}

func (c *KeeperClient) Unlock(ctx context.Context, in *PasswordRequest, opts ...grpc.CallOption) (*SessionResponse, error) {
	return invoke[SessionResponse](ctx, c.cc, c.method("Unlock"), in, opts)
}

func (c *KeeperClient) Lock(ctx context.Context, opts ...grpc.CallOption) error {
	_, err := invoke[emptypb.Empty](ctx, c.cc, c.method("Lock"), &emptypb.Empty{}, opts)
	return err
}

func (c *KeeperClient) CreateIdentity(ctx context.Context, in *CreateIdentityRequest, opts ...grpc.CallOption) (*IdentityResponse, error) {
	return invoke[IdentityResponse](ctx, c.cc, c.method("CreateIdentity"), in, opts)
}

func (c *KeeperClient) SwitchIdentity(ctx context.Context, in *DIDRequest, opts ...grpc.CallOption) (*IdentityResponse, error) {
	return invoke[IdentityResponse](ctx, c.cc, c.method("SwitchIdentity"), in, opts)
}

func (c *KeeperClient) DeleteIdentity(ctx context.Context, in *DIDRequest, opts ...grpc.CallOption) (*IdentityResponse, error) {
	return invoke[IdentityResponse](ctx, c.cc, c.method("DeleteIdentity"), in, opts)
}

func (c *KeeperClient) ListIdentities(ctx context.Context, opts ...grpc.CallOption) (*IdentityList, error) {
	return invoke[IdentityList](ctx, c.cc, c.method("ListIdentities"), &emptypb.Empty{}, opts)
}

func (c *KeeperClient) UpdateProfile(ctx context.Context, in *UpdateProfileRequest, opts ...grpc.CallOption) (*IdentityResponse, error) {
	return invoke[IdentityResponse](ctx, c.cc, c.method("UpdateProfile"), in, opts)
}

func (c *KeeperClient) LoginIdentity(ctx context.Context, in *DIDRequest, opts ...grpc.CallOption) (*IdentityResponse, error) {
	return invoke[IdentityResponse](ctx, c.cc, c.method("LoginIdentity"), in, opts)
}

func (c *KeeperClient) RegisterIdentity(ctx context.Context, in *DIDRequest, opts ...grpc.CallOption) (*IdentityResponse, error) {
	return invoke[IdentityResponse](ctx, c.cc, c.method("RegisterIdentity"), in, opts)
}

func (c *KeeperClient) GetAccessToken(ctx context.Context, in *DIDRequest, opts ...grpc.CallOption) (*AccessTokenResponse, error) {
	return invoke[AccessTokenResponse](ctx, c.cc, c.method("GetAccessToken"), in, opts)
}

func (c *KeeperClient) SubmitConsentDecision(ctx context.Context, in *ConsentDecisionRequest, opts ...grpc.CallOption) error {
	_, err := invoke[emptypb.Empty](ctx, c.cc, c.method("SubmitConsentDecision"), in, opts)
	return err
}

func (c *KeeperClient) PendingConsents(ctx context.Context, opts ...grpc.CallOption) (*ConsentList, error) {
	return invoke[ConsentList](ctx, c.cc, c.method("PendingConsents"), &emptypb.Empty{}, opts)
}

func (c *KeeperClient) ListGrants(ctx context.Context, in *DIDRequest, opts ...grpc.CallOption) (*GrantList, error) {
	return invoke[GrantList](ctx, c.cc, c.method("ListGrants"), in, opts)
}

func (c *KeeperClient) RevokeApp(ctx context.Context, in *RevokeAppRequest, opts ...grpc.CallOption) error {
	_, err := invoke[emptypb.Empty](ctx, c.cc, c.method("RevokeApp"), in, opts)
	return err
}

func (c *KeeperClient) ResetVault(ctx context.Context, opts ...grpc.CallOption) error {
	_, err := invoke[emptypb.Empty](ctx, c.cc, c.method("ResetVault"), &emptypb.Empty{}, opts)
	return err
}

// Subscribe opens the state stream. The first event is the current state.
func (c *KeeperClient) Subscribe(ctx context.Context, in *SubscribeRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[model.StateEvent], error) {
	stream, err := c.cc.NewStream(ctx, &KeeperServiceDesc.Streams[0], c.method("Subscribe"), withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[SubscribeRequest, model.StateEvent]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
