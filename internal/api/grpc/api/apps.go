package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/dtroode/didkeeper/internal/model"
)

// AppsServiceName is the service untrusted applications call. The caller
// origin travels in the OriginMetadataKey metadata entry.
const AppsServiceName = "didkeeper.Apps"

// OriginMetadataKey carries the application origin.
const OriginMetadataKey = "x-app-origin"

// ErrorKindTrailer carries the tagged error kind of a failed call.
const ErrorKindTrailer = "x-error-kind"

// AppsServer is the server API of didkeeper.Apps.
type AppsServer interface {
	GetLockState(context.Context, *emptypb.Empty) (*LockState, error)
	InitializeSession(context.Context, *InitializeSessionRequest) (*model.AppSession, error)
}

// AppsServiceDesc describes didkeeper.Apps for grpc.Server.RegisterService.
var AppsServiceDesc = grpc.ServiceDesc{
	ServiceName: AppsServiceName,
	HandlerType: (*AppsServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(AppsServiceName, "GetLockState", AppsServer.GetLockState),
		unaryMethod(AppsServiceName, "InitializeSession", AppsServer.InitializeSession),
	},
	Metadata: "didkeeper/apps",
}

// RegisterAppsServer registers srv on s.
func RegisterAppsServer(s grpc.ServiceRegistrar, srv AppsServer) {
	s.RegisterService(&AppsServiceDesc, srv)
}

// AppsClient calls didkeeper.Apps.
type AppsClient struct {
	cc grpc.ClientConnInterface
}

func NewAppsClient(cc grpc.ClientConnInterface) *AppsClient {
	return &AppsClient{cc: cc}
}

func (c *AppsClient) GetLockState(ctx context.Context, opts ...grpc.CallOption) (*LockState, error) {
	return invoke[LockState](ctx, c.cc, FullMethod(AppsServiceName, "GetLockState"), &emptypb.Empty{}, opts)
}

// InitializeSession blocks until the session's permissions are decided.
func (c *AppsClient) InitializeSession(ctx context.Context, in *InitializeSessionRequest, opts ...grpc.CallOption) (*model.AppSession, error) {
	return invoke[model.AppSession](ctx, c.cc, FullMethod(AppsServiceName, "InitializeSession"), in, opts)
}
