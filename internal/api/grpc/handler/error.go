package handler

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/dtroode/didkeeper/internal/api/grpc/api"
	"github.com/dtroode/didkeeper/internal/model"
)

var kindCodes = map[model.Kind]codes.Code{
	model.KindInvalidMnemonic:    codes.InvalidArgument,
	model.KindInvalidArgument:    codes.InvalidArgument,
	model.KindWrongPassword:      codes.PermissionDenied,
	model.KindVaultLocked:        codes.FailedPrecondition,
	model.KindNoConsentSurface:   codes.FailedPrecondition,
	model.KindVaultNotFound:      codes.NotFound,
	model.KindIdentityNotFound:   codes.NotFound,
	model.KindVaultExists:        codes.AlreadyExists,
	model.KindFullLoginRequired:  codes.Unauthenticated,
	model.KindTokenRefreshFailed: codes.Unavailable,
	model.KindNetworkError:       codes.Unavailable,
	model.KindConsentAbandoned:   codes.Aborted,
	model.KindConsistencyError:   codes.DataLoss,
	model.KindPersistenceError:   codes.Internal,
}

// toStatus converts a service error into a gRPC status and the trailer
// that names its kind.
func toStatus(err error) (*status.Status, metadata.MD) {
	if st, ok := status.FromError(err); ok {
		return st, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err), nil
	}

	kind := model.KindOf(err)
	trailer := metadata.Pairs(api.ErrorKindTrailer, string(kind))
	code, ok := kindCodes[kind]
	if !ok {
		return status.New(codes.Internal, "internal error"), trailer
	}
	return status.New(code, err.Error()), trailer
}

// handleError converts err for a unary call and sets the kind trailer.
func handleError(ctx context.Context, err error) error {
	st, trailer := toStatus(err)
	if trailer != nil {
		_ = grpc.SetTrailer(ctx, trailer)
	}
	return st.Err()
}
