package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dtroode/didkeeper/internal/testutil"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestLogging_HandleGRPC(t *testing.T) {
	t.Parallel()

	lg := NewLogging(testutil.MakeNoopLogger())

	tests := []struct {
		name     string
		handler  grpc.UnaryHandler
		wantCode codes.Code
	}{
		{
			name: "success path",
			handler: func(ctx context.Context, req interface{}) (interface{}, error) {
				time.Sleep(10 * time.Millisecond)
				return "ok", nil
			},
			wantCode: codes.OK,
		},
		{
			name: "grpc error propagates",
			handler: func(ctx context.Context, req interface{}) (interface{}, error) {
				return nil, status.Error(codes.InvalidArgument, "bad input")
			},
			wantCode: codes.InvalidArgument,
		},
		{
			name: "non-grpc error becomes Internal",
			handler: func(ctx context.Context, req interface{}) (interface{}, error) {
				return nil, errors.New("boom")
			},
			wantCode: codes.Internal,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			info := &grpc.UnaryServerInfo{FullMethod: "/svc/Method"}
			resp, err := lg.HandleGRPC(context.Background(), struct{}{}, info, tt.handler)

			if tt.wantCode == codes.OK {
				assert.NoError(t, err)
				assert.Equal(t, "ok", resp)
				return
			}

			st, ok := status.FromError(err)
			gotCode := codes.Internal
			if ok {
				gotCode = st.Code()
			}
			assert.Equal(t, tt.wantCode, gotCode)
		})
	}
}

type fakeServerStream struct {
	grpc.ServerStream
}

func TestLogging_HandleGRPCStream(t *testing.T) {
	t.Parallel()

	lg := NewLogging(testutil.MakeNoopLogger())
	info := &grpc.StreamServerInfo{FullMethod: "/svc/Stream", IsServerStream: true}

	err := lg.HandleGRPCStream(nil, fakeServerStream{}, info, func(srv interface{}, ss grpc.ServerStream) error {
		return nil
	})
	assert.NoError(t, err)

	err = lg.HandleGRPCStream(nil, fakeServerStream{}, info, func(srv interface{}, ss grpc.ServerStream) error {
		return status.Error(codes.Canceled, "client went away")
	})
	assert.Equal(t, codes.Canceled, status.Code(err))
}

func TestRecovery_Handle(t *testing.T) {
	r := NewRecovery(testutil.MakeNoopLogger())
	err := r.Handle(context.Background(), "boom")
	assert.Equal(t, codes.Internal, status.Code(err))
}
