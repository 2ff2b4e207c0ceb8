package handler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dtroode/didkeeper/internal/model"
)

func TestToStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       error
		wantCode codes.Code
		wantKind string
		wantMsg  string
	}{
		{
			name:     "status error passthrough",
			in:       status.Error(codes.Unauthenticated, "no token"),
			wantCode: codes.Unauthenticated,
			wantMsg:  "no token",
		},
		{
			name:     "wrong password",
			in:       fmt.Errorf("unlock: %w", model.ErrWrongPassword),
			wantCode: codes.PermissionDenied,
			wantKind: "WrongPassword",
			wantMsg:  "unlock: wrong password",
		},
		{
			name:     "full login required",
			in:       model.NewFullLoginRequired("did:key:z"),
			wantCode: codes.Unauthenticated,
			wantKind: "FullLoginRequired",
			wantMsg:  "full login required for did:key:z",
		},
		{
			name:     "vault exists",
			in:       model.ErrVaultExists,
			wantCode: codes.AlreadyExists,
			wantKind: "VaultExists",
			wantMsg:  "vault already exists",
		},
		{
			name:     "cancelled",
			in:       fmt.Errorf("scan: %w", context.Canceled),
			wantCode: codes.Canceled,
		},
		{
			name:     "other -> Internal",
			in:       errors.New("boom"),
			wantCode: codes.Internal,
			wantKind: "Internal",
			wantMsg:  "internal error",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st, trailer := toStatus(tt.in)
			assert.Equal(t, tt.wantCode, st.Code())
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, st.Message())
			}
			if tt.wantKind == "" {
				assert.Nil(t, trailer)
				return
			}
			assert.Equal(t, []string{tt.wantKind}, trailer.Get("x-error-kind"))
		})
	}
}
