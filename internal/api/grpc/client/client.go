// Package client is a typed client for the keeper management API. Errors
// carry the keeper error kind so callers can match them with errors.Is
// against the model sentinels.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/dtroode/didkeeper/internal/api/grpc/api"
	"github.com/dtroode/didkeeper/internal/model"
)

// Options configure Dial.
type Options struct {
	// AdminToken is sent as a bearer token on every call.
	AdminToken string
	// TLS enables transport security. Unix sockets are dialed in plaintext.
	TLS bool
	// InsecureSkipVerify disables server certificate checks.
	InsecureSkipVerify bool
}

// Client wraps the generated-style KeeperClient.
type Client struct {
	conn   *grpc.ClientConn
	keeper *api.KeeperClient
}

// Dial connects to target, e.g. "localhost:3200" or "unix:///run/didkeeper.sock".
func Dial(target string, opts Options, extra ...grpc.DialOption) (*Client, error) {
	dialOpts := []grpc.DialOption{transport(opts)}
	if opts.AdminToken != "" {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(bearer{token: opts.AdminToken, secure: opts.TLS}))
	}
	dialOpts = append(dialOpts, extra...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client: %w", err)
	}
	return &Client{conn: conn, keeper: api.NewKeeperClient(conn)}, nil
}

func transport(opts Options) grpc.DialOption {
	if !opts.TLS {
		return grpc.WithTransportCredentials(insecure.NewCredentials())
	}
	return grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed dev certificates
	}))
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

type bearer struct {
	token  string
	secure bool
}

func (b bearer) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}

func (b bearer) RequireTransportSecurity() bool { return b.secure }

// Error is a failed keeper call. It unwraps to the model sentinel of its
// kind when the keeper sent one.
type Error struct {
	Kind    model.Kind
	Status  *status.Status
	wrapped error
}

func (e *Error) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Status.Message())
	}
	return e.Status.Message()
}

func (e *Error) Unwrap() error { return e.wrapped }

// GRPCStatus lets status.FromError see through the wrapper.
func (e *Error) GRPCStatus() *status.Status { return e.Status }

func convert(err error, trailer metadata.MD) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	out := &Error{Status: st}
	if kinds := trailer.Get(api.ErrorKindTrailer); len(kinds) > 0 {
		out.Kind = model.Kind(kinds[0])
		out.wrapped = model.ErrorOf(out.Kind)
	}
	return out
}

// call runs fn with a trailer capture and converts its error.
func call[T any](ctx context.Context, fn func(ctx context.Context, opts ...grpc.CallOption) (T, error)) (T, error) {
	var trailer metadata.MD
	res, err := fn(ctx, grpc.Trailer(&trailer))
	return res, convert(err, trailer)
}

func callErr(ctx context.Context, fn func(ctx context.Context, opts ...grpc.CallOption) error) error {
	var trailer metadata.MD
	return convert(fn(ctx, grpc.Trailer(&trailer)), trailer)
}

func (c *Client) GetLockState(ctx context.Context) (*api.LockState, error) {
	return call(ctx, c.keeper.GetLockState)
}

func (c *Client) CreateVault(ctx context.Context, password string) (*api.CreateVaultResponse, error) {
	return call(ctx, func(ctx context.Context, opts ...grpc.CallOption) (*api.CreateVaultResponse, error) {
		return c.keeper.CreateVault(ctx, &api.PasswordRequest{Password: password}, opts...)
	})
}

func (c *Client) ImportVault(ctx context.Context, mnemonic, password string) (*api.IdentityResponse, error) {
	return call(ctx, func(ctx context.Context, opts ...grpc.CallOption) (*api.IdentityResponse, error) {
		return c.keeper.ImportVault(ctx, &api.MnemonicRequest{Mnemonic: mnemonic, Password: password}, opts...)
	})
}

func (c *Client) RecoverIdentities(ctx context.Context, mnemonic, password string) (*api.RecoverResponse, error) {
	return call(ctx, func(ctx context.Context, opts ...grpc.CallOption) (*api.RecoverResponse, error) {
		return c.keeper.RecoverIdentities(ctx, &api.MnemonicRequest{Mnemonic: mnemonic, Password: password}, opts...)
	})
}

func (c *Client) RestoreBackup(ctx context.Context, key string) (*api.RestoreResponse, error) {
	return call(ctx, func(ctx context.Context, opts ...grpc.CallOption) (*api.RestoreResponse, error) {
		return c.keeper.RestoreBackup(ctx, &api.RestoreRequest{Key: key}, opts...)
	})
}

func (c *Client) Unlock(ctx context.Context, password string) (model.SessionSnapshot, error) {
	res, err := call(ctx, func(ctx context.Context, opts ...grpc.CallOption) (*api.SessionResponse, error) {
		return c.keeper.Unlock(ctx, &api.PasswordRequest{Password: password}, opts...)
	})
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	return res.Session, nil
}

func (c *Client) Lock(ctx context.Context) error {
	return callErr(ctx, c.keeper.Lock)
}

func (c *Client) CreateIdentity(ctx context.Context, displayName string) (*api.IdentityResponse, error) {
	return call(ctx, func(ctx context.Context, opts ...grpc.CallOption) (*api.IdentityResponse, error) {
		return c.keeper.CreateIdentity(ctx, &api.CreateIdentityRequest{DisplayName: displayName}, opts...)
	})
}

func (c *Client) SwitchIdentity(ctx context.Context, did string) (*api.IdentityResponse, error) {
	return c.didCall(ctx, did, c.keeper.SwitchIdentity)
}

func (c *Client) DeleteIdentity(ctx context.Context, did string) (*api.IdentityResponse, error) {
	return c.didCall(ctx, did, c.keeper.DeleteIdentity)
}

func (c *Client) LoginIdentity(ctx context.Context, did string) (*api.IdentityResponse, error) {
	return c.didCall(ctx, did, c.keeper.LoginIdentity)
}

func (c *Client) RegisterIdentity(ctx context.Context, did string) (*api.IdentityResponse, error) {
	return c.didCall(ctx, did, c.keeper.RegisterIdentity)
}

func (c *Client) didCall(
	ctx context.Context,
	did string,
	fn func(ctx context.Context, in *api.DIDRequest, opts ...grpc.CallOption) (*api.IdentityResponse, error),
) (*api.IdentityResponse, error) {
	return call(ctx, func(ctx context.Context, opts ...grpc.CallOption) (*api.IdentityResponse, error) {
		return fn(ctx, &api.DIDRequest{DID: did}, opts...)
	})
}

func (c *Client) ListIdentities(ctx context.Context) ([]model.IdentityRecord, error) {
	res, err := call(ctx, c.keeper.ListIdentities)
	if err != nil {
		return nil, err
	}
	return res.Identities, nil
}

func (c *Client) UpdateProfile(ctx context.Context, did string, profile model.Profile) (*api.IdentityResponse, error) {
	return call(ctx, func(ctx context.Context, opts ...grpc.CallOption) (*api.IdentityResponse, error) {
		return c.keeper.UpdateProfile(ctx, &api.UpdateProfileRequest{DID: did, Profile: profile}, opts...)
	})
}

func (c *Client) GetAccessToken(ctx context.Context, did string) (string, error) {
	res, err := call(ctx, func(ctx context.Context, opts ...grpc.CallOption) (*api.AccessTokenResponse, error) {
		return c.keeper.GetAccessToken(ctx, &api.DIDRequest{DID: did}, opts...)
	})
	if err != nil {
		return "", err
	}
	return res.AccessToken, nil
}

func (c *Client) PendingConsents(ctx context.Context) ([]model.ConsentRequest, error) {
	res, err := call(ctx, c.keeper.PendingConsents)
	if err != nil {
		return nil, err
	}
	return res.Requests, nil
}

func (c *Client) SubmitConsentDecision(ctx context.Context, requestID string, decision model.Decision, grants map[string]model.GrantLevel) error {
	return callErr(ctx, func(ctx context.Context, opts ...grpc.CallOption) error {
		return c.keeper.SubmitConsentDecision(ctx, &api.ConsentDecisionRequest{
			RequestID: requestID,
			Decision:  decision,
			Grants:    grants,
		}, opts...)
	})
}

func (c *Client) ListGrants(ctx context.Context, did string) ([]model.AppGrant, error) {
	res, err := call(ctx, func(ctx context.Context, opts ...grpc.CallOption) (*api.GrantList, error) {
		return c.keeper.ListGrants(ctx, &api.DIDRequest{DID: did}, opts...)
	})
	if err != nil {
		return nil, err
	}
	return res.Grants, nil
}

func (c *Client) RevokeApp(ctx context.Context, did, origin, appID string) error {
	return callErr(ctx, func(ctx context.Context, opts ...grpc.CallOption) error {
		return c.keeper.RevokeApp(ctx, &api.RevokeAppRequest{DID: did, Origin: origin, AppID: appID}, opts...)
	})
}

func (c *Client) ResetVault(ctx context.Context) error {
	return callErr(ctx, c.keeper.ResetVault)
}

// Watch streams state events to fn until ctx is done, the stream ends or
// fn returns an error. A nil return means the stream ended cleanly.
func (c *Client) Watch(ctx context.Context, consentCapable bool, fn func(model.StateEvent) error) error {
	stream, err := c.keeper.Subscribe(ctx, &api.SubscribeRequest{ConsentCapable: consentCapable})
	if err != nil {
		return convert(err, nil)
	}
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return convert(err, stream.Trailer())
		}
		if err := fn(*ev); err != nil {
			return err
		}
	}
}
