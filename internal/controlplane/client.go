// Package controlplane is the HTTP client of the control-plane API that
// issues tokens and tracks cloud instances of identities.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dtroode/didkeeper/internal/logger"
	"github.com/dtroode/didkeeper/internal/model"
)

const maxErrorBody = 4 << 10

var _ model.ControlPlane = (*Client)(nil)

// StatusError is a non-2xx answer of the control plane.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("control plane responded %d", e.Code)
	}
	return fmt.Sprintf("control plane responded %d: %s", e.Code, e.Message)
}

// Is maps status codes onto the model sentinels: 401 is ErrUnauthorized,
// 404 is ErrIdentityNotFound and 5xx is a transient ErrNetwork.
func (e *StatusError) Is(target error) bool {
	switch target {
	case model.ErrUnauthorized:
		return e.Code == http.StatusUnauthorized
	case model.ErrIdentityNotFound:
		return e.Code == http.StatusNotFound
	case model.ErrNetwork:
		return e.Code >= http.StatusInternalServerError
	}
	return false
}

// rejectsRefresh reports whether a refresh answered with e can never
// succeed with the same token. OAuth servers answer invalid_grant with 400.
func (e *StatusError) rejectsRefresh() bool {
	switch e.Code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

// Client talks JSON over HTTPS to the control plane.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *logger.Logger
}

// NewClient creates a client for baseURL. A nil httpClient gets a default
// one with timeout.
func NewClient(baseURL string, httpClient *http.Client, timeout time.Duration, logger *logger.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  logger,
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	TokenDetails model.TokenDetails `json:"tokenDetails"`
}

func (c *Client) Login(ctx context.Context, req model.SignedChallenge) (model.LoginResult, error) {
	var res model.LoginResult
	if err := c.do(ctx, http.MethodPost, "/auth/login", "", req, &res); err != nil {
		return model.LoginResult{}, fmt.Errorf("login: %w", err)
	}
	return res, nil
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (model.TokenDetails, error) {
	var res refreshResponse
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", "", refreshRequest{RefreshToken: refreshToken}, &res); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.rejectsRefresh() {
			return model.TokenDetails{}, fmt.Errorf("refresh: %w: %w", model.ErrRefreshRejected, err)
		}
		return model.TokenDetails{}, fmt.Errorf("refresh: %w", err)
	}
	return res.TokenDetails, nil
}

func (c *Client) Register(ctx context.Context, req model.RegisterRequest) (model.LoginResult, error) {
	var res model.LoginResult
	if err := c.do(ctx, http.MethodPost, "/auth/register", "", req, &res); err != nil {
		return model.LoginResult{}, fmt.Errorf("register: %w", err)
	}
	return res, nil
}

func (c *Client) Status(ctx context.Context, did string) (model.IdentityStatus, error) {
	var res model.IdentityStatus
	if err := c.do(ctx, http.MethodGet, identityPath(did)+"/status", "", nil, &res); err != nil {
		return model.IdentityStatus{}, fmt.Errorf("status: %w", err)
	}
	return res, nil
}

func (c *Client) GetIdentity(ctx context.Context, did, accessToken string) (model.RemoteIdentity, error) {
	var res model.RemoteIdentity
	if err := c.do(ctx, http.MethodGet, identityPath(did), accessToken, nil, &res); err != nil {
		return model.RemoteIdentity{}, fmt.Errorf("get identity: %w", err)
	}
	return res, nil
}

func (c *Client) PutIdentity(ctx context.Context, did, accessToken string, profile model.Profile) (model.RemoteIdentity, error) {
	var res model.RemoteIdentity
	if err := c.do(ctx, http.MethodPut, identityPath(did), accessToken, profile, &res); err != nil {
		return model.RemoteIdentity{}, fmt.Errorf("put identity: %w", err)
	}
	return res, nil
}

func identityPath(did string) string {
	return "/identities/" + url.PathEscape(did)
}

func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %w", model.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Debug("Control plane client: request rejected",
			"method", method,
			"path", path,
			"status", resp.StatusCode)
		return &StatusError{Code: resp.StatusCode, Message: errorMessage(msg)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty response body", model.ErrNetwork)
		}
		return fmt.Errorf("%w: failed to decode response: %w", model.ErrNetwork, err)
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

func errorMessage(raw []byte) string {
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
		return eb.Error
	}
	return strings.TrimSpace(string(raw))
}
