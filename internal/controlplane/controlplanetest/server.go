// Package controlplanetest provides an in-process control plane for tests.
// It verifies signed challenges against the DID key and issues HS256 JWTs.
package controlplanetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dtroode/didkeeper/internal/keys"
	"github.com/dtroode/didkeeper/internal/model"
	"github.com/dtroode/didkeeper/internal/token"
)

const challengeWindow = 5 * time.Minute

// Server is a fake control plane backed by httptest.
type Server struct {
	*httptest.Server

	issuer *token.JWT

	mu            sync.Mutex
	identities    map[string]model.RemoteIdentity
	failStatus    map[string]bool
	nonces        map[string]struct{}
	refreshStatus int
	calls         map[string]int
}

// New starts a Server that is closed when t finishes.
func New(t testing.TB, opts ...token.Option) *Server {
	t.Helper()
	s := &Server{
		issuer:     token.NewJWT("controlplanetest", opts...),
		identities: make(map[string]model.RemoteIdentity),
		failStatus: make(map[string]bool),
		nonces:     make(map[string]struct{}),
		calls:      make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/register", s.handleRegister)
	mux.HandleFunc("POST /auth/refresh", s.handleRefresh)
	mux.HandleFunc("GET /identities/{did}/status", s.handleStatus)
	mux.HandleFunc("GET /identities/{did}", s.handleGetIdentity)
	mux.HandleFunc("PUT /identities/{did}", s.handlePutIdentity)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Activate provisions did as if it had registered earlier.
func (s *Server) Activate(did string, profile model.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[did] = s.newIdentity(did, profile)
}

// FailStatus makes status probes for did answer 503.
func (s *Server) FailStatus(did string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus[did] = true
}

// SetRefreshStatus forces every refresh to answer code. Zero restores
// normal behavior.
func (s *Server) SetRefreshStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshStatus = code
}

// Calls returns how many times the route, e.g. "POST /auth/refresh", was hit.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// Identity returns the remote record of did.
func (s *Server) Identity(did string) (model.RemoteIdentity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identities[did]
	return id, ok
}

func (s *Server) newIdentity(did string, profile model.Profile) model.RemoteIdentity {
	id := uuid.NewString()
	return model.RemoteIdentity{
		DID:         did,
		DisplayName: profile.DisplayName,
		PictureRef:  profile.PictureRef,
		Instance: &model.CloudInstance{
			URL:     s.URL + "/instances/" + id,
			ID:      id,
			Status:  "running",
			IsAdmin: true,
		},
	}
}

func (s *Server) count(route string) {
	s.mu.Lock()
	s.calls[route]++
	s.mu.Unlock()
}

func (s *Server) verify(c model.SignedChallenge) bool {
	ts := time.Unix(c.Timestamp, 0)
	if time.Since(ts).Abs() > challengeWindow || c.Nonce == "" {
		return false
	}
	payload := keys.Challenge{DID: c.DID, Nonce: c.Nonce, Timestamp: c.Timestamp}.Bytes()
	if keys.VerifyChallenge(c.DID, payload, c.Signature) != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.nonces[c.Nonce]; seen {
		return false
	}
	s.nonces[c.Nonce] = struct{}{}
	return true
}

func (s *Server) issue(did string) (model.TokenDetails, error) {
	access, err := s.issuer.GenerateAccessToken(did)
	if err != nil {
		return model.TokenDetails{}, err
	}
	refresh, err := s.issuer.GenerateRefreshToken(did)
	if err != nil {
		return model.TokenDetails{}, err
	}
	return model.TokenDetails{
		AccessToken:      access.Token,
		AccessExpiresAt:  access.ExpiresAt.Unix(),
		RefreshToken:     refresh.Token,
		RefreshExpiresAt: refresh.ExpiresAt.Unix(),
	}, nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.count("POST /auth/login")

	var req model.SignedChallenge
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if !s.verify(req) {
		writeError(w, http.StatusUnauthorized, "invalid challenge")
		return
	}
	identity, ok := s.Identity(req.DID)
	if !ok {
		writeError(w, http.StatusNotFound, "identity not registered")
		return
	}
	details, err := s.issue(req.DID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, model.LoginResult{TokenDetails: details, Identity: identity})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	s.count("POST /auth/register")

	var req model.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if !s.verify(req.SignedChallenge) {
		writeError(w, http.StatusUnauthorized, "invalid challenge")
		return
	}

	var profile model.Profile
	if req.Profile != nil {
		profile = *req.Profile
	}
	s.mu.Lock()
	identity, ok := s.identities[req.DID]
	if !ok {
		identity = s.newIdentity(req.DID, profile)
		s.identities[req.DID] = identity
	}
	s.mu.Unlock()

	details, err := s.issue(req.DID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, model.LoginResult{TokenDetails: details, Identity: identity})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.count("POST /auth/refresh")

	s.mu.Lock()
	forced := s.refreshStatus
	s.mu.Unlock()
	if forced != 0 {
		writeError(w, forced, "refresh rejected")
		return
	}

	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	did, _, err := s.issuer.ParseRefreshToken(req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	details, err := s.issue(did)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokenDetails": details})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.count("GET /identities/{did}/status")

	did := r.PathValue("did")
	s.mu.Lock()
	fail := s.failStatus[did]
	identity, ok := s.identities[did]
	s.mu.Unlock()

	if fail {
		writeError(w, http.StatusServiceUnavailable, "probe unavailable")
		return
	}
	status := model.IdentityStatus{IsActive: ok}
	if ok && identity.Instance != nil {
		status.InstanceStatus = identity.Instance.Status
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	did := r.PathValue("did")
	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	subject, err := s.issuer.ParseAccessToken(bearer)
	if err != nil || subject != did {
		writeError(w, http.StatusUnauthorized, "invalid access token")
		return "", false
	}
	return did, true
}

func (s *Server) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	s.count("GET /identities/{did}")

	did, ok := s.authorize(w, r)
	if !ok {
		return
	}
	identity, ok := s.Identity(did)
	if !ok {
		writeError(w, http.StatusNotFound, "identity not registered")
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (s *Server) handlePutIdentity(w http.ResponseWriter, r *http.Request) {
	s.count("PUT /identities/{did}")

	did, ok := s.authorize(w, r)
	if !ok {
		return
	}
	var profile model.Profile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	s.mu.Lock()
	identity, ok := s.identities[did]
	if ok {
		identity.DisplayName = profile.DisplayName
		identity.PictureRef = profile.PictureRef
		s.identities[did] = identity
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "identity not registered")
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
