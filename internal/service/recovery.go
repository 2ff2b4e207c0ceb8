package service

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/dtroode/didkeeper/internal/keys"
	"github.com/dtroode/didkeeper/internal/logger"
	"github.com/dtroode/didkeeper/internal/model"
)

// DefaultGapLimit is the number of consecutive inactive indices that ends a
// recovery scan.
const DefaultGapLimit = 20

// ProbeOutcome is the typed result of one status probe.
type ProbeOutcome string

const (
	ProbeActive   ProbeOutcome = "active"
	ProbeInactive ProbeOutcome = "inactive"
	// ProbeFailed counts as inactive but is reported separately.
	ProbeFailed ProbeOutcome = "failed"
)

// RecoveryResult is the outcome of a scan.
type RecoveryResult struct {
	Identities     []model.IdentityRecord `json:"identities"`
	NextIndex      uint32                 `json:"nextIndex"`
	ScannedThrough uint32                 `json:"scannedThrough"`
	ProbeFailures  []uint32               `json:"probeFailures,omitempty"`
	Warnings       []model.Warning        `json:"warnings,omitempty"`
	// NothingFound is set when no index was active. The vault is still
	// created, with an empty identity list.
	NothingFound bool `json:"nothingFound"`
}

// Recovery rediscovers identities of a seed by probing the control plane
// index by index until a run of inactive indices.
type Recovery struct {
	controlPlane model.ControlPlane
	tokens       *TokenService
	limiter      *rate.Limiter
	gapLimit     int
	logger       *logger.Logger
}

// NewRecovery creates a scanner. A nil limiter does not throttle probes.
func NewRecovery(controlPlane model.ControlPlane, tokens *TokenService, limiter *rate.Limiter, gapLimit int, logger *logger.Logger) *Recovery {
	if gapLimit <= 0 {
		gapLimit = DefaultGapLimit
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Recovery{
		controlPlane: controlPlane,
		tokens:       tokens,
		limiter:      limiter,
		gapLimit:     gapLimit,
		logger:       logger,
	}
}

// Scan walks indices of seed from 0. It returns an error only when ctx is
// done; probe failures are treated as inactive.
func (r *Recovery) Scan(ctx context.Context, seed []byte) (RecoveryResult, error) {
	var res RecoveryResult
	inactive := 0

	for index := uint32(0); inactive < r.gapLimit; index++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return RecoveryResult{}, fmt.Errorf("recovery aborted at index %d: %w", index, err)
		}

		derived, err := keys.DeriveIdentity(seed, index)
		if errors.Is(err, model.ErrIndexOutOfRange) {
			break
		}
		if err != nil {
			return RecoveryResult{}, fmt.Errorf("failed to derive index %d: %w", index, err)
		}

		outcome, err := r.probe(ctx, derived.DID)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return RecoveryResult{}, fmt.Errorf("recovery aborted at index %d: %w", index, ctxErr)
		}
		res.ScannedThrough = index

		switch outcome {
		case ProbeActive:
			res.Identities = append(res.Identities, newIdentityRecord(derived, index))
			res.NextIndex = index + 1
			inactive = 0
			r.logger.Info("Recovery service: active identity found", "did", derived.DID, "index", index)
		case ProbeFailed:
			inactive++
			res.ProbeFailures = append(res.ProbeFailures, index)
			res.Warnings = append(res.Warnings, model.NewWarning(fmt.Sprintf("probe %d", index), err))
			r.logger.Warn("Recovery service: probe failed, counted as inactive",
				"did", derived.DID,
				"index", index,
				"error", err.Error())
		default:
			inactive++
		}
	}

	res.NothingFound = len(res.Identities) == 0
	r.logger.Info("Recovery service: scan finished",
		"found", len(res.Identities),
		"next_index", res.NextIndex,
		"scanned_through", res.ScannedThrough,
		"probe_failures", len(res.ProbeFailures))
	return res, nil
}

func (r *Recovery) probe(ctx context.Context, did string) (ProbeOutcome, error) {
	status, err := r.controlPlane.Status(ctx, did)
	switch {
	case err != nil:
		return ProbeFailed, err
	case status.IsActive:
		return ProbeActive, nil
	default:
		return ProbeInactive, nil
	}
}

// Enrich logs recovered identities in and copies their remote profile into
// the records. Both steps are best-effort and reported as warnings.
func (r *Recovery) Enrich(ctx context.Context, records []model.IdentityRecord, signerFor func(model.IdentityRecord) model.Signer) ([]model.IdentityRecord, []model.Warning) {
	out := make([]model.IdentityRecord, len(records))
	copy(out, records)

	var warnings []model.Warning
	for i := range out {
		rec := &out[i]

		login, err := r.tokens.Login(ctx, signerFor(*rec))
		if err != nil {
			warnings = append(warnings, model.NewWarning("login "+rec.DID, err))
			r.logger.Warn("Recovery service: proactive login failed", "did", rec.DID, "error", err.Error())
			continue
		}
		applyRemote(rec, login.Identity)

		access, err := r.tokens.GetValidAccessToken(ctx, rec.DID)
		if err == nil {
			var remote model.RemoteIdentity
			remote, err = r.controlPlane.GetIdentity(ctx, rec.DID, access)
			if err == nil {
				applyRemote(rec, remote)
			}
		}
		if err != nil {
			warnings = append(warnings, model.NewWarning("profile "+rec.DID, err))
			r.logger.Warn("Recovery service: profile fetch failed", "did", rec.DID, "error", err.Error())
		}
	}
	return out, warnings
}

func applyRemote(rec *model.IdentityRecord, remote model.RemoteIdentity) {
	if remote.DID != "" && remote.DID != rec.DID {
		return
	}
	if remote.DisplayName != "" {
		rec.DisplayName = remote.DisplayName
	}
	if remote.PictureRef != nil {
		rec.PictureRef = remote.PictureRef
	}
	if remote.Instance != nil {
		instance := *remote.Instance
		rec.CloudInstance = &instance
	}
}
