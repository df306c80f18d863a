// Package auth validates lobby connection tickets against the external
// identity provider and produces the client identity used for the rest of the
// connection's life.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Authentication failures. Each one closes the connection that caused it.
var (
	ErrMissingTicket      = errors.New("missing ticket")
	ErrInvalidTicket      = errors.New("invalid ticket")
	ErrProfileUnavailable = errors.New("profile unavailable")
	ErrBanned             = errors.New("banned")
)

// ErrProviderUnavailable marks failures to reach the provider at all
// (transport error or non-2xx status), as opposed to a definitive rejection.
var ErrProviderUnavailable = errors.New("identity provider unavailable")

// Identity is the immutable description of an authenticated client.
type Identity struct {
	ExternalID  string
	DisplayName string
	AvatarURL   string
	Banned      bool
}

// Verification is the provider's answer to a ticket check.
type Verification struct {
	OK              bool
	ExternalID      string
	VACBanned       bool
	PublisherBanned bool
}

// Profile is the provider's public profile for a verified user.
type Profile struct {
	DisplayName string
	AvatarURL   string
}

// Provider is the identity backend the Gateway consults.
type Provider interface {
	VerifyTicket(ctx context.Context, ticket string) (Verification, error)
	GetProfile(ctx context.Context, externalID string) (Profile, error)
}

// Gateway authenticates connection tickets.
type Gateway struct {
	provider Provider
	timeout  time.Duration
	logger   *zap.Logger
}

// NewGateway creates a Gateway backed by provider. A positive timeout bounds
// each provider call independently.
//
// Precondition: provider and logger must be non-nil.
func NewGateway(provider Provider, timeout time.Duration, logger *zap.Logger) *Gateway {
	return &Gateway{
		provider: provider,
		timeout:  timeout,
		logger:   logger,
	}
}

// Authenticate verifies ticket, looks up the profile and rejects banned users.
// There are no retries: one provider failure is a definitive rejection.
//
// Postcondition: Returns the Identity, or an error wrapping exactly one of
// ErrMissingTicket, ErrInvalidTicket, ErrProfileUnavailable, ErrBanned.
func (g *Gateway) Authenticate(ctx context.Context, ticket string) (Identity, error) {
	if ticket == "" {
		return Identity{}, ErrMissingTicket
	}

	start := time.Now()
	verification, err := g.verify(ctx, ticket)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidTicket, err)
	}
	if !verification.OK || verification.ExternalID == "" {
		return Identity{}, ErrInvalidTicket
	}

	profile, err := g.profile(ctx, verification.ExternalID)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrProfileUnavailable, err)
	}

	id := Identity{
		ExternalID:  verification.ExternalID,
		DisplayName: profile.DisplayName,
		AvatarURL:   profile.AvatarURL,
		Banned:      verification.VACBanned || verification.PublisherBanned,
	}
	if id.Banned {
		g.logger.Info("banned user rejected",
			zap.String("external_id", id.ExternalID),
			zap.Bool("vac_banned", verification.VACBanned),
			zap.Bool("publisher_banned", verification.PublisherBanned),
		)
		return Identity{}, ErrBanned
	}

	g.logger.Debug("ticket authenticated",
		zap.String("external_id", id.ExternalID),
		zap.Duration("elapsed", time.Since(start)),
	)
	return id, nil
}

func (g *Gateway) verify(ctx context.Context, ticket string) (Verification, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	return g.provider.VerifyTicket(ctx, ticket)
}

func (g *Gateway) profile(ctx context.Context, externalID string) (Profile, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	return g.provider.GetProfile(ctx, externalID)
}

func (g *Gateway) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout > 0 {
		return context.WithTimeout(ctx, g.timeout)
	}
	return context.WithCancel(ctx)
}

// Reason maps an Authenticate error to the machine-readable reason sent to the
// client before the connection is closed.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingTicket):
		return "MissingTicket"
	case errors.Is(err, ErrBanned):
		return "Banned"
	case errors.Is(err, ErrProfileUnavailable):
		return "ProfileUnavailable"
	case errors.Is(err, ErrInvalidTicket):
		return "InvalidTicket"
	}
	return "AuthFailed"
}
