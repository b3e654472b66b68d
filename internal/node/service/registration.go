// Package service implements the receiver side of the OCPI credentials
// handshake: issuing and rotating the tokens this node accepts, in response
// to a counterpart's POST/PUT/DELETE on the credentials endpoint.
package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/emobix/ocpi-node/internal/identity"
	"github.com/emobix/ocpi-node/internal/ocpi"
	"github.com/emobix/ocpi-node/internal/party"
)

// Registration-state errors mapped to protocol responses by the handler.
var (
	// ErrNotRegistered guards the protected credentials methods: rotation
	// can only be requested by a party that completed an initial POST. An
	// unknown caller can therefore never talk its way into replacing tokens;
	// trust is only ever established by administrative provisioning.
	ErrNotRegistered = errors.New("party has not completed registration")

	// ErrAlreadyRegistered rejects a second initial POST.
	ErrAlreadyRegistered = errors.New("party is already registered")
)

// ErrValidation wraps a malformed credentials document.
type ErrValidation struct{ Msg string }

func (e *ErrValidation) Error() string { return e.Msg }

// RegistrationService owns the token lifecycle of inbound registrations.
type RegistrationService struct {
	store           party.Store
	selfRoles       []ocpi.CredentialsRole
	selfVersionsURL string
	maxTokenHistory int
	logger          *zap.Logger
}

// NewRegistrationService creates a RegistrationService. maxTokenHistory caps
// the rotation window of accepted tokens per party (0 = default 2).
func NewRegistrationService(store party.Store, selfRoles []ocpi.CredentialsRole, selfVersionsURL string, maxTokenHistory int, logger *zap.Logger) *RegistrationService {
	if maxTokenHistory == 0 {
		maxTokenHistory = 2
	}
	return &RegistrationService{
		store:           store,
		selfRoles:       selfRoles,
		selfVersionsURL: selfVersionsURL,
		maxTokenHistory: maxTokenHistory,
		logger:          logger,
	}
}

// CredentialsFor renders this node's current credentials document for the
// given caller: our roles, our versions URL, and the token the caller is
// expected to keep using.
func (s *RegistrationService) CredentialsFor(p *party.RemoteParty) ocpi.Credentials {
	return ocpi.Credentials{
		Token: p.CurrentLocalToken(),
		URL:   s.selfVersionsURL,
		Roles: s.selfRoles,
	}
}

// Register processes an inbound credentials offer from an authenticated
// party. initial distinguishes POST (first registration) from PUT/PATCH
// (rotation); the state guard differs but the rotation itself is the same.
//
// On success the caller's accepted token is rotated, the offered token and
// URL become our outbound access to the caller, and the returned document
// carries the fresh token the caller must use from now on.
func (s *RegistrationService) Register(ctx context.Context, p *party.RemoteParty, offer ocpi.Credentials, initial bool) (ocpi.Credentials, error) {
	if initial && p.Registered {
		return ocpi.Credentials{}, ErrAlreadyRegistered
	}
	if !initial && !p.Registered {
		return ocpi.Credentials{}, ErrNotRegistered
	}

	if offer.Token == "" || offer.URL == "" {
		return ocpi.Credentials{}, &ErrValidation{Msg: "credentials token and url are required"}
	}
	if _, err := party.RoleKeys(offer.Roles); err != nil {
		return ocpi.Credentials{}, &ErrValidation{Msg: err.Error()}
	}

	newToken, err := identity.NewAccessToken()
	if err != nil {
		return ocpi.Credentials{}, fmt.Errorf("generate access token: %w", err)
	}

	p.RotateLocalToken(newToken, s.maxTokenHistory)
	p.RotateRemoteAccess(party.RemoteAccessInfo{
		Token:       offer.Token,
		VersionsURL: offer.URL,
		Status:      party.RemoteOnline,
	})
	p.Roles = offer.Roles
	p.Registered = true

	if err := s.store.Update(ctx, p); err != nil {
		return ocpi.Credentials{}, fmt.Errorf("store rotated credentials: %w", err)
	}

	s.logger.Info("inbound registration completed",
		zap.Bool("initial", initial),
		zap.String("party", roleSummary(p)),
		zap.String("issued_token_prefix", party.TokenPrefix(newToken)),
	)

	return ocpi.Credentials{
		Token: newToken,
		URL:   s.selfVersionsURL,
		Roles: s.selfRoles,
	}, nil
}

// Unregister drops the caller's handshake state back to provisioned. The
// party entry itself stays: re-registering only needs a new POST with a
// provisioned token, not a fresh administrative add.
func (s *RegistrationService) Unregister(ctx context.Context, p *party.RemoteParty) error {
	if !p.Registered {
		return ErrNotRegistered
	}
	p.Registered = false
	if err := s.store.Update(ctx, p); err != nil {
		return fmt.Errorf("store unregistration: %w", err)
	}
	s.logger.Info("party unregistered", zap.String("party", roleSummary(p)))
	return nil
}

func roleSummary(p *party.RemoteParty) string {
	keys := p.Keys()
	if len(keys) == 0 {
		return p.ID
	}
	return keys[0].String()
}
