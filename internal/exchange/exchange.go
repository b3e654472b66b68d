// Package exchange implements the initiator side of the OCPI credentials
// handshake: version discovery against a counterpart, credentials retrieval,
// and the Register token-rotation state machine.
//
// Every operation returns a structured Result instead of an error; transport
// failures, local precondition failures, and remote OCPI errors all surface
// through the same StatusCode/StatusMessage pair, so callers inspect rather
// than catch.
package exchange

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emobix/ocpi-node/internal/identity"
	"github.com/emobix/ocpi-node/internal/ocpi"
	"github.com/emobix/ocpi-node/internal/party"
)

// Result is the outcome of one exchange operation. HTTPStatus is zero when
// no HTTP response was received; StatusCode is ocpi.StatusLocalFailure for
// failures that happened before or instead of a round-trip.
type Result[T any] struct {
	HTTPStatus    int
	StatusCode    int
	StatusMessage string
	Data          T
}

// OK reports whether the operation completed with OCPI status 1000.
func (r Result[T]) OK() bool { return r.StatusCode == ocpi.StatusSuccess }

func localFailure[T any](msg string) Result[T] {
	return Result[T]{StatusCode: ocpi.StatusLocalFailure, StatusMessage: msg}
}

// Self describes this node as presented to counterparts during a handshake.
type Self struct {
	CountryCode string
	PartyID     string
	VersionsURL string
	Roles       []ocpi.CredentialsRole
}

// Config tunes the exchange client.
type Config struct {
	Self Self

	// Timeout bounds every outbound call. Default 10s.
	Timeout time.Duration

	// PreferredVersions is the negotiation order. Default: 2.3.0, 2.2.1, 2.2.
	PreferredVersions []string

	// MaxTokenHistory caps the rotation window of local tokens kept per
	// party: the current token plus enough predecessors to bridge a rotation
	// race. Default 2.
	MaxTokenHistory int
}

// Exchange drives the credentials handshake against remote parties held in
// an explicitly injected store.
type Exchange struct {
	store    party.Store
	client   *httpClient
	observer Observer
	logger   *zap.Logger
	cfg      Config

	mu       sync.Mutex
	locks    map[party.RoleKey]*sync.Mutex
	versions map[party.RoleKey][]ocpi.Version
	details  map[party.RoleKey]map[string]ocpi.VersionDetails
}

// New creates an Exchange. observer may be nil to disable observability.
func New(store party.Store, cfg Config, observer Observer, logger *zap.Logger) *Exchange {
	if len(cfg.PreferredVersions) == 0 {
		cfg.PreferredVersions = []string{"2.3.0", "2.2.1", "2.2"}
	}
	if cfg.MaxTokenHistory == 0 {
		cfg.MaxTokenHistory = 2
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &Exchange{
		store:    store,
		client:   newHTTPClient(cfg.Timeout, cfg.Self.CountryCode, cfg.Self.PartyID),
		observer: observer,
		logger:   logger,
		cfg:      cfg,
		locks:    make(map[party.RoleKey]*sync.Mutex),
		versions: make(map[party.RoleKey][]ocpi.Version),
		details:  make(map[party.RoleKey]map[string]ocpi.VersionDetails),
	}
}

// lockFor returns the per-party mutex serializing Register calls. At most
// one rotation may be in flight per (country, party, role); later callers
// queue behind it.
func (e *Exchange) lockFor(key party.RoleKey) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	return l
}

// remoteAccess loads the party's authoritative outbound access info.
func (e *Exchange) remoteAccess(ctx context.Context, key party.RoleKey) (*party.RemoteParty, *party.RemoteAccessInfo, string) {
	p, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, nil, "remote party " + key.String() + " is not registered locally"
	}
	ra := p.CurrentRemoteAccess()
	if ra == nil || ra.VersionsURL == "" {
		return p, nil, ocpi.MsgNoRemoteURL
	}
	return p, ra, ""
}

// GetVersions fetches the counterpart's supported protocol versions. It may
// be called in any handshake state as long as a RemoteAccessInfo exists; it
// does not mutate the store, only the in-memory discovery cache.
func (e *Exchange) GetVersions(ctx context.Context, key party.RoleKey) Result[[]ocpi.Version] {
	_, ra, failMsg := e.remoteAccess(ctx, key)
	if failMsg != "" {
		return localFailure[[]ocpi.Version](failMsg)
	}
	return e.fetchVersions(ctx, key, ra)
}

func (e *Exchange) fetchVersions(ctx context.Context, key party.RoleKey, ra *party.RemoteAccessInfo) Result[[]ocpi.Version] {
	start := time.Now()
	w, err := e.client.do(ctx, http.MethodGet, ra.VersionsURL, ra.Token, key, nil)
	if err != nil {
		e.observer.Observe("GetVersions", ra.VersionsURL, 0, ocpi.StatusLocalFailure, time.Since(start))
		return localFailure[[]ocpi.Version](err.Error())
	}
	e.observer.Observe("GetVersions", ra.VersionsURL, w.HTTPStatus, w.Envelope.StatusCode, time.Since(start))

	res := Result[[]ocpi.Version]{
		HTTPStatus:    w.HTTPStatus,
		StatusCode:    w.Envelope.StatusCode,
		StatusMessage: w.Envelope.StatusMessage,
	}
	if !res.OK() {
		return res
	}
	if err := w.Envelope.DecodeData(&res.Data); err != nil {
		return localFailure[[]ocpi.Version]("decode versions: " + err.Error())
	}

	e.mu.Lock()
	e.versions[key] = res.Data
	e.mu.Unlock()
	return res
}

// cachedVersion finds versionID among the versions discovered for key.
func (e *Exchange) cachedVersion(key party.RoleKey, versionID string) (ocpi.Version, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, v := range e.versions[key] {
		if v.ID == versionID {
			return v, true
		}
	}
	return ocpi.Version{}, false
}

// selectVersion picks the negotiated version for key: the party's pinned
// selection when it is still offered, otherwise the first preferred version
// the counterpart supports.
func (e *Exchange) selectVersion(key party.RoleKey, ra *party.RemoteAccessInfo) (ocpi.Version, bool) {
	if ra.SelectedVersionID != "" {
		if v, ok := e.cachedVersion(key, ra.SelectedVersionID); ok {
			return v, true
		}
	}
	for _, id := range e.cfg.PreferredVersions {
		if v, ok := e.cachedVersion(key, id); ok {
			return v, true
		}
	}
	return ocpi.Version{}, false
}

// GetVersionDetails fetches the endpoint list of one discovered version.
// When versionID was not offered by the counterpart (or GetVersions has not
// run yet) the call fails locally without a round-trip.
func (e *Exchange) GetVersionDetails(ctx context.Context, key party.RoleKey, versionID string) Result[ocpi.VersionDetails] {
	_, ra, failMsg := e.remoteAccess(ctx, key)
	if failMsg != "" {
		return localFailure[ocpi.VersionDetails](failMsg)
	}
	v, ok := e.cachedVersion(key, versionID)
	if !ok {
		return localFailure[ocpi.VersionDetails](ocpi.MsgNoVersionAvailable)
	}
	return e.fetchVersionDetails(ctx, key, ra, v)
}

func (e *Exchange) fetchVersionDetails(ctx context.Context, key party.RoleKey, ra *party.RemoteAccessInfo, v ocpi.Version) Result[ocpi.VersionDetails] {
	start := time.Now()
	w, err := e.client.do(ctx, http.MethodGet, v.URL, ra.Token, key, nil)
	if err != nil {
		e.observer.Observe("GetVersionDetails", v.URL, 0, ocpi.StatusLocalFailure, time.Since(start))
		return localFailure[ocpi.VersionDetails](err.Error())
	}
	e.observer.Observe("GetVersionDetails", v.URL, w.HTTPStatus, w.Envelope.StatusCode, time.Since(start))

	res := Result[ocpi.VersionDetails]{
		HTTPStatus:    w.HTTPStatus,
		StatusCode:    w.Envelope.StatusCode,
		StatusMessage: w.Envelope.StatusMessage,
	}
	if !res.OK() {
		return res
	}
	if err := w.Envelope.DecodeData(&res.Data); err != nil {
		return localFailure[ocpi.VersionDetails]("decode version details: " + err.Error())
	}

	e.mu.Lock()
	if e.details[key] == nil {
		e.details[key] = make(map[string]ocpi.VersionDetails)
	}
	e.details[key][v.ID] = res.Data
	e.mu.Unlock()
	return res
}

// credentialsEndpoint resolves the counterpart's credentials URL for the
// negotiated version, discovering versions and details as needed. The
// precondition checks run in order: a usable version first, then a remote
// URL, so each failure is detected as early and as locally as possible.
func (e *Exchange) credentialsEndpoint(ctx context.Context, key party.RoleKey, ra *party.RemoteAccessInfo) (string, string, *Result[ocpi.Credentials]) {
	e.mu.Lock()
	discovered := len(e.versions[key]) > 0
	e.mu.Unlock()
	if !discovered {
		if res := e.fetchVersions(ctx, key, ra); !res.OK() {
			fail := Result[ocpi.Credentials]{
				HTTPStatus:    res.HTTPStatus,
				StatusCode:    res.StatusCode,
				StatusMessage: res.StatusMessage,
			}
			return "", "", &fail
		}
	}

	v, ok := e.selectVersion(key, ra)
	if !ok {
		fail := localFailure[ocpi.Credentials](ocpi.MsgNoVersionAvailable)
		return "", "", &fail
	}

	e.mu.Lock()
	det, haveDetails := e.details[key][v.ID]
	e.mu.Unlock()
	if !haveDetails {
		res := e.fetchVersionDetails(ctx, key, ra, v)
		if !res.OK() {
			fail := Result[ocpi.Credentials]{
				HTTPStatus:    res.HTTPStatus,
				StatusCode:    res.StatusCode,
				StatusMessage: res.StatusMessage,
			}
			return "", "", &fail
		}
		det = res.Data
	}

	for _, ep := range det.Endpoints {
		if ep.Identifier == ocpi.EndpointCredentials {
			return ep.URL, v.ID, nil
		}
	}
	fail := localFailure[ocpi.Credentials](ocpi.MsgNoRemoteURL)
	return "", "", &fail
}

// GetCredentials fetches the counterpart's current credentials document.
func (e *Exchange) GetCredentials(ctx context.Context, key party.RoleKey) Result[ocpi.Credentials] {
	_, ra, failMsg := e.remoteAccess(ctx, key)
	if failMsg != "" {
		return localFailure[ocpi.Credentials](failMsg)
	}
	credsURL, _, fail := e.credentialsEndpoint(ctx, key, ra)
	if fail != nil {
		return *fail
	}

	start := time.Now()
	w, err := e.client.do(ctx, http.MethodGet, credsURL, ra.Token, key, nil)
	if err != nil {
		e.observer.Observe("GetCredentials", credsURL, 0, ocpi.StatusLocalFailure, time.Since(start))
		return localFailure[ocpi.Credentials](err.Error())
	}
	e.observer.Observe("GetCredentials", credsURL, w.HTTPStatus, w.Envelope.StatusCode, time.Since(start))

	res := Result[ocpi.Credentials]{
		HTTPStatus:    w.HTTPStatus,
		StatusCode:    w.Envelope.StatusCode,
		StatusMessage: w.Envelope.StatusMessage,
	}
	if !res.OK() {
		return res
	}
	if err := w.Envelope.DecodeData(&res.Data); err != nil {
		return localFailure[ocpi.Credentials]("decode credentials: " + err.Error())
	}
	return res
}

// Register runs the credentials handshake against the counterpart keyed by
// key: it generates a fresh inbound token, offers it together with this
// node's versions URL and roles, and commits the counterpart's reply as the
// new outbound token. The first successful run uses POST; later runs rotate
// via PUT.
//
// Register calls for the same party are serialized; the commit re-reads the
// store and aborts when another rotation landed first, so two racing
// rotations can never both commit against stale tokens.
func (e *Exchange) Register(ctx context.Context, key party.RoleKey) Result[ocpi.Credentials] {
	lock := e.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	p, ra, failMsg := e.remoteAccess(ctx, key)
	if failMsg != "" {
		return localFailure[ocpi.Credentials](failMsg)
	}
	tokenUsed := ra.Token

	credsURL, versionID, fail := e.credentialsEndpoint(ctx, key, ra)
	if fail != nil {
		return *fail
	}

	newLocalToken, err := identity.NewAccessToken()
	if err != nil {
		return localFailure[ocpi.Credentials]("generate access token: " + err.Error())
	}

	method := http.MethodPost
	if p.Registered {
		method = http.MethodPut
	}
	offer := ocpi.Credentials{
		Token: newLocalToken,
		URL:   e.cfg.Self.VersionsURL,
		Roles: e.cfg.Self.Roles,
	}

	start := time.Now()
	w, err := e.client.do(ctx, method, credsURL, tokenUsed, key, offer)
	if err != nil {
		e.observer.Observe("Register", credsURL, 0, ocpi.StatusLocalFailure, time.Since(start))
		// The request may have been applied remotely even though the reply
		// was lost, in which case tokenUsed is already superseded there.
		// Retrying with it is not safe; fail loudly and leave the store
		// untouched for out-of-band recovery.
		e.logger.Error("credentials handshake response lost; outbound token may be superseded on the remote side",
			zap.String("party", key.String()),
			zap.String("token_prefix", party.TokenPrefix(tokenUsed)),
			zap.Error(err),
		)
		return localFailure[ocpi.Credentials](err.Error())
	}
	e.observer.Observe("Register", credsURL, w.HTTPStatus, w.Envelope.StatusCode, time.Since(start))

	res := Result[ocpi.Credentials]{
		HTTPStatus:    w.HTTPStatus,
		StatusCode:    w.Envelope.StatusCode,
		StatusMessage: w.Envelope.StatusMessage,
	}
	if !res.OK() {
		return res
	}
	if err := w.Envelope.DecodeData(&res.Data); err != nil {
		return localFailure[ocpi.Credentials]("decode credentials: " + err.Error())
	}
	if _, err := party.RoleKeys(res.Data.Roles); err != nil {
		return localFailure[ocpi.Credentials](fmt.Sprintf("counterpart credentials invalid: %v", err))
	}

	// Commit. Re-read the party and verify the token we negotiated with is
	// still the authoritative one; if not, a concurrent rotation (another
	// process against the same store) won and this result must be dropped.
	fresh, err := e.store.Get(ctx, key)
	if err != nil {
		return localFailure[ocpi.Credentials]("commit rotation: " + err.Error())
	}
	cur := fresh.CurrentRemoteAccess()
	if cur == nil || cur.Token != tokenUsed {
		e.logger.Error("credentials rotation conflict, dropping handshake result",
			zap.String("party", key.String()),
		)
		return localFailure[ocpi.Credentials]("credentials rotation conflict: outbound token changed during exchange")
	}

	fresh.RotateLocalToken(newLocalToken, e.cfg.MaxTokenHistory)
	fresh.RotateRemoteAccess(party.RemoteAccessInfo{
		Token:             res.Data.Token,
		VersionsURL:       res.Data.URL,
		VersionIDs:        versionIDs(e.versionsSnapshot(key)),
		SelectedVersionID: versionID,
		Status:            party.RemoteOnline,
	})
	fresh.Roles = res.Data.Roles
	fresh.Registered = true
	if err := e.store.Update(ctx, fresh); err != nil {
		return localFailure[ocpi.Credentials]("commit rotation: " + err.Error())
	}

	e.logger.Info("credentials handshake completed",
		zap.String("party", key.String()),
		zap.String("method", method),
		zap.String("version", versionID),
		zap.String("new_remote_token_prefix", party.TokenPrefix(res.Data.Token)),
	)
	return res
}

// Unregister sends DELETE credentials to the counterpart and drops the
// handshake state locally, returning the party to its provisioned state.
func (e *Exchange) Unregister(ctx context.Context, key party.RoleKey) Result[ocpi.Credentials] {
	lock := e.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	p, ra, failMsg := e.remoteAccess(ctx, key)
	if failMsg != "" {
		return localFailure[ocpi.Credentials](failMsg)
	}
	if !p.Registered {
		return localFailure[ocpi.Credentials]("party is not registered")
	}
	credsURL, _, fail := e.credentialsEndpoint(ctx, key, ra)
	if fail != nil {
		return *fail
	}

	start := time.Now()
	w, err := e.client.do(ctx, http.MethodDelete, credsURL, ra.Token, key, nil)
	if err != nil {
		e.observer.Observe("Unregister", credsURL, 0, ocpi.StatusLocalFailure, time.Since(start))
		return localFailure[ocpi.Credentials](err.Error())
	}
	e.observer.Observe("Unregister", credsURL, w.HTTPStatus, w.Envelope.StatusCode, time.Since(start))

	res := Result[ocpi.Credentials]{
		HTTPStatus:    w.HTTPStatus,
		StatusCode:    w.Envelope.StatusCode,
		StatusMessage: w.Envelope.StatusMessage,
	}
	if !res.OK() {
		return res
	}

	fresh, err := e.store.Get(ctx, key)
	if err != nil {
		return localFailure[ocpi.Credentials]("commit unregister: " + err.Error())
	}
	fresh.Registered = false
	if err := e.store.Update(ctx, fresh); err != nil {
		return localFailure[ocpi.Credentials]("commit unregister: " + err.Error())
	}
	return res
}

func (e *Exchange) versionsSnapshot(key party.RoleKey) []ocpi.Version {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ocpi.Version(nil), e.versions[key]...)
}

func versionIDs(versions []ocpi.Version) []string {
	out := make([]string, 0, len(versions))
	for _, v := range versions {
		out = append(out, v.ID)
	}
	return out
}
