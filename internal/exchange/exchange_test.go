package exchange_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/emobix/ocpi-node/internal/exchange"
	"github.com/emobix/ocpi-node/internal/ocpi"
	"github.com/emobix/ocpi-node/internal/party"
)

// ── Fake counterpart ──────────────────────────────────────────────────────

// fakePeer is a minimal OCPI counterpart: version discovery plus a
// credentials endpoint that mints a fresh token on every accepted offer.
type fakePeer struct {
	t   *testing.T
	srv *httptest.Server

	mu            sync.Mutex
	acceptToken   string
	supported     []string
	minted        []string
	offers        []ocpi.Credentials
	methods       []string
	versionsCalls int
	detailsCalls  int
	credsCalls    int
	inFlight      int
	maxInFlight   int

	// credsReply, when set, short-circuits the credentials endpoint.
	credsReply     *ocpi.Envelope
	credsReplyHTTP int

	// dropCreds makes the credentials endpoint sever the connection
	// without answering, as a crashed or partitioned counterpart would.
	dropCreds bool

	// beforeCredsReply runs after the offer is applied but before the
	// response is written.
	beforeCredsReply func()
}

func newFakePeer(t *testing.T, acceptToken string, supported ...string) *fakePeer {
	t.Helper()
	if len(supported) == 0 {
		supported = []string{"2.2"}
	}
	p := &fakePeer{t: t, acceptToken: acceptToken, supported: supported}

	mux := http.NewServeMux()
	mux.HandleFunc("/ocpi/versions", p.handleVersions)
	for _, v := range supported {
		v := v
		mux.HandleFunc("/ocpi/"+v, func(w http.ResponseWriter, r *http.Request) { p.handleDetails(w, r, v) })
		mux.HandleFunc("/ocpi/"+v+"/credentials", p.handleCredentials)
	}
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePeer) versionsURL() string { return p.srv.URL + "/ocpi/versions" }

func (p *fakePeer) roles() []ocpi.CredentialsRole {
	return []ocpi.CredentialsRole{{CountryCode: "NL", PartyID: "EMS", Role: "EMSP"}}
}

func (p *fakePeer) authorized(w http.ResponseWriter, r *http.Request) bool {
	p.mu.Lock()
	want := "Token " + p.acceptToken
	p.mu.Unlock()
	if r.Header.Get("Authorization") != want {
		writeEnvelope(w, http.StatusForbidden, ocpi.Failure(ocpi.StatusClientError, ocpi.MsgInvalidToken))
		return false
	}
	return true
}

func (p *fakePeer) handleVersions(w http.ResponseWriter, r *http.Request) {
	if !p.authorized(w, r) {
		return
	}
	p.mu.Lock()
	p.versionsCalls++
	out := make([]ocpi.Version, 0, len(p.supported))
	for _, v := range p.supported {
		out = append(out, ocpi.Version{ID: v, URL: p.srv.URL + "/ocpi/" + v})
	}
	p.mu.Unlock()
	writeEnvelope(w, http.StatusOK, ocpi.Success(out))
}

func (p *fakePeer) handleDetails(w http.ResponseWriter, r *http.Request, version string) {
	if !p.authorized(w, r) {
		return
	}
	p.mu.Lock()
	p.detailsCalls++
	p.mu.Unlock()
	writeEnvelope(w, http.StatusOK, ocpi.Success(ocpi.VersionDetails{
		Version: version,
		Endpoints: []ocpi.Endpoint{
			{Identifier: ocpi.EndpointCredentials, URL: p.srv.URL + "/ocpi/" + version + "/credentials"},
		},
	}))
}

func (p *fakePeer) handleCredentials(w http.ResponseWriter, r *http.Request) {
	if !p.authorized(w, r) {
		return
	}
	p.mu.Lock()
	p.credsCalls++
	p.inFlight++
	if p.inFlight > p.maxInFlight {
		p.maxInFlight = p.inFlight
	}
	p.methods = append(p.methods, r.Method)
	drop, reply, replyHTTP := p.dropCreds, p.credsReply, p.credsReplyHTTP
	p.mu.Unlock()

	time.Sleep(5 * time.Millisecond)
	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()

	if drop {
		hj, ok := w.(http.Hijacker)
		if !ok {
			p.t.Fatal("response writer is not hijackable")
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			p.t.Fatalf("hijack: %v", err)
		}
		conn.Close()
		return
	}
	if reply != nil {
		writeEnvelope(w, replyHTTP, *reply)
		return
	}

	switch r.Method {
	case http.MethodPost, http.MethodPut:
		var offer ocpi.Credentials
		if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
			writeEnvelope(w, http.StatusBadRequest, ocpi.Failure(ocpi.StatusClientError, ocpi.MsgInvalidCredentials))
			return
		}

		p.mu.Lock()
		p.offers = append(p.offers, offer)
		token := fmt.Sprintf("peer-token-%d", len(p.minted)+1)
		p.minted = append(p.minted, token)
		// The node presents the minted token from now on.
		p.acceptToken = token
		hook := p.beforeCredsReply
		p.mu.Unlock()

		if hook != nil {
			hook()
		}
		writeEnvelope(w, http.StatusOK, ocpi.Success(ocpi.Credentials{
			Token: token,
			URL:   p.versionsURL(),
			Roles: p.roles(),
		}))
	case http.MethodGet:
		writeEnvelope(w, http.StatusOK, ocpi.Success(ocpi.Credentials{
			Token: "current-doc-token",
			URL:   p.versionsURL(),
			Roles: p.roles(),
		}))
	case http.MethodDelete:
		writeEnvelope(w, http.StatusOK, ocpi.Failure(ocpi.StatusSuccess, ocpi.MsgSuccess))
	default:
		writeEnvelope(w, http.StatusMethodNotAllowed, ocpi.Failure(ocpi.StatusClientError, "method not allowed"))
	}
}

type peerStats struct {
	versionsCalls int
	detailsCalls  int
	credsCalls    int
	maxInFlight   int
	methods       []string
	offers        []ocpi.Credentials
	minted        []string
}

// snapshot returns the recorded interaction under the peer's lock, so tests
// stay race-clean even while handler deferred cleanup is still running.
func (p *fakePeer) snapshot() peerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return peerStats{
		versionsCalls: p.versionsCalls,
		detailsCalls:  p.detailsCalls,
		credsCalls:    p.credsCalls,
		maxInFlight:   p.maxInFlight,
		methods:       append([]string(nil), p.methods...),
		offers:        append([]ocpi.Credentials(nil), p.offers...),
		minted:        append([]string(nil), p.minted...),
	}
}

func writeEnvelope(w http.ResponseWriter, httpStatus int, env ocpi.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(env)
}

// ── Test setup ────────────────────────────────────────────────────────────

var peerKey = party.RoleKey{CountryCode: "NL", PartyID: "EMS", Role: party.RoleEMSP}

func selfConfig() exchange.Config {
	return exchange.Config{
		Self: exchange.Self{
			CountryCode: "DE",
			PartyID:     "EXA",
			VersionsURL: "http://node.example.com/ocpi/versions",
			Roles:       []ocpi.CredentialsRole{{CountryCode: "DE", PartyID: "EXA", Role: "CPO"}},
		},
		Timeout: 2 * time.Second,
	}
}

func provisionPeer(t *testing.T, store party.Store, outboundToken, versionsURL string) *party.RemoteParty {
	t.Helper()
	p, err := party.NewRemoteParty(
		[]ocpi.CredentialsRole{{CountryCode: "NL", PartyID: "EMS", Role: "EMSP"}},
		[]party.LocalAccessInfo{{Token: "inbound-provisioned", Status: party.AccessAllowed}},
		[]party.RemoteAccessInfo{{Token: outboundToken, VersionsURL: versionsURL, Status: party.RemoteUndefined}},
		party.PartyEnabled,
	)
	if err != nil {
		t.Fatalf("NewRemoteParty: %v", err)
	}
	if err := store.Add(context.Background(), p); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return p
}

func newExchange(store party.Store) *exchange.Exchange {
	return exchange.New(store, selfConfig(), nil, zap.NewNop())
}

// ── Version discovery ─────────────────────────────────────────────────────

func TestGetVersions_success(t *testing.T) {
	peer := newFakePeer(t, "out-tok")
	store := party.NewMemoryStore()
	provisionPeer(t, store, "out-tok", peer.versionsURL())
	e := newExchange(store)

	res := e.GetVersions(context.Background(), peerKey)
	if !res.OK() {
		t.Fatalf("GetVersions failed: %d %s", res.StatusCode, res.StatusMessage)
	}
	if len(res.Data) != 1 || res.Data[0].ID != "2.2" {
		t.Fatalf("unexpected versions: %+v", res.Data)
	}
}

func TestGetVersions_unknownParty(t *testing.T) {
	e := newExchange(party.NewMemoryStore())

	res := e.GetVersions(context.Background(), peerKey)
	if res.StatusCode != ocpi.StatusLocalFailure {
		t.Fatalf("expected local failure, got %d", res.StatusCode)
	}
	if !strings.Contains(res.StatusMessage, "not registered locally") {
		t.Errorf("unexpected message: %s", res.StatusMessage)
	}
}

func TestGetVersions_noRemoteURL(t *testing.T) {
	store := party.NewMemoryStore()
	p, err := party.NewRemoteParty(
		[]ocpi.CredentialsRole{{CountryCode: "NL", PartyID: "EMS", Role: "EMSP"}},
		[]party.LocalAccessInfo{{Token: "inbound", Status: party.AccessAllowed}},
		nil,
		party.PartyEnabled,
	)
	if err != nil {
		t.Fatalf("NewRemoteParty: %v", err)
	}
	if err := store.Add(context.Background(), p); err != nil {
		t.Fatalf("Add: %v", err)
	}
	e := newExchange(store)

	res := e.GetVersions(context.Background(), peerKey)
	if res.StatusCode != ocpi.StatusLocalFailure || res.StatusMessage != ocpi.MsgNoRemoteURL {
		t.Fatalf("expected %q, got %d %q", ocpi.MsgNoRemoteURL, res.StatusCode, res.StatusMessage)
	}
}

func TestGetVersions_tokenRejectedByRemote(t *testing.T) {
	peer := newFakePeer(t, "out-tok")
	store := party.NewMemoryStore()
	// The counterpart no longer accepts our token (blocked on its side).
	provisionPeer(t, store, "stale-tok", peer.versionsURL())
	e := newExchange(store)

	res := e.GetVersions(context.Background(), peerKey)
	if res.HTTPStatus != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.HTTPStatus)
	}
	if res.StatusCode != ocpi.StatusClientError || res.StatusMessage != ocpi.MsgInvalidToken {
		t.Fatalf("expected %q, got %d %q", ocpi.MsgInvalidToken, res.StatusCode, res.StatusMessage)
	}
	if len(res.Data) != 0 {
		t.Errorf("expected no version entries, got %+v", res.Data)
	}
}

func TestGetVersionDetails_requiresDiscovery(t *testing.T) {
	peer := newFakePeer(t, "out-tok")
	store := party.NewMemoryStore()
	provisionPeer(t, store, "out-tok", peer.versionsURL())
	e := newExchange(store)

	res := e.GetVersionDetails(context.Background(), peerKey, "2.2")
	if res.StatusCode != ocpi.StatusLocalFailure || res.StatusMessage != ocpi.MsgNoVersionAvailable {
		t.Fatalf("expected %q, got %d %q", ocpi.MsgNoVersionAvailable, res.StatusCode, res.StatusMessage)
	}
	// The failure is local: no round-trip happened.
	if st := peer.snapshot(); st.versionsCalls != 0 || st.detailsCalls != 0 {
		t.Errorf("expected no peer calls, got versions=%d details=%d", st.versionsCalls, st.detailsCalls)
	}

	if !e.GetVersions(context.Background(), peerKey).OK() {
		t.Fatal("GetVersions failed")
	}
	res = e.GetVersionDetails(context.Background(), peerKey, "2.2")
	if !res.OK() {
		t.Fatalf("GetVersionDetails after discovery failed: %s", res.StatusMessage)
	}
	if len(res.Data.Endpoints) == 0 || res.Data.Endpoints[0].Identifier != ocpi.EndpointCredentials {
		t.Errorf("unexpected details: %+v", res.Data)
	}
}

// ── Register handshake ────────────────────────────────────────────────────

func TestRegister_initialHandshake(t *testing.T) {
	peer := newFakePeer(t, "out-tok")
	store := party.NewMemoryStore()
	provisionPeer(t, store, "out-tok", peer.versionsURL())
	e := newExchange(store)
	ctx := context.Background()

	res := e.Register(ctx, peerKey)
	if !res.OK() {
		t.Fatalf("Register failed: %d %s", res.StatusCode, res.StatusMessage)
	}
	if res.Data.Token != "peer-token-1" {
		t.Errorf("expected minted peer token, got %q", res.Data.Token)
	}
	st := peer.snapshot()
	if st.methods[0] != http.MethodPost {
		t.Errorf("initial handshake must POST, got %s", st.methods[0])
	}
	if st.offers[0].URL != selfConfig().Self.VersionsURL {
		t.Errorf("offer carried wrong versions URL: %s", st.offers[0].URL)
	}
	if st.offers[0].Token == "" || st.offers[0].Token == "inbound-provisioned" {
		t.Error("offer must carry a freshly generated token")
	}

	p, err := store.Get(ctx, peerKey)
	if err != nil {
		t.Fatalf("Get after register: %v", err)
	}
	if !p.Registered {
		t.Error("party should be registered")
	}
	ra := p.CurrentRemoteAccess()
	if ra.Token != "peer-token-1" {
		t.Errorf("outbound token not committed, got %s", party.TokenPrefix(ra.Token))
	}
	if ra.SelectedVersionID != "2.2" {
		t.Errorf("expected pinned version 2.2, got %s", ra.SelectedVersionID)
	}
	if ra.Status != party.RemoteOnline {
		t.Errorf("expected ONLINE, got %s", ra.Status)
	}
	if p.CurrentLocalToken() != st.offers[0].Token {
		t.Error("offered token should be the new inbound token")
	}
	// The provisioned inbound token remains in the rotation window.
	if _, honored := p.MatchLocalToken("inbound-provisioned"); !honored {
		t.Error("provisioned token should survive one rotation")
	}
}

func TestRegister_secondRunRotatesViaPut(t *testing.T) {
	peer := newFakePeer(t, "out-tok")
	store := party.NewMemoryStore()
	provisionPeer(t, store, "out-tok", peer.versionsURL())
	e := newExchange(store)
	ctx := context.Background()

	if res := e.Register(ctx, peerKey); !res.OK() {
		t.Fatalf("first Register failed: %s", res.StatusMessage)
	}
	res := e.Register(ctx, peerKey)
	if !res.OK() {
		t.Fatalf("second Register failed: %s", res.StatusMessage)
	}
	st := peer.snapshot()
	if len(st.methods) != 2 || st.methods[1] != http.MethodPut {
		t.Fatalf("expected POST then PUT, got %v", st.methods)
	}

	p, _ := store.Get(ctx, peerKey)
	if p.CurrentRemoteAccess().Token != "peer-token-2" {
		t.Error("second rotation not committed")
	}
	// Window of two: both offered tokens are honored, the provisioned
	// original is gone.
	if _, honored := p.MatchLocalToken(st.offers[1].Token); !honored {
		t.Error("newest inbound token not honored")
	}
	if _, honored := p.MatchLocalToken(st.offers[0].Token); !honored {
		t.Error("previous inbound token should remain honored")
	}
	if m, _ := p.MatchLocalToken("inbound-provisioned"); m != nil {
		t.Error("provisioned token should have left the rotation window")
	}
}

func TestRegister_remoteErrorPropagatedVerbatim(t *testing.T) {
	peer := newFakePeer(t, "out-tok")
	env := ocpi.Failure(ocpi.StatusClientError, ocpi.MsgAlreadyRegistered)
	peer.credsReply = &env
	peer.credsReplyHTTP = http.StatusMethodNotAllowed

	store := party.NewMemoryStore()
	provisionPeer(t, store, "out-tok", peer.versionsURL())
	e := newExchange(store)
	ctx := context.Background()

	res := e.Register(ctx, peerKey)
	if res.OK() {
		t.Fatal("Register should have failed")
	}
	if res.HTTPStatus != http.StatusMethodNotAllowed {
		t.Errorf("expected HTTP 405, got %d", res.HTTPStatus)
	}
	if res.StatusCode != ocpi.StatusClientError || res.StatusMessage != ocpi.MsgAlreadyRegistered {
		t.Errorf("remote envelope not propagated: %d %q", res.StatusCode, res.StatusMessage)
	}

	p, _ := store.Get(ctx, peerKey)
	if p.Registered || p.CurrentRemoteAccess().Token != "out-tok" {
		t.Error("store must stay untouched after a remote rejection")
	}
}

func TestRegister_lostResponseLeavesStoreUntouched(t *testing.T) {
	peer := newFakePeer(t, "out-tok")
	peer.dropCreds = true

	store := party.NewMemoryStore()
	provisionPeer(t, store, "out-tok", peer.versionsURL())
	e := newExchange(store)
	ctx := context.Background()

	res := e.Register(ctx, peerKey)
	if res.StatusCode != ocpi.StatusLocalFailure {
		t.Fatalf("expected local failure, got %d %s", res.StatusCode, res.StatusMessage)
	}
	if res.HTTPStatus != 0 {
		t.Errorf("no HTTP status should be reported, got %d", res.HTTPStatus)
	}

	// No blind retry, no token change: recovery is out of band.
	p, _ := store.Get(ctx, peerKey)
	if p.Registered || p.CurrentRemoteAccess().Token != "out-tok" {
		t.Error("store must stay untouched when the response is lost")
	}
	if st := peer.snapshot(); st.credsCalls != 1 {
		t.Errorf("expected exactly one handshake attempt, got %d", st.credsCalls)
	}
}

func TestRegister_conflictAbortsCommit(t *testing.T) {
	peer := newFakePeer(t, "out-tok")
	store := party.NewMemoryStore()
	provisionPeer(t, store, "out-tok", peer.versionsURL())
	e := newExchange(store)
	ctx := context.Background()

	// Another process rotates the outbound token while our handshake is in
	// flight; the commit must detect the stale token and drop the result.
	peer.beforeCredsReply = func() {
		p, err := store.Get(ctx, peerKey)
		if err != nil {
			t.Errorf("hook Get: %v", err)
			return
		}
		p.RotateRemoteAccess(party.RemoteAccessInfo{
			Token:       "rotated-elsewhere",
			VersionsURL: peer.versionsURL(),
			Status:      party.RemoteOnline,
		})
		if err := store.Update(ctx, p); err != nil {
			t.Errorf("hook Update: %v", err)
		}
	}

	res := e.Register(ctx, peerKey)
	if res.StatusCode != ocpi.StatusLocalFailure {
		t.Fatalf("expected local failure, got %d %s", res.StatusCode, res.StatusMessage)
	}
	if !strings.Contains(res.StatusMessage, "conflict") {
		t.Errorf("unexpected message: %s", res.StatusMessage)
	}

	p, _ := store.Get(ctx, peerKey)
	if p.CurrentRemoteAccess().Token != "rotated-elsewhere" {
		t.Error("losing handshake must not overwrite the winning rotation")
	}
	if p.Registered {
		t.Error("losing handshake must not flip the registered flag")
	}
}

func TestRegister_noSupportedVersion(t *testing.T) {
	peer := newFakePeer(t, "out-tok", "2.1.1")
	store := party.NewMemoryStore()
	provisionPeer(t, store, "out-tok", peer.versionsURL())
	e := newExchange(store)

	res := e.Register(context.Background(), peerKey)
	if res.StatusCode != ocpi.StatusLocalFailure || res.StatusMessage != ocpi.MsgNoVersionAvailable {
		t.Fatalf("expected %q, got %d %q", ocpi.MsgNoVersionAvailable, res.StatusCode, res.StatusMessage)
	}
	if st := peer.snapshot(); st.credsCalls != 0 {
		t.Errorf("no credentials call should happen, got %d", st.credsCalls)
	}
}

func TestRegister_picksPreferredVersion(t *testing.T) {
	peer := newFakePeer(t, "out-tok", "2.2", "2.2.1")
	store := party.NewMemoryStore()
	provisionPeer(t, store, "out-tok", peer.versionsURL())
	e := newExchange(store)
	ctx := context.Background()

	if res := e.Register(ctx, peerKey); !res.OK() {
		t.Fatalf("Register failed: %s", res.StatusMessage)
	}
	p, _ := store.Get(ctx, peerKey)
	if got := p.CurrentRemoteAccess().SelectedVersionID; got != "2.2.1" {
		t.Errorf("expected highest preferred version 2.2.1, got %s", got)
	}
}

func TestRegister_serializedPerParty(t *testing.T) {
	peer := newFakePeer(t, "out-tok")
	store := party.NewMemoryStore()
	provisionPeer(t, store, "out-tok", peer.versionsURL())
	e := newExchange(store)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]exchange.Result[ocpi.Credentials], 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.Register(ctx, peerKey)
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		if !res.OK() {
			t.Errorf("Register %d failed: %d %s", i, res.StatusCode, res.StatusMessage)
		}
	}
	st := peer.snapshot()
	if st.maxInFlight != 1 {
		t.Errorf("handshakes must be serialized, saw %d in flight", st.maxInFlight)
	}
	if st.credsCalls != 4 {
		t.Errorf("expected 4 handshakes, got %d", st.credsCalls)
	}

	p, _ := store.Get(ctx, peerKey)
	if p.CurrentRemoteAccess().Token != st.minted[len(st.minted)-1] {
		t.Error("final outbound token should be the last minted one")
	}
}

// ── Other operations ──────────────────────────────────────────────────────

func TestGetCredentials(t *testing.T) {
	peer := newFakePeer(t, "out-tok")
	store := party.NewMemoryStore()
	provisionPeer(t, store, "out-tok", peer.versionsURL())
	e := newExchange(store)

	res := e.GetCredentials(context.Background(), peerKey)
	if !res.OK() {
		t.Fatalf("GetCredentials failed: %s", res.StatusMessage)
	}
	if res.Data.Token != "current-doc-token" {
		t.Errorf("unexpected document: %+v", res.Data)
	}
}

func TestUnregister(t *testing.T) {
	peer := newFakePeer(t, "out-tok")
	store := party.NewMemoryStore()
	provisionPeer(t, store, "out-tok", peer.versionsURL())
	e := newExchange(store)
	ctx := context.Background()

	if res := e.Unregister(ctx, peerKey); res.StatusCode != ocpi.StatusLocalFailure {
		t.Fatalf("unregistered party should fail locally, got %d", res.StatusCode)
	}

	if res := e.Register(ctx, peerKey); !res.OK() {
		t.Fatalf("Register failed: %s", res.StatusMessage)
	}
	res := e.Unregister(ctx, peerKey)
	if !res.OK() {
		t.Fatalf("Unregister failed: %d %s", res.StatusCode, res.StatusMessage)
	}

	p, _ := store.Get(ctx, peerKey)
	if p.Registered {
		t.Error("party should be back in provisioned state")
	}
	if p.CurrentRemoteAccess() == nil {
		t.Error("outbound access info should survive unregistration")
	}
}
