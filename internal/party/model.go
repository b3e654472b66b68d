// Package party models the counterpart organizations of an OCPI node and
// the access tokens exchanged with them. A RemoteParty aggregates one or
// more credentials roles together with the tokens we accept from the party
// (LocalAccessInfo) and the tokens we present to it (RemoteAccessInfo).
package party

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/emobix/ocpi-node/internal/ocpi"
)

// Role is an OCPI party role.
type Role string

const (
	RoleCPO   Role = "CPO"
	RoleEMSP  Role = "EMSP"
	RoleHub   Role = "HUB"
	RoleNSP   Role = "NSP"
	RoleOther Role = "OTHER"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleCPO:
		return RoleCPO, nil
	case RoleEMSP:
		return RoleEMSP, nil
	case RoleHub:
		return RoleHub, nil
	case RoleNSP:
		return RoleNSP, nil
	case RoleOther:
		return RoleOther, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// ParseCountryCode validates an ISO 3166-1 alpha-2 country code.
func ParseCountryCode(s string) (string, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != 2 {
		return "", fmt.Errorf("country code must be 2 characters, got %q", s)
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("country code must be letters, got %q", s)
		}
	}
	return s, nil
}

// ParsePartyID validates a 3-character OCPI party id.
func ParsePartyID(s string) (string, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != 3 {
		return "", fmt.Errorf("party id must be 3 characters, got %q", s)
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("party id must be alphanumeric, got %q", s)
		}
	}
	return s, nil
}

// RoleKey identifies one registration slot in the store.
type RoleKey struct {
	CountryCode string
	PartyID     string
	Role        Role
}

// ParseRoleKey validates and normalizes the three key components.
func ParseRoleKey(countryCode, partyID, role string) (RoleKey, error) {
	cc, err := ParseCountryCode(countryCode)
	if err != nil {
		return RoleKey{}, err
	}
	pid, err := ParsePartyID(partyID)
	if err != nil {
		return RoleKey{}, err
	}
	r, err := ParseRole(role)
	if err != nil {
		return RoleKey{}, err
	}
	return RoleKey{CountryCode: cc, PartyID: pid, Role: r}, nil
}

func (k RoleKey) String() string {
	return fmt.Sprintf("%s*%s*%s", k.CountryCode, k.PartyID, k.Role)
}

// AccessStatus governs whether a local token is honored.
type AccessStatus string

const (
	AccessAllowed AccessStatus = "ALLOWED"
	AccessBlocked AccessStatus = "BLOCKED"
)

// RemoteAccessStatus is the liveness of the outbound connection, independent
// of whether the token itself is blocked.
type RemoteAccessStatus string

const (
	RemoteOnline    RemoteAccessStatus = "ONLINE"
	RemoteOffline   RemoteAccessStatus = "OFFLINE"
	RemoteUndefined RemoteAccessStatus = "UNDEFINED"
)

// PartyStatus is the lifecycle state of the whole relationship.
type PartyStatus string

const (
	PartyEnabled  PartyStatus = "ENABLED"
	PartyDisabled PartyStatus = "DISABLED"
)

// TokenPrefix returns a short loggable prefix of an access token. Tokens are
// secrets and must never appear in full in logs or error messages.
func TokenPrefix(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "…"
}

// LocalAccessInfo is a token we issued to the remote party: when an inbound
// request presents this token, it is honored while the status is ALLOWED.
// Base64 marks a counterpart that sends the token Base64-encoded; matching
// then expects the encoded form on the wire.
type LocalAccessInfo struct {
	Token    string       `json:"token"`
	Status   AccessStatus `json:"status"`
	Base64   bool         `json:"base64,omitempty"`
	IssuedAt time.Time    `json:"issued_at"`
}

// wireToken returns the form of the token this entry expects on the wire.
func (li *LocalAccessInfo) wireToken() string {
	if li.Base64 {
		return base64.StdEncoding.EncodeToString([]byte(li.Token))
	}
	return li.Token
}

// RemoteAccessInfo is a token the remote party issued to us, together with
// the versions endpoint it is valid against.
type RemoteAccessInfo struct {
	Token             string             `json:"token"`
	VersionsURL       string             `json:"versions_url"`
	VersionIDs        []string           `json:"version_ids,omitempty"`
	SelectedVersionID string             `json:"selected_version_id,omitempty"`
	Status            RemoteAccessStatus `json:"status"`
}

// RemoteParty is the aggregate for one counterpart organization.
//
// LocalAccessInfos and RemoteAccessInfos are ordered newest-first; the entry
// at index 0 is the authoritative one, older entries are kept as a rotation
// window so an in-flight counterpart request with the previous token still
// authenticates.
type RemoteParty struct {
	ID                string
	Roles             []ocpi.CredentialsRole
	LocalAccessInfos  []LocalAccessInfo
	RemoteAccessInfos []RemoteAccessInfo
	Status            PartyStatus

	// Registered is set once the first credentials handshake has completed.
	// It gates the PUT/PATCH/DELETE credentials endpoints.
	Registered bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewRemoteParty builds a validated RemoteParty. Roles must be non-empty and
// must not contain duplicate (country_code, party_id, role) tuples.
func NewRemoteParty(roles []ocpi.CredentialsRole, local []LocalAccessInfo, remote []RemoteAccessInfo, status PartyStatus) (*RemoteParty, error) {
	keys, err := RoleKeys(roles)
	if err != nil {
		return nil, err
	}
	seen := make(map[RoleKey]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			return nil, fmt.Errorf("duplicate credentials role %s", k)
		}
		seen[k] = struct{}{}
	}
	if status == "" {
		status = PartyEnabled
	}
	now := time.Now().UTC()
	return &RemoteParty{
		ID:                uuid.New().String(),
		Roles:             roles,
		LocalAccessInfos:  local,
		RemoteAccessInfos: remote,
		Status:            status,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// RoleKeys validates and returns the role keys of a credentials-role list.
func RoleKeys(roles []ocpi.CredentialsRole) ([]RoleKey, error) {
	if len(roles) == 0 {
		return nil, fmt.Errorf("at least one credentials role is required")
	}
	keys := make([]RoleKey, 0, len(roles))
	for _, r := range roles {
		k, err := ParseRoleKey(r.CountryCode, r.PartyID, r.Role)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Keys returns the role keys this party occupies in the store.
func (p *RemoteParty) Keys() []RoleKey {
	keys, _ := RoleKeys(p.Roles)
	return keys
}

// MatchLocalToken returns the newest LocalAccessInfo matching the token as
// presented on the wire, along with whether that entry is currently honored.
// Entries flagged Base64 match only the encoded form. Lookups are
// deterministic: the newest ALLOWED entry for the token wins.
func (p *RemoteParty) MatchLocalToken(token string) (*LocalAccessInfo, bool) {
	for i := range p.LocalAccessInfos {
		li := p.LocalAccessInfos[i]
		if li.wireToken() == token {
			honored := li.Status == AccessAllowed && p.Status == PartyEnabled
			return &li, honored
		}
	}
	return nil, false
}

// CurrentLocalToken returns the newest ALLOWED local token, or "" when none.
func (p *RemoteParty) CurrentLocalToken() string {
	for i := range p.LocalAccessInfos {
		if p.LocalAccessInfos[i].Status == AccessAllowed {
			return p.LocalAccessInfos[i].Token
		}
	}
	return ""
}

// CurrentRemoteAccess returns the authoritative outbound access info, or nil
// when the party has none.
func (p *RemoteParty) CurrentRemoteAccess() *RemoteAccessInfo {
	if len(p.RemoteAccessInfos) == 0 {
		return nil
	}
	ra := p.RemoteAccessInfos[0]
	return &ra
}

// RotateLocalToken prepends a fresh ALLOWED local token, trimming the
// rotation window to keep at most maxHistory entries.
func (p *RemoteParty) RotateLocalToken(token string, maxHistory int) {
	entry := LocalAccessInfo{Token: token, Status: AccessAllowed, IssuedAt: time.Now().UTC()}
	p.LocalAccessInfos = append([]LocalAccessInfo{entry}, p.LocalAccessInfos...)
	if maxHistory > 0 && len(p.LocalAccessInfos) > maxHistory {
		p.LocalAccessInfos = p.LocalAccessInfos[:maxHistory]
	}
	p.UpdatedAt = time.Now().UTC()
}

// RotateRemoteAccess replaces the authoritative outbound access info. The
// superseded token is dropped entirely: once the counterpart has rotated, the
// old token is invalid on its side and keeping it would only invite replays.
func (p *RemoteParty) RotateRemoteAccess(info RemoteAccessInfo) {
	p.RemoteAccessInfos = []RemoteAccessInfo{info}
	p.UpdatedAt = time.Now().UTC()
}

// SetAccessStatus flips the status of every local access entry. Used by the
// administrative block/unblock operations.
func (p *RemoteParty) SetAccessStatus(status AccessStatus) {
	for i := range p.LocalAccessInfos {
		p.LocalAccessInfos[i].Status = status
	}
	p.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy. The store hands out and accepts only clones so
// that readers never observe a party mid-mutation.
func (p *RemoteParty) Clone() *RemoteParty {
	cp := *p
	cp.Roles = append([]ocpi.CredentialsRole(nil), p.Roles...)
	cp.LocalAccessInfos = append([]LocalAccessInfo(nil), p.LocalAccessInfos...)
	cp.RemoteAccessInfos = make([]RemoteAccessInfo, len(p.RemoteAccessInfos))
	for i, ra := range p.RemoteAccessInfos {
		ra.VersionIDs = append([]string(nil), ra.VersionIDs...)
		cp.RemoteAccessInfos[i] = ra
	}
	return &cp
}
