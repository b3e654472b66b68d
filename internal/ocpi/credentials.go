package ocpi

// Version is one entry of the versions discovery document.
type Version struct {
	ID  string `json:"version"`
	URL string `json:"url"`
}

// Endpoint is one entry of a version-details document.
type Endpoint struct {
	Identifier string `json:"identifier"`
	URL        string `json:"url"`
}

// VersionDetails is the document served at a version URL.
type VersionDetails struct {
	Version   string     `json:"version"`
	Endpoints []Endpoint `json:"endpoints"`
}

// Well-known endpoint identifiers used by the registration core.
const (
	EndpointCredentials = "credentials"
	EndpointVersions    = "versions"
)

// BusinessDetails describes the organization behind a credentials role.
type BusinessDetails struct {
	Name    string `json:"name"`
	Website string `json:"website,omitempty"`
}

// CredentialsRole is one (country_code, party_id, role) a party acts as.
type CredentialsRole struct {
	CountryCode     string          `json:"country_code"`
	PartyID         string          `json:"party_id"`
	Role            string          `json:"role"`
	BusinessDetails BusinessDetails `json:"business_details"`
}

// Credentials is the document exchanged during the Register handshake.
// The token is the one the receiver must use when calling the sender; it is
// parsed into the receiver's access-info records and never stored verbatim.
type Credentials struct {
	Token string            `json:"token"`
	URL   string            `json:"url"`
	Roles []CredentialsRole `json:"roles"`
}
