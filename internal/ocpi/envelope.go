// Package ocpi defines the OCPI wire types shared by the node's inbound
// handlers and the outbound exchange client: the response envelope, the
// status-code taxonomy, and the credentials/versions documents.
package ocpi

import (
	"encoding/json"
	"time"
)

// OCPI status codes carried in the envelope's status_code field.
// StatusLocalFailure is client-side only: it marks a failure that happened
// before or instead of a network round-trip and is never sent on the wire.
const (
	StatusSuccess      = 1000
	StatusClientError  = 2000
	StatusServerError  = 3000
	StatusLocalFailure = -1
)

// Fixed status messages. The invalid-token message is deliberately the same
// for an unknown token and for a blocked one so that callers cannot probe
// which tokens exist.
const (
	MsgSuccess            = "Success"
	MsgInvalidToken       = "Invalid or blocked access token!"
	MsgNotRegistered      = "You need to be registered before trying to invoke this protected method!"
	MsgNoVersionAvailable = "No versionId available!"
	MsgNoRemoteURL        = "No remote URL available!"
	MsgAlreadyRegistered  = "Client is already registered!"
	MsgInvalidCredentials = "Invalid credentials object!"
)

// Envelope is the OCPI response wrapper used by every endpoint.
type Envelope struct {
	Data          json.RawMessage `json:"data,omitempty"`
	StatusCode    int             `json:"status_code"`
	StatusMessage string          `json:"status_message"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Success wraps data in a status-1000 envelope.
func Success(data any) Envelope {
	raw, _ := json.Marshal(data)
	return Envelope{
		Data:          raw,
		StatusCode:    StatusSuccess,
		StatusMessage: MsgSuccess,
		Timestamp:     time.Now().UTC(),
	}
}

// Failure builds an envelope with the given status code and message and no data.
func Failure(code int, message string) Envelope {
	return Envelope{
		StatusCode:    code,
		StatusMessage: message,
		Timestamp:     time.Now().UTC(),
	}
}

// DecodeData unmarshals the envelope's data field into out.
func (e *Envelope) DecodeData(out any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, out)
}

// OCPI routing and correlation headers.
const (
	HeaderRequestID       = "X-Request-ID"
	HeaderCorrelationID   = "X-Correlation-ID"
	HeaderFromCountryCode = "OCPI-from-country-code"
	HeaderFromPartyID     = "OCPI-from-party-id"
	HeaderToCountryCode   = "OCPI-to-country-code"
	HeaderToPartyID       = "OCPI-to-party-id"
)
