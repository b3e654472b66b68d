package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/emobix/ocpi-node/internal/ocpi"
	"github.com/emobix/ocpi-node/internal/party"
)

// wireResponse is the decoded outcome of one OCPI round-trip.
type wireResponse struct {
	HTTPStatus int
	Envelope   ocpi.Envelope
}

// httpClient performs authenticated OCPI requests against a counterpart. It
// stamps the correlation and routing headers and enforces a per-call timeout.
type httpClient struct {
	http        *http.Client
	timeout     time.Duration
	fromCountry string
	fromParty   string
}

func newHTTPClient(timeout time.Duration, fromCountry, fromParty string) *httpClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &httpClient{
		http:        &http.Client{Timeout: timeout},
		timeout:     timeout,
		fromCountry: fromCountry,
		fromParty:   fromParty,
	}
}

// do issues one request. Transport and decode failures are returned as err;
// any well-formed HTTP response, whatever its status, comes back as a
// wireResponse so the caller can propagate the remote envelope verbatim.
func (c *httpClient) do(ctx context.Context, method, url, token string, to party.RoleKey, body any) (*wireResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(ocpi.HeaderRequestID, uuid.New().String())
	req.Header.Set(ocpi.HeaderCorrelationID, uuid.New().String())
	if c.fromCountry != "" {
		req.Header.Set(ocpi.HeaderFromCountryCode, c.fromCountry)
		req.Header.Set(ocpi.HeaderFromPartyID, c.fromParty)
	}
	if to.CountryCode != "" {
		req.Header.Set(ocpi.HeaderToCountryCode, to.CountryCode)
		req.Header.Set(ocpi.HeaderToPartyID, to.PartyID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	out := &wireResponse{HTTPStatus: resp.StatusCode}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out.Envelope); err != nil {
			return nil, fmt.Errorf("decode response envelope: %w", err)
		}
	}
	return out, nil
}
