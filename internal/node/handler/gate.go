// Package handler contains the gin handlers and middleware of the OCPI
// node: the token-resolving authorization gate, the versions and credentials
// endpoints, the operator admin API, and the hardening middleware.
package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/emobix/ocpi-node/internal/ocpi"
	"github.com/emobix/ocpi-node/internal/party"
)

// Context keys set by the gate for downstream handlers.
const (
	ctxRemoteParty = "remote_party"
	ctxAccessInfo  = "access_info"
)

// AuthorizationGate resolves the bearer token of every inbound OCPI request
// against the party store. It is read-only: no request through the gate ever
// mutates the registry.
type AuthorizationGate struct {
	store  party.Store
	logger *zap.Logger
}

// NewAuthorizationGate creates an AuthorizationGate.
func NewAuthorizationGate(store party.Store, logger *zap.Logger) *AuthorizationGate {
	return &AuthorizationGate{store: store, logger: logger}
}

// Middleware returns the gin middleware enforcing token authorization.
//
// Unknown and blocked tokens both answer 403 with the identical envelope,
// so a probing caller cannot learn whether a token exists at all.
func (g *AuthorizationGate) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				ocpi.Failure(ocpi.StatusClientError, "Missing or malformed Authorization header"))
			return
		}

		p, match, honored, err := g.store.GetByLocalToken(c.Request.Context(), token)
		if err != nil || !honored {
			if err != nil && !errors.Is(err, party.ErrNotFound) {
				g.logger.Error("token resolution failed", zap.Error(err))
				c.AbortWithStatusJSON(http.StatusInternalServerError,
					ocpi.Failure(ocpi.StatusServerError, "Internal server error"))
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden,
				ocpi.Failure(ocpi.StatusClientError, ocpi.MsgInvalidToken))
			return
		}

		c.Set(ctxRemoteParty, p)
		c.Set(ctxAccessInfo, match)
		c.Next()
	}
}

// bearerToken extracts the token from an `Authorization: Token <value>`
// header. The `Bearer` scheme is accepted as an alias.
func bearerToken(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	for _, scheme := range []string{"Token ", "Bearer "} {
		if strings.HasPrefix(header, scheme) {
			token := strings.TrimSpace(header[len(scheme):])
			return token, token != ""
		}
	}
	return "", false
}

// PartyFromCtx returns the authenticated remote party, or nil outside the gate.
func PartyFromCtx(c *gin.Context) *party.RemoteParty {
	if v, ok := c.Get(ctxRemoteParty); ok {
		if p, ok := v.(*party.RemoteParty); ok {
			return p
		}
	}
	return nil
}

// AccessInfoFromCtx returns the local access entry that matched the request.
func AccessInfoFromCtx(c *gin.Context) *party.LocalAccessInfo {
	if v, ok := c.Get(ctxAccessInfo); ok {
		if li, ok := v.(*party.LocalAccessInfo); ok {
			return li
		}
	}
	return nil
}
