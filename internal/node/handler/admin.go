package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/emobix/ocpi-node/internal/exchange"
	"github.com/emobix/ocpi-node/internal/identity"
	"github.com/emobix/ocpi-node/internal/ocpi"
	"github.com/emobix/ocpi-node/internal/party"
)

// AdminHandler is the operator API. Provisioning a party here is the only
// way a counterpart enters the store; the OCPI surface can rotate tokens but
// never introduce a new identity.
type AdminHandler struct {
	store        party.Store
	tokens       *identity.AdminTokenIssuer
	passwordHash string
	exch         *exchange.Exchange // nil = handshake initiation disabled
	logger       *zap.Logger
}

// NewAdminHandler creates an AdminHandler. passwordHash is the bcrypt hash
// of the operator password.
func NewAdminHandler(store party.Store, tokens *identity.AdminTokenIssuer, passwordHash string, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{store: store, tokens: tokens, passwordHash: passwordHash, logger: logger}
}

// SetExchange enables the routes that drive the outbound handshake.
func (h *AdminHandler) SetExchange(exch *exchange.Exchange) {
	h.exch = exch
}

// Register mounts the admin routes.
func (h *AdminHandler) Register(rg *gin.RouterGroup) {
	admin := rg.Group("/admin")
	admin.POST("/login", h.Login)

	protected := admin.Group("", h.requireAdmin())
	{
		protected.GET("/parties", h.ListParties)
		protected.POST("/parties", h.AddParty)
		protected.DELETE("/parties/:country/:party/:role", h.RemoveParty)
		protected.POST("/parties/:country/:party/:role/block", h.setAccessStatus(party.AccessBlocked))
		protected.POST("/parties/:country/:party/:role/unblock", h.setAccessStatus(party.AccessAllowed))
		if h.exch != nil {
			protected.POST("/parties/:country/:party/:role/register", h.RegisterParty)
			protected.GET("/parties/:country/:party/:role/versions", h.PartyVersions)
		}
	}
}

// requireAdmin verifies the operator JWT on protected routes.
func (h *AdminHandler) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing operator token"})
			return
		}
		if _, err := h.tokens.Verify(token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid operator token"})
			return
		}
		c.Next()
	}
}

type loginRequest struct {
	Password string `json:"password" binding:"required"`
}

// Login handles POST /admin/login.
func (h *AdminHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password is required"})
		return
	}
	if h.passwordHash == "" || !identity.CheckAdminPassword(h.passwordHash, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	token, err := h.tokens.Issue()
	if err != nil {
		h.logger.Error("issue operator token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// addPartyRequest is the provisioning payload: the pre-shared token pair and
// the counterpart's role tuples.
type addPartyRequest struct {
	Roles             []ocpi.CredentialsRole `json:"roles" binding:"required"`
	LocalToken        string                 `json:"local_token" binding:"required"`
	LocalTokenBase64  bool                   `json:"local_token_base64"`
	RemoteToken       string                 `json:"remote_token" binding:"required"`
	RemoteVersionsURL string                 `json:"remote_versions_url" binding:"required"`
	Status            string                 `json:"status"`
}

// partyView is the list/detail rendering. Tokens are shown as prefixes only.
type partyView struct {
	ID          string                 `json:"id"`
	Roles       []ocpi.CredentialsRole `json:"roles"`
	LocalTokens []accessView           `json:"local_tokens"`
	RemoteToken string                 `json:"remote_token_prefix"`
	VersionsURL string                 `json:"remote_versions_url,omitempty"`
	Status      party.PartyStatus      `json:"status"`
	Registered  bool                   `json:"registered"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

type accessView struct {
	TokenPrefix string             `json:"token_prefix"`
	Status      party.AccessStatus `json:"status"`
	IssuedAt    time.Time          `json:"issued_at"`
}

func viewOf(p *party.RemoteParty) partyView {
	v := partyView{
		ID:         p.ID,
		Roles:      p.Roles,
		Status:     p.Status,
		Registered: p.Registered,
		UpdatedAt:  p.UpdatedAt,
	}
	for _, li := range p.LocalAccessInfos {
		v.LocalTokens = append(v.LocalTokens, accessView{
			TokenPrefix: party.TokenPrefix(li.Token),
			Status:      li.Status,
			IssuedAt:    li.IssuedAt,
		})
	}
	if ra := p.CurrentRemoteAccess(); ra != nil {
		v.RemoteToken = party.TokenPrefix(ra.Token)
		v.VersionsURL = ra.VersionsURL
	}
	return v
}

// ListParties handles GET /admin/parties.
func (h *AdminHandler) ListParties(c *gin.Context) {
	parties, err := h.store.List(c.Request.Context())
	if err != nil {
		h.logger.Error("list parties", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	out := make([]partyView, 0, len(parties))
	for _, p := range parties {
		out = append(out, viewOf(p))
	}
	SetPartyCount(len(parties))
	c.JSON(http.StatusOK, gin.H{"parties": out})
}

// AddParty handles POST /admin/parties: offline provisioning of a
// counterpart with its pre-shared token pair.
func (h *AdminHandler) AddParty(c *gin.Context) {
	var req addPartyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status := party.PartyStatus(req.Status)
	if status == "" {
		status = party.PartyEnabled
	}
	p, err := party.NewRemoteParty(
		req.Roles,
		[]party.LocalAccessInfo{{
			Token:    req.LocalToken,
			Status:   party.AccessAllowed,
			Base64:   req.LocalTokenBase64,
			IssuedAt: time.Now().UTC(),
		}},
		[]party.RemoteAccessInfo{{
			Token:       req.RemoteToken,
			VersionsURL: req.RemoteVersionsURL,
			Status:      party.RemoteUndefined,
		}},
		status,
	)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.store.Add(c.Request.Context(), p); err != nil {
		h.logger.Error("add party", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "add failed"})
		return
	}

	h.logger.Info("remote party provisioned",
		zap.String("party", p.Keys()[0].String()),
		zap.String("local_token_prefix", party.TokenPrefix(req.LocalToken)),
	)
	c.JSON(http.StatusCreated, viewOf(p))
}

// keyFromParams parses the (country, party, role) path parameters.
func keyFromParams(c *gin.Context) (party.RoleKey, bool) {
	key, err := party.ParseRoleKey(c.Param("country"), c.Param("party"), c.Param("role"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return party.RoleKey{}, false
	}
	return key, true
}

// RemoveParty handles DELETE /admin/parties/:country/:party/:role. Removal
// is idempotent; removing an absent party answers with removed=false.
func (h *AdminHandler) RemoveParty(c *gin.Context) {
	key, ok := keyFromParams(c)
	if !ok {
		return
	}
	removed, err := h.store.Remove(c.Request.Context(), key)
	if err != nil {
		h.logger.Error("remove party", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "remove failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// RegisterParty handles POST /admin/parties/.../register: it initiates the
// credentials handshake against the counterpart. The rotated tokens stay in
// the store; the response only reports the outcome.
func (h *AdminHandler) RegisterParty(c *gin.Context) {
	key, ok := keyFromParams(c)
	if !ok {
		return
	}
	res := h.exch.Register(c.Request.Context(), key)
	c.JSON(http.StatusOK, gin.H{
		"http_status":    res.HTTPStatus,
		"status_code":    res.StatusCode,
		"status_message": res.StatusMessage,
		"registered":     res.OK(),
	})
}

// PartyVersions handles GET /admin/parties/.../versions: version discovery
// against the counterpart using the currently held outbound token.
func (h *AdminHandler) PartyVersions(c *gin.Context) {
	key, ok := keyFromParams(c)
	if !ok {
		return
	}
	res := h.exch.GetVersions(c.Request.Context(), key)
	c.JSON(http.StatusOK, gin.H{
		"http_status":    res.HTTPStatus,
		"status_code":    res.StatusCode,
		"status_message": res.StatusMessage,
		"versions":       res.Data,
	})
}

// setAccessStatus flips the access status of every token held by the party.
func (h *AdminHandler) setAccessStatus(status party.AccessStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := keyFromParams(c)
		if !ok {
			return
		}
		p, err := h.store.Get(c.Request.Context(), key)
		if err != nil {
			if errors.Is(err, party.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "party not found"})
				return
			}
			h.logger.Error("get party", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			return
		}
		p.SetAccessStatus(status)
		if err := h.store.Update(c.Request.Context(), p); err != nil {
			h.logger.Error("update party", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
			return
		}
		c.JSON(http.StatusOK, viewOf(p))
	}
}
