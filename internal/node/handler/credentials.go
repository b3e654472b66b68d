package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/emobix/ocpi-node/internal/node/service"
	"github.com/emobix/ocpi-node/internal/ocpi"
)

// CredentialsHandler exposes the credentials endpoint of each supported
// version. All routes sit behind the authorization gate, so every request
// arrives with an authenticated remote party in the context.
type CredentialsHandler struct {
	svc      *service.RegistrationService
	versions []string
	logger   *zap.Logger
}

// NewCredentialsHandler creates a CredentialsHandler.
func NewCredentialsHandler(svc *service.RegistrationService, versions []string, logger *zap.Logger) *CredentialsHandler {
	return &CredentialsHandler{svc: svc, versions: versions, logger: logger}
}

// Register mounts the credentials routes on an already-gated router group.
func (h *CredentialsHandler) Register(rg *gin.RouterGroup) {
	for _, v := range h.versions {
		grp := rg.Group("/" + v)
		grp.GET("/credentials", h.Get)
		grp.POST("/credentials", h.Post)
		grp.PUT("/credentials", h.Put)
		grp.PATCH("/credentials", h.Put)
		grp.DELETE("/credentials", h.Delete)
	}
}

// Get handles GET credentials: the document previously issued to the caller.
func (h *CredentialsHandler) Get(c *gin.Context) {
	p := PartyFromCtx(c)
	c.JSON(http.StatusOK, ocpi.Success(h.svc.CredentialsFor(p)))
}

// Post handles the initial registration. The registration-state guard runs
// before the payload is even parsed: the state decides the answer, not the
// body.
func (h *CredentialsHandler) Post(c *gin.Context) {
	p := PartyFromCtx(c)
	if p.Registered {
		c.JSON(http.StatusMethodNotAllowed,
			ocpi.Failure(ocpi.StatusClientError, ocpi.MsgAlreadyRegistered))
		return
	}

	var offer ocpi.Credentials
	if err := c.ShouldBindJSON(&offer); err != nil {
		c.JSON(http.StatusBadRequest,
			ocpi.Failure(ocpi.StatusClientError, ocpi.MsgInvalidCredentials))
		return
	}
	h.register(c, offer, true)
}

// Put handles rotation (PUT and PATCH share semantics here). A caller that
// never completed an initial registration gets the fixed 405 answer
// regardless of what it sent.
func (h *CredentialsHandler) Put(c *gin.Context) {
	p := PartyFromCtx(c)
	if !p.Registered {
		c.JSON(http.StatusMethodNotAllowed,
			ocpi.Failure(ocpi.StatusClientError, ocpi.MsgNotRegistered))
		return
	}

	var offer ocpi.Credentials
	if err := c.ShouldBindJSON(&offer); err != nil {
		c.JSON(http.StatusBadRequest,
			ocpi.Failure(ocpi.StatusClientError, ocpi.MsgInvalidCredentials))
		return
	}
	h.register(c, offer, false)
}

func (h *CredentialsHandler) register(c *gin.Context, offer ocpi.Credentials, initial bool) {
	p := PartyFromCtx(c)

	creds, err := h.svc.Register(c.Request.Context(), p, offer, initial)
	if err != nil {
		var vErr *service.ErrValidation
		switch {
		case errors.Is(err, service.ErrAlreadyRegistered):
			c.JSON(http.StatusMethodNotAllowed,
				ocpi.Failure(ocpi.StatusClientError, ocpi.MsgAlreadyRegistered))
		case errors.Is(err, service.ErrNotRegistered):
			c.JSON(http.StatusMethodNotAllowed,
				ocpi.Failure(ocpi.StatusClientError, ocpi.MsgNotRegistered))
		case errors.As(err, &vErr):
			c.JSON(http.StatusBadRequest,
				ocpi.Failure(ocpi.StatusClientError, vErr.Msg))
		default:
			h.logger.Error("inbound registration failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError,
				ocpi.Failure(ocpi.StatusServerError, "Internal server error"))
		}
		return
	}

	registrationsTotal.WithLabelValues(c.Request.Method).Inc()
	c.JSON(http.StatusOK, ocpi.Success(creds))
}

// Delete drops the caller's registration back to the provisioned state.
func (h *CredentialsHandler) Delete(c *gin.Context) {
	p := PartyFromCtx(c)
	if err := h.svc.Unregister(c.Request.Context(), p); err != nil {
		if errors.Is(err, service.ErrNotRegistered) {
			c.JSON(http.StatusMethodNotAllowed,
				ocpi.Failure(ocpi.StatusClientError, ocpi.MsgNotRegistered))
			return
		}
		h.logger.Error("unregister failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError,
			ocpi.Failure(ocpi.StatusServerError, "Internal server error"))
		return
	}
	c.JSON(http.StatusOK, ocpi.Failure(ocpi.StatusSuccess, ocpi.MsgSuccess))
}
