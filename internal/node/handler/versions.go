package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/emobix/ocpi-node/internal/ocpi"
)

// VersionsHandler serves the version discovery surface: the versions index
// and one details document per supported version. Routes are registered
// statically from the configured version list, so an unsupported version is
// a plain 404.
type VersionsHandler struct {
	baseURL  string
	versions []string
}

// NewVersionsHandler creates a VersionsHandler. baseURL is this node's
// externally reachable base (no trailing slash); versions are the supported
// protocol version ids, e.g. "2.2".
func NewVersionsHandler(baseURL string, versions []string) *VersionsHandler {
	return &VersionsHandler{baseURL: baseURL, versions: versions}
}

// Register mounts the discovery routes on an already-gated router group.
func (h *VersionsHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/versions", h.ListVersions)
	for _, v := range h.versions {
		rg.GET("/"+v, h.versionDetails(v))
	}
}

// versionURL is the details URL for one supported version.
func (h *VersionsHandler) versionURL(version string) string {
	return fmt.Sprintf("%s/ocpi/%s", h.baseURL, version)
}

// ListVersions handles GET /ocpi/versions.
func (h *VersionsHandler) ListVersions(c *gin.Context) {
	out := make([]ocpi.Version, 0, len(h.versions))
	for _, v := range h.versions {
		out = append(out, ocpi.Version{ID: v, URL: h.versionURL(v)})
	}
	c.JSON(http.StatusOK, ocpi.Success(out))
}

func (h *VersionsHandler) versionDetails(version string) gin.HandlerFunc {
	details := ocpi.VersionDetails{
		Version: version,
		Endpoints: []ocpi.Endpoint{
			{Identifier: ocpi.EndpointCredentials, URL: h.versionURL(version) + "/credentials"},
		},
	}
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, ocpi.Success(details))
	}
}
