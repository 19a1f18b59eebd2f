package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/dotimplement/HealthChain-sub001/internal/platform/fhir"
)

const fhirJSONContentType = "application/fhir+json"

// Mount binds the gateway routes under its prefix.
func (g *Gateway) Mount(e *echo.Echo) {
	grp := e.Group(g.prefix)
	grp.GET("/metadata", g.handleMetadata)
	grp.GET("/status", g.handleStatus)
	grp.GET("/transform/:resourceType/:id", g.handleTransform)
	grp.GET("/aggregate/:resourceType", g.handleAggregate)
	grp.GET("/predict/:resourceType/:id", g.handlePredict)
}

// handleMetadata serves the gateway's own CapabilityStatement, built from the
// registered operations.
func (g *Gateway) handleMetadata(c echo.Context) error {
	return fhirJSON(c, http.StatusOK, g.CapabilityStatement())
}

// handleStatus serves the operational snapshot.
func (g *Gateway) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, g.Status())
}

// handleTransform serves GET {prefix}/transform/:resourceType/:id?source=.
func (g *Gateway) handleTransform(c echo.Context) error {
	out, err := g.Transform(c.Request().Context(), c.Param("resourceType"), c.Param("id"), c.QueryParam("source"))
	if err != nil {
		return writeError(c, err)
	}
	return fhirJSON(c, http.StatusOK, out)
}

// handleAggregate serves GET {prefix}/aggregate/:resourceType?id=&sources=.
// sources is a comma-separated list; empty means every configured source.
func (g *Gateway) handleAggregate(c echo.Context) error {
	id := c.QueryParam("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"detail": "id query parameter is required"})
	}
	var sources []string
	if raw := c.QueryParam("sources"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				sources = append(sources, s)
			}
		}
	}
	out, err := g.Aggregate(c.Request().Context(), c.Param("resourceType"), id, sources)
	if err != nil {
		return writeError(c, err)
	}
	return fhirJSON(c, http.StatusOK, out)
}

// handlePredict serves GET {prefix}/predict/:resourceType/:id?source=.
func (g *Gateway) handlePredict(c echo.Context) error {
	out, err := g.Predict(c.Request().Context(), c.Param("resourceType"), c.Param("id"), c.QueryParam("source"))
	if err != nil {
		return writeError(c, err)
	}
	return fhirJSON(c, http.StatusOK, out)
}

// writeError renders a gateway error as {"detail": message} with the mapped
// HTTP status, falling back to 500 when no status is known.
func writeError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	detail := err.Error()
	if ce, ok := fhir.AsConnectionError(err); ok {
		detail = ce.Message
		if code, convErr := strconv.Atoi(ce.State); convErr == nil && code >= 400 && code < 600 {
			status = code
		}
	}
	return c.JSON(status, map[string]string{"detail": detail})
}

// fhirJSON writes v with the FHIR JSON content type.
func fhirJSON(c echo.Context, status int, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Blob(status, fhirJSONContentType, data)
}
