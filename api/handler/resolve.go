package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ddevcap/hls-proxy/resolver"
	"github.com/ddevcap/hls-proxy/upstream"
)

// ResolveHandler turns messy scraped stream references into one playable URL.
type ResolveHandler struct {
	resolver *resolver.Resolver
}

func NewResolveHandler(r *resolver.Resolver) *ResolveHandler {
	return &ResolveHandler{resolver: r}
}

type resolveBody struct {
	URL     string          `json:"url"`
	Headers json.RawMessage `json:"headers"`
}

// Resolve handles POST /resolve.
func (h *ResolveHandler) Resolve(c *gin.Context) {
	var body resolveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "request body must be JSON with a url field")
		return
	}
	if body.URL == "" {
		badRequest(c, "missing required field: url")
		return
	}

	headers, err := upstream.ParseHeadersJSON(rawHeadersJSON(body.Headers))
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	resolved, err := h.resolver.Resolve(c.Request.Context(), body.URL, headers)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"url":      resolved,
		"resolved": true,
	})
}
