package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/jkaninda/okapi"

	"github.com/poseylabs/posey/internal/memory"
)

const defaultImportance = 0.5

// MemoryRequest is the JSON body for POST /v1/memories.
type MemoryRequest struct {
	Content    string   `json:"content"`
	Importance *float64 `json:"importance,omitempty"` // 0..1. Default: 0.5.
	Tags       []string `json:"tags,omitempty"`
}

// MemoryResponse is returned by POST /v1/memories. Duplicate is set when
// an equivalent memory already existed; Memory is then the existing one.
type MemoryResponse struct {
	Memory    *memory.Memory `json:"memory"`
	Duplicate bool           `json:"duplicate,omitempty"`
}

func (g *Gateway) handleMemoryCreate(c *okapi.Context) error {
	userID := c.GetString("userID")
	if g.memories == nil {
		return abort(c, http.StatusServiceUnavailable, "memory is not configured")
	}
	if !g.allow(c, userID, 1) {
		return nil
	}

	var req MemoryRequest
	if err := c.Bind(&req); err != nil {
		return abort(c, http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Content) == "" {
		return abort(c, http.StatusBadRequest, "content is required")
	}
	importance := defaultImportance
	if req.Importance != nil {
		importance = *req.Importance
	}

	m, err := g.memories.Remember(c.Context(), userID, req.Content, importance, req.Tags, "api")
	switch {
	case errors.Is(err, memory.ErrDuplicate):
		return c.OK(MemoryResponse{Memory: m, Duplicate: true})
	case err != nil:
		return g.fail(c, err)
	}
	return c.JSON(http.StatusCreated, MemoryResponse{Memory: m})
}

// handleMemoryList lists recent memories, or recalls the closest matches
// when ?q= is given.
func (g *Gateway) handleMemoryList(c *okapi.Context) error {
	userID := c.GetString("userID")
	if g.memories == nil {
		return abort(c, http.StatusServiceUnavailable, "memory is not configured")
	}
	if !g.allow(c, userID, 1) {
		return nil
	}
	limit := queryInt(c, "limit", 0)

	if q := strings.TrimSpace(c.Query("q")); q != "" {
		matches, err := g.memories.Recall(c.Context(), userID, q, limit)
		if err != nil {
			return g.fail(c, err)
		}
		if matches == nil {
			matches = []memory.Match{}
		}
		return c.OK(matches)
	}

	list, err := g.memories.List(c.Context(), userID, limit)
	if err != nil {
		return g.fail(c, err)
	}
	if list == nil {
		list = []memory.Memory{}
	}
	return c.OK(list)
}

func (g *Gateway) handleMemoryDelete(c *okapi.Context) error {
	userID := c.GetString("userID")
	if g.memories == nil {
		return abort(c, http.StatusServiceUnavailable, "memory is not configured")
	}
	if !g.allow(c, userID, 1) {
		return nil
	}
	if err := g.memories.Forget(c.Context(), userID, c.Param("id")); err != nil {
		return g.fail(c, err)
	}
	return c.OK(StatusResponse{Status: "deleted"})
}
