package httpapi

import (
	"context"
	"net/http"
	"sync"

	"github.com/jkaninda/okapi"

	"github.com/poseylabs/posey/internal/orchestrator"
)

// handleQueryStream runs the pipeline and forwards its progress as
// server-sent events named after the event type. The stream ends with a
// "done" event carrying the response, or an "error" event.
func (g *Gateway) handleQueryStream(c *okapi.Context) error {
	userID := c.GetString("userID")
	if !g.allow(c, userID, 1) {
		return nil
	}

	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return abort(c, http.StatusBadRequest, "invalid request body")
	}

	ctx, cancel := context.WithTimeout(c.Context(), g.config.RequestTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		started bool
	)
	sink := func(_ context.Context, e orchestrator.Event) {
		// Failures are reported below without internal detail.
		if e.Type == orchestrator.EventError {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		started = true
		c.SSEvent(e.Type, e)
	}

	_, err := g.orch.Handle(ctx, req.toRequest(userID, sink))
	if err == nil {
		return nil
	}

	mu.Lock()
	defer mu.Unlock()
	if !started {
		return g.fail(c, err)
	}
	_, msg := g.classify(ctx, err)
	c.SSEvent(orchestrator.EventError, ErrorBody{Error: msg})
	return nil
}
