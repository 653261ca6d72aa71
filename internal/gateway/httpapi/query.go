package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/poseylabs/posey/internal/orchestrator"
)

// QueryRequest is the JSON body for POST /v1/query and /v1/query/stream.
type QueryRequest struct {
	Message        string                   `json:"message"`
	ConversationID string                   `json:"conversation_id,omitempty"` // Empty = new conversation.
	Preferences    orchestrator.Preferences `json:"preferences"`
}

func (r *QueryRequest) toRequest(userID string, sink orchestrator.EventSink) *orchestrator.Request {
	return &orchestrator.Request{
		UserID:         userID,
		ConversationID: r.ConversationID,
		Message:        r.Message,
		Preferences:    r.Preferences,
		Events:         sink,
	}
}

func (g *Gateway) handleQuery(c *okapi.Context) error {
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

	g.logger.InfoContext(ctx, "http query",
		slog.String("user_id", userID),
		slog.String("conversation_id", req.ConversationID),
	)

	resp, err := g.orch.Handle(ctx, req.toRequest(userID, nil))
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(resp)
}
