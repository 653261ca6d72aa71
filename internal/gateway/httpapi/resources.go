package httpapi

import (
	"net/http"
	"strings"

	"github.com/jkaninda/okapi"

	"github.com/poseylabs/posey/internal/minion"
	"github.com/poseylabs/posey/internal/orchestrator"
)

// --- Runs ---

func (g *Gateway) handleRunList(c *okapi.Context) error {
	userID := c.GetString("userID")
	if !g.allow(c, userID, 1) {
		return nil
	}
	runs, err := g.orch.ListRuns(c.Context(), userID, queryInt(c, "limit", 0))
	if err != nil {
		return g.fail(c, err)
	}
	if runs == nil {
		runs = []orchestrator.Run{}
	}
	return c.OK(runs)
}

// handleRunGet returns a run owned by the caller. Runs of other users are
// reported as missing.
func (g *Gateway) handleRunGet(c *okapi.Context) error {
	userID := c.GetString("userID")
	if !g.allow(c, userID, 1) {
		return nil
	}
	run, err := g.orch.Run(c.Context(), c.Param("id"))
	if err != nil {
		return g.fail(c, err)
	}
	if run.UserID != userID {
		return g.fail(c, orchestrator.ErrRunNotFound)
	}
	return c.OK(run)
}

// --- Conversations ---

func (g *Gateway) handleConversationMessages(c *okapi.Context) error {
	userID := c.GetString("userID")
	if !g.allow(c, userID, 1) {
		return nil
	}
	msgs, err := g.orch.History(c.Context(), userID, c.Param("id"), queryInt(c, "limit", 0))
	if err != nil {
		return g.fail(c, err)
	}
	if msgs == nil {
		msgs = []orchestrator.Message{}
	}
	return c.OK(msgs)
}

func (g *Gateway) handleConversationDelete(c *okapi.Context) error {
	userID := c.GetString("userID")
	if !g.allow(c, userID, 1) {
		return nil
	}
	if err := g.orch.DeleteConversation(c.Context(), userID, c.Param("id")); err != nil {
		return g.fail(c, err)
	}
	return c.OK(StatusResponse{Status: "deleted"})
}

// --- Minions and abilities ---

// MinionRunRequest is the JSON body for POST /v1/minions/{name}/run.
type MinionRunRequest struct {
	Instruction string `json:"instruction"`
}

// AbilityInfo describes one callable ability.
type AbilityInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

func (g *Gateway) handleMinionList(c *okapi.Context) error {
	return c.OK(g.orch.Minions().Catalogue())
}

func (g *Gateway) handleMinionRun(c *okapi.Context) error {
	userID := c.GetString("userID")
	name := c.Param("name")
	cost := 1
	if name == minion.ImageGeneration {
		cost = g.config.ImageCost
	}
	if !g.allow(c, userID, cost) {
		return nil
	}

	var req MinionRunRequest
	if err := c.Bind(&req); err != nil {
		return abort(c, http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Instruction) == "" {
		return abort(c, http.StatusBadRequest, "instruction is required")
	}

	res, err := g.orch.RunMinion(c.Context(), userID, name, req.Instruction)
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(res)
}

func (g *Gateway) handleAbilityList(c *okapi.Context) error {
	out := []AbilityInfo{}
	if g.abilities != nil {
		for _, s := range g.abilities.Specs() {
			out = append(out, AbilityInfo{Name: s.Name, Description: s.Description, InputSchema: s.InputSchema})
		}
	}
	return c.OK(out)
}
