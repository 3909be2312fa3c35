package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"stormline/internal/domain"
	"stormline/internal/engine"
	"stormline/internal/logging"
	"stormline/internal/progress"
	"stormline/internal/repo"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	Engine    engine.Engine
	Repo      repo.Repo
	PublicURL string
	Logger    *slog.Logger
}

func NewHandlers(e engine.Engine, r repo.Repo, publicURL string, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handlers{Engine: e, Repo: r, PublicURL: strings.TrimSuffix(publicURL, "/"), Logger: logger}
}

type AnalyzeRequest struct {
	Document string `json:"document"`
	Share    bool   `json:"share,omitempty"`
}

type AnalyzeResponse struct {
	Analysis domain.AnalysisResult `json:"analysis"`
	ShareID  string                `json:"shareId,omitempty"`
	ShareURL string                `json:"shareUrl,omitempty"`
}

type GetShareRequest struct {
	ShareID string `json:"share_id"`
}

// HandleAnalyze runs the pipeline without a progress subscriber.
func (h *Handlers) HandleAnalyze(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var input AnalyzeRequest
	if err := req.BindArguments(&input); err != nil {
		return errorResult("bad_request", "invalid arguments: "+err.Error()), nil
	}
	res, err := h.Engine.Analyze(ctx, domain.AnalysisRequest{Document: input.Document}, progress.Discard)
	if err != nil {
		return h.fail(err), nil
	}
	out := AnalyzeResponse{Analysis: res}
	if input.Share {
		rec, err := h.Repo.CreateShare(ctx, input.Document, res)
		if err != nil {
			return h.fail(err), nil
		}
		out.ShareID = rec.ID
		if h.PublicURL != "" {
			out.ShareURL = h.PublicURL + "/share/" + rec.ID
		}
	}
	return successResult(out)
}

func (h *Handlers) HandleGetShare(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var input GetShareRequest
	if err := req.BindArguments(&input); err != nil {
		return errorResult("bad_request", "invalid arguments: "+err.Error()), nil
	}
	if strings.TrimSpace(input.ShareID) == "" {
		return errorResult("bad_request", "share_id is required"), nil
	}
	rec, err := h.Repo.GetShare(ctx, input.ShareID)
	if err != nil {
		return h.fail(err), nil
	}
	return successResult(rec)
}

// fail maps err onto a tool error without exposing internal causes.
func (h *Handlers) fail(err error) *mcp.CallToolResult {
	switch {
	case engine.IsInputError(err), errors.Is(err, repo.ErrInvalid):
		return errorResult("bad_request", err.Error())
	case errors.Is(err, repo.ErrNotFound):
		return errorResult("not_found", "share not found")
	case errors.Is(err, engine.ErrGeneration):
		h.Logger.Warn("mcp analyze failed", "err", err)
		return errorResult("generation_failed", engine.FailureMessage)
	}
	h.Logger.Error("mcp tool failed", "err", err)
	return errorResult("internal_error", "an internal error occurred")
}

func errorResult(code, message string) *mcp.CallToolResult {
	content, _ := json.Marshal(map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
