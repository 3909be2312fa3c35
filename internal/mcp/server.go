package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

var analyzeToolDef = mcp.NewTool("analyze_document",
	mcp.WithDescription("Run the event storming pipeline on a product requirements document and return the analysis. Set share to store the result and get a share link."),
	mcp.WithString("document", mcp.Required(), mcp.Description("PRD text, markdown or plain")),
	mcp.WithBoolean("share", mcp.Description("Store the result and return shareId and shareUrl")),
)

var getShareToolDef = mcp.NewTool("get_share",
	mcp.WithDescription("Fetch a previously shared analysis by id."),
	mcp.WithString("share_id", mcp.Required(), mcp.Description("8 character share id")),
)

type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

var toolRegistry = map[string]toolEntry{
	"analyze_document": {
		def:     analyzeToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleAnalyze },
	},
	"get_share": {
		def:     getShareToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleGetShare },
	},
}

// NewServer creates an MCP server exposing the analysis tools.
func NewServer(h *Handlers, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"stormline",
		version,
		server.WithToolCapabilities(true),
	)
	for _, entry := range toolRegistry {
		s.AddTool(entry.def, entry.handler(h))
	}
	return s
}

// Run serves the tools over stdio until stdin closes.
func Run(h *Handlers, version string) error {
	return server.ServeStdio(NewServer(h, version))
}
