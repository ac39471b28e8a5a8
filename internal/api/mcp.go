package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/aigis/internal/composer"
	"github.com/kalambet/aigis/internal/content"
	"github.com/kalambet/aigis/internal/gap"
	"github.com/kalambet/aigis/internal/retrieval"
)

// NewMCPServer creates an MCP server exposing the store's read side as tools.
func NewMCPServer(deps Deps, version string) *server.MCPServer {
	deps.fill()
	s := server.NewMCPServer(
		"aigis",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("aigis: chat history memory. Search past messages, catch up on what was missed, read recent channel context."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_memories",
			mcp.WithDescription("Search past conversations and messages to find relevant context, previous discussions, or information that was mentioned before."),
			mcp.WithString("query", mcp.Description("The search query to find relevant past messages"), mcp.Required()),
			mcp.WithString("channel_id", mcp.Description("Restrict the search to one channel")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			mcp.WithNumber("threshold", mcp.Description("Minimum similarity score between 0 and 1 (default 0.7)")),
		),
		mcpSearchMemories(deps),
	)

	s.AddTool(
		mcp.NewTool("what_did_i_miss",
			mcp.WithDescription("Get all messages that were sent in this channel between the user's current message and their previous message. Use this when the user asks what they missed or wants to catch up."),
			mcp.WithString("user_id", mcp.Description("The user asking"), mcp.Required()),
			mcp.WithString("channel_id", mcp.Description("The channel"), mcp.Required()),
			mcp.WithString("message_id", mcp.Description("External id of the user's current message"), mcp.Required()),
			mcp.WithNumber("cap", mcp.Description("Maximum number of messages returned (default 50)")),
		),
		mcpWhatDidIMiss(deps),
	)

	s.AddTool(
		mcp.NewTool("recent_context",
			mcp.WithDescription("Return the most recent messages of a channel as labelled context lines, oldest first."),
			mcp.WithString("channel_id", mcp.Description("The channel"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Number of messages (default 10)")),
			mcp.WithString("label", mcp.Description("Line label style: role or author")),
		),
		mcpRecentContext(deps),
	)

	if deps.Quotes != nil {
		s.AddTool(
			mcp.NewTool("random_quote",
				mcp.WithDescription("Get a random inspirational quote."),
				mcp.WithString("category", mcp.Description("Optional category, e.g. motivational, wisdom, life")),
			),
			mcpRandomQuote(deps),
		)
	}

	if deps.Fetcher != nil {
		s.AddTool(
			mcp.NewTool("web_fetch",
				mcp.WithDescription("Fetch content from a URL and return it as markdown, plain text or raw HTML."),
				mcp.WithString("url", mcp.Description("The http(s) URL to fetch"), mcp.Required()),
				mcp.WithString("format", mcp.Description("text, markdown or html (default markdown)")),
				mcp.WithNumber("timeout", mcp.Description("Timeout in seconds (max 120)")),
			),
			mcpWebFetch(deps),
		)
	}

	return s
}

func mcpSearchMemories(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil || query == "" {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", deps.SearchLimit)
		if limit > 50 {
			limit = 50
		}

		results, err := deps.Search.Search(ctx, retrieval.Query{
			Text:      query,
			ChannelID: req.GetString("channel_id", ""),
			Limit:     limit,
			Threshold: float32(req.GetFloat("threshold", float64(deps.Threshold))),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		return mcpText(composer.MemoriesReport(results)), nil
	}
}

func mcpWhatDidIMiss(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		channelID, err := req.RequireString("channel_id")
		if err != nil {
			return mcpError("channel_id is required"), nil
		}
		messageID, err := req.RequireString("message_id")
		if err != nil {
			return mcpError("message_id is required"), nil
		}

		res, err := deps.Gaps.Gap(ctx, gap.Request{
			UserID:              userID,
			ChannelID:           channelID,
			ReferenceExternalID: messageID,
			Cap:                 req.GetInt("cap", deps.GapCap),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("gap lookup failed: %v", err)), nil
		}
		return mcpJSON(reportGap(res))
	}
}

func mcpRecentContext(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		channelID, err := req.RequireString("channel_id")
		if err != nil {
			return mcpError("channel_id is required"), nil
		}

		label := deps.Label
		if name := req.GetString("label", ""); name != "" {
			l, err := composer.LabelerByName(name)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			label = l
		}

		msgs, err := deps.Messages.Recent(ctx, channelID, req.GetInt("limit", deps.ContextLimit))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load messages: %v", err)), nil
		}
		return mcpText(composer.BuildContext(msgs, label)), nil
	}
}

func mcpRandomQuote(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(deps.Quotes.Random(ctx, req.GetString("category", "")))
	}
}

func mcpWebFetch(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := req.RequireString("url")
		if err != nil {
			return mcpError("url is required"), nil
		}
		format, err := content.ParseFormat(req.GetString("format", ""))
		if err != nil {
			return mcpError(err.Error()), nil
		}

		page, err := deps.Fetcher.Fetch(ctx, content.FetchRequest{
			URL:     url,
			Format:  format,
			Timeout: time.Duration(req.GetInt("timeout", 0)) * time.Second,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("fetch failed: %v", err)), nil
		}
		if page.ImageDataURL != "" {
			return mcpText(page.Title + "\n" + page.ImageDataURL), nil
		}
		return mcpText(page.Output), nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
