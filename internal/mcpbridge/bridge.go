// Package mcpbridge exposes the engine gateway to MCP clients over stdio.
package mcpbridge

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/atat/gateway/internal/envelope"
	"github.com/atat/gateway/internal/gateway"
)

const (
	ToolCall     = "engine_call"
	ToolCommands = "engine_commands"
	ToolHealth   = "engine_health"
)

type Bridge struct {
	svc    *gateway.Service
	logger *zap.Logger
	srv    *server.MCPServer
}

func New(svc *gateway.Service, version string, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bridge{svc: svc, logger: logger}
	b.srv = server.NewMCPServer("atat-gateway", version, server.WithToolCapabilities(false))

	b.srv.AddTool(mcp.NewTool(ToolCall,
		mcp.WithDescription("Send one command to the scanning engine and return the response envelope."),
		mcp.WithString("command", mcp.Required(), mcp.Description("Dot-namespaced engine command, e.g. endpoints.list")),
		mcp.WithObject("data", mcp.Description("Command payload")),
	), b.handleCall)

	b.srv.AddTool(mcp.NewTool(ToolCommands,
		mcp.WithDescription("List the engine command namespace and which commands are implemented."),
		mcp.WithString("namespace", mcp.Description("Only list commands in this namespace, e.g. scan")),
	), b.handleCommands)

	b.srv.AddTool(mcp.NewTool(ToolHealth,
		mcp.WithDescription("Check whether the scanning engine accepts connections."),
	), b.handleHealth)

	return b
}

// Server returns the underlying MCP server.
func (b *Bridge) Server() *server.MCPServer {
	return b.srv
}

// Serve speaks MCP over in and out until ctx ends or in is closed.
func (b *Bridge) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(b.srv)
	return stdio.Listen(ctx, in, out)
}

func (b *Bridge) handleCall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := req.RequireString("command")
	if err != nil || strings.TrimSpace(command) == "" {
		return mcp.NewToolResultError("command is required"), nil
	}
	data := map[string]interface{}{}
	switch v := req.GetArguments()["data"].(type) {
	case nil:
	case map[string]interface{}:
		data = v
	default:
		return mcp.NewToolResultError("data must be an object"), nil
	}

	res := b.svc.Call(ctx, strings.TrimSpace(command), data, "")
	b.logger.Debug("mcp engine call", zap.String("command", command), zap.Int("status", res.Status))
	return envelopeResult(res.Envelope)
}

func (b *Bridge) handleCommands(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ns := strings.TrimSpace(req.GetString("namespace", ""))
	out := []gateway.CommandInfo{}
	for _, c := range gateway.Commands() {
		if ns == "" || c.Namespace == ns {
			out = append(out, c)
		}
	}
	return jsonResult(map[string]interface{}{"commands": out}, false)
}

func (b *Bridge) handleHealth(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, env := b.svc.Health(ctx)
	return envelopeResult(env)
}

// envelopeResult returns the envelope as JSON text, flagged as an error
// result when the envelope reports failure.
func envelopeResult(env envelope.Envelope) (*mcp.CallToolResult, error) {
	return jsonResult(env, !env.Success)
}

func jsonResult(v interface{}, isError bool) (*mcp.CallToolResult, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	res := mcp.NewToolResultText(string(raw))
	res.IsError = isError
	return res, nil
}
