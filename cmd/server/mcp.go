package main

import (
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/leonardcser/pulse-edge/internal/config"
	"github.com/leonardcser/pulse-edge/internal/logger"
	"github.com/leonardcser/pulse-edge/internal/tools"
	"github.com/leonardcser/pulse-edge/internal/worker"
)

func newMCPCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve operator tools over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			reg, _, err := startWorker(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			s := newMCPServer(reg)
			logger.Infof("Starting MCP server on stdio")
			return server.ServeStdio(s)
		},
	}
}

func newMCPServer(reg *worker.Registration) *server.MCPServer {
	s := server.NewMCPServer(
		"Pulse Edge",
		"0.1.0",
		server.WithRecovery(),
		server.WithToolCapabilities(false),
	)

	s.AddTool(mcp.NewTool("asset-fetch",
		mcp.WithDescription(multiline(
			"Fetches an application asset through the edge's cache worker and returns its parsed content",
			"\nFunctionality:",
			"- Applies the network-first policy: a live response is stored in the current cache generation",
			"- When the origin is unreachable, the cached copy is returned instead",
			"- HTML pages are returned as Markdown with title, description and links",
			"\nUsage notes:",
			"- Relative paths are resolved against the configured origin",
			"- API paths and other origins are outside the worker's scope and are rejected",
		)),
		mcp.WithString("url", mcp.Required(), mcp.Description("Path or same-origin URL of the asset")),
	), tools.AssetFetchHandler(reg))

	s.AddTool(mcp.NewTool("cache-inspect",
		mcp.WithDescription(multiline(
			"Shows the cached copy of an asset in the current generation without touching the network",
			"\nUsage notes:",
			"- Reports status and store time, then the parsed body",
		)),
		mcp.WithString("url", mcp.Required(), mcp.Description("Path or same-origin URL of the asset")),
	), tools.CacheInspectHandler(reg))

	s.AddTool(mcp.NewTool("cache-generations",
		mcp.WithDescription("Lists cache generations with the active and waiting worker versions"),
	), tools.CacheGenerationsHandler(reg))

	s.AddTool(mcp.NewTool("worker-message",
		mcp.WithDescription(multiline(
			"Posts a control message to the worker registration",
			"\nUsage notes:",
			"- \"skip-waiting\" activates an installed worker that is waiting, dropping stale generations",
		)),
		mcp.WithString("message", mcp.Description("Control message, defaults to skip-waiting")),
	), tools.WorkerMessageHandler(reg))

	logger.Infof("Registered asset-fetch, cache-inspect, cache-generations and worker-message tools")
	return s
}

// multiline joins lines with newlines for tool descriptions.
func multiline(lines ...string) string { return strings.Join(lines, "\n") }
