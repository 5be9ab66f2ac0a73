package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/leonardcser/pulse-edge/internal/worker"
)

// CacheGenerationsHandler returns the MCP tool handler for the
// "cache-generations" tool.
func CacheGenerationsHandler(workers Workers) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		w := workers.Active()
		if w == nil {
			return mcp.NewToolResultError(errNoActiveWorker.Error()), nil
		}
		gens, err := w.Generations()
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Active: %s (%s)\n", w.Version(), w.Phase())
		if wt := workers.Waiting(); wt != nil {
			fmt.Fprintf(&sb, "Waiting: %s\n", wt.Version())
		}
		fmt.Fprintf(&sb, "Clients: %d\n\n## Generations\n", workers.ClientCount())
		for _, g := range gens {
			sb.WriteString("- ")
			sb.WriteString(g)
			if g == w.Version() {
				sb.WriteString(" (current)")
			}
			sb.WriteString("\n")
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

// WorkerMessageHandler returns the MCP tool handler for the "worker-message"
// tool, which posts a control message such as skip-waiting.
func WorkerMessageHandler(workers Workers) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		msg := req.GetString("message", worker.MessageSkipWaiting)
		waiting := workers.Waiting()
		err := workers.PostMessage(ctx, msg)
		if errors.Is(err, worker.ErrUnknownMessage) {
			return mcp.NewToolResultError(fmt.Sprintf("unknown message %q, expected %q", msg, worker.MessageSkipWaiting)), nil
		}
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if waiting == nil {
			return mcp.NewToolResultText("No worker is waiting; nothing to activate."), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Activated %s.", waiting.Version())), nil
	}
}
