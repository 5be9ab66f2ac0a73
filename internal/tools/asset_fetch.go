package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/leonardcser/pulse-edge/internal/cache"
	web "github.com/leonardcser/pulse-edge/internal/web"
	"github.com/leonardcser/pulse-edge/internal/worker"
)

var errNoActiveWorker = errors.New("no active worker: the edge has not installed a version yet")

// Workers is the part of the worker registration the tools read from.
type Workers interface {
	Active() *worker.Worker
	Waiting() *worker.Worker
	ClientCount() int
	PostMessage(ctx context.Context, msg string) error
}

// AssetFetchHandler returns the MCP tool handler for the "asset-fetch" tool.
// The request goes through the active worker's fetch policy, so an offline
// origin is answered from the cache.
func AssetFetchHandler(workers Workers) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if ctx.Err() != nil {
			return mcp.NewToolResultError(ctx.Err().Error()), nil
		}
		raw, err := req.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		w := workers.Active()
		if w == nil {
			return mcp.NewToolResultError(errNoActiveWorker.Error()), nil
		}
		hreq, err := newAssetRequest(ctx, w.Scope(), raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		resp, handled, err := w.HandleFetch(hreq)
		if !handled {
			return mcp.NewToolResultError(fmt.Sprintf("%s is outside the worker's scope", hreq.URL)), nil
		}
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, web.MaxSummarySize+1))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if resp.StatusCode != http.StatusOK {
			return mcp.NewToolResultError(fmt.Sprintf("%s returned %d", hreq.URL, resp.StatusCode)), nil
		}
		ps, err := web.Summarize(hreq.URL.String(), resp.Header.Get("Content-Type"), body)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(formatPageSummary(ps)), nil
	}
}

// CacheInspectHandler returns the MCP tool handler for the "cache-inspect"
// tool. It never touches the network.
func CacheInspectHandler(workers Workers) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		w := workers.Active()
		if w == nil {
			return mcp.NewToolResultError(errNoActiveWorker.Error()), nil
		}
		hreq, err := newAssetRequest(ctx, w.Scope(), raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		key := w.Scope().CacheKey(hreq)
		e, err := w.Lookup(key)
		if errors.Is(err, cache.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("%s is not cached in generation %s", key, w.Version())), nil
		}
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Generation: %s\nStatus: %d\nStored: %s\n\n", w.Version(), e.Status, e.StoredAt.Format("2006-01-02 15:04:05 MST"))
		ps, err := web.Summarize(e.URL, e.Header.Get("Content-Type"), e.Body)
		if err != nil {
			fmt.Fprintf(&sb, "%d bytes (%v)", len(e.Body), err)
			return mcp.NewToolResultText(sb.String()), nil
		}
		sb.WriteString(formatPageSummary(ps))
		return mcp.NewToolResultText(sb.String()), nil
	}
}

func newAssetRequest(ctx context.Context, scope worker.Scope, raw string) (*http.Request, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", raw, err)
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, scope.Resolve(u).String(), nil)
}

func formatPageSummary(ps *web.PageSummary) string {
	var sb strings.Builder
	if ps.Title != "" {
		sb.WriteString("# ")
		sb.WriteString(ps.Title)
		sb.WriteString("\n\n")
	}
	if ps.Description != "" {
		sb.WriteString(ps.Description)
		sb.WriteString("\n\n")
	}
	if len(ps.Links) > 0 {
		sb.WriteString("## Links\n")
		for _, l := range ps.Links {
			sb.WriteString("- ")
			sb.WriteString(l)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString(ps.Text)
	return sb.String()
}
