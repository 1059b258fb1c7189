package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/chainhammer/internal/storage"
	"github.com/gateway-fm/chainhammer/pkg/types"
)

// RegisterTools registers all chainhammer tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerExperiment(s, client)
	registerHealth(s, client)
	registerRun(s, client)
	registerHistory(s, client)
	registerDeleteExperiment(s, client)
}

func registerExperiment(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("chainhammer_experiment",
		gomcp.WithDescription("Get the last experiment record (block range, sample verdict, node, peak and final TPS) and the state of any API-driven run."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/experiment")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("chainhammer unreachable: %v\n\nIs `chainhammer serve` running?", err)), nil
		}
		return gomcp.NewToolResultText(formatExperiment(raw)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("chainhammer_health",
		gomcp.WithDescription("Check that the chainhammer API and the node behind it answer."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/health")
		if err != nil && len(raw) == 0 {
			return gomcp.NewToolResultError(fmt.Sprintf("chainhammer unhealthy: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	})
}

func registerRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("chainhammer_run",
		gomcp.WithDescription("Start a sender run that floods the node with transactions. This is a MUTATING operation. Strategies: per-tx (threaded1), pool (threaded2), accounts."),
		gomcp.WithNumber("count",
			gomcp.Required(),
			gomcp.Description("Number of transactions to send"),
		),
		gomcp.WithString("strategy",
			gomcp.Description("Dispatch strategy: per-tx, pool (default) or accounts"),
		),
		gomcp.WithNumber("workers",
			gomcp.Description("Pool size, or number of sender accounts for the accounts strategy"),
		),
		gomcp.WithNumber("batch_size",
			gomcp.Description("Transactions per JSON-RPC batch (0 disables batching)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		count := req.GetInt("count", 0)
		if count <= 0 {
			return gomcp.NewToolResultError("count must be positive"), nil
		}

		payload := types.RunRequest{
			Count:     count,
			Strategy:  req.GetString("strategy", "pool"),
			Workers:   req.GetInt("workers", 0),
			BatchSize: req.GetInt("batch_size", 0),
		}
		if _, err := client.Post(ctx, "/v1/experiment", payload); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run failed to start: %v", err)), nil
		}

		lines := []string{
			section("Run Started"),
			kv("Transactions", formatNumber(payload.Count)),
			kv("Strategy", payload.Strategy),
		}
		if payload.Workers > 0 {
			lines = append(lines, kv("Workers", payload.Workers))
		}
		if payload.BatchSize > 0 {
			lines = append(lines, kv("Batch Size", payload.BatchSize))
		}
		lines = append(lines, "", "Poll chainhammer_experiment for progress.")
		return gomcp.NewToolResultText(joinLines(lines...)), nil
	})
}

func registerHistory(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("chainhammer_history",
		gomcp.WithDescription("List stored experiments (paginated), or show one experiment with its TPS series when an id is given."),
		gomcp.WithString("id",
			gomcp.Description("Experiment ID; when set, limit and offset are ignored"),
		),
		gomcp.WithNumber("limit",
			gomcp.Description("Max results to return (default: 10, max: 100)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Results offset for pagination (default: 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		if id := req.GetString("id", ""); id != "" {
			raw, err := client.Get(ctx, "/v1/history/"+id)
			if err != nil {
				return gomcp.NewToolResultError(fmt.Sprintf("Experiment detail failed: %v", err)), nil
			}
			return gomcp.NewToolResultText(formatExperimentDetail(raw)), nil
		}

		limit := req.GetInt("limit", 10)
		offset := req.GetInt("offset", 0)
		raw, err := client.Get(ctx, fmt.Sprintf("/v1/history?limit=%d&offset=%d", limit, offset))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("History failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHistory(raw)), nil
	})
}

func registerDeleteExperiment(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("chainhammer_delete_experiment",
		gomcp.WithDescription("Delete a stored experiment and its TPS series. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Experiment ID to delete"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		if _, err := client.Delete(ctx, "/v1/history/"+id); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Delete failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Experiment Deleted"),
			kv("ID", id),
		)), nil
	})
}

// Response formatting functions

func formatExperiment(raw json.RawMessage) string {
	var resp types.ExperimentResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Sprintf("Error parsing experiment: %v", err)
	}

	var out []string
	if len(resp.Record) == 0 {
		out = append(out, section("Experiment Record"), "No experiment record yet.")
	} else {
		out = append(out, section("Experiment Record"))
		for _, key := range []string{"send", "node", "tps"} {
			sec, ok := resp.Record[key].(map[string]any)
			if !ok {
				continue
			}
			out = append(out, "", "### "+key)
			out = append(out, formatSection(sec)...)
		}
	}

	run := resp.Run
	out = append(out, "", section("Run"), kv("Status", run.Status))
	if run.Status != types.StatusIdle {
		out = append(out,
			kv("Strategy", run.Strategy),
			kv("Transactions", formatNumber(run.Count)),
			kv("Sent", formatNumber(run.Sent)),
			kv("Failed", formatNumber(run.Failed)),
		)
		if !run.StartedAt.IsZero() {
			out = append(out, kv("Started", run.StartedAt.Format(time.DateTime)))
		}
		if run.Error != "" {
			out = append(out, kv("Error", run.Error))
		}
	}
	return strings.Join(out, "\n")
}

// formatSection renders one record section with sorted keys.
func formatSection(sec map[string]any) []string {
	keys := make([]string, 0, len(sec))
	for k := range sec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		switch v := sec[k].(type) {
		case float64:
			lines = append(lines, kv(k, formatNumber(v)))
		case bool:
			lines = append(lines, kv(k, yesNo(v)))
		default:
			lines = append(lines, kv(k, v))
		}
	}
	return lines
}

func formatHealth(raw json.RawMessage) string {
	var h types.HealthResponse
	if err := json.Unmarshal(raw, &h); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	lines := []string{section("chainhammer Health: " + strings.ToUpper(h.Status))}
	if h.RPCAddress != "" {
		lines = append(lines, kv("RPC", h.RPCAddress))
	}
	if h.NodeVersion != "" {
		lines = append(lines, kv("Node", h.NodeVersion))
	}
	if h.BlockNumber > 0 {
		lines = append(lines, kv("Block", formatNumber(h.BlockNumber)))
	}
	if h.Error != "" {
		lines = append(lines, kv("Error", h.Error))
	}
	return joinLines(lines...)
}

func formatHistory(raw json.RawMessage) string {
	var page storage.PaginatedExperiments
	if err := json.Unmarshal(raw, &page); err != nil {
		return fmt.Sprintf("Error parsing history: %v", err)
	}

	lines := joinLines(
		section("Experiment History"),
		kv("Total Experiments", formatNumber(page.Total)),
		"",
	) + "\n"

	if len(page.Experiments) == 0 {
		return lines + "No experiments found."
	}

	for _, e := range page.Experiments {
		lines += fmt.Sprintf("\n### %s\n", e.ID)
		lines += joinLines(
			kv("Started", e.StartedAt.Format(time.DateTime)),
			kv("Blocks", fmt.Sprintf("%d..%d", e.BlockFirst, e.BlockLast)),
			kv("Transactions", formatNumber(e.NumTxs)),
			kv("Sample OK", yesNo(e.SampleSuccessful)),
			kv("Peak TPS", formatTPS(e.PeakTPSAverage)),
			kv("Final TPS", formatTPS(e.FinalTPSAverage)),
		)
		lines += "\n"
	}
	return lines
}

func formatExperimentDetail(raw json.RawMessage) string {
	var d types.ExperimentDetail
	if err := json.Unmarshal(raw, &d); err != nil {
		return fmt.Sprintf("Error parsing experiment: %v", err)
	}

	lines := joinLines(
		section("Experiment: "+d.ID),
		kv("RPC", d.RPCAddress),
		kv("Node", d.NodeVersion),
		kv("Duration", d.FinishedAt.Sub(d.StartedAt).Round(time.Second).String()),
		kv("Blocks", fmt.Sprintf("%d..%d", d.BlockFirst, d.BlockLast)),
		kv("Transactions", formatNumber(d.NumTxs)),
		kv("Sample OK", yesNo(d.SampleSuccessful)),
		kv("Peak TPS", formatTPS(d.PeakTPSAverage)),
		kv("Final TPS", formatTPS(d.FinalTPSAverage)),
	)

	if len(d.Samples) == 0 {
		return lines
	}

	lines += "\n\n" + section("TPS Series") + "\n"
	lines += fmt.Sprintf("  %-10s %8s %10s %10s %10s\n", "block", "new txs", "current", "average", "peak")
	const maxRows = 30
	for i, p := range d.Samples {
		if i >= maxRows {
			lines += fmt.Sprintf("  ... and %d more\n", len(d.Samples)-maxRows)
			break
		}
		lines += fmt.Sprintf("  %-10d %8d %10.1f %10.1f %10.1f\n", p.Block, p.NewTxs, p.TPSCurrent, p.TPSAverage, p.PeakTPSAverage)
	}
	return lines
}
