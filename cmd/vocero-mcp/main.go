package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gaspardpetit/vocero/internal/logx"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

// daemonClient is a minimal HTTP client for a running vocerod.
type daemonClient struct {
	base string
	hc   *http.Client
}

func (c *daemonClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *daemonClient) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *daemonClient) do(req *http.Request, out any) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			return errors.New(e.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func speakHandler(c *daemonClient) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if m := req.GetString("model", ""); m != "" {
			if err := c.postJSON(ctx, "/v1/models/load", map[string]string{"model_id": m}, nil); err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("load model: %v", err)), nil
			}
		}
		payload := map[string]any{"text": text}
		if v := req.GetString("voice", ""); v != "" {
			payload["voice"] = v
		}
		if p := req.GetString("output_path", ""); p != "" {
			payload["output_path"] = p
		}
		var res struct {
			JobID           string  `json:"job_id"`
			AudioPath       string  `json:"audio_path"`
			DurationSeconds float64 `json:"duration_seconds"`
		}
		if err := c.postJSON(ctx, "/v1/generate", payload, &res); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("audio written to %s (%.2f s)", res.AudioPath, res.DurationSeconds)), nil
	}
}

func listVoicesHandler(c *daemonClient) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var out json.RawMessage
		if err := c.getJSON(ctx, "/v1/voices", &out); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(out)), nil
	}
}

func listModelsHandler(c *daemonClient) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var out json.RawMessage
		if err := c.getJSON(ctx, "/v1/models", &out); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(out)), nil
	}
}

func newMCPServer(c *daemonClient) *server.MCPServer {
	s := server.NewMCPServer("vocero", version, server.WithToolCapabilities(false))
	s.AddTool(mcp.NewTool("speak",
		mcp.WithDescription("Generate speech from text with the local Vocero engine and write it to a wav file"),
		mcp.WithString("text", mcp.Required(), mcp.Description("Text to speak")),
		mcp.WithString("voice", mcp.Description("Speaker or enrolled voice name")),
		mcp.WithString("model", mcp.Description("Model id to load before speaking")),
		mcp.WithString("output_path", mcp.Description("Destination wav path; defaults to the outputs directory")),
	), speakHandler(c))
	s.AddTool(mcp.NewTool("list_voices",
		mcp.WithDescription("List enrolled voices"),
	), listVoicesHandler(c))
	s.AddTool(mcp.NewTool("list_models",
		mcp.WithDescription("List available models and their download state"),
	), listModelsHandler(c))
	return s
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	daemonURL := flag.String("daemon-url", "http://127.0.0.1:4573", "base URL of the vocerod control plane")
	timeout := flag.Duration("timeout", 15*time.Minute, "per tool call timeout")
	logLevel := flag.String("log-level", "info", "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("vocero-mcp version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(*logLevel)

	c := &daemonClient{base: *daemonURL, hc: &http.Client{Timeout: *timeout}}
	logx.Log.Info().Str("daemon", *daemonURL).Msg("mcp gateway starting on stdio")
	if err := server.ServeStdio(newMCPServer(c)); err != nil {
		logx.Log.Fatal().Err(err).Msg("stdio server error")
	}
}
