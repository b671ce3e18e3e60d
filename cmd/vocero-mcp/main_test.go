package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

func newTestDaemon(t *testing.T, handler http.HandlerFunc) *daemonClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &daemonClient{base: srv.URL, hc: &http.Client{Timeout: 5 * time.Second}}
}

func callReq(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("unexpected content type %T", res.Content[0])
	}
	return tc.Text
}

func TestSpeakToolPostsGenerate(t *testing.T) {
	var gotBody map[string]any
	c := newTestDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/generate" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"job_id":"j1","audio_path":"/out/a.wav","duration_seconds":2.5}`))
	})

	res, err := speakHandler(c)(context.Background(), callReq("speak", map[string]any{
		"text":  "hello",
		"voice": "ryan",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("tool error: %s", resultText(t, res))
	}
	if text := resultText(t, res); !strings.Contains(text, "/out/a.wav") {
		t.Errorf("result text: %q", text)
	}
	if gotBody["text"] != "hello" || gotBody["voice"] != "ryan" {
		t.Errorf("request body: %+v", gotBody)
	}
}

func TestSpeakToolLoadsModelFirst(t *testing.T) {
	var paths []string
	c := newTestDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/models/load":
			_, _ = w.Write([]byte(`{"model_path":"/m"}`))
		case "/v1/generate":
			_, _ = w.Write([]byte(`{"job_id":"j1","audio_path":"/out/a.wav","duration_seconds":1}`))
		default:
			http.NotFound(w, r)
		}
	})

	res, err := speakHandler(c)(context.Background(), callReq("speak", map[string]any{
		"text":  "hi",
		"model": "pro_custom",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("tool error: %s", resultText(t, res))
	}
	if len(paths) != 2 || paths[0] != "/v1/models/load" || paths[1] != "/v1/generate" {
		t.Errorf("request order: %v", paths)
	}
}

func TestSpeakToolRequiresText(t *testing.T) {
	c := newTestDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("daemon should not be called")
	})
	res, err := speakHandler(c)(context.Background(), callReq("speak", map[string]any{}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("expected tool error for missing text")
	}
}

func TestSpeakToolSurfacesDaemonError(t *testing.T) {
	c := newTestDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"backend not running"}`))
	})
	res, err := speakHandler(c)(context.Background(), callReq("speak", map[string]any{"text": "hi"}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("expected tool error")
	}
	if text := resultText(t, res); !strings.Contains(text, "backend not running") {
		t.Errorf("error text: %q", text)
	}
}

func TestListVoicesTool(t *testing.T) {
	c := newTestDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/voices" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"voices":[{"name":"alice","wav_path":"/v/alice.wav","has_transcript":true}]}`))
	})
	res, err := listVoicesHandler(c)(context.Background(), callReq("list_voices", nil))
	if err != nil {
		t.Fatal(err)
	}
	if text := resultText(t, res); !strings.Contains(text, "alice") {
		t.Errorf("result text: %q", text)
	}
}

func TestListModelsTool(t *testing.T) {
	c := newTestDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[{"id":"pro_custom","downloaded":true}]}`))
	})
	res, err := listModelsHandler(c)(context.Background(), callReq("list_models", nil))
	if err != nil {
		t.Fatal(err)
	}
	if text := resultText(t, res); !strings.Contains(text, "pro_custom") {
		t.Errorf("result text: %q", text)
	}
}
