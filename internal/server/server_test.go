package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gaspardpetit/vocero/internal/appstate"
	"github.com/gaspardpetit/vocero/internal/backend"
	"github.com/gaspardpetit/vocero/internal/bootstrap"
	"github.com/gaspardpetit/vocero/internal/bridge"
	"github.com/gaspardpetit/vocero/internal/history"
	"github.com/gaspardpetit/vocero/internal/metrics"
	"github.com/gaspardpetit/vocero/internal/server"
)

// fakeBackend answers engine requests read from the facade's stdin pipe with
// scripted results, so handlers run against the real wire path.
type fakeBackend struct {
	out *io.PipeWriter

	mu         sync.Mutex
	results    map[string]string
	rpcErrs    map[string]string
	onGenerate func(id int64)
}

func (f *fakeBackend) set(method, result string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[method] = result
}

func (f *fakeBackend) fail(method, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rpcErrs[method] = msg
}

func (f *fakeBackend) setOnGenerate(fn func(id int64)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onGenerate = fn
}

func (f *fakeBackend) chunk(requestID, index int64, path string, final bool) {
	fmt.Fprintf(f.out, `{"jsonrpc":"2.0","method":"generation_chunk","params":{"request_id":%d,"chunk_index":%d,"chunk_path":%q,"is_final":%v}}`+"\n",
		requestID, index, path, final)
}

func (f *fakeBackend) serve(stdin io.Reader) {
	sc := bufio.NewScanner(stdin)
	for sc.Scan() {
		var env struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(sc.Bytes(), &env); err != nil {
			continue
		}
		f.mu.Lock()
		result, hasResult := f.results[env.Method]
		errMsg, hasErr := f.rpcErrs[env.Method]
		hook := f.onGenerate
		f.mu.Unlock()
		if env.Method == "generate" && hook != nil {
			hook(env.ID)
		}
		switch {
		case hasErr:
			fmt.Fprintf(f.out, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32000,"message":%q}}`+"\n", env.ID, errMsg)
		case hasResult:
			fmt.Fprintf(f.out, `{"jsonrpc":"2.0","id":%d,"result":%s}`+"\n", env.ID, result)
		default:
			fmt.Fprintf(f.out, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"Method not found"}}`+"\n", env.ID)
		}
	}
}

type fixture struct {
	ts   *httptest.Server
	fb   *fakeBackend
	st   *appstate.Store
	hub  *server.Hub
	hist *history.Store

	starts, stops, retries atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	eng := bridge.New(bridge.Timeouts{Ping: 2 * time.Second, Call: 2 * time.Second, Generate: 2 * time.Second})
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	if err := eng.Attach(stdinW, stdoutR); err != nil {
		t.Fatal(err)
	}
	fb := &fakeBackend{out: stdoutW, results: map[string]string{}, rpcErrs: map[string]string{}}
	go fb.serve(stdinR)

	fx := &fixture{fb: fb}
	fx.st = appstate.New()
	fx.hist = history.New(filepath.Join(t.TempDir(), "history.jsonl"))
	fx.hub = server.NewHub(fx.st)
	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	h := server.New(server.Deps{
		State:      fx.st,
		Backend:    backend.New(eng, fx.hist),
		History:    fx.hist,
		Events:     fx.hub,
		Gatherer:   reg,
		OutputsDir: t.TempDir(),
		StartBackend: func(ctx context.Context) error {
			fx.starts.Add(1)
			return nil
		},
		StopBackend:    func() { fx.stops.Add(1) },
		RetryBootstrap: func() { fx.retries.Add(1) },
	})
	fx.ts = httptest.NewServer(h)
	t.Cleanup(func() {
		fx.ts.Close()
		fx.hub.Close()
		eng.Detach(bridge.ErrTerminated)
		stdoutW.Close()
		stdinR.Close()
	})
	return fx
}

func (fx *fixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(fx.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func (fx *fixture) post(t *testing.T, path, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(fx.ts.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func (fx *fixture) del(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, fx.ts.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", path, err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func TestHealthz(t *testing.T) {
	fx := newFixture(t)
	resp, body := fx.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("got %d %q", resp.StatusCode, body)
	}
}

func TestStatusPage(t *testing.T) {
	fx := newFixture(t)
	resp, body := fx.get(t, "/")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Fatalf("expected text/html content type, got %s", ct)
	}
	if !bytes.Contains(body, []byte("vocerod")) {
		t.Fatal("page body missing title")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	fx := newFixture(t)
	resp, _ := fx.get(t, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestVersionEndpoint(t *testing.T) {
	fx := newFixture(t)
	fx.st.SetBuildInfo("1.2.3", "abc123", "2025-01-01")
	resp, body := fx.get(t, "/version")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var v appstate.VersionInfo
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatal(err)
	}
	if v.Version != "1.2.3" || v.BuildSHA != "abc123" {
		t.Errorf("got %+v", v)
	}
}

func TestStatusEndpoint(t *testing.T) {
	fx := newFixture(t)
	resp, body := fx.get(t, "/v1/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var got struct {
		Env     bootstrap.State `json:"env"`
		Sysinfo struct {
			NumCPU int `json:"num_cpu"`
		} `json:"sysinfo"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Env.Stage != bootstrap.StageChecking {
		t.Errorf("env stage: got %q", got.Env.Stage)
	}
	if got.Sysinfo.NumCPU < 1 {
		t.Errorf("sysinfo.num_cpu: got %d", got.Sysinfo.NumCPU)
	}
}

func TestBackendLifecycleRoutes(t *testing.T) {
	fx := newFixture(t)

	resp, body := fx.post(t, "/v1/backend/start", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("start before ready: got %d %s", resp.StatusCode, body)
	}
	if fx.starts.Load() != 0 {
		t.Fatal("start callback ran before the environment was ready")
	}

	fx.st.SetEnvState(bootstrap.State{Stage: bootstrap.StageReady, RuntimePath: "/py"})
	resp, body = fx.post(t, "/v1/backend/start", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: got %d %s", resp.StatusCode, body)
	}
	if fx.starts.Load() != 1 {
		t.Fatalf("start callbacks: got %d", fx.starts.Load())
	}

	resp, _ = fx.post(t, "/v1/backend/stop", "")
	if resp.StatusCode != http.StatusOK || fx.stops.Load() != 1 {
		t.Fatalf("stop: got %d, callbacks %d", resp.StatusCode, fx.stops.Load())
	}

	resp, _ = fx.post(t, "/v1/bootstrap/retry", "")
	if resp.StatusCode != http.StatusAccepted || fx.retries.Load() != 1 {
		t.Fatalf("retry: got %d, callbacks %d", resp.StatusCode, fx.retries.Load())
	}
}

func TestModelsMergesCatalogAndStatus(t *testing.T) {
	fx := newFixture(t)
	fx.fb.set("get_model_info", `[{"id":"pro_custom","name":"Custom Voice (Pro)","mode":"custom","downloaded":true,"size_bytes":1024},{"id":"pro_design","name":"Voice Design (Pro)","mode":"design","downloaded":false,"size_bytes":0}]`)
	resp, body := fx.get(t, "/v1/models")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var got struct {
		Models []struct {
			ID         string `json:"id"`
			Downloaded bool   `json:"downloaded"`
			SizeBytes  int64  `json:"size_bytes"`
			Loaded     bool   `json:"loaded"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Models) != 3 {
		t.Fatalf("models: got %d", len(got.Models))
	}
	if got.Models[0].ID != "pro_custom" || !got.Models[0].Downloaded || got.Models[0].SizeBytes != 1024 {
		t.Errorf("pro_custom: %+v", got.Models[0])
	}
	if got.Models[1].Downloaded {
		t.Errorf("pro_design should not be downloaded: %+v", got.Models[1])
	}
}

func TestModelLoadRoundTrip(t *testing.T) {
	fx := newFixture(t)
	fx.fb.set("load_model", `{"success":true,"model_path":"/models/custom","cached":true}`)
	resp, body := fx.post(t, "/v1/models/load", `{"model_id":"pro_custom"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("load: got %d %s", resp.StatusCode, body)
	}
	var res backend.LoadResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatal(err)
	}
	if !res.Cached || res.ModelPath != "/models/custom" {
		t.Errorf("result: %+v", res)
	}
	if got := fx.st.Snapshot().Model; got != "pro_custom" {
		t.Errorf("state model: got %q", got)
	}

	fx.fb.set("unload_model", `{"success":true}`)
	resp, _ = fx.post(t, "/v1/models/unload", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unload: got %d", resp.StatusCode)
	}
	if got := fx.st.Snapshot().Model; got != "" {
		t.Errorf("state model after unload: got %q", got)
	}
}

func TestModelLoadValidation(t *testing.T) {
	fx := newFixture(t)
	resp, _ := fx.post(t, "/v1/models/load", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestBackendErrorSurfacesAsBadGateway(t *testing.T) {
	fx := newFixture(t)
	fx.fb.fail("load_model", "Model not found on disk")
	resp, body := fx.post(t, "/v1/models/load", `{"model_id":"pro_clone"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte("Model not found")) {
		t.Errorf("body: %s", body)
	}
}

func TestGenerateEndpoint(t *testing.T) {
	fx := newFixture(t)
	fx.fb.set("load_model", `{"success":true,"model_path":"/m"}`)
	fx.post(t, "/v1/models/load", `{"model_id":"pro_custom"}`)

	fx.fb.set("generate", `{"audio_path":"/out/a.wav","duration_seconds":1.25}`)
	fx.fb.setOnGenerate(func(id int64) {
		fx.fb.chunk(id, 0, "/out/a__chunk_000.wav", true)
	})
	resp, body := fx.post(t, "/v1/generate", `{"text":"hello","voice":"ryan","stream":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("generate: got %d %s", resp.StatusCode, body)
	}
	var res struct {
		JobID string `json:"job_id"`
		backend.GenerateResult
	}
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatal(err)
	}
	if res.JobID == "" || res.AudioPath != "/out/a.wav" || res.SampleRate != backend.SampleRate {
		t.Errorf("result: %+v", res)
	}

	recs, err := fx.hist.List(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Text != "hello" || recs[0].Model != "pro_custom" {
		t.Errorf("history: %+v", recs)
	}
}

func TestGenerateValidation(t *testing.T) {
	fx := newFixture(t)
	resp, _ := fx.post(t, "/v1/generate", `{"text":"  "}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestDeleteMissingVoiceIs404(t *testing.T) {
	fx := newFixture(t)
	fx.fb.set("delete_voice", `{"success":false}`)
	resp, _ := fx.del(t, "/v1/voices/ghost")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestVoiceRoutes(t *testing.T) {
	fx := newFixture(t)
	fx.fb.set("enroll_voice", `{"success":true,"name":"My_Voice","wav_path":"/voices/My_Voice.wav"}`)
	resp, body := fx.post(t, "/v1/voices", `{"name":"My Voice","audio_path":"/in/ref.m4a","transcript":"hi"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enroll: got %d %s", resp.StatusCode, body)
	}
	var voice backend.Voice
	if err := json.Unmarshal(body, &voice); err != nil {
		t.Fatal(err)
	}
	if voice.Name != "My_Voice" || !voice.HasTranscript {
		t.Errorf("voice: %+v", voice)
	}

	fx.fb.set("list_voices", `[{"name":"My_Voice","has_transcript":true,"wav_path":"/voices/My_Voice.wav"}]`)
	resp, body = fx.get(t, "/v1/voices")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: got %d", resp.StatusCode)
	}
	var got struct {
		Voices []backend.Voice `json:"voices"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Voices) != 1 || got.Voices[0].Name != "My_Voice" {
		t.Errorf("voices: %+v", got.Voices)
	}
}

func TestHistoryRoutes(t *testing.T) {
	fx := newFixture(t)
	for i := 0; i < 3; i++ {
		if _, err := fx.hist.Append(history.Record{Text: fmt.Sprintf("take %d", i), OutputPath: "/out/x.wav"}); err != nil {
			t.Fatal(err)
		}
	}

	resp, body := fx.get(t, "/v1/history?limit=2")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history: got %d", resp.StatusCode)
	}
	var got struct {
		Records []history.Record `json:"records"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Records) != 2 || got.Records[0].Text != "take 2" {
		t.Errorf("records: %+v", got.Records)
	}

	resp, _ = fx.del(t, "/v1/history")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear: got %d", resp.StatusCode)
	}
	_, body = fx.get(t, "/v1/history")
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Records) != 0 {
		t.Errorf("records after clear: %+v", got.Records)
	}
}

func TestStateStreamSendsSnapshots(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fx.ts.URL+"/v1/state/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: got %s", ct)
	}

	br := bufio.NewReader(resp.Body)
	readEvent := func() appstate.Snapshot {
		t.Helper()
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				t.Fatalf("read event: %v", err)
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var snap appstate.Snapshot
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			return snap
		}
	}

	if snap := readEvent(); snap.Env.Stage != bootstrap.StageChecking {
		t.Errorf("initial stage: got %q", snap.Env.Stage)
	}
	fx.st.SetEnvState(bootstrap.State{Stage: bootstrap.StageReady, RuntimePath: "/py"})
	if snap := readEvent(); snap.Env.Stage != bootstrap.StageReady {
		t.Errorf("updated stage: got %q", snap.Env.Stage)
	}
}

func TestEventsWebsocket(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(fx.ts.URL, "http") + "/v1/events"
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = c.Close(websocket.StatusNormalClosure, "") }()

	readEvent := func() map[string]json.RawMessage {
		t.Helper()
		_, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var m map[string]json.RawMessage
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return m
	}
	eventType := func(m map[string]json.RawMessage) string {
		var s string
		_ = json.Unmarshal(m["type"], &s)
		return s
	}

	if got := eventType(readEvent()); got != "state" {
		t.Fatalf("greeting type: got %q", got)
	}

	fx.st.SetModel("pro_custom")
	ev := readEvent()
	if got := eventType(ev); got != "state" {
		t.Fatalf("state event type: got %q", got)
	}
	var snap appstate.Snapshot
	if err := json.Unmarshal(ev["state"], &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Model != "pro_custom" {
		t.Errorf("state model: got %q", snap.Model)
	}

	fx.hub.PublishChunk("job-1", bridge.Chunk{Index: 2, Path: "/out/c2.wav", IsFinal: true})
	for {
		ev = readEvent()
		if eventType(ev) != "chunk" {
			continue
		}
		var jobID string
		_ = json.Unmarshal(ev["job_id"], &jobID)
		if jobID != "job-1" {
			t.Errorf("chunk job id: got %q", jobID)
		}
		break
	}
}
