package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaspardpetit/vocero/internal/logx"
	"github.com/gaspardpetit/vocero/internal/metrics"
	"github.com/gaspardpetit/vocero/internal/rpcwire"
)

// ErrNotRunning indicates no backend process is attached.
var ErrNotRunning = errors.New("backend not running")

// ErrTerminated indicates the backend process died while calls were pending.
var ErrTerminated = errors.New("backend process terminated")

// ErrBackpressure indicates the send queue is full.
var ErrBackpressure = errors.New("send queue full")

// TimeoutError reports that the host gave up waiting for a response. It does
// not imply the backend failed; a late response for the call is dropped.
type TimeoutError struct {
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call %q timed out after %s", e.Method, e.After)
}

// Chunk is one streamed generation update routed to the issuing call.
type Chunk struct {
	RequestID int64
	Index     int64
	Path      string
	IsFinal   bool
}

// StreamHandler receives chunk notifications for a single call. Handlers run
// on the reader goroutine, strictly before the call's terminal resolution.
type StreamHandler func(Chunk)

// Progress is the backend's most recent progress report.
type Progress struct {
	Percent float64 `json:"percent"`
	Message string  `json:"message"`
}

// Event is pushed to the engine's observer on readiness, progress, and chunk
// notifications and when the connection closes.
type Event struct {
	Type     string    `json:"type"`
	Version  string    `json:"version,omitempty"`
	Progress *Progress `json:"progress,omitempty"`
	Chunk    *Chunk    `json:"chunk,omitempty"`
	Err      string    `json:"error,omitempty"`
}

// Event types.
const (
	EventReady    = "ready"
	EventProgress = "progress"
	EventChunk    = "chunk"
	EventClosed   = "closed"
)

// Timeouts groups the per method call budgets.
type Timeouts struct {
	Ping     time.Duration
	Call     time.Duration
	Generate time.Duration
}

// DefaultTimeouts returns the budgets used when a field is zero.
func DefaultTimeouts() Timeouts {
	return Timeouts{Ping: 10 * time.Second, Call: 2 * time.Minute, Generate: 15 * time.Minute}
}

// generateClass lists methods billed against the long timeout.
var generateClass = map[string]bool{
	"init":          true,
	"load_model":    true,
	"generate":      true,
	"enroll_voice":  true,
	"convert_audio": true,
}

const sendQueueSize = 64

// maxLineBytes bounds a single frame; generation results reference files by
// path, so frames stay small, but the reader must survive a misbehaving
// backend.
const maxLineBytes = 10 * 1024 * 1024

// Engine implements request/response correlation and notification dispatch
// over a backend child's stdio pipes. One Engine serves the whole
// application; each backend process instance is attached and detached as it
// comes and goes.
type Engine struct {
	timeouts Timeouts

	nextID atomic.Int64

	mu   sync.Mutex
	conn *conn

	ready   atomic.Bool
	version atomic.Value

	progMu      sync.Mutex
	progress    Progress
	hasProgress bool

	observer func(Event)
}

// New constructs an Engine with the given call budgets. Zero fields take the
// defaults.
func New(t Timeouts) *Engine {
	def := DefaultTimeouts()
	if t.Ping <= 0 {
		t.Ping = def.Ping
	}
	if t.Call <= 0 {
		t.Call = def.Call
	}
	if t.Generate <= 0 {
		t.Generate = def.Generate
	}
	return &Engine{timeouts: t}
}

// SetObserver registers a callback for engine events. Must be called before
// Attach.
func (e *Engine) SetObserver(fn func(Event)) { e.observer = fn }

func (e *Engine) emit(ev Event) {
	if e.observer != nil {
		e.observer(ev)
	}
}

// Ready reports whether the backend announced readiness on the live
// connection.
func (e *Engine) Ready() bool { return e.ready.Load() }

// BackendVersion returns the version string from the ready notification.
func (e *Engine) BackendVersion() string {
	if v, ok := e.version.Load().(string); ok {
		return v
	}
	return ""
}

// CurrentProgress returns the most recent progress report. Valid only while a
// call is outstanding.
func (e *Engine) CurrentProgress() (Progress, bool) {
	e.progMu.Lock()
	defer e.progMu.Unlock()
	return e.progress, e.hasProgress
}

// Attached reports whether a backend process is currently connected.
func (e *Engine) Attached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn != nil
}

// PendingCount returns the number of in flight calls.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	c := e.conn
	e.mu.Unlock()
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Attach takes ownership of a freshly spawned backend's pipes and starts the
// reader and writer loops. Fails if a connection is already live.
func (e *Engine) Attach(stdin io.WriteCloser, stdout io.Reader) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		return errors.New("backend already attached")
	}
	c := &conn{
		engine:  e,
		stdin:   stdin,
		send:    make(chan outFrame, sendQueueSize),
		pending: map[int64]pendingCall{},
	}
	e.conn = c
	go c.readLoop(stdout)
	go c.writeLoop()
	return nil
}

// Detach closes the live connection, resolving every pending call with the
// given cause. Safe to call when nothing is attached.
func (e *Engine) Detach(cause error) {
	e.mu.Lock()
	c := e.conn
	e.mu.Unlock()
	if c != nil {
		c.shutdown(cause)
	}
}

// CancelAll resolves every pending call with the cause without tearing down
// the connection. Exposed for the supervisor's stop path; process death goes
// through Detach.
func (e *Engine) CancelAll(cause error) {
	e.mu.Lock()
	c := e.conn
	e.mu.Unlock()
	if c != nil {
		c.cancelAll(cause)
	}
}

// Call issues one request and blocks until its response, its timeout, or ctx
// cancellation, whichever comes first. The optional stream handler receives
// generation chunk notifications carrying this call's id.
func (e *Engine) Call(ctx context.Context, method string, params rpcwire.Value, stream StreamHandler) (rpcwire.Value, error) {
	e.mu.Lock()
	c := e.conn
	e.mu.Unlock()
	if c == nil {
		return rpcwire.Value{}, ErrNotRunning
	}

	id := e.nextID.Add(1)
	line, err := rpcwire.EncodeRequest(id, method, params)
	if err != nil {
		return rpcwire.Value{}, fmt.Errorf("encode %s: %w", method, err)
	}

	respCh := make(chan callResult, 1)
	if err := c.register(id, pendingCall{ch: respCh, stream: stream, method: method, created: time.Now()}); err != nil {
		return rpcwire.Value{}, err
	}
	if err := c.enqueue(id, line); err != nil {
		c.unregister(id)
		return rpcwire.Value{}, err
	}

	timeout := e.timeoutFor(method)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-respCh:
		return res.value, res.err
	case <-timer.C:
		c.unregister(id)
		metrics.RecordCall(method, "timeout")
		return rpcwire.Value{}, &TimeoutError{Method: method, After: timeout}
	case <-ctx.Done():
		c.unregister(id)
		metrics.RecordCall(method, "canceled")
		return rpcwire.Value{}, ctx.Err()
	}
}

func (e *Engine) timeoutFor(method string) time.Duration {
	switch {
	case method == "ping":
		return e.timeouts.Ping
	case generateClass[method]:
		return e.timeouts.Generate
	default:
		return e.timeouts.Call
	}
}

func (e *Engine) setReady(version string) {
	e.ready.Store(true)
	if version != "" {
		e.version.Store(version)
	}
	logx.Log.Info().Str("version", version).Msg("backend ready")
	e.emit(Event{Type: EventReady, Version: version})
}

func (e *Engine) setProgress(p Progress) {
	e.progMu.Lock()
	e.progress = p
	e.hasProgress = true
	e.progMu.Unlock()
	e.emit(Event{Type: EventProgress, Progress: &p})
}

func (e *Engine) clearProgress() {
	e.progMu.Lock()
	e.progress = Progress{}
	e.hasProgress = false
	e.progMu.Unlock()
}

func (e *Engine) dropConn(c *conn, cause error) {
	e.mu.Lock()
	if e.conn == c {
		e.conn = nil
	}
	e.mu.Unlock()
	e.ready.Store(false)
	e.version.Store("")
	e.clearProgress()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	e.emit(Event{Type: EventClosed, Err: msg})
}

type outFrame struct {
	id   int64
	line []byte
}

type pendingCall struct {
	ch      chan callResult
	stream  StreamHandler
	method  string
	created time.Time
}

type callResult struct {
	value rpcwire.Value
	err   error
}

// conn owns the pipes of one backend process instance. All mutable per
// process state (pending table, send queue) lives here so loops from a dead
// instance can never touch the next one.
type conn struct {
	engine *Engine
	stdin  io.WriteCloser

	mu      sync.Mutex
	pending map[int64]pendingCall
	send    chan outFrame
	closed  bool
}

func (c *conn) register(id int64, p pendingCall) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotRunning
	}
	c.pending[id] = p
	return nil
}

// unregister removes a pending call without resolving it, for timeout and
// caller cancellation paths. A late response for the id is then dropped.
func (c *conn) unregister(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	empty := len(c.pending) == 0
	c.mu.Unlock()
	if empty {
		c.engine.clearProgress()
	}
}

// take removes and returns the pending call for id; the caller becomes its
// sole resolver.
func (c *conn) take(id int64) (pendingCall, bool) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	empty := len(c.pending) == 0
	c.mu.Unlock()
	if ok && empty {
		c.engine.clearProgress()
	}
	return p, ok
}

func (c *conn) enqueue(id int64, line []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotRunning
	}
	select {
	case c.send <- outFrame{id: id, line: line}:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *conn) writeLoop() {
	for f := range c.send {
		buf := make([]byte, 0, len(f.line)+1)
		buf = append(buf, f.line...)
		buf = append(buf, '\n')
		if _, err := c.stdin.Write(buf); err != nil {
			if p, ok := c.take(f.id); ok {
				p.ch <- callResult{err: fmt.Errorf("write frame: %w", err)}
			}
		}
	}
}

func (c *conn) readLoop(stdout io.Reader) {
	defer c.shutdown(ErrTerminated)
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		f, err := rpcwire.DecodeFrame(line)
		if err != nil {
			logx.Log.Warn().Err(err).Str("line", truncate(line, 256)).Msg("discarding malformed frame")
			continue
		}
		switch f.Kind() {
		case rpcwire.KindResponse:
			c.handleResponse(f)
		case rpcwire.KindNotification:
			c.handleNotification(f)
		default:
			logx.Log.Debug().Str("method", f.Method).Msg("ignoring unexpected frame from backend")
		}
	}
	if err := sc.Err(); err != nil {
		logx.Log.Debug().Err(err).Msg("backend stdout closed")
	}
}

func (c *conn) handleResponse(f rpcwire.Frame) {
	if f.ID == nil {
		if f.Err != nil {
			logx.Log.Warn().Int("code", f.Err.Code).Str("message", f.Err.Message).Msg("backend error without id")
		}
		return
	}
	p, ok := c.take(*f.ID)
	if !ok {
		// Duplicate or late frame after timeout or cancellation.
		logx.Log.Debug().Int64("id", *f.ID).Msg("dropping response for unknown id")
		return
	}
	elapsed := time.Since(p.created)
	if f.Err != nil {
		metrics.RecordCall(p.method, "error")
		metrics.ObserveCallDuration(p.method, elapsed)
		p.ch <- callResult{err: f.Err}
		return
	}
	metrics.RecordCall(p.method, "ok")
	metrics.ObserveCallDuration(p.method, elapsed)
	p.ch <- callResult{value: f.Result}
}

func (c *conn) handleNotification(f rpcwire.Frame) {
	switch f.Method {
	case "ready":
		version := ""
		if v, ok := f.Params.Field("version"); ok {
			version, _ = v.AsString()
		}
		c.engine.setReady(version)
	case "progress":
		var p Progress
		if v, ok := f.Params.Field("percent"); ok {
			p.Percent, _ = v.AsFloat64()
		}
		if v, ok := f.Params.Field("message"); ok {
			p.Message, _ = v.AsString()
		}
		c.engine.setProgress(p)
	case "generation_chunk":
		c.handleChunk(f.Params)
	default:
		logx.Log.Debug().Str("method", f.Method).Msg("ignoring unknown notification")
	}
}

func (c *conn) handleChunk(params rpcwire.Value) {
	var ch Chunk
	if v, ok := params.Field("request_id"); ok {
		ch.RequestID, _ = v.AsInt64()
	}
	if v, ok := params.Field("chunk_index"); ok {
		ch.Index, _ = v.AsInt64()
	}
	if v, ok := params.Field("chunk_path"); ok {
		ch.Path, _ = v.AsString()
	}
	if v, ok := params.Field("is_final"); ok {
		ch.IsFinal, _ = v.AsBool()
	}

	c.mu.Lock()
	p, ok := c.pending[ch.RequestID]
	c.mu.Unlock()
	if !ok || p.stream == nil {
		logx.Log.Debug().Int64("request_id", ch.RequestID).Msg("dropping chunk with no registered handler")
		return
	}
	metrics.RecordChunk()
	p.stream(ch)
	c.engine.emit(Event{Type: EventChunk, Chunk: &ch})
}

// cancelAll resolves every pending call with the cause; the connection stays
// usable for later calls.
func (c *conn) cancelAll(cause error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = map[int64]pendingCall{}
	c.mu.Unlock()
	for _, p := range pending {
		metrics.RecordCall(p.method, "terminated")
		p.ch <- callResult{err: cause}
	}
	c.engine.clearProgress()
}

// shutdown tears the connection down exactly once: pending calls resolve with
// the cause, the send queue closes, and the engine forgets the instance.
func (c *conn) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = map[int64]pendingCall{}
	close(c.send)
	c.mu.Unlock()

	_ = c.stdin.Close()
	for _, p := range pending {
		metrics.RecordCall(p.method, "terminated")
		p.ch <- callResult{err: cause}
	}
	if n := len(pending); n > 0 {
		logx.Log.Warn().Int("canceled", n).Msg("backend connection closed with calls pending")
	}
	c.engine.dropConn(c, cause)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
