package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gaspardpetit/vocero/internal/appstate"
	"github.com/gaspardpetit/vocero/internal/backend"
	"github.com/gaspardpetit/vocero/internal/bridge"
	"github.com/gaspardpetit/vocero/internal/history"
	"github.com/gaspardpetit/vocero/internal/logx"
	"github.com/gaspardpetit/vocero/internal/rpcwire"
	"github.com/gaspardpetit/vocero/internal/sysinfo"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Log.Debug().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// backendStatus maps a facade error onto an HTTP status. RPC errors come
// from the backend itself and surface as a bad gateway.
func backendStatus(err error) int {
	var timeoutErr *bridge.TimeoutError
	var rpcErr *rpcwire.RPCError
	switch {
	case errors.Is(err, bridge.ErrNotRunning), errors.Is(err, bridge.ErrTerminated):
		return http.StatusServiceUnavailable
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout
	case errors.Is(err, backend.ErrVoiceNotFound):
		return http.StatusNotFound
	case errors.As(err, &rpcErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (d *Deps) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.State.GetVersionInfo())
}

type statusResponse struct {
	appstate.Snapshot
	Sysinfo sysinfo.Snapshot `json:"sysinfo"`
	UptimeS int64            `json:"uptime_s"`
}

func (d *Deps) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := d.State.Snapshot()
	writeJSON(w, http.StatusOK, statusResponse{
		Snapshot: snap,
		Sysinfo:  sysinfo.Collect(),
		UptimeS:  int64(time.Since(snap.StartedAt).Seconds()),
	})
}

func (d *Deps) handleBootstrapRetry(w http.ResponseWriter, r *http.Request) {
	if d.RetryBootstrap == nil {
		writeError(w, http.StatusServiceUnavailable, "bootstrap unavailable")
		return
	}
	d.RetryBootstrap()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying"})
}

func (d *Deps) handleBackendStart(w http.ResponseWriter, r *http.Request) {
	if d.StartBackend == nil {
		writeError(w, http.StatusServiceUnavailable, "backend lifecycle unavailable")
		return
	}
	if !d.State.Snapshot().Env.IsReady() {
		writeError(w, http.StatusConflict, "environment is not ready")
		return
	}
	if err := d.StartBackend(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (d *Deps) handleBackendStop(w http.ResponseWriter, r *http.Request) {
	if d.StopBackend == nil {
		writeError(w, http.StatusServiceUnavailable, "backend lifecycle unavailable")
		return
	}
	d.StopBackend()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

type modelView struct {
	backend.CatalogEntry
	Downloaded bool  `json:"downloaded"`
	SizeBytes  int64 `json:"size_bytes,omitempty"`
	Loaded     bool  `json:"loaded,omitempty"`
}

func (d *Deps) handleModels(w http.ResponseWriter, r *http.Request) {
	status := map[string]backend.ModelStatus{}
	if sts, err := d.Backend.GetModelInfo(r.Context()); err == nil {
		for _, s := range sts {
			status[s.ID] = s
		}
	} else if !errors.Is(err, bridge.ErrNotRunning) {
		logx.Log.Debug().Err(err).Msg("model info unavailable")
	}
	current := d.Backend.CurrentModel()
	views := make([]modelView, 0, 3)
	for _, e := range backend.Catalog() {
		v := modelView{CatalogEntry: e, Loaded: current != "" && e.ID == current}
		if s, ok := status[e.ID]; ok {
			v.Downloaded = s.Downloaded
			v.SizeBytes = s.SizeBytes
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": views})
}

func (d *Deps) handleModelLoad(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ModelID string `json:"model_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ModelID == "" {
		writeError(w, http.StatusBadRequest, "model_id is required")
		return
	}
	res, err := d.Backend.LoadModel(r.Context(), req.ModelID)
	if err != nil {
		writeError(w, backendStatus(err), err.Error())
		return
	}
	d.State.SetModel(req.ModelID)
	writeJSON(w, http.StatusOK, res)
}

func (d *Deps) handleModelUnload(w http.ResponseWriter, r *http.Request) {
	if err := d.Backend.UnloadModel(r.Context()); err != nil {
		writeError(w, backendStatus(err), err.Error())
		return
	}
	d.State.SetModel("")
	writeJSON(w, http.StatusOK, map[string]string{"status": "unloaded"})
}

func (d *Deps) handleSpeakers(w http.ResponseWriter, r *http.Request) {
	speakers, err := d.Backend.GetSpeakers(r.Context())
	if err != nil {
		writeError(w, backendStatus(err), err.Error())
		return
	}
	if speakers == nil {
		speakers = []backend.Speaker{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"speakers": speakers})
}

func (d *Deps) handleVoices(w http.ResponseWriter, r *http.Request) {
	voices, err := d.Backend.ListVoices(r.Context())
	if err != nil {
		writeError(w, backendStatus(err), err.Error())
		return
	}
	if voices == nil {
		voices = []backend.Voice{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"voices": voices})
}

func (d *Deps) handleEnrollVoice(w http.ResponseWriter, r *http.Request) {
	var req backend.EnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.AudioPath == "" {
		writeError(w, http.StatusBadRequest, "name and audio_path are required")
		return
	}
	voice, err := d.Backend.EnrollVoice(r.Context(), req)
	if err != nil {
		writeError(w, backendStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, voice)
}

func (d *Deps) handleDeleteVoice(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := d.Backend.DeleteVoice(r.Context(), name); err != nil {
		writeError(w, backendStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type generateResponse struct {
	JobID string `json:"job_id"`
	backend.GenerateResult
}

func (d *Deps) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req backend.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	jobID := uuid.NewString()
	if req.OutputPath == "" {
		req.OutputPath = filepath.Join(d.OutputsDir, jobID+".wav")
	}
	res, err := d.Backend.Generate(r.Context(), req, func(c bridge.Chunk) {
		d.Events.PublishChunk(jobID, c)
	})
	if err != nil {
		writeError(w, backendStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, generateResponse{JobID: jobID, GenerateResult: res})
}

func (d *Deps) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InputPath  string `json:"input_path"`
		OutputPath string `json:"output_path,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InputPath == "" {
		writeError(w, http.StatusBadRequest, "input_path is required")
		return
	}
	res, err := d.Backend.ConvertAudio(r.Context(), req.InputPath, req.OutputPath)
	if err != nil {
		writeError(w, backendStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (d *Deps) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	recs, err := d.History.List(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []history.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (d *Deps) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := d.History.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
