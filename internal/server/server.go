package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/vocero/internal/appstate"
	"github.com/gaspardpetit/vocero/internal/backend"
	"github.com/gaspardpetit/vocero/internal/history"
	"github.com/gaspardpetit/vocero/internal/logx"
)

// Deps carries the collaborators the control plane operates on. Process
// lifecycle actions are injected as closures so the handlers stay free of
// process management.
type Deps struct {
	State    *appstate.Store
	Backend  *backend.Facade
	History  *history.Store
	Events   *Hub
	Gatherer prometheus.Gatherer

	// OutputsDir receives generated audio when the caller names no path.
	OutputsDir string

	StartBackend   func(ctx context.Context) error
	StopBackend    func()
	RetryBootstrap func()
}

// New constructs the control plane HTTP handler. The daemon binds it to a
// loopback address; CORS admits localhost origins for the desktop shell.
func New(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))
	r.Use(chiMiddleware.RequestID)
	r.Use(requestLogger)

	r.Get("/", StatusPageHandler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/version", d.handleVersion)

	r.Route("/v1", func(v chi.Router) {
		v.Get("/status", d.handleStatus)
		v.Get("/state/stream", d.handleStateStream)
		v.Get("/events", d.Events.Handler())
		v.Post("/bootstrap/retry", d.handleBootstrapRetry)
		v.Post("/backend/start", d.handleBackendStart)
		v.Post("/backend/stop", d.handleBackendStop)
		v.Get("/models", d.handleModels)
		v.Post("/models/load", d.handleModelLoad)
		v.Post("/models/unload", d.handleModelUnload)
		v.Get("/speakers", d.handleSpeakers)
		v.Get("/voices", d.handleVoices)
		v.Post("/voices", d.handleEnrollVoice)
		v.Delete("/voices/{name}", d.handleDeleteVoice)
		v.Post("/generate", d.handleGenerate)
		v.Post("/audio/convert", d.handleConvert)
		v.Get("/history", d.handleHistory)
		v.Delete("/history", d.handleClearHistory)
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := chiMiddleware.GetReqID(r.Context())
		logx.Log.Debug().Str("request_id", reqID).Str("method", r.Method).Str("path", r.URL.Path).Msg("request")
		next.ServeHTTP(w, r)
	})
}
