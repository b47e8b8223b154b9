// Package server exposes the controller's local HTTP API: device
// enumeration, flash/extend/eject operations, job polling, and metrics.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"diskforge/internal/blockdev"
	"diskforge/internal/flash"
	"diskforge/internal/pipeline"
	"diskforge/pkg/httpx"
)

const Version = "0.3.0"

type deviceLister interface {
	List(ctx context.Context) ([]blockdev.Device, error)
}

type flasher interface {
	Start(ctx context.Context, imagePath, devicePath string, totalBytes uint64) (*flash.Job, error)
}

// Deps wires the orchestrator components into the router. Everything is
// constructed once in main; the router owns nothing.
type Deps struct {
	Log      zerolog.Logger
	Devices  deviceLister
	Flasher  flasher
	Pipeline *pipeline.Pipeline
	Jobs     *JobStore
	Metrics  *Metrics
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(zerologMiddleware(d.Log))

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})
	r.Use(c.Handler)

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, map[string]any{"ok": true, "version": Version})
	})

	r.Get("/api/v1/devices", d.handleListDevices)
	r.Post("/api/v1/flash", d.handleFlash)
	r.Post("/api/v1/extend", d.handleExtend)
	r.Post("/api/v1/eject", d.handleEject)
	r.Post("/api/v1/pipeline", d.handlePipeline)
	r.Get("/api/v1/jobs/recent", d.handleRecentJobs)
	r.Get("/api/v1/jobs/{id}", d.handleGetJob)

	r.Handle("/metrics", d.Metrics.Handler())

	return r
}
