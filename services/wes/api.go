package wes

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"wesd/pkg/s3"
)

// API wires the HTTP boundary: run submission, inspection, streams,
// cancellation, and artifact download.
type API struct {
	store       Store
	backends    *Registry
	fetcher     *Fetcher
	dispatcher  Dispatcher
	manager     *Manager
	serviceURLs *ServiceURLCache
	s3          *s3.Client
	s3Bucket    string
	baseURL     string
	configVals  map[string]string
	logger      *log.Logger
}

// APIConfig collects the API's dependencies.
type APIConfig struct {
	Store       Store
	Backends    *Registry
	Fetcher     *Fetcher
	Dispatcher  Dispatcher
	Manager     *Manager
	ServiceURLs *ServiceURLCache
	S3          *s3.Client
	S3Bucket    string
	BaseURL     string
	ConfigVals  map[string]string
	Logger      *log.Logger
}

// NewAPI validates dependencies and builds the API layer.
func NewAPI(cfg APIConfig) (*API, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Backends == nil {
		return nil, errors.New("backend registry is required")
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if cfg.Manager == nil {
		return nil, errors.New("manager is required")
	}
	return &API{
		store:       cfg.Store,
		backends:    cfg.Backends,
		fetcher:     cfg.Fetcher,
		dispatcher:  cfg.Dispatcher,
		manager:     cfg.Manager,
		serviceURLs: cfg.ServiceURLs,
		s3:          cfg.S3,
		s3Bucket:    cfg.S3Bucket,
		baseURL:     cfg.BaseURL,
		configVals:  cfg.ConfigVals,
		logger:      cfg.Logger,
	}, nil
}

// Routes constructs the chi router containing all run endpoints.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", a.handleCreateRun)
		r.Get("/", a.handleListRuns)
		r.Route("/{runID}", func(r chi.Router) {
			r.Get("/", a.handleGetRun)
			r.Get("/status", a.handleRunStatus)
			r.Get("/stdout", a.handleRunStdout)
			r.Get("/stderr", a.handleRunStderr)
			r.Post("/cancel", a.handleCancelRun)
			r.Post("/download-artifact", a.handleDownloadArtifact)
		})
	})

	return r
}

func (a *API) logf(format string, args ...any) {
	if a.logger != nil {
		a.logger.Printf(format, args...)
	}
}
