// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/torbox-manager/internal/api/handlers"
	"github.com/autobrr/torbox-manager/internal/api/middleware"
	"github.com/autobrr/torbox-manager/internal/api/openapi"
	"github.com/autobrr/torbox-manager/internal/config"
	"github.com/autobrr/torbox-manager/internal/models"
	"github.com/autobrr/torbox-manager/internal/services/bulk"
)

type Server struct {
	server  *http.Server
	logger  zerolog.Logger
	config  *config.AppConfig
	version string

	db               handlers.Pinger
	bulkService      *bulk.Service
	assets           handlers.AssetClient
	historyStore     *models.HistoryStore
	preferencesStore *models.PreferencesStore
	credentialStore  *models.CredentialStore
}

type Dependencies struct {
	Config           *config.AppConfig
	Version          string
	DB               handlers.Pinger
	BulkService      *bulk.Service
	Assets           handlers.AssetClient
	HistoryStore     *models.HistoryStore
	PreferencesStore *models.PreferencesStore
	CredentialStore  *models.CredentialStore
}

func NewServer(deps *Dependencies) *Server {
	s := Server{
		server: &http.Server{
			ReadHeaderTimeout: time.Second * 15,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       180 * time.Second,
		},
		logger:           log.Logger.With().Str("module", "api").Logger(),
		config:           deps.Config,
		version:          deps.Version,
		db:               deps.DB,
		bulkService:      deps.BulkService,
		assets:           deps.Assets,
		historyStore:     deps.HistoryStore,
		preferencesStore: deps.PreferencesStore,
		credentialStore:  deps.CredentialStore,
	}

	return &s
}

func (s *Server) ListenAndServe() error {
	return s.open(nil)
}

// ListenAndServeReady behaves like ListenAndServe but signals once the listener is active.
func (s *Server) ListenAndServeReady(ready chan<- struct{}) error {
	return s.open(ready)
}

func (s *Server) Open() error {
	return s.open(nil)
}

func (s *Server) open(ready chan<- struct{}) error {
	addr := fmt.Sprintf("%s:%d", s.config.Config.Host, s.config.Config.Port)

	var lastErr error
	for _, proto := range []string{"tcp", "tcp4", "tcp6"} {
		err := s.tryToServe(addr, proto, ready)
		if err == nil {
			return nil
		}

		if errors.Is(err, http.ErrServerClosed) {
			return err
		}

		s.logger.Error().Err(err).Str("addr", addr).Str("proto", proto).Msgf("Failed to start server")
		lastErr = err
	}

	return lastErr
}

func (s *Server) tryToServe(addr, protocol string, ready chan<- struct{}) error {
	listener, err := net.Listen(protocol, addr)
	if err != nil {
		return err
	}

	host := listener.Addr().String()
	// Replace 0.0.0.0 or :: with localhost for clickable links
	if strings.HasPrefix(host, "0.0.0.0:") || strings.HasPrefix(host, "[::]:") {
		host = strings.Replace(host, "0.0.0.0:", "localhost:", 1)
		host = strings.Replace(host, "[::]:", "localhost:", 1)
	}
	clickableURL := fmt.Sprintf("http://%s%s", host, s.config.Config.BaseURL)

	s.logger.Info().
		Str("protocol", protocol).
		Str("addr", listener.Addr().String()).
		Str("base_url", s.config.Config.BaseURL).
		Msgf("Starting API server - Open: %s", clickableURL)

	handler, err := s.Handler()
	if err != nil {
		listener.Close()
		return fmt.Errorf("build API router: %w", err)
	}

	s.server.Handler = handler

	if ready != nil {
		select {
		case ready <- struct{}{}:
		default:
		}
	}

	return s.server.Serve(listener)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) Handler() (*chi.Mux, error) {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID) // Must be before logger to capture request ID
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	// CORS - mirror autobrr's permissive credentials setup
	corsMiddleware := cors.New(cors.Options{
		AllowCredentials: true,
		AllowedMethods:   []string{"HEAD", "OPTIONS", "GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowOriginFunc:  func(origin string) bool { return true },
		MaxAge:           300,
		Debug:            false,
	})
	r.Use(corsMiddleware.Handler)

	// HTTP compression for JSON routes only; event streams must reach the client unbuffered
	compressor, err := httpcompression.DefaultAdapter(
		httpcompression.MinSize(1024),
		httpcompression.GzipCompressionLevel(2),
		httpcompression.Prefer(httpcompression.PreferServer),
	)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create HTTP compression adapter")
		compressor = nil
	}

	var credentials handlers.CredentialSource
	if s.credentialStore != nil {
		credentials = s.credentialStore
	}

	healthHandler := handlers.NewHealthHandler(s.db)
	bulkHandler := handlers.NewBulkHandler(s.bulkService, credentials)
	assetsHandler := handlers.NewAssetsHandler(s.assets, s.bulkService, credentials)
	historyHandler := handlers.NewHistoryHandler(s.historyStore)
	preferencesHandler := handlers.NewPreferencesHandler(s.preferencesStore)
	credentialsHandler := handlers.NewCredentialsHandler(s.credentialStore)

	// API routes
	apiRouter := chi.NewRouter()
	apiRouter.Use(middleware.Logger(s.logger))

	apiRouter.Post("/bulk/mirror-upload/stream", bulkHandler.MirrorUploadStream)

	apiRouter.Group(func(r chi.Router) {
		if compressor != nil {
			r.Use(compressor)
		}

		r.Get("/openapi.yaml", openapi.Handler)

		r.Route("/bulk", func(r chi.Router) {
			r.Post("/download-links", bulkHandler.DownloadLinks)
			r.Post("/delete", bulkHandler.Delete)
			r.Post("/mirror-upload", bulkHandler.MirrorUpload)
			r.Get("/activity", bulkHandler.Activity)
		})

		r.Route("/assets/{kind}", func(r chi.Router) {
			r.Get("/", assetsHandler.List)
			r.Get("/{itemID}/link", assetsHandler.Link)
			r.Post("/{itemID}/control", assetsHandler.Control)
		})

		r.Route("/history", func(r chi.Router) {
			r.Get("/", historyHandler.List)
			r.Post("/", historyHandler.Append)
			r.Delete("/", historyHandler.Clear)
			r.Delete("/{id}", historyHandler.Delete)
		})

		r.Get("/preferences", preferencesHandler.Get)
		r.Put("/preferences", preferencesHandler.Update)

		r.Get("/credentials", credentialsHandler.Get)
		r.Put("/credentials", credentialsHandler.Update)
		r.Delete("/credentials", credentialsHandler.Delete)
	})

	baseURL := s.config.Config.BaseURL
	if baseURL == "" {
		baseURL = "/"
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	r.Get("/health", healthHandler.HandleHealth)
	r.Get("/healthz/readiness", healthHandler.HandleReady)

	r.Mount(baseURL+"api", apiRouter)

	if baseURL != "/" {
		r.Get("/", func(w http.ResponseWriter, request *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("Must use baseUrl: " + s.config.Config.BaseURL + " instead of /"))
		})
	}

	return r, nil
}
