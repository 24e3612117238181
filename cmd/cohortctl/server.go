package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/cohort/internal/config"
	"github.com/ehr/cohort/internal/domain/codelist"
	"github.com/ehr/cohort/internal/domain/cohort"
	"github.com/ehr/cohort/internal/platform/auth"
	"github.com/ehr/cohort/internal/platform/db"
	"github.com/ehr/cohort/internal/platform/middleware"
)

const (
	version         = "0.1.0"
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the cohort specification API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, os.Stdout)
			if err != nil {
				return err
			}
			defer a.Close()
			return runServer(cmd.Context(), a)
		},
	}
}

// serverDeps are the collaborators the HTTP API is built from. Pinger is
// nil when no database is configured.
type serverDeps struct {
	Spec      *cohort.Spec
	Codelists *codelist.Service
	Registry  *codelist.Registry
	Pinger    db.Pinger
}

func runServer(ctx context.Context, a *app) error {
	logger := a.logger
	cfg := a.cfg

	svc, err := a.codelists(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open codelists")
		return err
	}
	spec, reg, err := a.loadSpec(ctx)
	if err != nil {
		logger.Error().Err(err).Str("spec", cfg.SpecPath).Msg("failed to load study definition")
		return err
	}
	logger.Info().Str("spec", cfg.SpecPath).Int("codelists", reg.Len()).Int("columns", len(spec.Columns())).Msg("study definition loaded")

	deps := serverDeps{Spec: spec, Codelists: svc, Registry: reg}
	if a.pool != nil {
		deps.Pinger = a.pool
	} else if cfg.DatabaseURL != "" {
		pool, err := a.dbPool(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to database")
			return err
		}
		deps.Pinger = pool
	}

	e, err := newServer(cfg, logger, deps)
	if err != nil {
		return err
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer builds the echo instance with global middleware, auth and
// routes.
func newServer(cfg *config.Config, logger zerolog.Logger, deps serverDeps) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
	}))

	// Auth middleware
	switch {
	case cfg.AuthEnabled():
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	case cfg.IsDev():
		logger.Warn().Msg("AUTH_SIGNING_KEY not set, granting admin to every request")
		e.Use(auth.DevAuthMiddleware())
	default:
		return nil, fmt.Errorf("AUTH_SIGNING_KEY is required outside development")
	}

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if deps.Pinger != nil {
		e.GET("/health/db", db.HealthHandler(deps.Pinger))
	}

	// API groups
	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.BodyLimit(middleware.DefaultBodyLimit))
	apiV1.Use(middleware.RequestTimeout(requestTimeout))
	apiV1.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))

	var lookup cohort.CodelistLookup
	if deps.Registry != nil {
		lookup = deps.Registry
	}
	cohort.NewHandler(deps.Spec, lookup).RegisterRoutes(apiV1)
	if deps.Codelists != nil {
		codelist.NewHandler(deps.Codelists).RegisterRoutes(apiV1)
	}

	return e, nil
}
