package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/macjediwizard/shiftsync/internal/auth"
	"github.com/macjediwizard/shiftsync/internal/logging"
	"github.com/macjediwizard/shiftsync/internal/scheduler"
	"github.com/macjediwizard/shiftsync/internal/web"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the scheduled watch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.ValidateServer(); err != nil {
			return err
		}

		if cfg.IsProduction() {
			logging.SetJSON()
			gin.SetMode(gin.ReleaseMode)
		}

		log := logging.For("server")
		log.Info("Starting shiftsync...")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer a.Close()

		var sessionManager *auth.SessionManager
		if a.oidc != nil {
			sessionManager = auth.NewSessionManager(cfg.Security.SessionSecret, cfg.IsProduction())
		}

		handlers := web.NewHandlers(web.Deps{
			Config:    cfg,
			DB:        a.db,
			OIDC:      a.oidc,
			Session:   sessionManager,
			Tokens:    a.tokens,
			Runner:    a.runner,
			Calendars: a.provider,
			Tracker:   a.tracker,
		})

		router := gin.New()
		router.Use(gin.Recovery())
		router.Use(web.RequestLogger())
		router.Use(web.SecurityHeaders())
		web.SetupRoutes(router, handlers)

		sched := scheduler.New(a.runner, a.db, cfg.Schedule.Location)
		if cfg.Watch.Enabled() {
			if _, err := sched.AddWatch(scheduler.Watch{
				Path:           cfg.Watch.Path,
				Spec:           cfg.Watch.Cron,
				CalendarID:     cfg.Watch.CalendarID,
				UpdateExisting: cfg.Watch.UpdateExisting,
			}); err != nil {
				return err
			}
		}
		if sched.WatchCount() == 0 {
			log.Info("No watch file configured; runs start only through the API")
		}
		if err := sched.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		defer sched.Stop()

		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		server := &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			IdleTimeout:  idleTimeout,
		}

		serveErr := make(chan error, 1)
		go func() {
			log.WithField("addr", addr).Info("Server listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
			close(serveErr)
		}()

		select {
		case err := <-serveErr:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
		case <-ctx.Done():
		}

		log.Info("Shutting down server...")
		sched.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Server forced to shutdown")
		}

		log.Info("Server stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
