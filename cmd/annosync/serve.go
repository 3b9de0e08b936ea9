package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"annosync/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the viewer bridge HTTP API",
	Long: `serve hosts annotation sessions for a browser viewer. When
ANNOSYNC_SESSION_URL is set that session is opened at startup.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := newRuntime(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger

	if rt.cfg.SessionURL != "" {
		if _, err := rt.service.Open(ctx, rt.cfg.SessionURL); err != nil {
			logger.Warn("initial session could not be opened", zap.String("session", rt.cfg.SessionURL), zap.Error(err))
		}
	}

	httpServer := app.NewHTTPServer(rt.service, rt.cfg.CORSOrigin, logger.Named("http"))
	if rt.cfg.TokenSecret != "" {
		httpServer.RequireTokens([]byte(rt.cfg.TokenSecret))
	} else {
		logger.Warn("ANNOSYNC_TOKEN_SECRET not set, session routes are unauthenticated")
	}
	server := &http.Server{
		Addr:              rt.cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("annosync listening", zap.String("addr", rt.cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}
