// Copyright 2025 CareJournal Contributors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/carejournal/go-caresync/caresync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "listen address (overrides config)")
	viper.BindPFlag("listen", serveCmd.Flags().Lookup("listen"))
}

func runServe(ctx context.Context) error {
	logger, closeLog, err := newLogger()
	if err != nil {
		return err
	}
	defer closeLog()

	jwtSecret := viper.GetString("jwt-secret")
	if jwtSecret == "" {
		return fmt.Errorf("jwt-secret is required (set CARESYNCD_JWT_SECRET or the jwt-secret config key)")
	}

	pool, err := pgxpool.New(ctx, viper.GetString("database-url"))
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	service, err := caresync.NewSyncService(ctx, pool, &caresync.ServiceConfig{
		RegisteredEntities: viper.GetStringSlice("entities"),
		MaxPayloadBytes:    viper.GetInt("max-payload-bytes"),
		PullLimit:          viper.GetInt("pull-limit"),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create sync service: %w", err)
	}

	jwtAuth := caresync.NewJWTAuth(jwtSecret)
	handlers := caresync.NewHTTPSyncHandlers(service, jwtAuth, logger)

	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:         viper.GetString("listen"),
		Handler:      jwtExemptHealth(jwtAuth.Middleware(mux), mux),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting sync server",
			"addr", httpServer.Addr,
			"entities", viper.GetStringSlice("entities"))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	logger.Info("server exited")
	return nil
}

// jwtExemptHealth routes the connectivity probe around the auth
// middleware so clients can detect reachability without a token.
func jwtExemptHealth(authed http.Handler, mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}
		authed.ServeHTTP(w, r)
	})
}

func newLogger() (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log.level"))); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", viper.GetString("log.level"), err)
	}

	var out io.Writer = os.Stdout
	closeLog := func() {}
	if file := viper.GetString("log.file"); file != "" {
		lj := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    viper.GetInt("log.max-size-mb"),
			MaxBackups: viper.GetInt("log.max-backups"),
			MaxAge:     viper.GetInt("log.max-age-days"),
			Compress:   true,
		}
		out = lj
		closeLog = func() { lj.Close() }
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	return logger, closeLog, nil
}
