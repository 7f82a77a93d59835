// Sunfish is a Redfish fabric aggregation manager.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"sunfish/internal/alias"
	"sunfish/internal/api"
	"sunfish/internal/config"
	"sunfish/internal/core"
	"sunfish/internal/events"
	"sunfish/internal/logging"
	"sunfish/internal/metrics"
	"sunfish/internal/store"
	"sunfish/pkg/auth"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	var (
		port     = flag.Int("port", cfg.Port, "HTTP server port")
		dbPath   = flag.String("db", cfg.DatabasePath, "SQLite database path")
		logLevel = flag.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	)
	flag.Parse()
	cfg.Port = *port
	cfg.DatabasePath = *dbPath
	cfg.LogLevel = *logLevel

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	s, err := store.New(cfg.DatabasePath, cfg.RedfishRoot)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = s.Close() }()

	if err := s.Migrate(ctx); err != nil {
		slog.Error("Failed to migrate store", "error", err)
		os.Exit(1)
	}

	if err := createDefaultAdminUser(ctx, s); err != nil {
		slog.Error("Failed to create default admin user", "error", err)
		os.Exit(1)
	}

	aliases, err := alias.New(cfg.PrivateDir)
	if err != nil {
		slog.Error("Failed to load alias registry", "error", err)
		os.Exit(1)
	}

	index := events.NewIndex()
	if err := index.Rebuild(ctx, s); err != nil {
		slog.Error("Failed to rebuild subscription index", "error", err)
		os.Exit(1)
	}

	c := core.New(s, aliases, index, cfg)

	mux := http.NewServeMux()
	mux.Handle("/", api.New(c, cfg))
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Starting Sunfish fabric aggregation manager", "port", cfg.Port, "root", cfg.RedfishRoot)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server exited")
}

// createDefaultAdminUser creates a default admin user if no users exist.
func createDefaultAdminUser(ctx context.Context, s *store.Store) error {
	count, err := s.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to count users: %w", err)
	}
	if count > 0 {
		return nil
	}

	defaultPassword := "admin"
	if envPassword := os.Getenv("SUNFISH_ADMIN_PASSWORD"); envPassword != "" {
		defaultPassword = envPassword
	}

	passwordHash, err := auth.HashPassword(defaultPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	userIDBytes := make([]byte, 16)
	if _, err := rand.Read(userIDBytes); err != nil {
		return fmt.Errorf("failed to generate user ID: %w", err)
	}

	adminUser := &store.User{
		ID:           hex.EncodeToString(userIDBytes),
		Username:     "admin",
		PasswordHash: passwordHash,
		Role:         "Administrator",
		Enabled:      true,
	}
	if err := s.CreateUser(ctx, adminUser); err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}

	slog.Info("Created default admin user", "username", "admin")
	if defaultPassword == "admin" {
		slog.Warn("Using default admin password. Please change it immediately!")
	}
	return nil
}
