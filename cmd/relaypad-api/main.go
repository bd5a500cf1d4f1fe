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
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/relaypad/relaypad/internal/config"
	"github.com/relaypad/relaypad/internal/database"
	"github.com/relaypad/relaypad/internal/logging"
	"github.com/relaypad/relaypad/internal/presence"
	"github.com/relaypad/relaypad/internal/registry"
	"github.com/relaypad/relaypad/internal/relay"
	"github.com/relaypad/relaypad/internal/server"
	"github.com/relaypad/relaypad/internal/store"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relaypad-api",
		Short: "Relaypad collaborative document backend",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("node-id", defaults.GetString("node.id"), "Writer identity for merge tie-breaking")
	cmd.PersistentFlags().Duration("sweep-interval", defaults.GetDuration("presence.sweep_interval"), "How often idle presence entries are swept")
	cmd.PersistentFlags().Duration("idle-threshold", defaults.GetDuration("presence.idle_threshold"), "Idle time before a presence entry is removed")
	cmd.PersistentFlags().Int("update-log-limit", defaults.GetInt("updates.log_limit"), "Maximum update records returned per replay page")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "node.id", "node-id")
	bindFlag(cmd, "presence.sweep_interval", "sweep-interval")
	bindFlag(cmd, "presence.idle_threshold", "idle-threshold")
	bindFlag(cmd, "updates.log_limit", "update-log-limit")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	documentStore, err := store.NewStore(store.Config{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	documentRegistry, err := registry.NewRegistry(registry.Config{
		Store:    documentStore,
		Clock:    time.Now,
		Logger:   logger,
		WriterID: appConfig.NodeID,
	})
	if err != nil {
		return err
	}

	tracker := presence.NewTracker(presence.Config{
		Clock:  time.Now,
		Logger: logger,
	})

	hub, err := relay.NewHub(relay.Config{
		Registry: documentRegistry,
		Tracker:  tracker,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Registry:       documentRegistry,
		Store:          documentStore,
		Tracker:        tracker,
		Hub:            hub,
		Logger:         logger,
		UpdateLogLimit: appConfig.UpdateLogLimit,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go tracker.RunSweeper(signalCtx, appConfig.SweepInterval, appConfig.IdleThreshold)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("node_id", appConfig.NodeID))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
