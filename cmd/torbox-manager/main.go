// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/autobrr/torbox-manager/internal/api"
	"github.com/autobrr/torbox-manager/internal/buildinfo"
	"github.com/autobrr/torbox-manager/internal/config"
	"github.com/autobrr/torbox-manager/internal/database"
	"github.com/autobrr/torbox-manager/internal/domain"
	"github.com/autobrr/torbox-manager/internal/kv"
	"github.com/autobrr/torbox-manager/internal/metrics"
	"github.com/autobrr/torbox-manager/internal/models"
	"github.com/autobrr/torbox-manager/internal/services/bulk"
	"github.com/autobrr/torbox-manager/internal/services/multiup"
	"github.com/autobrr/torbox-manager/internal/services/torbox"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "torbox-manager",
		Short: "Bulk transfer manager for TorBox",
		Long: `torbox-manager - resolve TorBox download links, delete items and
mirror files to Multiup in bulk, with retries and live progress.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand(buildinfo.Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())
	rootCmd.AddCommand(RunSetCredentialsCommand())
	rootCmd.AddCommand(RunMirrorCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
		pprofFlag bool
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/torbox-manager/ or %APPDATA%\\torbox-manager\\). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for database and other files (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")
	command.Flags().BoolVar(&pprofFlag, "pprof", false, "enable pprof server on :6060")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(configDir, dataDir, logPath, pprofFlag)
		app.runServer()
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of torbox-manager",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/torbox-manager/config.toml
- Windows: %APPDATA%\torbox-manager\config.toml

You can specify either a directory path or a direct file path:
- Directory: torbox-manager generate-config --config-dir /path/to/config/
- File: torbox-manager generate-config --config-dir /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := resolveConfigFile(configDir)

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

func resolveConfigFile(configDir string) string {
	if configDir == "" {
		return filepath.Join(config.GetDefaultConfigDir(), "config.toml")
	}
	if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
		return configDir
	}
	if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
		return configDir
	}
	return filepath.Join(configDir, "config.toml")
}

func readPassword(prompt string) (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print(prompt)
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(password), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	var password string
	if _, err := fmt.Scanln(&password); err != nil {
		return "", fmt.Errorf("failed to read password from stdin: %w", err)
	}
	return password, nil
}

// openDatabase loads the configuration and opens the database it points at.
func openDatabase(configDir, dataDir string) (*config.AppConfig, *database.DB, error) {
	cfg, err := config.New(configDir, buildinfo.Version)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize configuration: %w", err)
	}

	if dataDir != "" {
		cfg.SetDataDir(dataDir)
	}

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return cfg, db, nil
}

func RunSetCredentialsCommand() *cobra.Command {
	var configDir, dataDir, apiKey, username, password string
	var clearAll bool

	command := &cobra.Command{
		Use:   "set-credentials",
		Short: "Store the TorBox API key and Multiup account",
		Long: `Store the TorBox API key and Multiup account used when a request carries none.

Secrets are encrypted with the key derived from sessionSecret. Values that are
not provided keep their stored value; pass --clear to remove everything.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := openDatabase(configDir, dataDir)
			if err != nil {
				return err
			}
			defer db.Close()

			store, err := models.NewCredentialStore(db, cfg.GetEncryptionKey())
			if err != nil {
				return fmt.Errorf("failed to initialize credential store: %w", err)
			}

			ctx := context.Background()
			if clearAll {
				if err := store.Clear(ctx); err != nil {
					return fmt.Errorf("failed to clear credentials: %w", err)
				}
				cmd.Println("Stored credentials removed")
				return nil
			}

			if apiKey == "" && username == "" {
				if apiKey, err = readPassword("TorBox API key: "); err != nil {
					return err
				}
			}
			if username != "" && password == "" {
				if password, err = readPassword("Multiup password: "); err != nil {
					return err
				}
			}

			creds, err := store.Save(ctx, models.CredentialsInput{
				APIKey:          apiKey,
				MultiupUsername: username,
				MultiupPassword: password,
			})
			if err != nil {
				return fmt.Errorf("failed to save credentials: %w", err)
			}

			cmd.Printf("Credentials saved (api key: %t, multiup: %t)\n", creds.HasAPIKey(), creds.HasMultiup())
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&dataDir, "data-dir", "",
		"data directory path (defaults to next to config file)")
	command.Flags().StringVar(&apiKey, "api-key", "", "TorBox API key (will prompt if neither a key nor a Multiup username is given)")
	command.Flags().StringVar(&username, "multiup-username", "", "Multiup username")
	command.Flags().StringVar(&password, "multiup-password", "", "Multiup password (will prompt if a username is given)")
	command.Flags().BoolVar(&clearAll, "clear", false, "remove stored credentials")

	return command
}

type Application struct {
	configDir string
	dataDir   string
	logPath   string
	pprofFlag bool
}

func NewApplication(configDir, dataDir, logPath string, pprofFlag bool) *Application {
	return &Application{
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
		pprofFlag: pprofFlag,
	}
}

// openKVStore returns the preferences backend selected by kvBackend.
func openKVStore(ctx context.Context, cfg *domain.Config, db *database.DB) (kv.Store, error) {
	switch strings.ToLower(cfg.KVBackend) {
	case "", "sqlite":
		return kv.NewSQLStore(db), nil
	case "redis":
		return kv.NewRedisStore(ctx, kv.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   "torbox-manager:",
		})
	case "memory":
		return kv.NewMemoryStore(), nil
	default:
		return nil, errors.Errorf("unknown kvBackend %q", cfg.KVBackend)
	}
}

func (app *Application) runServer() {
	// Initialize configuration
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	// Override with CLI flags if provided
	if app.dataDir != "" {
		os.Setenv("TORBOX__DATA_DIR", app.dataDir)
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		os.Setenv("TORBOX__LOG_PATH", app.logPath)
		cfg.Config.LogPath = app.logPath
	}

	if app.pprofFlag {
		cfg.Config.PprofEnabled = true
	}

	cfg.ApplyLogConfig()

	log.Info().
		Str("version", buildinfo.Version).
		Str("configDir", cfg.GetConfigDir()).
		Str("dataDir", cfg.GetDataDir()).
		Msg("Starting torbox-manager")

	// Initialize database
	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	kvStore, err := openKVStore(context.Background(), cfg.Config, db)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Config.KVBackend).Msg("Failed to initialize preferences store")
	}
	defer kvStore.Close()

	// Initialize stores
	historyStore := models.NewHistoryStore(db, cfg.Config.HistoryLimit)
	preferencesStore := models.NewPreferencesStore(kvStore)
	credentialStore, err := models.NewCredentialStore(db, cfg.GetEncryptionKey())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize credential store")
	}

	// Remote clients
	torboxClient := torbox.NewClient(torbox.Config{
		BaseURL:      cfg.Config.TorboxBaseURL,
		Timeout:      time.Duration(cfg.Config.TorboxTimeoutSeconds) * time.Second,
		LinkCacheTTL: time.Duration(cfg.Config.LinkCacheMinutes) * time.Minute,
	})
	defer torboxClient.Close()

	multiupClient := multiup.NewClient(multiup.Config{
		BaseURL: cfg.Config.MultiupBaseURL,
	})

	var metricsManager *metrics.Manager
	var bulkMetrics *metrics.BulkMetrics
	if cfg.Config.MetricsEnabled {
		metricsManager = metrics.NewMetricsManager()
		bulkMetrics = metricsManager.Bulk
	}

	bulkService := bulk.NewService(bulk.ConfigFromDomain(cfg.Config), torboxClient, multiupClient, historyStore, bulkMetrics)
	cfg.RegisterReloadListener(func(conf *domain.Config) {
		bulkService.UpdateConfig(bulk.ConfigFromDomain(conf))
	})

	httpServer := api.NewServer(&api.Dependencies{
		Config:           cfg,
		Version:          buildinfo.Version,
		DB:               db,
		BulkService:      bulkService,
		Assets:           torboxClient,
		HistoryStore:     historyStore,
		PreferencesStore: preferencesStore,
		CredentialStore:  credentialStore,
	})

	errorChannel := make(chan error)
	serverReady := make(chan struct{}, 1)
	go func() {
		if err := httpServer.ListenAndServeReady(serverReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChannel <- err
		}
	}()

	select {
	case <-serverReady:
	case err := <-errorChannel:
		log.Fatal().Err(err).Msg("failed to start HTTP server")
	}

	if metricsManager != nil {
		// Start metrics server on separate port
		go func() {
			metricsServer := metrics.NewMetricsServer(
				metricsManager,
				cfg.Config.MetricsHost,
				cfg.Config.MetricsPort,
				cfg.Config.MetricsBasicAuthUsers,
			)

			errorChannel <- metricsServer.ListenAndServe()
		}()
	}

	// Start profiling server if enabled
	if cfg.Config.PprofEnabled {
		go func() {
			log.Info().Msg("Starting pprof server on :6060")
			log.Info().Msg("Access profiling at: http://localhost:6060/debug/pprof/")
			if err := http.ListenAndServe(":6060", nil); err != nil {
				log.Error().Err(err).Msg("Profiling server failed")
			}
		}()
	}

	// Wait for interrupt signal to gracefully shutdown the server
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Msgf("got signal %v, shutting down server", sig.String())
	case err := <-errorChannel:
		log.Error().Err(err).Msg("got unexpected error from server")
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("got error during graceful http shutdown")
		os.Exit(1)
	}
}
