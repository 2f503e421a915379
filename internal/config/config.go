// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/autobrr/torbox-manager/internal/domain"
)

const appName = "torbox-manager"

var envPrefix = "TORBOX__"

type AppConfig struct {
	Config  *domain.Config
	viper   *viper.Viper
	dataDir string
	version string

	listenersMu sync.RWMutex
	listeners   []func(*domain.Config)
}

func New(configDirOrPath string, versions ...string) (*AppConfig, error) {
	version := "dev"
	if len(versions) > 0 && strings.TrimSpace(versions[0]) != "" {
		version = versions[0]
	}

	c := &AppConfig{
		viper:   viper.New(),
		Config:  &domain.Config{},
		version: version,
	}

	// precedence: TORBOX__* env, then config.toml, then defaults
	c.defaults()
	if err := c.load(configDirOrPath); err != nil {
		return nil, err
	}
	c.loadFromEnv()

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	c.Config.Version = c.version

	c.resolveDataDir()
	c.watchConfig()

	return c, nil
}

func (c *AppConfig) defaults() {
	host := "localhost"
	if detectContainer() {
		host = "0.0.0.0"
	}

	// also seeds the credential vault key, see GetEncryptionKey
	sessionSecret, err := generateSecureToken(encryptionKeySize)
	if err != nil {
		log.Error().Err(err).Msg("Failed to generate secure session secret, using fallback")
		sessionSecret = "change-me-" + fmt.Sprintf("%d", os.Getpid())
	}

	c.viper.SetDefault("host", host)
	c.viper.SetDefault("port", 7480)
	c.viper.SetDefault("baseUrl", "/")
	c.viper.SetDefault("sessionSecret", sessionSecret)
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
	c.viper.SetDefault("dataDir", "")
	c.viper.SetDefault("pprofEnabled", false)
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("metricsHost", "127.0.0.1")
	c.viper.SetDefault("metricsPort", 9074)
	c.viper.SetDefault("metricsBasicAuthUsers", "")

	// Remote services
	c.viper.SetDefault("torboxBaseUrl", "https://api.torbox.app/v1/api")
	c.viper.SetDefault("torboxTimeoutSeconds", 30)
	c.viper.SetDefault("linkCacheMinutes", 10)
	c.viper.SetDefault("multiupBaseUrl", "https://multiup.io/api")

	// Preferences storage
	c.viper.SetDefault("kvBackend", "sqlite")
	c.viper.SetDefault("redisAddr", "127.0.0.1:6379")
	c.viper.SetDefault("redisPassword", "")
	c.viper.SetDefault("redisDb", 0)

	// Bulk transfers
	c.viper.SetDefault("bulkConcurrency", 3)
	c.viper.SetDefault("mirrorSpacingMs", 2000)
	c.viper.SetDefault("downloadMaxAttempts", 3)
	c.viper.SetDefault("downloadBaseDelayMs", 1000)
	c.viper.SetDefault("mirrorMaxAttempts", 5)
	c.viper.SetDefault("mirrorBaseDelayMs", 1000)
	c.viper.SetDefault("mirrorBackoff", "exponential")
	c.viper.SetDefault("historyLimit", 200)
}

func (c *AppConfig) load(configDirOrPath string) error {
	c.viper.SetConfigType("toml")

	if configDirOrPath != "" {
		configPath := c.resolveConfigPath(configDirOrPath)
		c.viper.SetConfigFile(configPath)

		if err := c.viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				if err := c.writeDefaultConfig(configPath); err != nil {
					return err
				}
				if err := c.viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read newly created config: %w", err)
				}
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		// ./config.toml wins over the per-user directory
		c.viper.SetConfigName("config")
		c.viper.AddConfigPath(".")
		c.viper.AddConfigPath(GetDefaultConfigDir())

		if err := c.viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				generated := filepath.Join(GetDefaultConfigDir(), "config.toml")
				if err := c.writeDefaultConfig(generated); err != nil {
					return err
				}
				c.viper.SetConfigFile(generated)
				if err := c.viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read newly created config: %w", err)
				}
				c.dataDir = filepath.Dir(generated)
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	return nil
}

// envKeys maps config keys to their TORBOX__ variable. Only these are read from the
// environment; AutomaticEnv would also pick up orchestrator-injected TORBOX_* names.
var envKeys = map[string]string{
	"host":                  "HOST",
	"port":                  "PORT",
	"baseUrl":               "BASE_URL",
	"logLevel":              "LOG_LEVEL",
	"logPath":               "LOG_PATH",
	"logMaxSize":            "LOG_MAX_SIZE",
	"logMaxBackups":         "LOG_MAX_BACKUPS",
	"dataDir":               "DATA_DIR",
	"pprofEnabled":          "PPROF_ENABLED",
	"metricsEnabled":        "METRICS_ENABLED",
	"metricsHost":           "METRICS_HOST",
	"metricsPort":           "METRICS_PORT",
	"metricsBasicAuthUsers": "METRICS_BASIC_AUTH_USERS",
	"torboxBaseUrl":         "TORBOX_BASE_URL",
	"torboxTimeoutSeconds":  "TORBOX_TIMEOUT_SECONDS",
	"linkCacheMinutes":      "LINK_CACHE_MINUTES",
	"multiupBaseUrl":        "MULTIUP_BASE_URL",
	"kvBackend":             "KV_BACKEND",
	"redisAddr":             "REDIS_ADDR",
	"redisDb":               "REDIS_DB",
	"bulkConcurrency":       "BULK_CONCURRENCY",
	"mirrorSpacingMs":       "MIRROR_SPACING_MS",
	"downloadMaxAttempts":   "DOWNLOAD_MAX_ATTEMPTS",
	"downloadBaseDelayMs":   "DOWNLOAD_BASE_DELAY_MS",
	"mirrorMaxAttempts":     "MIRROR_MAX_ATTEMPTS",
	"mirrorBaseDelayMs":     "MIRROR_BASE_DELAY_MS",
	"mirrorBackoff":         "MIRROR_BACKOFF",
	"historyLimit":          "HISTORY_LIMIT",
}

// secretEnvKeys additionally accept a <VAR>_FILE pointing at a mounted secret.
var secretEnvKeys = map[string]string{
	"sessionSecret": "SESSION_SECRET",
	"redisPassword": "REDIS_PASSWORD",
}

func (c *AppConfig) loadFromEnv() {
	for key, name := range envKeys {
		c.viper.BindEnv(key, envPrefix+name)
	}
	for key, name := range secretEnvKeys {
		c.bindOrReadFromFile(key, envPrefix+name)
	}
}

func (c *AppConfig) watchConfig() {
	c.viper.WatchConfig()
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Msgf("Config file changed: %s", e.Name)

		if err := c.viper.Unmarshal(c.Config); err != nil {
			log.Error().Err(err).Msg("Failed to reload configuration")
			return
		}
		c.applyDynamicChanges()
	})
}

func (c *AppConfig) applyDynamicChanges() {
	c.Config.Version = c.version
	c.ApplyLogConfig()

	c.notifyListeners()
}

// RegisterReloadListener registers a callback that's invoked when the configuration file is reloaded.
func (c *AppConfig) RegisterReloadListener(fn func(*domain.Config)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *AppConfig) notifyListeners() {
	c.listenersMu.RLock()
	listeners := append([]func(*domain.Config){}, c.listeners...)
	c.listenersMu.RUnlock()

	if len(listeners) == 0 {
		return
	}

	copied := *c.Config
	for _, listener := range listeners {
		listener(&copied)
	}
}

func (c *AppConfig) writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		log.Debug().Msgf("Config file already exists at: %s", path)
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	log.Debug().Msgf("Created config directory: %s", dir)

	configTemplate := `# torbox-manager configuration
# Written on first start. Commented keys show their default value.
# Every key can also be set through a TORBOX__<KEY> environment variable.

## Server

host = "{{ .host }}"   # "0.0.0.0" when started inside a container
port = {{ .port }}

# Serve the UI and API below a path prefix, e.g. behind a reverse proxy.
#baseUrl = "/torbox/"

# Seeds the key that encrypts the stored TorBox API key and Multiup password.
# Stored credentials become unreadable if this changes.
sessionSecret = "{{ .sessionSecret }}"

# Holds torbox-manager.db. Empty means the directory of this file.
#dataDir = "/var/db/torbox-manager"

## Logging

# ERROR, WARN, INFO, DEBUG or TRACE
logLevel = "{{ .logLevel }}"

# Also write logs to this file, rotated at logMaxSize megabytes.
# logMaxBackups = 0 keeps every rotated file.
#logPath = "log/torbox-manager.log"
#logMaxSize = {{ .logMaxSize }}
#logMaxBackups = {{ .logMaxBackups }}

## Metrics

# Prometheus endpoint on its own listener.
#metricsEnabled = false
#metricsHost = "127.0.0.1"
#metricsPort = 9074

# Comma separated user:bcrypt_hash pairs. Empty leaves /metrics open.
#metricsBasicAuthUsers = ""

## Remote services

#torboxBaseUrl = "{{ .torboxBaseUrl }}"
#torboxTimeoutSeconds = {{ .torboxTimeoutSeconds }}

# Minutes a resolved TorBox download link is reused. 0 turns reuse off.
#linkCacheMinutes = {{ .linkCacheMinutes }}

#multiupBaseUrl = "{{ .multiupBaseUrl }}"

## Preferences store

# "sqlite" keeps preferences in torbox-manager.db, "redis" uses redisAddr.
#kvBackend = "sqlite"
#redisAddr = "127.0.0.1:6379"
#redisPassword = ""
#redisDb = 0

## Bulk transfers
# Changes below apply to the next bulk run without a restart.

#bulkConcurrency = {{ .bulkConcurrency }}

# Milliseconds between two Multiup upload dispatches, at least.
#mirrorSpacingMs = {{ .mirrorSpacingMs }}

# Retries for download links and deletes.
#downloadMaxAttempts = 3
#downloadBaseDelayMs = 1000

# Retries for streamed mirror uploads. mirrorBackoff is "exponential" or "fixed".
#mirrorMaxAttempts = 5
#mirrorBaseDelayMs = 1000
#mirrorBackoff = "exponential"

# Mirror history rows kept, oldest dropped first.
#historyLimit = {{ .historyLimit }}
`

	data := map[string]any{
		"host":          c.viper.GetString("host"),
		"port":          c.viper.GetInt("port"),
		"sessionSecret": c.viper.GetString("sessionSecret"),
		"logLevel":      c.viper.GetString("logLevel"),
		"logMaxSize":    c.viper.GetInt("logMaxSize"),
		"logMaxBackups": c.viper.GetInt("logMaxBackups"),

		"torboxBaseUrl":        c.viper.GetString("torboxBaseUrl"),
		"torboxTimeoutSeconds": c.viper.GetInt("torboxTimeoutSeconds"),
		"linkCacheMinutes":     c.viper.GetInt("linkCacheMinutes"),
		"multiupBaseUrl":       c.viper.GetString("multiupBaseUrl"),
		"bulkConcurrency":      c.viper.GetInt("bulkConcurrency"),
		"mirrorSpacingMs":      c.viper.GetInt("mirrorSpacingMs"),
		"historyLimit":         c.viper.GetInt("historyLimit"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse config template: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Info().Msgf("Created default config file: %s", path)
	return nil
}

// GetDefaultConfigDir is $XDG_CONFIG_HOME/torbox-manager, %APPDATA%\torbox-manager on
// Windows, or ~/.config/torbox-manager. An XDG_CONFIG_HOME of /config (the container
// volume) is used as is.
func GetDefaultConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		if xdgConfig == "/config" {
			return xdgConfig
		}
		return filepath.Join(xdgConfig, appName)
	}

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, appName)
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", appName)
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", appName)
	}
}

// detectContainer reports docker or lxc markers, or running as pid 1.
func detectContainer() bool {
	for _, marker := range []string{"/.dockerenv", "/dev/.lxc-boot-id"} {
		if _, err := os.Stat(marker); err == nil {
			return true
		}
	}
	return os.Getpid() == 1
}

func generateSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate secure token: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

func (c *AppConfig) ApplyLogConfig() {
	zerolog.TimeFieldFormat = time.RFC3339

	setLogLevel(c.Config.LogLevel)

	writer := c.baseLogWriter()

	if c.Config.LogPath != "" {
		multiWriter, err := setupLogFile(c.Config.LogPath, writer, c.Config.LogMaxSize, c.Config.LogMaxBackups)
		if err != nil {
			log.Error().Err(err).Msg("Failed to setup log file")
		} else {
			writer = multiWriter
		}
	}

	log.Logger = log.Logger.Output(writer)
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Logger.Level(lvl)
}

func setupLogFile(path string, base io.Writer, maxSize, maxBackups int) (io.Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if maxSize <= 0 {
		maxSize = 50
	}

	if maxBackups < 0 {
		maxBackups = 0
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}

	return io.MultiWriter(base, rotator), nil
}

func baseLogWriter(version string) io.Writer {
	if isDevBuild(version) {
		writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		writer.PartsOrder = []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName}
		writer.FormatTimestamp = func(i any) string {
			if i == nil {
				return ""
			}
			return fmt.Sprint(i)
		}
		writer.FormatMessage = func(i any) string {
			if i == nil {
				return ""
			}
			msg := strings.TrimSpace(fmt.Sprint(i))
			if msg == "" {
				return ""
			}
			return msg
		}
		return writer
	}
	return os.Stderr
}

func (c *AppConfig) baseLogWriter() io.Writer {
	return baseLogWriter(c.version)
}

// DefaultLogWriter returns the base log writer for the provided version.
func DefaultLogWriter(version string) io.Writer {
	return baseLogWriter(version)
}

// InitDefaultLogger configures zerolog with the default writer for this version.
// This is used by CLI entry points before a configuration file is loaded.
func InitDefaultLogger(version string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Logger.Output(DefaultLogWriter(version))
}

func isDevBuild(version string) bool {
	v := strings.ToLower(strings.TrimSpace(version))
	return v == "" || v == "dev" || strings.HasSuffix(v, "-dev")
}

// resolveConfigPath accepts a *.toml path, any existing file, or a directory that
// will hold config.toml.
func (c *AppConfig) resolveConfigPath(configDirOrPath string) string {
	if strings.HasSuffix(strings.ToLower(configDirOrPath), ".toml") {
		return configDirOrPath
	}
	if info, err := os.Stat(configDirOrPath); err == nil && !info.IsDir() {
		return configDirOrPath
	}
	return filepath.Join(configDirOrPath, "config.toml")
}

// resolveDataDir prefers dataDir, then the config file's directory.
func (c *AppConfig) resolveDataDir() {
	switch {
	case c.Config.DataDir != "":
		c.dataDir = c.Config.DataDir
	case c.viper.ConfigFileUsed() != "":
		c.dataDir = filepath.Dir(c.viper.ConfigFileUsed())
	default:
		c.dataDir = "."
	}
}

func (c *AppConfig) GetDatabasePath() string {
	return filepath.Join(c.dataDir, appName+".db")
}

// GetDataDir returns the resolved data directory path.
func (c *AppConfig) GetDataDir() string {
	return c.dataDir
}

// SetDataDir overrides the resolved data directory, e.g. from --data-dir.
func (c *AppConfig) SetDataDir(dir string) {
	c.dataDir = dir
}

// GetConfigDir is the directory of the loaded config file, or the default one.
func (c *AppConfig) GetConfigDir() string {
	if c.viper.ConfigFileUsed() != "" {
		return filepath.Dir(c.viper.ConfigFileUsed())
	}
	return GetDefaultConfigDir()
}

const encryptionKeySize = 32

func WriteDefaultConfig(path string) error {
	c := &AppConfig{
		viper: viper.New(),
	}

	c.defaults()

	return c.writeDefaultConfig(path)
}

// GetEncryptionKey is the credential vault key: the first 32 bytes of the session
// secret, zero padded when shorter.
func (c *AppConfig) GetEncryptionKey() []byte {
	secret := c.Config.SessionSecret
	if len(secret) >= encryptionKeySize {
		return []byte(secret[:encryptionKeySize])
	}

	padded := make([]byte, encryptionKeySize)
	copy(padded, []byte(secret))
	return padded
}

// bindOrReadFromFile reads the value from the file named by envVar+"_FILE" when set,
// and binds envVar otherwise.
func (c *AppConfig) bindOrReadFromFile(viperVar string, envVar string) {
	envVarFile := envVar + "_FILE"
	if filePath := os.Getenv(envVarFile); filePath != "" {
		content, err := os.ReadFile(filePath)
		if err != nil {
			log.Fatal().Err(err).Str("path", filePath).Msg("Could not read " + envVarFile)
		}
		c.viper.Set(viperVar, strings.TrimSpace(string(content)))
		return
	}
	c.viper.BindEnv(viperVar, envVar)
}
