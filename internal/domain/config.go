// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

type Config struct {
	Version               string
	Host                  string `toml:"host" mapstructure:"host"`
	Port                  int    `toml:"port" mapstructure:"port"`
	BaseURL               string `toml:"baseUrl" mapstructure:"baseUrl"`
	SessionSecret         string `toml:"sessionSecret" mapstructure:"sessionSecret"`
	LogLevel              string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath               string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize            int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups         int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir               string `toml:"dataDir" mapstructure:"dataDir"`
	PprofEnabled          bool   `toml:"pprofEnabled" mapstructure:"pprofEnabled"`
	MetricsEnabled        bool   `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost           string `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort           int    `toml:"metricsPort" mapstructure:"metricsPort"`
	MetricsBasicAuthUsers string `toml:"metricsBasicAuthUsers" mapstructure:"metricsBasicAuthUsers"`

	// Remote services
	TorboxBaseURL        string `toml:"torboxBaseUrl" mapstructure:"torboxBaseUrl"`
	TorboxTimeoutSeconds int    `toml:"torboxTimeoutSeconds" mapstructure:"torboxTimeoutSeconds"`
	LinkCacheMinutes     int    `toml:"linkCacheMinutes" mapstructure:"linkCacheMinutes"`
	MultiupBaseURL       string `toml:"multiupBaseUrl" mapstructure:"multiupBaseUrl"`

	// Preferences storage
	KVBackend     string `toml:"kvBackend" mapstructure:"kvBackend"`
	RedisAddr     string `toml:"redisAddr" mapstructure:"redisAddr"`
	RedisPassword string `toml:"redisPassword" mapstructure:"redisPassword"`
	RedisDB       int    `toml:"redisDb" mapstructure:"redisDb"`

	// Bulk transfers
	BulkConcurrency     int    `toml:"bulkConcurrency" mapstructure:"bulkConcurrency"`
	MirrorSpacingMs     int    `toml:"mirrorSpacingMs" mapstructure:"mirrorSpacingMs"`
	DownloadMaxAttempts int    `toml:"downloadMaxAttempts" mapstructure:"downloadMaxAttempts"`
	DownloadBaseDelayMs int    `toml:"downloadBaseDelayMs" mapstructure:"downloadBaseDelayMs"`
	MirrorMaxAttempts   int    `toml:"mirrorMaxAttempts" mapstructure:"mirrorMaxAttempts"`
	MirrorBaseDelayMs   int    `toml:"mirrorBaseDelayMs" mapstructure:"mirrorBaseDelayMs"`
	MirrorBackoff       string `toml:"mirrorBackoff" mapstructure:"mirrorBackoff"`
	HistoryLimit        int    `toml:"historyLimit" mapstructure:"historyLimit"`
}
