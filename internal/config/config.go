// Package config loads the backend's layered configuration: compiled-in
// defaults, an optional TOML file, and environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved, immutable configuration consumed by every
// other component. The one setting read from the environment outside this
// package is IAT_MASTER_KEY, which secretvault.KeyProvider reads itself.
type Config struct {
	DBPath           string
	MasterKeyFile    string
	ProjectsBaseDir  string
	ExportsBaseDir   string
	ConfigFileUsed   string
	DaemonLockFile   string
	LogFile          string

	SecretService string
	SecretAccount string

	AgentAPIURL   string
	AgentAPIToken string

	PollInterval        time.Duration
	WorkerID            string
	MaxLockedSeconds    int
	RetryBackoffSeconds int
	MaxAttempts         int
	DispatchTimeout     time.Duration
	DispatchRetries     int
}

const (
	envMasterKey       = "IAT_MASTER_KEY"
	envMasterKeyFile   = "IAT_MASTER_KEY_FILE"
	envSecretService   = "IAT_SECRET_SERVICE"
	envSecretAccount   = "IAT_SECRET_ACCOUNT"
	envAgentAPIURL     = "IAT_AGENT_API_URL"
	envAgentAPIToken   = "IAT_AGENT_API_TOKEN"
	envDBPath          = "IAT_DB_PATH"
	envProjectsBaseDir = "IAT_PROJECTS_BASE_DIR"
	envExportsBaseDir  = "IAT_EXPORTS_BASE_DIR"
	envPollInterval    = "IAT_POLL_INTERVAL_SECONDS"
	envWorkerID        = "IAT_WORKER_ID"

	// DefaultSecretService and DefaultSecretAccount name the OS secret-service
	// entry used to store/retrieve the master key. It is consulted when
	// IAT_MASTER_KEY is empty, before the key file.
	DefaultSecretService = "iat-toolkit"
	DefaultSecretAccount = "backend-master-key"
)

// Load builds a Config by layering compiled-in defaults, an optional TOML
// config file (configPath, or "var/backend/config.toml" if empty and
// present), and environment variables, in that order of increasing
// precedence.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	v.SetDefault("db_path", "var/backend/app.db")
	v.SetDefault("master_key_file", "var/backend/master.key")
	v.SetDefault("projects_base_dir", "var/projects")
	v.SetDefault("exports_base_dir", "var/exports")
	v.SetDefault("daemon_lock_file", "var/backend/daemon.lock")
	v.SetDefault("log_file", "var/backend/backend.log")
	v.SetDefault("secret_service", DefaultSecretService)
	v.SetDefault("secret_account", DefaultSecretAccount)
	v.SetDefault("agent_api_url", "")
	v.SetDefault("agent_api_token", "")
	v.SetDefault("poll_interval_seconds", 2)
	v.SetDefault("worker_id", defaultWorkerID())
	v.SetDefault("max_locked_seconds", 300)
	v.SetDefault("retry_backoff_seconds", 5)
	v.SetDefault("max_attempts", 3)
	v.SetDefault("dispatch_timeout_seconds", 20)
	v.SetDefault("dispatch_retries", 2)

	configFileSet := false
	if configPath != "" {
		v.SetConfigFile(configPath)
		configFileSet = true
	} else if _, err := os.Stat("var/backend/config.toml"); err == nil {
		v.SetConfigFile("var/backend/config.toml")
		configFileSet = true
	}

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	for key, env := range map[string]string{
		"master_key_file":       envMasterKeyFile,
		"secret_service":        envSecretService,
		"secret_account":        envSecretAccount,
		"agent_api_url":         envAgentAPIURL,
		"agent_api_token":       envAgentAPIToken,
		"db_path":               envDBPath,
		"projects_base_dir":     envProjectsBaseDir,
		"exports_base_dir":      envExportsBaseDir,
		"poll_interval_seconds": envPollInterval,
		"worker_id":             envWorkerID,
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding env %s: %w", env, err)
		}
	}

	cfg := &Config{
		DBPath:              v.GetString("db_path"),
		MasterKeyFile:       v.GetString("master_key_file"),
		ProjectsBaseDir:     v.GetString("projects_base_dir"),
		ExportsBaseDir:      v.GetString("exports_base_dir"),
		DaemonLockFile:      v.GetString("daemon_lock_file"),
		LogFile:             v.GetString("log_file"),
		SecretService:       v.GetString("secret_service"),
		SecretAccount:       v.GetString("secret_account"),
		AgentAPIURL:         v.GetString("agent_api_url"),
		AgentAPIToken:       v.GetString("agent_api_token"),
		PollInterval:        time.Duration(v.GetInt("poll_interval_seconds")) * time.Second,
		WorkerID:            v.GetString("worker_id"),
		MaxLockedSeconds:    v.GetInt("max_locked_seconds"),
		RetryBackoffSeconds: v.GetInt("retry_backoff_seconds"),
		MaxAttempts:         v.GetInt("max_attempts"),
		DispatchTimeout:     time.Duration(v.GetInt("dispatch_timeout_seconds")) * time.Second,
		DispatchRetries:     v.GetInt("dispatch_retries"),
	}
	if configFileSet {
		cfg.ConfigFileUsed = v.ConfigFileUsed()
	}

	for _, p := range []*string{&cfg.DBPath, &cfg.MasterKeyFile, &cfg.ProjectsBaseDir, &cfg.ExportsBaseDir, &cfg.DaemonLockFile, &cfg.LogFile} {
		if abs, err := filepath.Abs(*p); err == nil {
			*p = abs
		}
	}

	return cfg, nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}
