package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gitswarm/gitswarm/log"
)

const ConfigFileName = "config.json"

// MaxAgentCeiling is the hard upper bound on concurrently running agent
// processes. Configuration may ask for less, never for more. It bounds both
// local resource usage and the aggregate external API call rate.
const MaxAgentCeiling = 5

// GetConfigDir returns the path to the application's configuration directory
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".gitswarm"), nil
}

// GetWorktreeBaseDir returns the directory under which all managed worktrees
// live, grouped by repository name.
func GetWorktreeBaseDir() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "worktrees"), nil
}

// Config represents the application configuration
type Config struct {
	// DefaultProgram is the default agent program to run in new workspaces
	DefaultProgram string `json:"default_program"`
	// BranchPrefix is prepended to workspace ids to form branch names.
	BranchPrefix string `json:"branch_prefix"`
	// MaxAgents is the concurrency limit for agent processes. Clamped to
	// MaxAgentCeiling at load time.
	MaxAgents int `json:"max_agents"`
	// OperationTimeoutSecs bounds each queued git operation's wall clock.
	OperationTimeoutSecs int `json:"operation_timeout_secs"`
	// AgentStartupTimeoutSecs bounds how long an agent may stay in the
	// starting state before it is considered wedged.
	AgentStartupTimeoutSecs int `json:"agent_startup_timeout_secs"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DefaultProgram:          "claude",
		BranchPrefix:            "workspace/",
		MaxAgents:               3,
		OperationTimeoutSecs:    60,
		AgentStartupTimeoutSecs: 30,
	}
}

// LoadConfig loads the configuration from disk. If it cannot be done, we return the default configuration.
func LoadConfig() *Config {
	configDir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return DefaultConfig()
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Create and save default config if file doesn't exist
			defaultCfg := DefaultConfig()
			if saveErr := SaveConfig(defaultCfg); saveErr != nil {
				log.WarningLog.Printf("failed to save default config: %v", saveErr)
			}
			return defaultCfg
		}

		log.WarningLog.Printf("failed to get config file: %v", err)
		return DefaultConfig()
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		log.ErrorLog.Printf("failed to parse config file: %v", err)
		return DefaultConfig()
	}

	normalize(&config)
	return &config
}

// normalize fills zero values with defaults and clamps the agent limit.
func normalize(cfg *Config) {
	def := DefaultConfig()
	if cfg.DefaultProgram == "" {
		cfg.DefaultProgram = def.DefaultProgram
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = def.BranchPrefix
	}
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = def.MaxAgents
	}
	if cfg.MaxAgents > MaxAgentCeiling {
		log.WarningLog.Printf("max_agents %d exceeds ceiling, clamping to %d", cfg.MaxAgents, MaxAgentCeiling)
		cfg.MaxAgents = MaxAgentCeiling
	}
	if cfg.OperationTimeoutSecs <= 0 {
		cfg.OperationTimeoutSecs = def.OperationTimeoutSecs
	}
	if cfg.AgentStartupTimeoutSecs <= 0 {
		cfg.AgentStartupTimeoutSecs = def.AgentStartupTimeoutSecs
	}
}

// SaveConfig saves the configuration to disk
func SaveConfig(config *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}
