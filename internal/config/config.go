// Package config loads runtime settings from layered TOML files.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	// ProtocolACP marks agents driven over the structured session protocol.
	ProtocolACP = "acp"
	// ProtocolShell marks agents run as plain one-shot commands, outside
	// the session engine.
	ProtocolShell = "shell"
)

const (
	defaultAgent           = "gemini"
	defaultEventBuffer     = 128
	defaultLogMaxSizeBytes = 10 * 1024 * 1024
	defaultLogMaxFiles     = 5
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	DefaultAgent    string
	EventBufferSize int
	Agents          map[string]AgentConfig
	LogMaxSizeBytes int64
	LogMaxFiles     int
}

// AgentConfig defines how one agent is launched and which mode it runs in.
type AgentConfig struct {
	Command  string
	Args     []string
	Env      map[string]string
	Protocol string
}

type fileConfig struct {
	DefaultAgent    *string                    `toml:"default_agent"`
	EventBufferSize *int                       `toml:"event_buffer_size"`
	LogMaxSizeMB    *int                       `toml:"log_max_size_mb"`
	LogMaxFiles     *int                       `toml:"log_max_files"`
	Agents          map[string]fileAgentConfig `toml:"agents"`
}

type fileAgentConfig struct {
	Command  *string           `toml:"command"`
	Args     []string          `toml:"args"`
	Env      map[string]string `toml:"env"`
	Protocol *string           `toml:"protocol"`
}

// Load reads config from ~/.helmsman/config.toml and overlays a
// project-local .helmsman/config.toml.
func Load(ctx context.Context) (*Config, error) {
	cfg := defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, ".helmsman", "config.toml"),
		filepath.Join(workingDir, ".helmsman", "config.toml"),
	}
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	_ = ctx
	return &cfg, nil
}

func defaults() Config {
	return Config{
		DefaultAgent:    defaultAgent,
		EventBufferSize: defaultEventBuffer,
		Agents: map[string]AgentConfig{
			// Built-in launch commands for known protocol-capable agents.
			"gemini": {
				Command:  "gemini",
				Args:     []string{"--experimental-acp"},
				Env:      map[string]string{"NODE_NO_WARNINGS": "1"},
				Protocol: ProtocolACP,
			},
			"qwen": {
				Command:  "qwen",
				Args:     []string{"--experimental-acp"},
				Env:      map[string]string{"NODE_NO_WARNINGS": "1"},
				Protocol: ProtocolACP,
			},
		},
		LogMaxSizeBytes: defaultLogMaxSizeBytes,
		LogMaxFiles:     defaultLogMaxFiles,
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	if err := applyScalarOverrides(cfg, decoded, path); err != nil {
		return err
	}
	return overlayAgentConfigs(cfg, decoded.Agents, path)
}

func applyScalarOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.DefaultAgent != nil {
		cfg.DefaultAgent = normalizeKey(*decoded.DefaultAgent)
	}
	if decoded.EventBufferSize != nil {
		if *decoded.EventBufferSize <= 0 {
			return fmt.Errorf("parse event_buffer_size in %q: must be > 0", path)
		}
		cfg.EventBufferSize = *decoded.EventBufferSize
	}
	if decoded.LogMaxSizeMB != nil {
		if *decoded.LogMaxSizeMB <= 0 {
			return fmt.Errorf("parse log_max_size_mb in %q: must be > 0", path)
		}
		cfg.LogMaxSizeBytes = int64(*decoded.LogMaxSizeMB) * 1024 * 1024
	}
	if decoded.LogMaxFiles != nil {
		if *decoded.LogMaxFiles <= 0 {
			return fmt.Errorf("parse log_max_files in %q: must be > 0", path)
		}
		cfg.LogMaxFiles = *decoded.LogMaxFiles
	}
	return nil
}

func overlayAgentConfigs(cfg *Config, agents map[string]fileAgentConfig, path string) error {
	if len(agents) == 0 {
		return nil
	}
	if cfg.Agents == nil {
		cfg.Agents = map[string]AgentConfig{}
	}

	for name, decoded := range agents {
		normalized := normalizeKey(name)
		agent := cfg.Agents[normalized]
		if agent.Protocol == "" {
			agent.Protocol = ProtocolACP
		}

		if decoded.Command != nil {
			agent.Command = strings.TrimSpace(*decoded.Command)
		}
		if decoded.Args != nil {
			agent.Args = append([]string(nil), decoded.Args...)
		}
		if decoded.Env != nil {
			agent.Env = make(map[string]string, len(decoded.Env))
			for key, value := range decoded.Env {
				agent.Env[key] = value
			}
		}
		if decoded.Protocol != nil {
			protocol := normalizeKey(*decoded.Protocol)
			if protocol != ProtocolACP && protocol != ProtocolShell {
				return fmt.Errorf(
					"parse agents.%s.protocol in %q: must be %q or %q",
					name,
					path,
					ProtocolACP,
					ProtocolShell,
				)
			}
			agent.Protocol = protocol
		}

		cfg.Agents[normalized] = agent
	}
	return nil
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
