package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	work := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		if chdirErr := os.Chdir(cwd); chdirErr != nil {
			t.Fatalf("restore cwd: %v", chdirErr)
		}
	})
	if err := os.Chdir(work); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	return work
}

func writeConfig(t *testing.T, dir, contents string) {
	t.Helper()
	configDir := filepath.Join(dir, ".helmsman")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		t.Fatalf("create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	chdirTemp(t)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.DefaultAgent != defaultAgent {
		t.Fatalf("default_agent = %q, want %q", cfg.DefaultAgent, defaultAgent)
	}
	if cfg.EventBufferSize != defaultEventBuffer {
		t.Fatalf("event_buffer_size = %d, want %d", cfg.EventBufferSize, defaultEventBuffer)
	}
	if cfg.LogMaxSizeBytes != defaultLogMaxSizeBytes {
		t.Fatalf("log_max_size_bytes = %d, want %d", cfg.LogMaxSizeBytes, defaultLogMaxSizeBytes)
	}
	if cfg.LogMaxFiles != defaultLogMaxFiles {
		t.Fatalf("log_max_files = %d, want %d", cfg.LogMaxFiles, defaultLogMaxFiles)
	}

	for _, name := range []string{"gemini", "qwen"} {
		agent, ok := cfg.Agents[name]
		if !ok {
			t.Fatalf("builtin agent %q missing", name)
		}
		if agent.Protocol != ProtocolACP {
			t.Fatalf("agents.%s.protocol = %q, want %q", name, agent.Protocol, ProtocolACP)
		}
		if len(agent.Args) == 0 || agent.Args[0] != "--experimental-acp" {
			t.Fatalf("agents.%s.args = %v, want protocol flag first", name, agent.Args)
		}
		if agent.Env["NODE_NO_WARNINGS"] != "1" {
			t.Fatalf("agents.%s.env missing NODE_NO_WARNINGS", name)
		}
	}
}

func TestLoadOverlayProjectOverHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	work := chdirTemp(t)

	writeConfig(t, home, `
default_agent = "qwen"
event_buffer_size = 64

[agents.claude]
command = "claude-code"
args = ["--acp"]
protocol = "acp"
`)
	writeConfig(t, work, `
default_agent = "claude"
log_max_size_mb = 1
`)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.DefaultAgent != "claude" {
		t.Fatalf("default_agent = %q, want project override", cfg.DefaultAgent)
	}
	if cfg.EventBufferSize != 64 {
		t.Fatalf("event_buffer_size = %d, want home override 64", cfg.EventBufferSize)
	}
	if cfg.LogMaxSizeBytes != 1024*1024 {
		t.Fatalf("log_max_size_bytes = %d, want 1 MiB", cfg.LogMaxSizeBytes)
	}

	claude, ok := cfg.Agents["claude"]
	if !ok {
		t.Fatal("agents.claude missing after overlay")
	}
	if claude.Command != "claude-code" {
		t.Fatalf("agents.claude.command = %q, want claude-code", claude.Command)
	}
	if _, ok := cfg.Agents["gemini"]; !ok {
		t.Fatal("builtin gemini lost during overlay")
	}
}

func TestLoadOverlayPartialAgentKeepsRest(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	chdirTemp(t)

	writeConfig(t, home, `
[agents.gemini]
args = ["--experimental-acp", "--model", "gemini-exp"]
`)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	gemini := cfg.Agents["gemini"]
	if gemini.Command != "gemini" {
		t.Fatalf("command = %q, want builtin command kept", gemini.Command)
	}
	if len(gemini.Args) != 3 || gemini.Args[2] != "gemini-exp" {
		t.Fatalf("args = %v, want overridden args", gemini.Args)
	}
	if gemini.Env["NODE_NO_WARNINGS"] != "1" {
		t.Fatal("builtin env lost during partial overlay")
	}
}

func TestLoadNormalizesAgentNames(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	chdirTemp(t)

	writeConfig(t, home, `
default_agent = "Claude"

[agents.Claude]
command = "claude-code"
`)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DefaultAgent != "claude" {
		t.Fatalf("default_agent = %q, want lowercased", cfg.DefaultAgent)
	}
	if _, ok := cfg.Agents["claude"]; !ok {
		t.Fatal("agent name not normalized to lowercase")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name     string
		contents string
		want     string
	}{
		{
			name:     "zero buffer",
			contents: "event_buffer_size = 0\n",
			want:     "event_buffer_size",
		},
		{
			name:     "negative log size",
			contents: "log_max_size_mb = -1\n",
			want:     "log_max_size_mb",
		},
		{
			name:     "unknown protocol",
			contents: "[agents.gemini]\nprotocol = \"grpc\"\n",
			want:     "protocol",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			home := t.TempDir()
			t.Setenv("HOME", home)
			chdirTemp(t)
			writeConfig(t, home, tc.contents)

			_, err := Load(context.Background())
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %q, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestOverlayMissingFileIsIgnored(t *testing.T) {
	cfg := defaults()
	if err := overlayFromFile(&cfg, filepath.Join(t.TempDir(), "absent.toml")); err != nil {
		t.Fatalf("overlay missing file: %v", err)
	}
	if cfg.DefaultAgent != defaultAgent {
		t.Fatalf("default_agent = %q, want defaults untouched", cfg.DefaultAgent)
	}
}
