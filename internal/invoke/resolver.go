// Package invoke resolves configured agent identifiers into launchable
// subprocess invocations.
package invoke

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/helmsman-dev/helmsman/internal/config"
)

var (
	// ErrUnknownAgent is returned for an identifier with no definition.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrUnsupportedProtocol is returned for agents that do not speak the
	// structured session protocol. Shell-mode agents run elsewhere.
	ErrUnsupportedProtocol = errors.New("agent does not support structured sessions")
)

// Invocation is everything needed to spawn one agent subprocess.
// Immutable once built.
type Invocation struct {
	Executable string
	Args       []string
	Env        map[string]string
	WorkDir    string
}

// Resolver maps agent identifiers to invocations using the configured
// agent definition table.
type Resolver struct {
	agents map[string]config.AgentConfig
}

// NewResolver builds a resolver over the configuration's agent table.
func NewResolver(cfg *config.Config) (*Resolver, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	agents := make(map[string]config.AgentConfig, len(cfg.Agents))
	for name, definition := range cfg.Agents {
		agents[normalizeKey(name)] = definition
	}
	return &Resolver{agents: agents}, nil
}

// Resolve returns the invocation for one agent rooted at workdir.
func (r *Resolver) Resolve(agentID, workdir string) (Invocation, error) {
	if r == nil {
		return Invocation{}, errors.New("resolver is nil")
	}
	if strings.TrimSpace(workdir) == "" {
		return Invocation{}, errors.New("working directory is required")
	}

	definition, ok := r.agents[normalizeKey(agentID)]
	if !ok {
		return Invocation{}, fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
	}
	if definition.Protocol != config.ProtocolACP {
		return Invocation{}, fmt.Errorf(
			"%w: %q runs in %s mode",
			ErrUnsupportedProtocol,
			agentID,
			definition.Protocol,
		)
	}
	if strings.TrimSpace(definition.Command) == "" {
		return Invocation{}, fmt.Errorf("%w: %q has no launch command", ErrUnknownAgent, agentID)
	}

	env := make(map[string]string, len(definition.Env))
	for name, value := range definition.Env {
		env[name] = value
	}
	return Invocation{
		Executable: definition.Command,
		Args:       append([]string(nil), definition.Args...),
		Env:        env,
		WorkDir:    workdir,
	}, nil
}

// Agents lists known agent identifiers in sorted order.
func (r *Resolver) Agents() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
