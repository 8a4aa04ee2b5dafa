// Package acp implements the client side of the Agent Client Protocol:
// newline-delimited JSON-RPC 2.0 over the stdio of one agent subprocess.
package acp

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the protocol revision declared during initialize.
const ProtocolVersion = 1

const (
	// MethodInitialize negotiates protocol version and capabilities.
	MethodInitialize = "initialize"
	// MethodNewSession asks the agent to create a session rooted at a directory.
	MethodNewSession = "session/new"
	// MethodPrompt submits one user turn to an agent session.
	MethodPrompt = "session/prompt"
	// MethodCancel asks the agent to cancel a session. Notification only.
	MethodCancel = "session/cancel"
	// MethodSessionUpdate is the agent's streaming notification method.
	MethodSessionUpdate = "session/update"
	// MethodRequestPermission is the agent-initiated approval request.
	MethodRequestPermission = "session/request_permission"
)

// CodeMethodNotFound is the JSON-RPC error code for an unhandled method.
const CodeMethodNotFound = -32601

// message is one wire-level protocol message. A request carries id and
// method, a response carries id plus result or error, a notification
// carries method alone. The id is kept raw so agent-assigned ids round-trip
// byte for byte when we answer agent-initiated requests.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (m *message) isRequest() bool {
	return m.Method != "" && len(m.ID) > 0
}

func (m *message) isNotification() bool {
	return m.Method != "" && len(m.ID) == 0
}

func (m *message) isResponse() bool {
	return m.Method == "" && len(m.ID) > 0
}

// RPCError is the error object carried by a failed response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("agent error %d: %s", e.Code, e.Message)
}

type initializeParams struct {
	ProtocolVersion int                `json:"protocolVersion"`
	Capabilities    clientCapabilities `json:"clientCapabilities"`
}

// clientCapabilities declares what this client offers the agent. The engine
// exposes no filesystem or terminal services; agents use their own tools.
type clientCapabilities struct {
	FS       fsCapability `json:"fs"`
	Terminal bool         `json:"terminal"`
}

type fsCapability struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

// InitializeResult is the agent's half of the handshake.
type InitializeResult struct {
	ProtocolVersion   int             `json:"protocolVersion"`
	AgentCapabilities json.RawMessage `json:"agentCapabilities,omitempty"`
}

type newSessionParams struct {
	Cwd        string `json:"cwd"`
	McpServers []any  `json:"mcpServers"`
}

type promptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []contentBlock `json:"prompt"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type cancelParams struct {
	SessionID string `json:"sessionId"`
}

// PromptResult is the agent's reply to a completed prompt turn.
type PromptResult struct {
	StopReason string
	Raw        json.RawMessage
}

type permissionOption struct {
	OptionID string `json:"optionId"`
	Kind     string `json:"kind"`
}

type permissionParams struct {
	Options []permissionOption `json:"options"`
}

type permissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

type permissionResult struct {
	Outcome permissionOutcome `json:"outcome"`
}

// selectPermissionOption applies the fixed non-interactive approval policy:
// an allow_always option wins, then allow_once, then the first option
// offered. An empty option list yields a cancelled outcome.
func selectPermissionOption(options []permissionOption) permissionOutcome {
	for _, kind := range []string{"allow_always", "allow_once"} {
		for _, option := range options {
			if option.Kind == kind {
				return permissionOutcome{Outcome: "selected", OptionID: option.OptionID}
			}
		}
	}
	if len(options) > 0 {
		return permissionOutcome{Outcome: "selected", OptionID: options[0].OptionID}
	}
	return permissionOutcome{Outcome: "cancelled"}
}
