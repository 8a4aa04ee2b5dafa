package session

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-dev/helmsman/internal/acp"
)

func updateEvent(params string) acp.Event {
	return acp.Event{Type: acp.EventSessionUpdate, Params: json.RawMessage(params)}
}

func TestTranslateAgentMessageChunk(t *testing.T) {
	events := translate("s1", updateEvent(
		`{"sessionId":"agent-abc","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"Hello"}}}`,
	))
	require.Len(t, events, 1)
	assert.Equal(t, EventText, events[0].Type)
	assert.Equal(t, "s1", events[0].SessionID)
	assert.Equal(t, "Hello", events[0].Text)
}

func TestTranslateEmptyChunkDropped(t *testing.T) {
	events := translate("s1", updateEvent(
		`{"update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":""}}}`,
	))
	assert.Empty(t, events)
}

func TestTranslatePlan(t *testing.T) {
	events := translate("s1", updateEvent(
		`{"update":{"sessionUpdate":"plan","entries":[{"content":"write tests","status":"completed"},{"content":"refactor"}]}}`,
	))
	require.Len(t, events, 1)
	assert.Equal(t, "Plan:\n1. [completed] write tests\n2. [pending] refactor", events[0].Text)
}

func TestTranslateToolCalls(t *testing.T) {
	cases := []struct {
		name   string
		params string
		want   string
	}{
		{
			name:   "tool call with title",
			params: `{"update":{"sessionUpdate":"tool_call","title":"Read file","status":"in_progress"}}`,
			want:   "Tool call: Read file (in_progress)",
		},
		{
			name:   "tool update falls back to id",
			params: `{"update":{"sessionUpdate":"tool_call_update","toolCallId":"call-7","status":"completed"}}`,
			want:   "Tool update: call-7 (completed)",
		},
		{
			name:   "nameless tool defaults",
			params: `{"update":{"sessionUpdate":"tool_call"}}`,
			want:   "Tool call: unnamed tool (pending)",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			events := translate("s1", updateEvent(tc.params))
			require.Len(t, events, 1)
			assert.Equal(t, tc.want, events[0].Text)
		})
	}
}

func TestTranslateUnknownUpdateKindDropped(t *testing.T) {
	events := translate("s1", updateEvent(
		`{"update":{"sessionUpdate":"current_mode_update","currentModeId":"yolo"}}`,
	))
	assert.Empty(t, events)
}

func TestTranslatePermissionRequestAdvisory(t *testing.T) {
	events := translate("s1", acp.Event{
		Type:   acp.EventPermissionRequest,
		Params: json.RawMessage(`{"toolCall":{"title":"Run command"},"options":[]}`),
	})
	require.Len(t, events, 1)
	assert.Equal(t, "Permission requested for Run command (resolved automatically)", events[0].Text)

	events = translate("s1", acp.Event{
		Type:   acp.EventPermissionRequest,
		Params: json.RawMessage(`{"options":[]}`),
	})
	require.Len(t, events, 1)
	assert.Equal(t, "Permission requested for a tool (resolved automatically)", events[0].Text)
}

func TestTranslatePromptResponse(t *testing.T) {
	events := translate("s1", acp.Event{
		Type:   acp.EventResponse,
		Method: acp.MethodPrompt,
		Result: json.RawMessage(`{"stopReason":"max_tokens"}`),
	})
	require.Len(t, events, 1)
	assert.Equal(t, EventTurnEnd, events[0].Type)
	assert.Equal(t, "max_tokens", events[0].StopReason)
	assert.Equal(t, "Prompt completed (stop reason: max_tokens)", events[0].Text)
}

func TestTranslatePromptResponseStopReasonFallbacks(t *testing.T) {
	events := translate("s1", acp.Event{
		Type:   acp.EventResponse,
		Method: acp.MethodPrompt,
		Result: json.RawMessage(`{"stop_reason":"cancelled"}`),
	})
	require.Len(t, events, 1)
	assert.Equal(t, "cancelled", events[0].StopReason)

	events = translate("s1", acp.Event{
		Type:   acp.EventResponse,
		Method: acp.MethodPrompt,
		Result: json.RawMessage(`{}`),
	})
	require.Len(t, events, 1)
	assert.Equal(t, "unknown", events[0].StopReason)
}

func TestTranslateIgnoresFailedAndForeignResponses(t *testing.T) {
	assert.Empty(t, translate("s1", acp.Event{
		Type:   acp.EventResponse,
		Method: acp.MethodPrompt,
		Err:    errors.New("boom"),
	}))
	assert.Empty(t, translate("s1", acp.Event{
		Type:   acp.EventResponse,
		Method: acp.MethodInitialize,
		Result: json.RawMessage(`{"protocolVersion":1}`),
	}))
}
