package session

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/helmsman-dev/helmsman/internal/acp"
)

// translate turns one protocol client event into zero or more outward
// events. Update kinds with no sensible rendering are dropped; the raw
// payload stays visible in the structured log at debug level.
func translate(sessionID string, ev acp.Event) []Event {
	switch ev.Type {
	case acp.EventSessionUpdate:
		return translateUpdate(sessionID, ev.Params)
	case acp.EventPermissionRequest:
		return []Event{{
			Type:      EventText,
			SessionID: sessionID,
			Text:      permissionAdvisory(ev.Params),
		}}
	case acp.EventResponse:
		if ev.Method == acp.MethodPrompt && ev.Err == nil {
			stopReason := stopReasonFrom(ev.Result)
			return []Event{{
				Type:       EventTurnEnd,
				SessionID:  sessionID,
				StopReason: stopReason,
				Text:       fmt.Sprintf("Prompt completed (stop reason: %s)", stopReason),
			}}
		}
		return nil
	default:
		return nil
	}
}

func translateUpdate(sessionID string, params []byte) []Event {
	update := gjson.GetBytes(params, "update")
	switch update.Get("sessionUpdate").String() {
	case "agent_message_chunk":
		text := update.Get("content.text").String()
		if text == "" {
			return nil
		}
		return []Event{{Type: EventText, SessionID: sessionID, Text: text}}
	case "plan":
		return []Event{{Type: EventText, SessionID: sessionID, Text: renderPlan(update)}}
	case "tool_call":
		return []Event{{Type: EventText, SessionID: sessionID, Text: renderToolCall("Tool call", update)}}
	case "tool_call_update":
		return []Event{{Type: EventText, SessionID: sessionID, Text: renderToolCall("Tool update", update)}}
	default:
		return nil
	}
}

func renderPlan(update gjson.Result) string {
	var b strings.Builder
	b.WriteString("Plan:")
	for i, entry := range update.Get("entries").Array() {
		status := entry.Get("status").String()
		if status == "" {
			status = "pending"
		}
		fmt.Fprintf(&b, "\n%d. [%s] %s", i+1, status, entry.Get("content").String())
	}
	return b.String()
}

func renderToolCall(prefix string, update gjson.Result) string {
	title := update.Get("title").String()
	if title == "" {
		title = update.Get("toolCallId").String()
	}
	if title == "" {
		title = "unnamed tool"
	}
	status := update.Get("status").String()
	if status == "" {
		status = "pending"
	}
	return fmt.Sprintf("%s: %s (%s)", prefix, title, status)
}

func permissionAdvisory(params []byte) string {
	tool := gjson.GetBytes(params, "toolCall.title").String()
	if tool == "" {
		tool = gjson.GetBytes(params, "toolCall.toolCallId").String()
	}
	if tool == "" {
		tool = "a tool"
	}
	return fmt.Sprintf("Permission requested for %s (resolved automatically)", tool)
}

func stopReasonFrom(result []byte) string {
	if stop := gjson.GetBytes(result, "stopReason").String(); stop != "" {
		return stop
	}
	if stop := gjson.GetBytes(result, "stop_reason").String(); stop != "" {
		return stop
	}
	return "unknown"
}
