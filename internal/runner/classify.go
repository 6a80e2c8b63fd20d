package runner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ceedaragents/cyrus-sub002/pkg/runnerevent"
)

// classify is the pure function at the heart of the runner adapter: every
// vendor-specific schema is isolated here, behind one function from a raw
// stdout line to a normalized runnerevent.Event. Anything unrecognised
// becomes a Log event, per the per-vendor-schema-sprawl redesign note.
//
// errorOutputChars bounds the truncation of aggregated command output
// attached to derived error messages.
func classify(line []byte, errorOutputChars int) (runnerevent.Event, bool) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return runnerevent.Event{}, false
	}

	var envelope map[string]any
	if err := json.Unmarshal(line, &envelope); err != nil {
		return runnerevent.Event{Type: runnerevent.Log, Text: trimmed}, true
	}

	typeField, _ := envelope["type"].(string)
	typ := strings.ToLower(strings.TrimSpace(typeField))

	switch typ {
	case "session.created", "thread.started", "thread.resumed":
		id := stringField(envelope, "id", "session_id", "thread_id")
		return runnerevent.Event{Type: runnerevent.Session, SessionID: id, Text: "session " + id + " (" + typ + ")"}, true
	}

	if item, ok := envelope["item"].(map[string]any); ok {
		if ev, handled := classifyItem(typ, item, errorOutputChars); handled {
			return ev, true
		}
	}

	if isErrorEnvelope(typ, envelope) {
		return buildErrorEvent(typ, envelope, errorOutputChars), true
	}

	if containsAny(typ, "token", "status", "progress", "telemetry", "metrics") {
		return runnerevent.Event{Type: runnerevent.Log, Text: trimmed}, true
	}

	return runnerevent.Event{Type: runnerevent.Log, Text: trimmed}, true
}

func classifyItem(envelopeType string, item map[string]any, errorOutputChars int) (runnerevent.Event, bool) {
	itemType := strings.ToLower(strings.TrimSpace(stringField(item, "item_type", "type")))
	phase := envelopePhase(envelopeType) // "started", "updated", "completed", or ""

	switch {
	case itemType == "reasoning":
		return runnerevent.Event{Type: runnerevent.Thought, Text: extractText(item)}, true

	case strings.Contains(itemType, "command"), strings.Contains(itemType, "tool"),
		itemType == "file_change", itemType == "web_search":
		return runnerevent.Event{Type: runnerevent.Action, Action: buildActionDetail(itemType, phase, item)}, true

	case itemType == "assistant_response":
		return runnerevent.Event{Type: runnerevent.Response, Text: extractText(item)}, true

	case itemType == "assistant_message", itemType == "agent_message":
		text := extractText(item)
		if phase == "completed" {
			return runnerevent.Event{Type: runnerevent.Final, Text: text}, true
		}
		return runnerevent.Event{Type: runnerevent.Response, Text: text}, true
	}

	if strings.Contains(itemType, "error") {
		return buildErrorEvent(envelopeType, map[string]any{"item": item}, errorOutputChars), true
	}

	return runnerevent.Event{}, false
}

// envelopePhase extracts the lifecycle phase ("started"/"updated"/"completed")
// from a dotted envelope type like "item.completed".
func envelopePhase(envelopeType string) string {
	parts := strings.Split(envelopeType, ".")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-1]
}

func buildActionDetail(itemType, phase string, item map[string]any) *runnerevent.ActionDetail {
	name := stringField(item, "command", "tool", "name")
	if name == "" {
		name = itemType
	}
	detail := stringField(item, "command", "path", "query")

	completed := phase == "completed"
	result := ""
	if completed {
		result = stringField(item, "aggregated_output", "output", "result")
	}

	return &runnerevent.ActionDetail{
		Name:      name,
		Detail:    detail,
		ItemType:  itemType,
		ToolUseID: stringField(item, "id", "tool_use_id"),
		Result:    result,
		Ephemeral: !completed,
		IsError:   completed && isNonZeroExit(item),
	}
}

func isNonZeroExit(item map[string]any) bool {
	switch v := item["exit_code"].(type) {
	case float64:
		return v != 0
	case int:
		return v != 0
	}
	return false
}

func isErrorEnvelope(typ string, envelope map[string]any) bool {
	if strings.Contains(typ, "error") || strings.HasSuffix(typ, ".failed") {
		return true
	}
	_, hasErrObj := envelope["error"]
	return hasErrObj
}

func buildErrorEvent(typ string, envelope map[string]any, errorOutputChars int) runnerevent.Event {
	command := stringField(envelope, "command")
	exitCode := envelope["exit_code"]
	output := stringField(envelope, "aggregated_output")
	message := deriveErrorMessage(typ, command, exitCode, output, errorOutputChars)

	raw, _ := json.Marshal(envelope)
	return runnerevent.Event{
		Type: runnerevent.Error,
		Err:  &runnerevent.Error{Message: message, Cause: fmt.Errorf("%s", string(raw)), Recoverable: true},
	}
}

func deriveErrorMessage(typ, command string, exitCode any, output string, maxChars int) string {
	var b strings.Builder
	b.WriteString(typ)
	if command != "" {
		b.WriteString(": command " + command)
	}
	if exitCode != nil {
		b.WriteString(fmt.Sprintf(" (exit %v)", exitCode))
	}
	if output != "" {
		b.WriteString(": " + truncate(output, maxChars))
	}
	return b.String()
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
