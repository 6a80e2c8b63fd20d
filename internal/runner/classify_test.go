package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus-sub002/pkg/runnerevent"
)

func mustClassify(t *testing.T, line string) runnerevent.Event {
	t.Helper()
	ev, ok := classify([]byte(line), 2000)
	require.True(t, ok, "expected an event for line %q", line)
	return ev
}

func TestClassifyBlankLineIgnored(t *testing.T) {
	_, ok := classify([]byte("   "), 2000)
	assert.False(t, ok)
}

func TestClassifyUnparseableLineBecomesLog(t *testing.T) {
	ev := mustClassify(t, "not json at all")
	assert.Equal(t, runnerevent.Log, ev.Type)
	assert.Equal(t, "not json at all", ev.Text)
}

func TestClassifySessionCreated(t *testing.T) {
	ev := mustClassify(t, `{"type":"thread.started","id":"S1"}`)
	assert.Equal(t, runnerevent.Session, ev.Type)
	assert.Equal(t, "S1", ev.SessionID)
}

func TestClassifyReasoningItemIsThought(t *testing.T) {
	ev := mustClassify(t, `{"type":"item.completed","item":{"item_type":"reasoning","text":"thinking hard"}}`)
	assert.Equal(t, runnerevent.Thought, ev.Type)
	assert.Contains(t, ev.Text, "thinking hard")
}

func TestClassifyCommandExecutionIsAction(t *testing.T) {
	ev := mustClassify(t, `{"type":"item.completed","item":{"item_type":"command_execution","command":"ls","aggregated_output":"a\nb"}}`)
	require.Equal(t, runnerevent.Action, ev.Type)
	require.NotNil(t, ev.Action)
	assert.Equal(t, "ls", ev.Action.Name)
}

func TestClassifyAssistantMessageStartedIsResponse(t *testing.T) {
	ev := mustClassify(t, `{"type":"item.started","item":{"item_type":"assistant_message","text":"working"}}`)
	assert.Equal(t, runnerevent.Response, ev.Type)
}

func TestClassifyAssistantMessageCompletedIsFinal(t *testing.T) {
	ev := mustClassify(t, `{"type":"item.completed","item":{"item_type":"assistant_message","text":"done"}}`)
	assert.Equal(t, runnerevent.Final, ev.Type)
	assert.Equal(t, "done", ev.Text)
}

func TestClassifyErrorEnvelope(t *testing.T) {
	ev := mustClassify(t, `{"type":"turn.failed","command":"go test","exit_code":1,"aggregated_output":"FAIL"}`)
	require.Equal(t, runnerevent.Error, ev.Type)
	require.NotNil(t, ev.Err)
	assert.Contains(t, ev.Err.Message, "go test")
	assert.Contains(t, ev.Err.Message, "FAIL")
}

func TestClassifyErrorOutputTruncated(t *testing.T) {
	longOutput := ""
	for i := 0; i < 300; i++ {
		longOutput += "0123456789"
	}
	ev := mustClassify(t, `{"type":"command.failed","aggregated_output":"`+longOutput+`"}`)
	require.NotNil(t, ev.Err)
	assert.Contains(t, ev.Err.Message, "truncated")
}

func TestClassifyTelemetryIsLog(t *testing.T) {
	ev := mustClassify(t, `{"type":"thread.tokenUsage.updated","value":42}`)
	assert.Equal(t, runnerevent.Log, ev.Type)
}

func TestClassifyItemIDStrippedFromText(t *testing.T) {
	ev := mustClassify(t, `{"type":"item.completed","item":{"item_type":"assistant_message","text":"see item_42 for details"}}`)
	assert.NotContains(t, ev.Text, "item_42")
}
