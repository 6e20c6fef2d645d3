package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contentOf(t *testing.T, turns ...ContentTurn) string {
	t.Helper()
	raw, err := json.Marshal(turns)
	require.NoError(t, err)
	return string(raw)
}

func TestParseAgentEvent(t *testing.T) {
	ev, err := ParseAgentEvent([]byte(`{"status":"running","traceId":"temp.req-1","message":{"kind":"StageResult","content":"[]","agentState":{"step":2}}}`))
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, ev.Status)
	assert.Equal(t, "temp.req-1", ev.TraceID)
	assert.True(t, ev.HasAgentState())
	assert.JSONEq(t, `{"step":2}`, string(ev.Message.AgentState))

	_, err = ParseAgentEvent([]byte(`{"status":"running","message":{}}`))
	assert.Error(t, err)

	_, err = ParseAgentEvent([]byte(`{"status":`))
	assert.Error(t, err)
}

func TestAgentEventMessagesFromContent(t *testing.T) {
	ev := AgentEvent{Message: AgentMessage{
		Kind: KindStageResult,
		Content: contentOf(t,
			ContentTurn{Role: RoleUser, Content: []ContentBlock{{Type: "text", Text: "build "}, {Type: "tool_use", Text: "x"}, {Type: "text", Text: "a todo app"}}},
			ContentTurn{Role: RoleAssistant, Content: []ContentBlock{{Type: "text", Text: "plan"}}},
		),
	}}

	msgs, err := ev.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, ConversationMessage{Role: RoleUser, Content: "build a todo app"}, msgs[0])
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.Equal(t, KindStageResult, msgs[1].Kind)
	assert.JSONEq(t, `[{"type":"text","text":"plan"}]`, msgs[1].Content)
}

func TestAgentEventMessagesPrefersMessagesField(t *testing.T) {
	ev := AgentEvent{Message: AgentMessage{
		Kind:     KindRefinementRequest,
		Content:  "not json",
		Messages: []ConversationMessage{{Role: RoleAssistant, Content: "which database?"}},
	}}

	msgs, err := ev.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, KindRefinementRequest, msgs[0].Kind)
}

func TestAgentEventMessagesMalformedContent(t *testing.T) {
	ev := AgentEvent{Message: AgentMessage{Kind: KindStageResult, Content: "{broken"}}
	_, err := ev.Messages()
	assert.Error(t, err)
	assert.Empty(t, ev.DisplayMessages())
}

func TestIsDeploymentComplete(t *testing.T) {
	ev := AgentEvent{Message: AgentMessage{Kind: KindPlatformMessage, Metadata: &EventMetadata{Type: PlatformDeploymentComplete}}}
	assert.True(t, ev.IsDeploymentComplete())

	ev.Message.Metadata.Type = PlatformRepoCreated
	assert.False(t, ev.IsDeploymentComplete())

	ev.Message.Kind = KindStageResult
	ev.Message.Metadata.Type = PlatformDeploymentComplete
	assert.False(t, ev.IsDeploymentComplete())
}

func TestTraceIDs(t *testing.T) {
	assert.Equal(t, "temp.req-r1", NewTraceID("", "r1"))
	assert.Equal(t, "app-a1.req-r2", NewTraceID("a1", "r2"))

	id, ok := ApplicationIDFromTrace("app-a1.req-r2")
	assert.True(t, ok)
	assert.Equal(t, "a1", id)

	_, ok = ApplicationIDFromTrace("temp.req-r1")
	assert.False(t, ok)
	_, ok = ApplicationIDFromTrace("garbage")
	assert.False(t, ok)
}

func TestAssistantTextAndEndsExchange(t *testing.T) {
	ev := AgentEvent{Status: StatusIdle, Message: AgentMessage{
		Kind: KindFinalResult,
		Content: contentOf(t,
			ContentTurn{Role: RoleUser, Content: []ContentBlock{{Type: "text", Text: "ignored"}}},
			ContentTurn{Role: RoleAssistant, Content: []ContentBlock{{Type: "text", Text: "done"}, {Type: "tool_use"}, {Type: "text", Text: "deployed"}}},
		),
	}}
	assert.Equal(t, []string{"done", "deployed"}, ev.AssistantText())
	assert.True(t, ev.EndsExchange())

	ev.Message.Kind = KindRefinementRequest
	assert.False(t, ev.EndsExchange())
	ev.Message.Kind = KindFinalResult
	ev.Status = StatusRunning
	assert.False(t, ev.EndsExchange())

	assert.Nil(t, AgentEvent{Message: AgentMessage{Content: "not json"}}.AssistantText())
}
