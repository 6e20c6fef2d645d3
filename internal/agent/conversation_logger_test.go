package agent

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEntries(t *testing.T, path string) []ConversationLogEvent {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []ConversationLogEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e ConversationLogEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		out = append(out, e)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestConversationLogger_ExchangeRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	global := filepath.Join(dir, "all.ndjson")
	logger, err := NewConversationLogger(ConversationLogConfig{
		Enabled:       true,
		Dir:           dir,
		GlobalEnabled: true,
		GlobalPath:    global,
		QueueSize:     8,
	}, nil)
	require.NoError(t, err)

	logger.Log(ConversationLogEvent{
		UserID: "u-7", ApplicationID: "app-42", TraceID: "app-app-42.req-1",
		Channel: "web", Direction: "inbound", EventType: "user_message",
		ContentRaw: "add a login page",
	})
	logger.Log(ConversationLogEvent{
		UserID: "u-7", ApplicationID: "app-42", TraceID: "app-app-42.req-1",
		Channel: "web", Direction: "outbound", EventType: "agent_event",
		ContentRaw: "\x1b[32mdone\x1b[0m\r\n",
	})
	require.NoError(t, logger.Close())

	entries := readEntries(t, filepath.Join(dir, "u-7", "app-42.ndjson"))
	require.Len(t, entries, 2)
	assert.Equal(t, "inbound", entries[0].Direction)
	assert.Equal(t, "add a login page", entries[0].Content)
	assert.Equal(t, "done", entries[1].Content)
	assert.False(t, entries[1].Timestamp.IsZero())

	assert.Len(t, readEntries(t, global), 2)
}

func TestConversationLogger_UnsafeIdentifiers(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{Enabled: true, Dir: dir}, nil)
	require.NoError(t, err)

	logger.Log(ConversationLogEvent{UserID: "../../etc", EventType: "agent_event"})
	logger.Log(ConversationLogEvent{ApplicationID: "a b", EventType: "agent_event"})
	require.NoError(t, logger.Close())

	assert.FileExists(t, filepath.Join(dir, "_.._etc", "unassigned.ndjson"))
	assert.FileExists(t, filepath.Join(dir, "anonymous", "a_b.ndjson"))

	// dropped silently once closed
	logger.Log(ConversationLogEvent{UserID: "late"})
	assert.NoDirExists(t, filepath.Join(dir, "late"))
}

func TestConversationLogger_DisabledReturnsNoop(t *testing.T) {
	t.Parallel()

	logger, err := NewConversationLogger(ConversationLogConfig{}, nil)
	require.NoError(t, err)
	assert.IsType(t, noopConversationLogger{}, logger)
	assert.NoError(t, logger.Close())
}

func TestCleanForReadability(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"\x1b[1;31mfailed\x1b[0m step": "failed step",
		"\x1b]0;title\x07body":         "body",
		"  line one\r\nline two\x00 ":  "line one\nline two",
	}
	for in, want := range cases {
		assert.Equal(t, want, cleanForReadability(in), "input %q", in)
	}
}
