package sse

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterRoundTripsThroughFramer(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteRetry(5*time.Second))
	require.NoError(t, w.WriteEvent("message", []byte(`{"status":"running"}`)))
	require.NoError(t, w.WriteEvent("done", []byte("a\nb")))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, rec.Flushed)

	var got []Record
	for r, err := range Records(strings.NewReader(rec.Body.String())) {
		require.NoError(t, err)
		got = append(got, r)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "message", got[0].Event)
	assert.Equal(t, `{"status":"running"}`, string(got[0].Data))
	assert.Equal(t, "a\nb", string(got[1].Data))
}

func TestKeepaliveStopsWriting(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	stop := w.Keepalive(context.Background(), 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	stop()

	w.mu.Lock()
	body := rec.Body.String()
	w.mu.Unlock()
	assert.Contains(t, body, ": keepalive")

	time.Sleep(20 * time.Millisecond)
	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Equal(t, body, rec.Body.String())
}
