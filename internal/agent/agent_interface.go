package agent

import (
	"context"
	"io"
)

// Streamer opens streamed exchanges with the agent.
type Streamer interface {
	// Stream posts req and returns the event-stream body. Non-2xx responses
	// and transport failures are returned as *UpstreamError before any body
	// is handed out.
	Stream(ctx context.Context, req MessageRequest) (io.ReadCloser, error)

	// Health checks that the agent host answers.
	Health(ctx context.Context) error
}

// Ensure HTTPClient implements Streamer.
var _ Streamer = (*HTTPClient)(nil)
