package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPClient streams agent exchanges over HTTP.
type HTTPClient struct {
	http   *http.Client
	cfg    Config
	logger *slog.Logger
}

// NewHTTPClient creates an agent client. StagingHost falls back to Host.
func NewHTTPClient(cfg Config, logger *slog.Logger) (*HTTPClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.ResponseHeaderTimeout <= 0 {
		cfg.ResponseHeaderTimeout = defaults.ResponseHeaderTimeout
	}
	if cfg.MaxErrorBodyBytes <= 0 {
		cfg.MaxErrorBodyBytes = defaults.MaxErrorBodyBytes
	}
	if cfg.StagingHost == "" {
		cfg.StagingHost = cfg.Host
	}
	for _, h := range []string{cfg.Host, cfg.StagingHost} {
		u, err := url.Parse(h)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid agent host %q", h)
		}
	}
	cfg.Host = strings.TrimRight(cfg.Host, "/")
	cfg.StagingHost = strings.TrimRight(cfg.StagingHost, "/")

	base := http.DefaultTransport.(*http.Transport).Clone()
	base.ResponseHeaderTimeout = cfg.ResponseHeaderTimeout

	// No client-wide timeout: the body is a long-lived stream bounded by ctx.
	return &HTTPClient{
		http:   &http.Client{Transport: otelhttp.NewTransport(base)},
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Host returns the base URL serving env.
func (c *HTTPClient) Host(env Environment) string {
	if env == EnvStaging {
		return c.cfg.StagingHost
	}
	return c.cfg.Host
}

// Stream posts req to the agent's message endpoint.
func (c *HTTPClient) Stream(ctx context.Context, req MessageRequest) (io.ReadCloser, error) {
	if len(req.Settings) == 0 {
		req.Settings = DefaultSettings
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal agent request: %w", err)
	}

	endpoint := c.Host(req.Environment) + "/message"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build agent request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if c.cfg.APISecret != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APISecret)
	}

	c.logger.Debug("sending agent request",
		"endpoint", endpoint,
		"application_id", req.ApplicationID,
		"trace_id", req.TraceID,
		"messages", len(req.AllMessages),
	)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Error("agent request failed", "endpoint", endpoint, "trace_id", req.TraceID, "error", err)
		return nil, unreachable(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		upErr := c.readError(resp)
		c.logger.Error("agent returned error",
			"status", resp.StatusCode,
			"trace_id", req.TraceID,
			"message", upErr.Message,
		)
		return nil, upErr
	}
	return resp.Body, nil
}

func (c *HTTPClient) readError(resp *http.Response) *UpstreamError {
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("failed to close agent error body", "error", err)
		}
	}()

	upErr := &UpstreamError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxErrorBodyBytes))
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		return upErr
	}

	if json.Valid(data) {
		upErr.Body = json.RawMessage(data)
		var body struct {
			Error   any    `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &body) == nil {
			switch v := body.Error.(type) {
			case string:
				upErr.Message = v
			default:
				if body.Message != "" {
					upErr.Message = body.Message
				}
			}
		}
		return upErr
	}
	upErr.Message = strings.TrimSpace(string(data))
	return upErr
}

// Health issues GET {host}/health against the production host.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Host+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("health check failed: %s", resp.Status)
	}
	return nil
}
