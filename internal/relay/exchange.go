package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashureev/buildrelay/internal/agent"
	"github.com/ashureev/buildrelay/internal/domain"
	"github.com/ashureev/buildrelay/internal/metrics"
	"github.com/ashureev/buildrelay/internal/sse"
	"github.com/ashureev/buildrelay/internal/telemetry"
)

// Outbound event names.
const (
	EventMessage = "message"
	EventError   = "error"
	EventDone    = "done"
)

// Outbound is one record for the downstream consumer.
type Outbound struct {
	Event string
	Data  []byte
}

// DoneMarker terminates every completed outbound stream.
type DoneMarker struct {
	Done          bool   `json:"done"`
	TraceID       string `json:"traceId"`
	ApplicationID string `json:"applicationId"`
}

// StreamError reports a failure after streaming began.
type StreamError struct {
	Error   string `json:"error"`
	TraceID string `json:"traceId"`
}

// Exchange is one open agent stream.
type Exchange struct {
	ApplicationID string
	TraceID       string
	// Limit is the caller's allowance counting this message.
	Limit domain.MessageLimit

	relay        *Relay
	userID       string
	clientSource string
	parent       context.Context
	ctx          context.Context
	cancel       context.CancelFunc
	body         io.ReadCloser
	span         trace.Span
	started      time.Time

	mu      sync.Mutex
	outcome string
	applied int
	closed  bool
}

// Stream relays the agent's events in arrival order. Each decodable event is
// applied to the conversation store, indexed by trace, then yielded verbatim
// as a message record. Undecodable frames and keepalives are skipped. A
// completed stream ends with a done record; a failed read or store write is
// reported by an error record first. When the consumer stops iterating or the
// request context ends, no further store writes happen and nothing more is
// yielded. Stream closes the exchange on return and may be ranged over once.
func (x *Exchange) Stream() iter.Seq[Outbound] {
	return func(yield func(Outbound) bool) {
		defer func() { _ = x.Close() }()
		log := x.relay.logger.With("application_id", x.ApplicationID, "trace_id", x.TraceID)

		for rec, err := range sse.Records(x.body) {
			if err != nil {
				if x.parent.Err() != nil {
					x.setOutcome(metrics.OutcomeCanceled)
					return
				}
				log.Error("agent stream read failed", "error", err)
				x.finishWithError(yield, x.readFailure(err))
				return
			}
			if x.ctx.Err() != nil {
				break
			}

			ev, err := domain.ParseAgentEvent(rec.Data)
			if err != nil {
				log.Warn("skipping malformed agent frame", "error", err, "bytes", len(rec.Data))
				metrics.MalformedFrame()
				continue
			}
			if ev.Message.Kind == domain.KindKeepAlive {
				continue
			}

			if err := x.apply(ev); err != nil {
				if x.ctx.Err() != nil {
					break
				}
				log.Error("failed to store agent event", "error", err)
				x.finishWithError(yield, "failed to store conversation state")
				return
			}
			metrics.EventRelayed(string(ev.Message.Kind))
			x.relay.convLog.Log(agent.ConversationLogEvent{
				UserID:        x.userID,
				ApplicationID: x.ApplicationID,
				TraceID:       x.TraceID,
				Channel:       x.clientSource,
				Direction:     "outbound",
				EventType:     "agent_event",
				ContentRaw:    string(rec.Data),
				Meta:          map[string]string{"kind": string(ev.Message.Kind), "status": string(ev.Status)},
			})

			if !yield(Outbound{Event: EventMessage, Data: rec.Data}) {
				x.setOutcome(metrics.OutcomeCanceled)
				return
			}
			if ev.EndsExchange() {
				x.recordAgentReply(ev)
				if x.relay.cfg.StopOnIdle {
					break
				}
			}
		}

		switch {
		case x.parent.Err() != nil:
			x.setOutcome(metrics.OutcomeCanceled)
			return
		case errors.Is(x.ctx.Err(), context.DeadlineExceeded):
			log.Warn("agent exchange timed out", "timeout", x.relay.cfg.ExchangeTimeout)
			x.finishWithError(yield, "agent exchange timed out")
			return
		case x.ctx.Err() != nil:
			x.setOutcome(metrics.OutcomeCanceled)
			return
		}
		x.setOutcome(metrics.OutcomeCompleted)
		x.yieldDone(yield)
	}
}

func (x *Exchange) readFailure(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "agent exchange timed out"
	}
	return "agent stream interrupted"
}

// apply folds ev into the conversation and the trace index, making this
// exchange the conversation's current trace. Both writes are skipped once the
// exchange context is done.
func (x *Exchange) apply(ev domain.AgentEvent) error {
	store := x.relay.store
	err := store.Upsert(x.ctx, x.ApplicationID, func(rec *domain.ConversationRecord) error {
		rec.AdvanceTrace(x.TraceID)
		if _, err := rec.ApplyEvent(ev); err != nil {
			x.relay.logger.Warn("agent event content not extractable",
				"application_id", x.ApplicationID, "kind", ev.Message.Kind, "error", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	traceID := ev.TraceID
	if traceID == "" {
		traceID = x.TraceID
	}
	if err := store.PutTraceEvent(x.ctx, traceID, ev); err != nil {
		return err
	}
	if traceID != x.TraceID {
		if err := store.PutTraceEvent(x.ctx, x.TraceID, ev); err != nil {
			return err
		}
	}

	x.mu.Lock()
	x.applied++
	x.mu.Unlock()
	x.span.AddEvent("agent_event", trace.WithAttributes(telemetry.AttrEventKind.String(string(ev.Message.Kind))))
	return nil
}

func (x *Exchange) recordAgentReply(ev domain.AgentEvent) {
	for _, text := range ev.AssistantText() {
		x.relay.recordPrompt(x.ctx, x.ApplicationID, x.userID, domain.PromptKindAgent, text)
	}
}

func (x *Exchange) finishWithError(yield func(Outbound) bool, msg string) {
	x.setOutcome(metrics.OutcomeStreamError)
	x.span.SetStatus(codes.Error, msg)
	data, err := json.Marshal(StreamError{Error: msg, TraceID: x.TraceID})
	if err != nil {
		x.relay.logger.Error("failed to encode stream error", "trace_id", x.TraceID, "error", err)
		return
	}
	if !yield(Outbound{Event: EventError, Data: data}) {
		return
	}
	x.yieldDone(yield)
}

func (x *Exchange) yieldDone(yield func(Outbound) bool) {
	data, err := json.Marshal(DoneMarker{Done: true, TraceID: x.TraceID, ApplicationID: x.ApplicationID})
	if err != nil {
		x.relay.logger.Error("failed to encode done marker", "trace_id", x.TraceID, "error", err)
		return
	}
	yield(Outbound{Event: EventDone, Data: data})
}

func (x *Exchange) setOutcome(outcome string) {
	x.mu.Lock()
	x.outcome = outcome
	x.mu.Unlock()
}

// Applied returns the number of events applied to the store so far.
func (x *Exchange) Applied() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.applied
}

// Close cancels the upstream read and releases the body. It is idempotent.
func (x *Exchange) Close() error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil
	}
	x.closed = true
	outcome := x.outcome
	applied := x.applied
	x.mu.Unlock()

	x.cancel()
	err := x.body.Close()
	x.span.End()
	metrics.ExchangeFinished(outcome, time.Since(x.started))
	x.relay.logger.Info("agent exchange finished",
		"application_id", x.ApplicationID,
		"trace_id", x.TraceID,
		"outcome", outcome,
		"events", applied,
		"duration", time.Since(x.started),
	)
	return err
}
