// Package agent defines the shared contract every collector implements and
// the envelope format produced by each run.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Status classifies the outcome of a collector run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusError   Status = "error"
)

// Meta carries run bookkeeping alongside the collected data. The agent
// availability lists are only populated on fusion envelopes.
type Meta struct {
	DurationMS      int64    `json:"duration_ms"`
	Errors          []string `json:"errors"`
	AgentsAvailable []string `json:"agents_available,omitempty"`
	AgentsMissing   []string `json:"agents_missing,omitempty"`
}

// Envelope is the uniform record produced by every agent run and by fusion.
// Data holds the agent-specific payload serialized as JSON so envelopes can
// be stored and served without the reader knowing the concrete payload type.
type Envelope struct {
	Agent     string          `json:"agent"`
	Profile   string          `json:"profile"`
	Timestamp time.Time       `json:"timestamp"`
	Status    Status          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Meta      Meta            `json:"meta"`
}

// Payload is implemented by every agent data block. Empty reports whether the
// payload carries no useful content, which drives status classification.
type Payload interface {
	Empty() bool
}

// Collector is the contract a data-collecting agent implements.
//
// EmptyData returns a deterministic zero-value payload whose schema matches a
// successful run. Collect performs the actual work and returns the payload
// plus a list of short human-readable error strings, one per partial failure.
// Collect must not panic by contract, but Execute recovers if it does.
type Collector interface {
	Name() string
	ProfileName() string
	EmptyData() Payload
	Collect(ctx context.Context) (Payload, []string)
}

// Execute wraps a single Collect call: records wall-clock duration, recovers
// fatal panics into a single error entry, classifies the run status, and
// returns the standardized envelope. Execute never returns an error.
//
// Status rules:
//   - success: no errors and payload non-empty
//   - partial: errors present but payload carries some content
//   - error:   payload empty, or a fatal panic occurred (data is reset to
//     EmptyData so the envelope schema stays stable)
func Execute(ctx context.Context, c Collector, log zerolog.Logger) *Envelope {
	start := time.Now()

	data, errs := runCollect(ctx, c)

	status := StatusSuccess
	switch {
	case data == nil || data.Empty():
		status = StatusError
		data = c.EmptyData()
	case len(errs) > 0:
		status = StatusPartial
	}

	if errs == nil {
		errs = []string{}
	}

	raw, err := json.Marshal(data)
	if err != nil {
		// Marshal failure means the payload type is broken; degrade to the
		// empty payload rather than returning a malformed envelope.
		errs = append(errs, fmt.Sprintf("marshal: %v", err))
		status = StatusError
		raw, _ = json.Marshal(c.EmptyData())
	}

	duration := time.Since(start)

	env := &Envelope{
		Agent:     c.Name(),
		Profile:   c.ProfileName(),
		Timestamp: time.Now().UTC(),
		Status:    status,
		Data:      raw,
		Meta: Meta{
			DurationMS: duration.Milliseconds(),
			Errors:     errs,
		},
	}

	log.Info().
		Str("agent", c.Name()).
		Str("status", string(status)).
		Int64("duration_ms", env.Meta.DurationMS).
		Int("errors", len(errs)).
		Msg("Agent run complete")

	return env
}

func runCollect(ctx context.Context, c Collector) (data Payload, errs []string) {
	defer func() {
		if p := recover(); p != nil {
			data = nil
			errs = []string{fmt.Sprintf("fatal: %v", p)}
		}
	}()
	return c.Collect(ctx)
}

// DecodeData unmarshals an envelope's data block into the given payload type.
// A nil envelope yields (zero, false) so callers can treat a missing stream
// the same as missing per-asset data.
func DecodeData[T any](env *Envelope) (T, bool) {
	var out T
	if env == nil || len(env.Data) == 0 {
		return out, false
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, false
	}
	return out, true
}
