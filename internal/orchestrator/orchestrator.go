// Package orchestrator drives the collection loop: every interval it runs
// each agent in sequence, fuses the results, and triggers the slower
// background passes (LLM sentiment, performance snapshots and grading) that
// gate themselves on stored bookmarks.
package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/manavaga/web3-signals/internal/agent"
	"github.com/manavaga/web3-signals/internal/fusion"
	"github.com/manavaga/web3-signals/internal/llm"
	"github.com/manavaga/web3-signals/internal/metrics"
	"github.com/manavaga/web3-signals/internal/performance"
	"github.com/manavaga/web3-signals/internal/storage"
)

const defaultInitialDelay = 5 * time.Second

// CycleResult summarizes one full pipeline run.
type CycleResult struct {
	AgentStatuses map[string]agent.Status
	FusionStatus  agent.Status
	Duration      time.Duration
}

// Errored reports whether any agent or fusion ended in error.
func (r *CycleResult) Errored() bool {
	if r.FusionStatus == agent.StatusError {
		return true
	}
	for _, s := range r.AgentStatuses {
		if s == agent.StatusError {
			return true
		}
	}
	return false
}

type Orchestrator struct {
	collectors []agent.Collector
	fusion     *fusion.Engine
	store      storage.Store
	metrics    *metrics.Registry
	log        zerolog.Logger

	// Optional background passes; nil skips them.
	Sentiment *llm.SentimentRunner
	Tracker   *performance.Tracker

	interval     time.Duration
	initialDelay time.Duration

	stop chan struct{}
	done chan struct{}
}

func New(collectors []agent.Collector, eng *fusion.Engine, store storage.Store, m *metrics.Registry, interval time.Duration, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		collectors:   collectors,
		fusion:       eng,
		store:        store,
		metrics:      m,
		log:          log.With().Str("component", "orchestrator").Logger(),
		interval:     interval,
		initialDelay: defaultInitialDelay,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// RunCycle executes one full pipeline pass: all agents in sequence, then
// fusion, then the self-gating background passes. Individual failures are
// recorded and never abort the cycle.
func (o *Orchestrator) RunCycle(ctx context.Context) *CycleResult {
	start := time.Now()
	result := &CycleResult{AgentStatuses: map[string]agent.Status{}}

	for _, c := range o.collectors {
		agentStart := time.Now()
		env := agent.Execute(ctx, c, o.log)
		if err := o.store.Save(ctx, c.Name(), env); err != nil {
			o.log.Error().Err(err).Str("agent", c.Name()).Msg("Failed to save envelope")
			env.Status = agent.StatusError
		}
		result.AgentStatuses[c.Name()] = env.Status
		if o.metrics != nil {
			o.metrics.ObserveAgent(c.Name(), string(env.Status), time.Since(agentStart))
		}
	}

	fusionEnv, err := o.fusion.Fuse(ctx)
	if err != nil {
		o.log.Error().Err(err).Msg("Fusion failed")
		result.FusionStatus = agent.StatusError
	} else {
		result.FusionStatus = fusionEnv.Status
	}

	o.runBackgroundPasses(ctx)

	result.Duration = time.Since(start)
	status := "success"
	if result.Errored() {
		status = "error"
	}
	if o.metrics != nil {
		o.metrics.ObserveCycle(status, result.Duration)
	}

	o.log.Info().
		Str("status", status).
		Dur("duration", result.Duration).
		Str("fusion", string(result.FusionStatus)).
		Msg("Cycle complete")
	return result
}

// runBackgroundPasses triggers the slow-cadence work. Each pass gates itself
// on a stored bookmark, so calling every cycle is cheap.
func (o *Orchestrator) runBackgroundPasses(ctx context.Context) {
	if o.Sentiment != nil {
		if _, err := o.Sentiment.Run(ctx); err != nil {
			o.log.Warn().Err(err).Msg("LLM sentiment cycle failed")
		}
	}
	if o.Tracker != nil {
		if _, err := o.Tracker.RecordSnapshots(ctx); err != nil {
			o.log.Warn().Err(err).Msg("Snapshot recording failed")
		}
		if _, err := o.Tracker.EvaluateSnapshots(ctx); err != nil {
			o.log.Warn().Err(err).Msg("Snapshot evaluation failed")
		}
	}
}

// Start launches the collection loop in a goroutine. The first cycle runs
// after a short delay so the HTTP server comes up before the agents start
// hitting upstreams.
func (o *Orchestrator) Start(ctx context.Context) {
	o.log.Info().
		Dur("interval", o.interval).
		Int("agents", len(o.collectors)).
		Msg("Orchestrator starting")

	go func() {
		defer close(o.done)

		select {
		case <-time.After(o.initialDelay):
		case <-o.stop:
			return
		case <-ctx.Done():
			return
		}

		o.RunCycle(ctx)

		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.RunCycle(ctx)
			case <-o.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop signals the loop to exit and waits for the in-flight cycle to finish.
func (o *Orchestrator) Stop() {
	close(o.stop)
	<-o.done
	o.log.Info().Msg("Orchestrator stopped")
}
