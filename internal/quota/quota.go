// Package quota enforces the platform's token budget on conversation
// sessions.
//
// Two operations cover the whole lifecycle. [Enforcer.Admit] runs once at
// admission and checks every quota dimension synchronously against the
// resolved snapshot. [Enforcer.Meter] runs for the duration of a session and
// debits one token per tick through the store's atomic check-then-debit
// transaction; the first dimension a debit would violate terminates the
// session with that dimension's reason.
//
// Metering is cooperative: the meter observes the session context and the
// bridge observes the meter's returned reason, so either side can stop the
// other without forceful teardown.
package quota

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/convoxa/internal/agent"
	"github.com/MrWong99/convoxa/internal/observe"
	"github.com/MrWong99/convoxa/internal/store"
)

// Reason is the machine-readable admission or termination reason derived
// from a quota dimension.
type Reason string

const (
	// ReasonNone means no dimension was breached.
	ReasonNone Reason = ""

	// ReasonTenantBalance: the tenant's token balance is exhausted.
	ReasonTenantBalance Reason = "tenant_balance_exhausted"

	// ReasonAgentOverall: the agent's lifetime token cap is reached.
	ReasonAgentOverall Reason = "agent_overall_cap_reached"

	// ReasonAgentDaily: the agent's daily token cap is reached.
	ReasonAgentDaily Reason = "agent_daily_cap_reached"

	// ReasonPerCall: the session's own token cap is reached.
	ReasonPerCall Reason = "per_call_cap_reached"
)

// DefaultTokensPerMinute is substituted when the configured metering rate is
// zero or negative.
const DefaultTokensPerMinute = 10

// dailyWindow is the length of the agent's daily quota window.
const dailyWindow = 24 * time.Hour

// reasonForBreach maps a store breach dimension to its reason code.
func reasonForBreach(b store.BreachDimension) Reason {
	switch b {
	case store.BreachTenantBalance:
		return ReasonTenantBalance
	case store.BreachAgentOverall:
		return ReasonAgentOverall
	case store.BreachAgentDaily:
		return ReasonAgentDaily
	case store.BreachPerCall:
		return ReasonPerCall
	default:
		return ReasonNone
	}
}

// Enforcer performs admission checks and runs per-session meters.
// Safe for concurrent use; one Enforcer serves all sessions.
type Enforcer struct {
	store   store.QuotaStore
	rate    atomic.Int64
	metrics *observe.Metrics
}

// NewEnforcer creates an Enforcer debiting tokensPerMinute tokens per minute
// of conversation. Rates <= 0 fall back to [DefaultTokensPerMinute].
func NewEnforcer(st store.QuotaStore, tokensPerMinute int) *Enforcer {
	e := &Enforcer{
		store:   st,
		metrics: observe.DefaultMetrics(),
	}
	e.SetRate(tokensPerMinute)
	return e
}

// SetRate changes the metering rate for sessions admitted from now on.
// Meters already running keep the interval they started with. Rates <= 0
// fall back to [DefaultTokensPerMinute].
func (e *Enforcer) SetRate(tokensPerMinute int) {
	if tokensPerMinute <= 0 {
		tokensPerMinute = DefaultTokensPerMinute
	}
	e.rate.Store(int64(tokensPerMinute))
}

// TickInterval returns the metering period derived from the configured rate.
func (e *Enforcer) TickInterval() time.Duration {
	return time.Duration(int64(time.Minute) / e.rate.Load())
}

// Admit checks every quota dimension against the snapshot and reports the
// first breached one, or ReasonNone when the session may start.
//
// The daily counter is evaluated as already rolled when its window has
// elapsed; the actual reset is written by the first meter tick. The per-call
// counter starts at zero, so a positive per-call cap can never deny
// admission.
func (e *Enforcer) Admit(ctx context.Context, snap *agent.Snapshot) Reason {
	reason := ReasonNone
	switch {
	case snap.Tenant.TokenBalance <= 0:
		reason = ReasonTenantBalance
	case snap.OverallCap > 0 && snap.OverallUsed >= snap.OverallCap:
		reason = ReasonAgentOverall
	case snap.DailyCap > 0 && time.Since(snap.DailyWindowStart) < dailyWindow && snap.DailyUsed >= snap.DailyCap:
		reason = ReasonAgentDaily
	}
	if reason != ReasonNone {
		e.metrics.RecordQuotaBreach(ctx, string(reason))
		slog.Info("session admission denied",
			"agent_id", snap.AgentID,
			"tenant_id", snap.TenantID,
			"reason", string(reason))
	}
	return reason
}

// Meter debits one token per tick until ctx is cancelled or a quota
// dimension breaches. It blocks; run it on its own goroutine. The return
// value is ReasonNone when the session ended first and the breached
// dimension's reason otherwise.
//
// A transient store failure skips the tick and is retried on the next one;
// the dimensions themselves are only ever evaluated inside the store's
// transaction.
func (e *Enforcer) Meter(ctx context.Context, tenantID, agentID, sessionID string) Reason {
	interval := e.TickInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Debug("meter started",
		"session_id", sessionID,
		"interval", interval.String())

	for {
		select {
		case <-ctx.Done():
			return ReasonNone
		case <-ticker.C:
			breach, err := e.store.DebitTick(ctx, tenantID, agentID, sessionID)
			if err != nil {
				if ctx.Err() != nil {
					return ReasonNone
				}
				slog.Warn("meter tick failed, skipping",
					"session_id", sessionID,
					"error", err)
				continue
			}
			if breach != store.BreachNone {
				reason := reasonForBreach(breach)
				e.metrics.RecordQuotaBreach(ctx, breach.String())
				slog.Info("quota breached, requesting session termination",
					"session_id", sessionID,
					"dimension", breach.String())
				return reason
			}
			e.metrics.RecordTick(ctx, tenantID)
		}
	}
}
