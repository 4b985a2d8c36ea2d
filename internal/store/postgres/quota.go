package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/convoxa/internal/store"
)

// dailyWindow is the length of the agent daily-cap window.
const dailyWindow = 24 * time.Hour

// DebitTick implements [store.QuotaStore]. All four quota dimensions are
// checked and debited inside a single transaction with row locks, so
// concurrent sessions of the same tenant or agent cannot overspend.
//
// Rows are locked in tenant → agent → session order; every caller takes them
// in the same order, which rules out lock cycles.
//
// When the agent's daily window has elapsed the roll is committed even if the
// tick itself breaches, so the reset is never lost.
func (s *Store) DebitTick(ctx context.Context, tenantID, agentID, sessionID string) (store.BreachDimension, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return store.BreachNone, fmt.Errorf("postgres store: debit tick: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT token_balance FROM tenants WHERE id = $1 FOR UPDATE`,
		tenantID,
	).Scan(&balance)
	if err != nil {
		return store.BreachNone, fmt.Errorf("postgres store: debit tick: lock tenant %q: %w", tenantID, err)
	}

	var (
		perCallCap  int64
		overallCap  int64
		overallUsed int64
		dailyCap    int64
		dailyUsed   int64
		windowStart time.Time
	)
	err = tx.QueryRow(ctx,
		`SELECT per_call_token_cap, overall_cap, overall_used,
		        daily_cap, daily_used, daily_window_start
		 FROM agents WHERE id = $1 FOR UPDATE`,
		agentID,
	).Scan(&perCallCap, &overallCap, &overallUsed, &dailyCap, &dailyUsed, &windowStart)
	if err != nil {
		return store.BreachNone, fmt.Errorf("postgres store: debit tick: lock agent %q: %w", agentID, err)
	}

	var sessionTokens int64
	err = tx.QueryRow(ctx,
		`SELECT tokens_consumed FROM sessions WHERE id = $1 FOR UPDATE`,
		sessionID,
	).Scan(&sessionTokens)
	if err != nil {
		return store.BreachNone, fmt.Errorf("postgres store: debit tick: lock session %q: %w", sessionID, err)
	}

	now := time.Now().UTC()
	if now.Sub(windowStart) >= dailyWindow {
		dailyUsed = 0
		windowStart = now
		_, err = tx.Exec(ctx,
			`UPDATE agents SET daily_used = 0, daily_window_start = $2 WHERE id = $1`,
			agentID, windowStart,
		)
		if err != nil {
			return store.BreachNone, fmt.Errorf("postgres store: debit tick: roll daily window: %w", err)
		}
	}

	breach := store.BreachNone
	switch {
	case balance < 1:
		breach = store.BreachTenantBalance
	case overallCap > 0 && overallUsed+1 > overallCap:
		breach = store.BreachAgentOverall
	case dailyCap > 0 && dailyUsed+1 > dailyCap:
		breach = store.BreachAgentDaily
	case perCallCap > 0 && sessionTokens+1 > perCallCap:
		breach = store.BreachPerCall
	}

	if breach == store.BreachNone {
		_, err = tx.Exec(ctx,
			`UPDATE tenants SET token_balance = token_balance - 1, updated_at = now() WHERE id = $1`,
			tenantID,
		)
		if err != nil {
			return store.BreachNone, fmt.Errorf("postgres store: debit tick: debit tenant: %w", err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE agents SET overall_used = overall_used + 1, daily_used = daily_used + 1 WHERE id = $1`,
			agentID,
		)
		if err != nil {
			return store.BreachNone, fmt.Errorf("postgres store: debit tick: debit agent: %w", err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE sessions SET tokens_consumed = tokens_consumed + 1 WHERE id = $1`,
			sessionID,
		)
		if err != nil {
			return store.BreachNone, fmt.Errorf("postgres store: debit tick: debit session: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return store.BreachNone, fmt.Errorf("postgres store: debit tick: commit: %w", err)
	}
	return breach, nil
}
