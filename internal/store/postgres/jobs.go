package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/convoxa/internal/store"
)

// EnqueueJob implements [store.JobStore]. A session can only ever have one
// job; enqueueing again is a no-op so crash-retry on the bridge side cannot
// duplicate work.
func (s *Store) EnqueueJob(ctx context.Context, job *store.ReconcileJob) error {
	turnsJSON, err := json.Marshal(emptyTurns(job.FallbackTurns))
	if err != nil {
		return fmt.Errorf("postgres store: marshal fallback turns: %w", err)
	}

	const query = `
		INSERT INTO reconcile_jobs (
			id, session_id, provider_agent_id, session_start, session_end,
			session_status, tentative_conversation_id, fallback_turns, status, due_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'pending',$9)
		ON CONFLICT (session_id) DO NOTHING`

	_, err = s.pool.Exec(ctx, query,
		job.ID, job.SessionID, job.ProviderAgentID, job.SessionStart, job.SessionEnd,
		job.SessionStatus, job.TentativeConversationID, turnsJSON, job.DueAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: enqueue job: %w", err)
	}
	return nil
}

// ClaimDueJob implements [store.JobStore]. The claim uses FOR UPDATE SKIP
// LOCKED so multiple workers (and multiple processes) can drain the queue
// without ever claiming the same job twice.
func (s *Store) ClaimDueJob(ctx context.Context, now time.Time) (*store.ReconcileJob, error) {
	const query = `
		UPDATE reconcile_jobs
		SET status = 'running', updated_at = now()
		WHERE id = (
			SELECT id FROM reconcile_jobs
			WHERE status = 'pending' AND due_at <= $1
			ORDER BY due_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, session_id, provider_agent_id, session_start, session_end,
		          session_status, tentative_conversation_id, fallback_turns,
		          status, attempts, due_at, last_err, created_at, updated_at`

	var (
		job       store.ReconcileJob
		turnsJSON []byte
	)
	err := s.pool.QueryRow(ctx, query, now).Scan(
		&job.ID, &job.SessionID, &job.ProviderAgentID, &job.SessionStart, &job.SessionEnd,
		&job.SessionStatus, &job.TentativeConversationID, &turnsJSON,
		&job.Status, &job.Attempts, &job.DueAt, &job.LastErr, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres store: claim job: %w", err)
	}
	if err := json.Unmarshal(turnsJSON, &job.FallbackTurns); err != nil {
		return nil, fmt.Errorf("postgres store: unmarshal fallback turns: %w", err)
	}
	return &job, nil
}

// CompleteJob implements [store.JobStore].
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	const query = `
		UPDATE reconcile_jobs
		SET status = 'done', last_err = '', updated_at = now()
		WHERE id = $1`

	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("postgres store: complete job %q: %w", id, err)
	}
	return nil
}

// RetryJob implements [store.JobStore].
func (s *Store) RetryJob(ctx context.Context, id string, dueAt time.Time, lastErr string) error {
	const query = `
		UPDATE reconcile_jobs
		SET status = 'pending', due_at = $2, attempts = attempts + 1,
		    last_err = $3, updated_at = now()
		WHERE id = $1`

	if _, err := s.pool.Exec(ctx, query, id, dueAt, lastErr); err != nil {
		return fmt.Errorf("postgres store: retry job %q: %w", id, err)
	}
	return nil
}

// FailJob implements [store.JobStore].
func (s *Store) FailJob(ctx context.Context, id string, lastErr string) error {
	const query = `
		UPDATE reconcile_jobs
		SET status = 'failed', last_err = $2, updated_at = now()
		WHERE id = $1`

	if _, err := s.pool.Exec(ctx, query, id, lastErr); err != nil {
		return fmt.Errorf("postgres store: fail job %q: %w", id, err)
	}
	return nil
}
