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

// CreateSession implements [store.SessionStore].
func (s *Store) CreateSession(ctx context.Context, rec *store.SessionRecord) error {
	varsJSON, err := json.Marshal(emptyStringMap(rec.Variables))
	if err != nil {
		return fmt.Errorf("postgres store: marshal session variables: %w", err)
	}

	const query = `
		INSERT INTO sessions (
			id, agent_id, tenant_id, transport, language, model,
			requested_model, model_corrected, user_id, started_at, status, variables
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

	_, err = s.pool.Exec(ctx, query,
		rec.ID, rec.AgentID, rec.TenantID, rec.Transport, rec.Language, rec.Model,
		rec.RequestedModel, rec.ModelCorrected, rec.UserID, rec.StartedAt,
		store.SessionActive, varsJSON,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("postgres store: session %q already exists", rec.ID)
		}
		return fmt.Errorf("postgres store: create session: %w", err)
	}
	rec.Status = store.SessionActive
	return nil
}

// GetSession implements [store.SessionStore]. It returns (nil, nil) when no
// session with the given id exists.
func (s *Store) GetSession(ctx context.Context, id string) (*store.SessionRecord, error) {
	const query = `
		SELECT id, agent_id, tenant_id, transport, language, model,
		       requested_model, model_corrected, user_id, started_at, ended_at,
		       status, error_code, provider_conversation_id,
		       tokens_consumed, cost, variables
		FROM sessions
		WHERE id = $1`

	var (
		rec      store.SessionRecord
		endedAt  *time.Time
		varsJSON []byte
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&rec.ID, &rec.AgentID, &rec.TenantID, &rec.Transport, &rec.Language, &rec.Model,
		&rec.RequestedModel, &rec.ModelCorrected, &rec.UserID, &rec.StartedAt, &endedAt,
		&rec.Status, &rec.ErrorCode, &rec.ProviderConversationID,
		&rec.TokensConsumed, &rec.Cost, &varsJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres store: get session %q: %w", id, err)
	}
	if endedAt != nil {
		rec.EndedAt = *endedAt
	}
	if err := json.Unmarshal(varsJSON, &rec.Variables); err != nil {
		return nil, fmt.Errorf("postgres store: unmarshal session variables: %w", err)
	}
	return &rec, nil
}

// FinishSession implements [store.SessionStore]. Only active sessions
// transition; finishing an already-terminal session changes nothing.
func (s *Store) FinishSession(ctx context.Context, id string, status store.SessionStatus, endedAt time.Time, errorCode string) error {
	if !status.Terminal() {
		return fmt.Errorf("postgres store: finish session %q: %q is not a terminal status", id, status)
	}

	const query = `
		UPDATE sessions
		SET status = $2, ended_at = $3, error_code = $4
		WHERE id = $1 AND status = 'active'`

	if _, err := s.pool.Exec(ctx, query, id, status, endedAt, errorCode); err != nil {
		return fmt.Errorf("postgres store: finish session %q: %w", id, err)
	}
	return nil
}

// MergeSessionVariables implements [store.SessionStore]. The merge happens
// inside PostgreSQL so concurrent writers cannot lose keys.
func (s *Store) MergeSessionVariables(ctx context.Context, id string, vars map[string]string) error {
	if len(vars) == 0 {
		return nil
	}
	varsJSON, err := json.Marshal(vars)
	if err != nil {
		return fmt.Errorf("postgres store: marshal session variables: %w", err)
	}

	const query = `UPDATE sessions SET variables = variables || $2::jsonb WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, id, varsJSON); err != nil {
		return fmt.Errorf("postgres store: merge session variables %q: %w", id, err)
	}
	return nil
}

// BindConversation implements [store.SessionStore]. Rebinding the same id is
// a no-op; binding over a different one is refused.
func (s *Store) BindConversation(ctx context.Context, id, providerConversationID string) error {
	const query = `
		UPDATE sessions
		SET provider_conversation_id = $2
		WHERE id = $1
		  AND (provider_conversation_id = '' OR provider_conversation_id = $2)`

	tag, err := s.pool.Exec(ctx, query, id, providerConversationID)
	if err != nil {
		return fmt.Errorf("postgres store: bind conversation %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("postgres store: bind conversation: session %q not found", id)
		}
		return fmt.Errorf("postgres store: session %q already bound to conversation %q",
			id, existing.ProviderConversationID)
	}
	return nil
}

// SetReconciled implements [store.SessionStore].
func (s *Store) SetReconciled(ctx context.Context, id string, cost float64) error {
	const query = `UPDATE sessions SET cost = $2 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, id, cost); err != nil {
		return fmt.Errorf("postgres store: set reconciled %q: %w", id, err)
	}
	return nil
}
