package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/convoxa/internal/store"
)

// UpsertRecording implements [store.RecordingStore]. Re-running the
// reconciler for a session replaces the prior row.
func (s *Store) UpsertRecording(ctx context.Context, rec *store.Recording) error {
	const query = `
		INSERT INTO recordings (session_id, audio_path, duration_seconds, provider_conversation_id)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (session_id) DO UPDATE SET
			audio_path = EXCLUDED.audio_path,
			duration_seconds = EXCLUDED.duration_seconds,
			provider_conversation_id = EXCLUDED.provider_conversation_id
		RETURNING created_at`

	err := s.pool.QueryRow(ctx, query,
		rec.SessionID, rec.AudioPath, rec.DurationSeconds, rec.ProviderConversationID,
	).Scan(&rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres store: upsert recording: %w", err)
	}
	return nil
}

// GetRecording implements [store.RecordingStore]. It returns (nil, nil) when
// the session has no recording.
func (s *Store) GetRecording(ctx context.Context, sessionID string) (*store.Recording, error) {
	const query = `
		SELECT session_id, audio_path, duration_seconds, provider_conversation_id, created_at
		FROM recordings
		WHERE session_id = $1`

	var rec store.Recording
	err := s.pool.QueryRow(ctx, query, sessionID).Scan(
		&rec.SessionID, &rec.AudioPath, &rec.DurationSeconds, &rec.ProviderConversationID, &rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres store: get recording %q: %w", sessionID, err)
	}
	return &rec, nil
}

// UpsertTranscript implements [store.RecordingStore].
func (s *Store) UpsertTranscript(ctx context.Context, t *store.Transcript) error {
	turnsJSON, err := json.Marshal(emptyTurns(t.Turns))
	if err != nil {
		return fmt.Errorf("postgres store: marshal turns: %w", err)
	}
	corrJSON, err := json.Marshal(emptyCorrections(t.Corrections))
	if err != nil {
		return fmt.Errorf("postgres store: marshal corrections: %w", err)
	}

	const query = `
		INSERT INTO transcripts (session_id, summary, turns, corrections)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (session_id) DO UPDATE SET
			summary = EXCLUDED.summary,
			turns = EXCLUDED.turns,
			corrections = EXCLUDED.corrections
		RETURNING created_at`

	err = s.pool.QueryRow(ctx, query, t.SessionID, t.Summary, turnsJSON, corrJSON).Scan(&t.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres store: upsert transcript: %w", err)
	}
	return nil
}

// GetTranscript implements [store.RecordingStore]. It returns (nil, nil) when
// the session has no transcript.
func (s *Store) GetTranscript(ctx context.Context, sessionID string) (*store.Transcript, error) {
	const query = `
		SELECT session_id, summary, turns, corrections, created_at
		FROM transcripts
		WHERE session_id = $1`

	var (
		t         store.Transcript
		turnsJSON []byte
		corrJSON  []byte
	)
	err := s.pool.QueryRow(ctx, query, sessionID).Scan(
		&t.SessionID, &t.Summary, &turnsJSON, &corrJSON, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres store: get transcript %q: %w", sessionID, err)
	}
	if err := json.Unmarshal(turnsJSON, &t.Turns); err != nil {
		return nil, fmt.Errorf("postgres store: unmarshal turns: %w", err)
	}
	if err := json.Unmarshal(corrJSON, &t.Corrections); err != nil {
		return nil, fmt.Errorf("postgres store: unmarshal corrections: %w", err)
	}
	return &t, nil
}

// IndexChunks implements [store.RecordingStore]. Chunks are upserted one by
// one; re-indexing a session after a reconcile re-run replaces its chunks.
func (s *Store) IndexChunks(ctx context.Context, chunks []store.TranscriptChunk) error {
	const query = `
		INSERT INTO transcript_chunks
		    (id, session_id, tenant_id, agent_id, role, content, embedding, time_in_call_secs)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
		    session_id = EXCLUDED.session_id,
		    tenant_id = EXCLUDED.tenant_id,
		    agent_id = EXCLUDED.agent_id,
		    role = EXCLUDED.role,
		    content = EXCLUDED.content,
		    embedding = EXCLUDED.embedding,
		    time_in_call_secs = EXCLUDED.time_in_call_secs`

	for _, c := range chunks {
		vec := pgvector.NewVector(c.Embedding)
		_, err := s.pool.Exec(ctx, query,
			c.ID, c.SessionID, c.TenantID, c.AgentID, c.Role, c.Content, vec, c.TimeInCallSecs,
		)
		if err != nil {
			return fmt.Errorf("postgres store: index chunk %q: %w", c.ID, err)
		}
	}
	return nil
}

// SearchChunks implements [store.RecordingStore]. It finds the topK chunks
// whose embeddings are closest (cosine distance) to the query embedding,
// optionally filtered. Results are ordered by ascending distance.
func (s *Store) SearchChunks(ctx context.Context, embedding []float32, topK int, filter store.ChunkFilter) ([]store.ChunkResult, error) {
	queryVec := pgvector.NewVector(embedding)

	args := []any{queryVec} // $1 = query vector
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if filter.TenantID != "" {
		conditions = append(conditions, "tenant_id = "+next(filter.TenantID))
	}
	if filter.AgentID != "" {
		conditions = append(conditions, "agent_id = "+next(filter.AgentID))
	}
	if filter.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(filter.SessionID))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, "\n  AND ")
	}

	args = append(args, topK)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT id, session_id, tenant_id, agent_id, role, content, embedding, time_in_call_secs, created_at,
		       embedding <=> $1 AS distance
		FROM   transcript_chunks
		%s
		ORDER  BY distance
		LIMIT  %s`, whereClause, limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search chunks: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.ChunkResult, error) {
		var (
			cr  store.ChunkResult
			vec pgvector.Vector
		)
		if err := row.Scan(
			&cr.Chunk.ID,
			&cr.Chunk.SessionID,
			&cr.Chunk.TenantID,
			&cr.Chunk.AgentID,
			&cr.Chunk.Role,
			&cr.Chunk.Content,
			&vec,
			&cr.Chunk.TimeInCallSecs,
			&cr.Chunk.CreatedAt,
			&cr.Distance,
		); err != nil {
			return store.ChunkResult{}, err
		}
		cr.Chunk.Embedding = vec.Slice()
		return cr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan chunk rows: %w", err)
	}
	if results == nil {
		results = []store.ChunkResult{}
	}
	return results, nil
}

// emptyTurns returns t if non-nil, otherwise an empty non-nil slice so JSON
// marshalling produces "[]" instead of "null".
func emptyTurns(t []store.Turn) []store.Turn {
	if t == nil {
		return []store.Turn{}
	}
	return t
}

// emptyCorrections returns c if non-nil, otherwise an empty non-nil slice.
func emptyCorrections(c []store.Correction) []store.Correction {
	if c == nil {
		return []store.Correction{}
	}
	return c
}
