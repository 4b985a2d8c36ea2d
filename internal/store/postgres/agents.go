package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/convoxa/internal/store"
)

// agentColumns is the SELECT list shared by every agent read.
const agentColumns = `
	id, tenant_id, display_name, public_id, provider_agent_id,
	voice_id, model_id, tts_model_id, language,
	system_prompt, first_message, temperature, max_output_tokens,
	dynamic_variables, noise,
	per_call_token_cap, overall_cap, overall_used,
	daily_cap, daily_used, daily_window_start,
	enabled, created_at, updated_at`

// GetTenant implements [store.TenantStore]. It returns (nil, nil) when no
// tenant with the given id exists.
func (s *Store) GetTenant(ctx context.Context, id string) (*store.Tenant, error) {
	const query = `
		SELECT id, name, token_balance, approved_domains, variable_webhook_url,
		       created_at, updated_at
		FROM tenants
		WHERE id = $1`

	var (
		t           store.Tenant
		domainsJSON []byte
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&t.ID, &t.Name, &t.TokenBalance, &domainsJSON, &t.VariableWebhookURL,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres store: get tenant %q: %w", id, err)
	}
	if err := json.Unmarshal(domainsJSON, &t.ApprovedDomains); err != nil {
		return nil, fmt.Errorf("postgres store: unmarshal approved_domains: %w", err)
	}
	return &t, nil
}

// GetAgentByPublicID implements [store.AgentStore].
func (s *Store) GetAgentByPublicID(ctx context.Context, publicID string) (*store.Agent, error) {
	query := `SELECT` + agentColumns + ` FROM agents WHERE public_id = $1`
	return s.queryAgent(ctx, query, publicID)
}

// GetAgent implements [store.AgentStore].
func (s *Store) GetAgent(ctx context.Context, id string) (*store.Agent, error) {
	query := `SELECT` + agentColumns + ` FROM agents WHERE id = $1`
	return s.queryAgent(ctx, query, id)
}

func (s *Store) queryAgent(ctx context.Context, query string, arg any) (*store.Agent, error) {
	var (
		a         store.Agent
		varsJSON  []byte
		noiseJSON []byte
	)
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&a.ID, &a.TenantID, &a.DisplayName, &a.PublicID, &a.ProviderAgentID,
		&a.VoiceID, &a.ModelID, &a.TTSModelID, &a.Language,
		&a.SystemPrompt, &a.FirstMessage, &a.Temperature, &a.MaxOutputTokens,
		&varsJSON, &noiseJSON,
		&a.PerCallTokenCap, &a.OverallCap, &a.OverallUsed,
		&a.DailyCap, &a.DailyUsed, &a.DailyWindowStart,
		&a.Enabled, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres store: get agent: %w", err)
	}
	if err := json.Unmarshal(varsJSON, &a.DynamicVariables); err != nil {
		return nil, fmt.Errorf("postgres store: unmarshal dynamic_variables: %w", err)
	}
	if err := json.Unmarshal(noiseJSON, &a.Noise); err != nil {
		return nil, fmt.Errorf("postgres store: unmarshal noise: %w", err)
	}
	return &a, nil
}

// GetVoice implements [store.AgentStore].
func (s *Store) GetVoice(ctx context.Context, id string) (*store.Voice, error) {
	const query = `
		SELECT id, tenant_id, name, provider_voice_id, preset
		FROM voices
		WHERE id = $1`

	var v store.Voice
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&v.ID, &v.TenantID, &v.Name, &v.ProviderVoiceID, &v.Preset,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres store: get voice %q: %w", id, err)
	}
	return &v, nil
}

// GetModel implements [store.AgentStore].
func (s *Store) GetModel(ctx context.Context, id string) (*store.AIModel, error) {
	const query = `
		SELECT id, name, provider_model_id
		FROM ai_models
		WHERE id = $1`

	var m store.AIModel
	err := s.pool.QueryRow(ctx, query, id).Scan(&m.ID, &m.Name, &m.ProviderModelID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres store: get model %q: %w", id, err)
	}
	return &m, nil
}

// ListAgentKnowledge implements [store.AgentStore]. Items are returned in
// bridge-table position order.
func (s *Store) ListAgentKnowledge(ctx context.Context, agentID string) ([]store.KnowledgeItem, error) {
	const query = `
		SELECT k.id, k.tenant_id, k.kind, k.name, k.provider_document_id, k.content, k.created_at
		FROM knowledge_items k
		JOIN agent_knowledge ak ON ak.knowledge_id = k.id
		WHERE ak.agent_id = $1
		ORDER BY ak.position, k.id`

	rows, err := s.pool.Query(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list agent knowledge: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.KnowledgeItem, error) {
		var k store.KnowledgeItem
		err := row.Scan(&k.ID, &k.TenantID, &k.Kind, &k.Name, &k.ProviderDocumentID, &k.Content, &k.CreatedAt)
		return k, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan agent knowledge: %w", err)
	}
	return items, nil
}

// ListAgentTools implements [store.AgentStore]. Tools are returned in
// bridge-table position order.
func (s *Store) ListAgentTools(ctx context.Context, agentID string) ([]store.Tool, error) {
	const query = `
		SELECT t.id, t.tenant_id, t.name, t.description, t.kind,
		       t.method, t.url_template, t.headers, t.query_schema, t.body_schema,
		       t.response_variables, t.timeout_seconds, t.mcp_server_url,
		       t.provider_tool_id, t.created_at, t.updated_at
		FROM tools t
		JOIN agent_tools at ON at.tool_id = t.id
		WHERE at.agent_id = $1
		ORDER BY at.position, t.id`

	rows, err := s.pool.Query(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list agent tools: %w", err)
	}
	tools, err := pgx.CollectRows(rows, scanTool)
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan agent tools: %w", err)
	}
	return tools, nil
}

func scanTool(row pgx.CollectableRow) (store.Tool, error) {
	var (
		t            store.Tool
		headersJSON  []byte
		queryJSON    []byte
		bodyJSON     []byte
		respVarsJSON []byte
	)
	err := row.Scan(
		&t.ID, &t.TenantID, &t.Name, &t.Description, &t.Kind,
		&t.Method, &t.URLTemplate, &headersJSON, &queryJSON, &bodyJSON,
		&respVarsJSON, &t.TimeoutSeconds, &t.MCPServerURL,
		&t.ProviderToolID, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return store.Tool{}, err
	}
	if err := json.Unmarshal(headersJSON, &t.Headers); err != nil {
		return store.Tool{}, fmt.Errorf("unmarshal headers: %w", err)
	}
	if err := json.Unmarshal(queryJSON, &t.QuerySchema); err != nil {
		return store.Tool{}, fmt.Errorf("unmarshal query_schema: %w", err)
	}
	if err := json.Unmarshal(bodyJSON, &t.BodySchema); err != nil {
		return store.Tool{}, fmt.Errorf("unmarshal body_schema: %w", err)
	}
	if err := json.Unmarshal(respVarsJSON, &t.ResponseVariables); err != nil {
		return store.Tool{}, fmt.Errorf("unmarshal response_variables: %w", err)
	}
	return t, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Seed helpers
//
// The runtime never mutates agent configuration; these upserts exist so that
// deployments can import fixture tenants and agents from the config file at
// boot, and so the integration tests can populate a schema.
// ─────────────────────────────────────────────────────────────────────────────

// UpsertTenant creates or replaces a tenant. The token balance is written on
// first insert only; on conflict the live balance is kept, since balance is
// credited by billing, not by config imports. t.TokenBalance is refreshed to
// the stored value either way.
func (s *Store) UpsertTenant(ctx context.Context, t *store.Tenant) error {
	domainsJSON, err := json.Marshal(emptyStringSlice(t.ApprovedDomains))
	if err != nil {
		return fmt.Errorf("postgres store: marshal approved_domains: %w", err)
	}

	const query = `
		INSERT INTO tenants (id, name, token_balance, approved_domains, variable_webhook_url)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			approved_domains = EXCLUDED.approved_domains,
			variable_webhook_url = EXCLUDED.variable_webhook_url,
			updated_at = now()
		RETURNING token_balance, created_at, updated_at`

	err = s.pool.QueryRow(ctx, query,
		t.ID, t.Name, t.TokenBalance, domainsJSON, t.VariableWebhookURL,
	).Scan(&t.TokenBalance, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres store: upsert tenant: %w", err)
	}
	return nil
}

// UpsertVoice creates or replaces a voice.
func (s *Store) UpsertVoice(ctx context.Context, v *store.Voice) error {
	const query = `
		INSERT INTO voices (id, tenant_id, name, provider_voice_id, preset)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			name = EXCLUDED.name,
			provider_voice_id = EXCLUDED.provider_voice_id,
			preset = EXCLUDED.preset`

	if _, err := s.pool.Exec(ctx, query, v.ID, v.TenantID, v.Name, v.ProviderVoiceID, v.Preset); err != nil {
		return fmt.Errorf("postgres store: upsert voice: %w", err)
	}
	return nil
}

// UpsertModel creates or replaces an LLM reference.
func (s *Store) UpsertModel(ctx context.Context, m *store.AIModel) error {
	const query = `
		INSERT INTO ai_models (id, name, provider_model_id)
		VALUES ($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			provider_model_id = EXCLUDED.provider_model_id`

	if _, err := s.pool.Exec(ctx, query, m.ID, m.Name, m.ProviderModelID); err != nil {
		return fmt.Errorf("postgres store: upsert model: %w", err)
	}
	return nil
}

// UpsertAgent creates or replaces an agent configuration. Quota usage
// counters are preserved on conflict so a re-import cannot reset spend.
func (s *Store) UpsertAgent(ctx context.Context, a *store.Agent) error {
	varsJSON, err := json.Marshal(emptyStringMap(a.DynamicVariables))
	if err != nil {
		return fmt.Errorf("postgres store: marshal dynamic_variables: %w", err)
	}
	noiseJSON, err := json.Marshal(a.Noise)
	if err != nil {
		return fmt.Errorf("postgres store: marshal noise: %w", err)
	}

	const query = `
		INSERT INTO agents (
			id, tenant_id, display_name, public_id, provider_agent_id,
			voice_id, model_id, tts_model_id, language,
			system_prompt, first_message, temperature, max_output_tokens,
			dynamic_variables, noise,
			per_call_token_cap, overall_cap, daily_cap, enabled
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			display_name = EXCLUDED.display_name,
			public_id = EXCLUDED.public_id,
			provider_agent_id = EXCLUDED.provider_agent_id,
			voice_id = EXCLUDED.voice_id,
			model_id = EXCLUDED.model_id,
			tts_model_id = EXCLUDED.tts_model_id,
			language = EXCLUDED.language,
			system_prompt = EXCLUDED.system_prompt,
			first_message = EXCLUDED.first_message,
			temperature = EXCLUDED.temperature,
			max_output_tokens = EXCLUDED.max_output_tokens,
			dynamic_variables = EXCLUDED.dynamic_variables,
			noise = EXCLUDED.noise,
			per_call_token_cap = EXCLUDED.per_call_token_cap,
			overall_cap = EXCLUDED.overall_cap,
			daily_cap = EXCLUDED.daily_cap,
			enabled = EXCLUDED.enabled,
			updated_at = now()
		RETURNING overall_used, daily_used, daily_window_start, created_at, updated_at`

	err = s.pool.QueryRow(ctx, query,
		a.ID, a.TenantID, a.DisplayName, a.PublicID, a.ProviderAgentID,
		a.VoiceID, a.ModelID, a.TTSModelID, a.Language,
		a.SystemPrompt, a.FirstMessage, a.Temperature, a.MaxOutputTokens,
		varsJSON, noiseJSON,
		a.PerCallTokenCap, a.OverallCap, a.DailyCap, a.Enabled,
	).Scan(&a.OverallUsed, &a.DailyUsed, &a.DailyWindowStart, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("postgres store: agent public id %q already taken", a.PublicID)
		}
		return fmt.Errorf("postgres store: upsert agent: %w", err)
	}
	return nil
}

// UpsertKnowledgeItem creates or replaces a knowledge item.
func (s *Store) UpsertKnowledgeItem(ctx context.Context, k *store.KnowledgeItem) error {
	const query = `
		INSERT INTO knowledge_items (id, tenant_id, kind, name, provider_document_id, content)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			kind = EXCLUDED.kind,
			name = EXCLUDED.name,
			provider_document_id = EXCLUDED.provider_document_id,
			content = EXCLUDED.content
		RETURNING created_at`

	err := s.pool.QueryRow(ctx, query,
		k.ID, k.TenantID, k.Kind, k.Name, k.ProviderDocumentID, k.Content,
	).Scan(&k.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres store: upsert knowledge item: %w", err)
	}
	return nil
}

// UpsertTool creates or replaces a tool definition. Header values must
// already be encrypted by the caller where sensitive.
func (s *Store) UpsertTool(ctx context.Context, t *store.Tool) error {
	headersJSON, err := json.Marshal(emptyStringMap(t.Headers))
	if err != nil {
		return fmt.Errorf("postgres store: marshal headers: %w", err)
	}
	queryJSON, err := json.Marshal(emptyParamMap(t.QuerySchema))
	if err != nil {
		return fmt.Errorf("postgres store: marshal query_schema: %w", err)
	}
	bodyJSON, err := json.Marshal(t.BodySchema)
	if err != nil {
		return fmt.Errorf("postgres store: marshal body_schema: %w", err)
	}
	respVarsJSON, err := json.Marshal(emptyStringMap(t.ResponseVariables))
	if err != nil {
		return fmt.Errorf("postgres store: marshal response_variables: %w", err)
	}

	const query = `
		INSERT INTO tools (
			id, tenant_id, name, description, kind,
			method, url_template, headers, query_schema, body_schema,
			response_variables, timeout_seconds, mcp_server_url, provider_tool_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			kind = EXCLUDED.kind,
			method = EXCLUDED.method,
			url_template = EXCLUDED.url_template,
			headers = EXCLUDED.headers,
			query_schema = EXCLUDED.query_schema,
			body_schema = EXCLUDED.body_schema,
			response_variables = EXCLUDED.response_variables,
			timeout_seconds = EXCLUDED.timeout_seconds,
			mcp_server_url = EXCLUDED.mcp_server_url,
			provider_tool_id = EXCLUDED.provider_tool_id,
			updated_at = now()
		RETURNING created_at, updated_at`

	err = s.pool.QueryRow(ctx, query,
		t.ID, t.TenantID, t.Name, t.Description, t.Kind,
		t.Method, t.URLTemplate, headersJSON, queryJSON, bodyJSON,
		respVarsJSON, t.TimeoutSeconds, t.MCPServerURL, t.ProviderToolID,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("postgres store: provider tool id %q already taken in tenant %q", t.ProviderToolID, t.TenantID)
		}
		return fmt.Errorf("postgres store: upsert tool: %w", err)
	}
	return nil
}

// SetAgentKnowledge replaces the agent's knowledge links with the given
// ordered item ids.
func (s *Store) SetAgentKnowledge(ctx context.Context, agentID string, knowledgeIDs []string) error {
	return s.replaceLinks(ctx, "agent_knowledge", "knowledge_id", agentID, knowledgeIDs)
}

// SetAgentTools replaces the agent's tool links with the given ordered tool
// ids.
func (s *Store) SetAgentTools(ctx context.Context, agentID string, toolIDs []string) error {
	return s.replaceLinks(ctx, "agent_tools", "tool_id", agentID, toolIDs)
}

func (s *Store) replaceLinks(ctx context.Context, table, column, agentID string, ids []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin %s: %w", table, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE agent_id = $1`, agentID); err != nil {
		return fmt.Errorf("postgres store: clear %s: %w", table, err)
	}
	for i, id := range ids {
		query := `INSERT INTO ` + table + ` (agent_id, ` + column + `, position) VALUES ($1,$2,$3)`
		if _, err := tx.Exec(ctx, query, agentID, id, i); err != nil {
			return fmt.Errorf("postgres store: link %s %q: %w", table, id, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit %s: %w", table, err)
	}
	return nil
}

// emptyParamMap returns m if non-nil, otherwise an empty non-nil map so JSON
// marshalling produces "{}" instead of "null".
func emptyParamMap(m map[string]store.ParamSpec) map[string]store.ParamSpec {
	if m == nil {
		return map[string]store.ParamSpec{}
	}
	return m
}
