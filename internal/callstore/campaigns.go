package callstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ringflow/dialer/internal/campaign"
)

// UpsertCampaign writes or replaces a campaign row.
func (s *Store) UpsertCampaign(ctx context.Context, c campaign.Campaign) error {
	retryJSON, err := json.Marshal(c.Retry)
	if err != nil {
		return fmt.Errorf("retry policy marshal failed: %w", err)
	}
	now := time.Now()
	created := c.CreatedAt
	if created.IsZero() {
		created = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, name, state, concurrent_limit, retry_json, priority_mode, agent_ref, phone_ref, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			state = excluded.state,
			concurrent_limit = excluded.concurrent_limit,
			retry_json = excluded.retry_json,
			priority_mode = excluded.priority_mode,
			agent_ref = excluded.agent_ref,
			phone_ref = excluded.phone_ref,
			updated_at_ms = excluded.updated_at_ms`,
		c.ID, c.Name, string(c.State), c.ConcurrentLimit, string(retryJSON),
		string(c.PriorityMode), c.AgentRef, c.PhoneRef,
		created.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("campaign upsert failed: %w", err)
	}
	return nil
}

// GetCampaign loads one campaign.
func (s *Store) GetCampaign(ctx context.Context, id string) (campaign.Campaign, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, state, concurrent_limit, retry_json, priority_mode, agent_ref, phone_ref, created_at_ms, updated_at_ms
		FROM campaigns WHERE id = ?`, id)

	var c campaign.Campaign
	var state, priorityMode, retryJSON string
	var createdMs, updatedMs int64
	err := row.Scan(&c.ID, &c.Name, &state, &c.ConcurrentLimit, &retryJSON, &priorityMode, &c.AgentRef, &c.PhoneRef, &createdMs, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Campaign{}, ErrNotFound
	}
	if err != nil {
		return campaign.Campaign{}, fmt.Errorf("campaign load failed: %w", err)
	}
	if err := json.Unmarshal([]byte(retryJSON), &c.Retry); err != nil {
		return campaign.Campaign{}, fmt.Errorf("retry policy unmarshal failed: %w", err)
	}
	c.State = campaign.State(state)
	c.PriorityMode = campaign.Priority(priorityMode)
	c.CreatedAt = time.UnixMilli(createdMs)
	c.UpdatedAt = time.UnixMilli(updatedMs)
	return c, nil
}

// SetCampaignState transitions a campaign. Terminal states are sticky.
func (s *Store) SetCampaignState(ctx context.Context, id string, state campaign.State) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET state = ?, updated_at_ms = ?
		WHERE id = ? AND state NOT IN (?, ?)`,
		string(state), time.Now().UnixMilli(), id,
		string(campaign.StateCompleted), string(campaign.StateCancelled),
	)
	if err != nil {
		return fmt.Errorf("campaign state update failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CampaignIDs lists campaigns in any of the given states.
func (s *Store) CampaignIDs(ctx context.Context, states ...campaign.State) ([]string, error) {
	if len(states) == 0 {
		return nil, nil
	}
	query := `SELECT id FROM campaigns WHERE state IN (?` +
		strings.Repeat(",?", len(states)-1) + `) ORDER BY id`
	args := make([]interface{}, len(states))
	for i, st := range states {
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("campaign list failed: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
