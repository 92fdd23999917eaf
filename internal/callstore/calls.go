package callstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertCall writes or replaces a call attempt row.
func (s *Store) UpsertCall(ctx context.Context, c Call) error {
	now := time.Now()
	created := c.CreatedAt
	if created.IsZero() {
		created = now
	}
	var ended sql.NullInt64
	if !c.EndedAt.IsZero() {
		ended = sql.NullInt64{Int64: c.EndedAt.UnixMilli(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (call_id, campaign_id, contact_ref, status, pre_token, active_token, provider_ref, created_at_ms, updated_at_ms, ended_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET
			status = excluded.status,
			pre_token = excluded.pre_token,
			active_token = excluded.active_token,
			provider_ref = excluded.provider_ref,
			updated_at_ms = excluded.updated_at_ms,
			ended_at_ms = excluded.ended_at_ms`,
		c.ID, c.CampaignID, c.ContactRef, string(c.Status),
		c.PreToken, c.ActiveToken, c.ProviderRef,
		created.UnixMilli(), now.UnixMilli(), ended,
	)
	if err != nil {
		return fmt.Errorf("call upsert failed: %w", err)
	}
	return nil
}

// SetCallTokens persists the lease tokens for a call. Tokens must be durable
// before the next crash window opens, or recovery falls back to sentinels.
func (s *Store) SetCallTokens(ctx context.Context, callID, preToken, activeToken string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE calls SET pre_token = ?, active_token = ?, updated_at_ms = ? WHERE call_id = ?`,
		preToken, activeToken, time.Now().UnixMilli(), callID,
	)
	if err != nil {
		return fmt.Errorf("call token update failed: %w", err)
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

// UpdateCallStatus transitions a call. Terminal statuses set the end time
// and are sticky: a late webhook cannot resurrect a finished call.
func (s *Store) UpdateCallStatus(ctx context.Context, callID string, status CallStatus) error {
	var ended sql.NullInt64
	if status.IsTerminal() {
		ended = sql.NullInt64{Int64: time.Now().UnixMilli(), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE calls SET status = ?, updated_at_ms = ?, ended_at_ms = COALESCE(ended_at_ms, ?)
		WHERE call_id = ? AND ended_at_ms IS NULL`,
		string(status), time.Now().UnixMilli(), ended, callID,
	)
	if err != nil {
		return fmt.Errorf("call status update failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either unknown or already terminal. Tell them apart for callers.
		if _, gerr := s.GetCall(ctx, callID); gerr != nil {
			return gerr
		}
		return nil
	}
	return nil
}

// GetCall loads one call attempt.
func (s *Store) GetCall(ctx context.Context, callID string) (Call, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT call_id, campaign_id, contact_ref, status, pre_token, active_token, provider_ref, created_at_ms, updated_at_ms, ended_at_ms
		FROM calls WHERE call_id = ?`, callID)
	return scanCall(row)
}

// ActiveCalls lists non-terminal calls for a campaign, the set the
// cold-start guard rebuilds leases from.
func (s *Store) ActiveCalls(ctx context.Context, campaignID string) ([]Call, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT call_id, campaign_id, contact_ref, status, pre_token, active_token, provider_ref, created_at_ms, updated_at_ms, ended_at_ms
		FROM calls
		WHERE campaign_id = ? AND ended_at_ms IS NULL
		ORDER BY created_at_ms`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("active calls query failed: %w", err)
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCall(row rowScanner) (Call, error) {
	var c Call
	var status string
	var pre, active, provider sql.NullString
	var createdMs, updatedMs int64
	var ended sql.NullInt64
	err := row.Scan(&c.ID, &c.CampaignID, &c.ContactRef, &status, &pre, &active, &provider, &createdMs, &updatedMs, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return Call{}, ErrNotFound
	}
	if err != nil {
		return Call{}, fmt.Errorf("call scan failed: %w", err)
	}
	c.Status = CallStatus(status)
	c.PreToken = pre.String
	c.ActiveToken = active.String
	c.ProviderRef = provider.String
	c.CreatedAt = time.UnixMilli(createdMs)
	c.UpdatedAt = time.UnixMilli(updatedMs)
	if ended.Valid {
		c.EndedAt = time.UnixMilli(ended.Int64)
	}
	return c, nil
}
