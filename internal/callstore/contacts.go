package callstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ringflow/dialer/internal/campaign"
)

// AddContacts bulk-inserts contacts in PENDING state. Existing rows are left
// untouched so re-uploading a list never resets progress.
func (s *Store) AddContacts(ctx context.Context, contacts []Contact) (int, error) {
	if len(contacts) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO contacts (campaign_id, contact_ref, phone, state, priority, retry_count, next_attempt_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, 0, NULL, ?)
		ON CONFLICT(campaign_id, contact_ref) DO NOTHING`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	added := 0
	for _, c := range contacts {
		state := c.State
		if state == "" {
			state = campaign.ContactPending
		}
		priority := c.Priority
		if priority == "" {
			priority = campaign.PriorityNormal
		}
		res, err := stmt.ExecContext(ctx, c.CampaignID, c.ContactRef, c.Phone, string(state), string(priority), now)
		if err != nil {
			return 0, fmt.Errorf("contact insert failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return added, nil
}

// GetContact loads one contact.
func (s *Store) GetContact(ctx context.Context, campaignID, contactRef string) (Contact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT campaign_id, contact_ref, phone, state, priority, retry_count, next_attempt_at_ms, updated_at_ms
		FROM contacts WHERE campaign_id = ? AND contact_ref = ?`, campaignID, contactRef)
	return scanContact(row)
}

// SetContactState transitions a contact, optionally bumping the retry count
// and scheduling the next attempt.
func (s *Store) SetContactState(ctx context.Context, campaignID, contactRef string, state campaign.ContactState, retryCount int, nextAttempt time.Time) error {
	var next sql.NullInt64
	if !nextAttempt.IsZero() {
		next = sql.NullInt64{Int64: nextAttempt.UnixMilli(), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE contacts SET state = ?, retry_count = ?, next_attempt_at_ms = ?, updated_at_ms = ?
		WHERE campaign_id = ? AND contact_ref = ?`,
		string(state), retryCount, next, time.Now().UnixMilli(), campaignID, contactRef,
	)
	if err != nil {
		return fmt.Errorf("contact update failed: %w", err)
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

// PendingContacts lists contacts ready to be queued: PENDING state and no
// future next-attempt time.
func (s *Store) PendingContacts(ctx context.Context, campaignID string, limit int) ([]Contact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT campaign_id, contact_ref, phone, state, priority, retry_count, next_attempt_at_ms, updated_at_ms
		FROM contacts
		WHERE campaign_id = ? AND state = ?
		ORDER BY contact_ref
		LIMIT ?`,
		campaignID, string(campaign.ContactPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("pending contacts query failed: %w", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ContactCounts reports contacts per state for one campaign.
func (s *Store) ContactCounts(ctx context.Context, campaignID string) (map[campaign.ContactState]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM contacts WHERE campaign_id = ? GROUP BY state`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("contact counts query failed: %w", err)
	}
	defer rows.Close()

	counts := make(map[campaign.ContactState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[campaign.ContactState(state)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanContact(row rowScanner) (Contact, error) {
	var c Contact
	var state, priority string
	var next sql.NullInt64
	var updatedMs int64
	err := row.Scan(&c.CampaignID, &c.ContactRef, &c.Phone, &state, &priority, &c.RetryCount, &next, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return Contact{}, ErrNotFound
	}
	if err != nil {
		return Contact{}, fmt.Errorf("contact scan failed: %w", err)
	}
	c.State = campaign.ContactState(state)
	c.Priority = campaign.Priority(priority)
	if next.Valid {
		c.NextAttemptAt = time.UnixMilli(next.Int64)
	}
	c.UpdatedAt = time.UnixMilli(updatedMs)
	return c, nil
}
