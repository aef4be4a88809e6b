package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/basket/go-swarm/internal/bus"
	"github.com/basket/go-swarm/internal/message"
)

// DefaultVisibilityTimeout is how long a fetched but unacknowledged message
// stays hidden before it is delivered again.
const DefaultVisibilityTimeout = 30 * time.Second

// PostMessage appends m to its recipient's mailbox and returns it with the
// assigned id. Ids increase monotonically per store.
func (s *Store) PostMessage(ctx context.Context, m message.Message) (message.Message, error) {
	if m.RecipientID == "" {
		return message.Message{}, fmt.Errorf("post message: empty recipient")
	}
	typ, content, err := message.EncodeBody(m.Body)
	if err != nil {
		return message.Message{}, fmt.Errorf("post message: %w", err)
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}

	var id int64
	err = retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_messages (sender_id, recipient_id, message_type, content, sent_at)
			VALUES (?, ?, ?, ?, ?);
		`, m.SenderID, m.RecipientID, string(typ), content, m.Timestamp.UTC())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return message.Message{}, fmt.Errorf("post message: %w", err)
	}
	m.ID = strconv.FormatInt(id, 10)
	if s.bus != nil {
		s.bus.Publish(bus.MailboxPostedTopic(m.RecipientID), m.ID)
	}
	return m, nil
}

// ClaimMessages returns up to limit unacknowledged messages for agentID in id
// order and hides them for visibility. Messages whose claim has expired are
// returned again with the same id.
func (s *Store) ClaimMessages(ctx context.Context, agentID string, limit int, visibility time.Duration) ([]message.Message, error) {
	if limit <= 0 {
		limit = 10
	}
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	var out []message.Message
	err := retryOnBusy(ctx, busyRetries, func() error {
		var err error
		out, err = s.claimMessagesTx(ctx, agentID, limit, visibility)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) claimMessagesTx(ctx context.Context, agentID string, limit int, visibility time.Duration) ([]message.Message, error) {
	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim messages: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, sender_id, recipient_id, message_type, content, sent_at
		FROM agent_messages
		WHERE recipient_id = ? AND acked_at IS NULL
			AND (claimed_at IS NULL OR claimed_at < ?)
		ORDER BY id ASC
		LIMIT ?;
	`, agentID, now.Add(-visibility), limit)
	if err != nil {
		return nil, fmt.Errorf("claim messages: %w", err)
	}
	var (
		msgs     []message.Message
		idArgs   []any
		deadArgs []any
	)
	for rows.Next() {
		var (
			id      int64
			m       message.Message
			typ     string
			content string
		)
		if err := rows.Scan(&id, &m.SenderID, &m.RecipientID, &typ, &content, &m.Timestamp); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan agent message: %w", err)
		}
		body, err := message.DecodeBody(message.Type(typ), []byte(content))
		if err != nil {
			// Undecodable rows are dead-lettered so they cannot block the inbox.
			s.logger.Warn("dropping undecodable agent message", "id", id, "recipient_id", agentID, "type", typ, "error", err)
			deadArgs = append(deadArgs, id)
			continue
		}
		m.ID = strconv.FormatInt(id, 10)
		m.Body = body
		msgs = append(msgs, m)
		idArgs = append(idArgs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate agent messages: %w", err)
	}
	rows.Close()

	if len(idArgs) > 0 {
		args := append([]any{now}, idArgs...)
		query := `UPDATE agent_messages SET claimed_at = ?, attempts = attempts + 1 WHERE id IN (` + placeholders(len(idArgs)) + `);`
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return nil, fmt.Errorf("mark messages claimed: %w", err)
		}
	}
	if len(deadArgs) > 0 {
		args := append([]any{now}, deadArgs...)
		query := `UPDATE agent_messages SET acked_at = ?, attempts = attempts + 1 WHERE id IN (` + placeholders(len(deadArgs)) + `);`
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return nil, fmt.Errorf("dead-letter messages: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim messages: commit: %w", err)
	}
	return msgs, nil
}

// AckMessages marks delivered messages as handled. Ids that are unknown,
// already acknowledged, or addressed to another agent are ignored.
func (s *Store) AckMessages(ctx context.Context, agentID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{s.now(), agentID}
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		args = append(args, id)
	}
	if len(args) == 2 {
		return 0, nil
	}
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agent_messages SET acked_at = ?
			WHERE recipient_id = ? AND acked_at IS NULL AND id IN (`+placeholders(len(args)-2)+`);
		`, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("ack messages: %w", err)
	}
	return n, nil
}

// MailboxStats summarizes one agent's inbox.
type MailboxStats struct {
	Pending  int        `json:"pending"`
	InFlight int        `json:"in_flight"`
	Oldest   *time.Time `json:"oldest,omitempty"`
}

// MailboxStats counts unacknowledged messages for agentID.
func (s *Store) MailboxStats(ctx context.Context, agentID string) (MailboxStats, error) {
	var (
		st     MailboxStats
		oldest sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN claimed_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN claimed_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			MIN(sent_at)
		FROM agent_messages
		WHERE recipient_id = ? AND acked_at IS NULL;
	`, agentID).Scan(&st.Pending, &st.InFlight, &oldest)
	if err != nil {
		return MailboxStats{}, fmt.Errorf("mailbox stats: %w", err)
	}
	if oldest.Valid {
		if t, err := parseSQLiteTime(oldest.String); err == nil {
			st.Oldest = &t
		}
	}
	return st, nil
}

// PurgeAckedMessages deletes acknowledged messages sent before cutoff.
func (s *Store) PurgeAckedMessages(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM agent_messages WHERE acked_at IS NOT NULL AND sent_at < ?;
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge agent_messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// parseSQLiteTime parses aggregate results, which the driver returns as text.
func parseSQLiteTime(v string) (time.Time, error) {
	layouts := []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02T15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		time.RFC3339Nano,
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", v)
}
