package repo

import (
	"context"

	"wlmigrate/internal/domain"
)

// InboxEvent is a webhook payload buffered for a push-based source.
type InboxEvent struct {
	ID         int64
	Source     domain.SourceType
	Channel    string
	EventType  string
	Payload    string
	ReceivedAt string
}

func (r Repo) InsertInboxEvent(ctx context.Context, e InboxEvent) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_inbox(source_type,channel,event_type,payload_json,received_at) VALUES (?,?,?,?,?)`,
		e.Source, e.Channel, e.EventType, e.Payload, e.ReceivedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListInboxEvents pages buffered events after a given id.
func (r Repo) ListInboxEvents(ctx context.Context, source domain.SourceType, channel string, afterID int64, limit int) ([]InboxEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,source_type,channel,event_type,payload_json,received_at FROM webhook_inbox
WHERE source_type=? AND channel=? AND id>? ORDER BY id LIMIT ?`, source, channel, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []InboxEvent
	for rows.Next() {
		var e InboxEvent
		if err := rows.Scan(&e.ID, &e.Source, &e.Channel, &e.EventType, &e.Payload, &e.ReceivedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
