package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"wlmigrate/internal/domain"
)

func init() {
	for _, src := range []domain.SourceType{domain.SourceClickUp, domain.SourceNotion} {
		Register(src, NewInbox)
	}
}

// Inbox serves push-based sources. Their webhooks are buffered by the control surface and
// drained here in arrival order, so the orchestrator polls them like any paged source.
// The cursor is the id of the last buffered payload consumed.
type Inbox struct {
	source  domain.SourceType
	channel string
	secret  string
	reader  InboxReader
}

func NewInbox(s Settings) (Connector, error) {
	if s.Inbox == nil {
		return nil, fmt.Errorf("%s inbox reader not configured", s.Source)
	}
	channel := s.Option("channel", "")
	if channel == "" {
		return nil, domain.ValidationError{Reason: fmt.Sprintf("%s source requires a channel setting", s.Source)}
	}
	return &Inbox{source: s.Source, channel: channel, secret: s.Option("secret", ""), reader: s.Inbox}, nil
}

// Authenticate checks the token against the channel secret when one is configured.
func (c *Inbox) Authenticate(_ context.Context, token string) error {
	if token == "" {
		return domain.AuthError{Source: string(c.source), Err: fmt.Errorf("empty token")}
	}
	if c.secret != "" && token != c.secret {
		return domain.AuthError{Source: string(c.source), Err: fmt.Errorf("token does not match channel %s", c.channel)}
	}
	return nil
}

func (c *Inbox) Pull(ctx context.Context, cursor string, pageSize int) (Page, error) {
	var after int64
	if cursor != "" {
		v, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return Page{}, fmt.Errorf("invalid inbox cursor %q: %w", cursor, err)
		}
		after = v
	}
	items, err := c.reader.ListInbox(ctx, c.source, c.channel, after, pageSize)
	if err != nil {
		return Page{}, domain.NetworkError{Op: "read inbox", Err: err}
	}
	page := Page{NextCursor: cursor, Done: len(items) < pageSize}
	for _, it := range items {
		var rec RawRecord
		if err := json.Unmarshal(it.Payload, &rec); err != nil {
			return Page{}, fmt.Errorf("decode inbox payload %d: %w", it.ID, err)
		}
		page.Records = append(page.Records, rec)
		page.NextCursor = strconv.FormatInt(it.ID, 10)
	}
	return page, nil
}
