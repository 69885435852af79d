package engine

import (
	"context"
	"errors"
	"fmt"

	"wlmigrate/internal/connector"
	_ "wlmigrate/internal/connector/github"
	_ "wlmigrate/internal/connector/jira"
	_ "wlmigrate/internal/connector/linear"
	"wlmigrate/internal/credential"
	"wlmigrate/internal/domain"
	"wlmigrate/internal/repo"
)

// inboxReader serves buffered webhook payloads to inbox connectors.
type inboxReader struct {
	repo repo.Repo
}

func (r inboxReader) ListInbox(ctx context.Context, source domain.SourceType, channel string, afterID int64, limit int) ([]connector.InboxItem, error) {
	evts, err := r.repo.ListInboxEvents(ctx, source, channel, afterID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]connector.InboxItem, 0, len(evts))
	for _, e := range evts {
		out = append(out, connector.InboxItem{ID: e.ID, Payload: []byte(e.Payload)})
	}
	return out, nil
}

func (e Engine) retryPolicy(src domain.SourceType) connector.RetryPolicy {
	maxRetries, curve := e.Config.Retry(src)
	return connector.RetryPolicy{
		MaxRetries: maxRetries,
		Initial:    curve.Initial,
		Max:        curve.Max,
		Multiplier: curve.Multiplier,
	}
}

// token resolves the job credential. Expired or missing credentials surface as AuthError.
func (e Engine) token(ctx context.Context, source domain.SourceType, credentialID string) (string, error) {
	if credentialID == "" {
		return "", nil
	}
	tok, err := e.Credentials.GetValidToken(ctx, credentialID)
	if errors.Is(err, credential.ErrExpired) {
		return "", domain.AuthError{Source: string(source), Err: err}
	}
	if err != nil {
		return "", err
	}
	return tok.Value, nil
}

// connectorFor builds a connector for a source. Settings override the configured base URL.
func (e Engine) connectorFor(source domain.SourceType, settings map[string]string, token string) (connector.Connector, error) {
	s := connector.Settings{
		Source:  source,
		Token:   token,
		Options: settings,
		Inbox:   inboxReader{repo: e.Repo},
	}
	if sc, ok := e.Config.Sources[source]; ok {
		s.BaseURL = sc.BaseURL
	}
	if v := settings["base_url"]; v != "" {
		s.BaseURL = v
	}
	reg := e.Connectors
	if reg == nil {
		reg = connector.Default()
	}
	conn, err := reg.New(s)
	if err != nil {
		return nil, fmt.Errorf("%s connector: %w", source, err)
	}
	return conn, nil
}

// jobConnector builds the connector for a running job.
func (e Engine) jobConnector(ctx context.Context, job domain.ImportJob) (connector.Connector, string, error) {
	tok, err := e.token(ctx, job.Source, job.CredentialID)
	if err != nil {
		return nil, "", err
	}
	conn, err := e.connectorFor(job.Source, job.SourceSettings, tok)
	return conn, tok, err
}
