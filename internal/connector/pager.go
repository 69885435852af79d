package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"wlmigrate/internal/domain"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultRetryAfter = 30 * time.Second
	maxResponseSize   = 50 * 1024 * 1024
)

// RetryPolicy bounds local retries of transient failures.
type RetryPolicy struct {
	MaxRetries int
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// BackOff returns an exponential curve capped at MaxRetries retries and bound to ctx.
func (p RetryPolicy) BackOff(ctx context.Context) backoff.BackOffContext {
	bo := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		bo.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		bo.MaxInterval = p.Max
	}
	if p.Multiplier >= 1 {
		bo.Multiplier = p.Multiplier
	}
	bo.MaxElapsedTime = 0
	bo.Reset()
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx)
}

// Client is the HTTP transport shared by the REST and GraphQL connectors. It maps
// provider responses onto the error taxonomy.
type Client struct {
	Source    domain.SourceType
	BaseURL   string
	HTTP      *http.Client
	Authorize func(*http.Request)
	Header    http.Header
}

func NewClient(source domain.SourceType, baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		Source:  source,
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    httpClient,
		Header:  http.Header{},
	}
}

// Do performs one request and returns the body and headers of a 2xx response.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, http.Header, error) {
	if c.BaseURL == "" {
		return nil, nil, fmt.Errorf("%s base url not configured", c.Source)
	}
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "wlmigrate/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range c.Header {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.Authorize != nil {
		c.Authorize(req)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, domain.NetworkError{Op: fmt.Sprintf("%s %s", method, path), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, nil, domain.NetworkError{Op: "read response", Err: err}
	}
	if err := c.classify(resp, respBody); err != nil {
		return nil, nil, err
	}
	return respBody, resp.Header, nil
}

func (c *Client) classify(resp *http.Response, body []byte) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests,
		code == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		return domain.RateLimitedError{RetryAfter: RetryAfter(resp.Header, time.Now())}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return domain.AuthError{Source: string(c.Source), Err: fmt.Errorf("status %d: %s", code, snippet(body))}
	case code >= 500:
		return domain.NetworkError{Op: fmt.Sprintf("%s API", c.Source), Err: fmt.Errorf("status %d: %s", code, snippet(body))}
	default:
		return fmt.Errorf("%s API returned %d: %s", c.Source, code, snippet(body))
	}
}

// RetryAfter reads the provider's throttle hint: Retry-After in seconds or as an HTTP date,
// then X-RateLimit-Reset as a unix timestamp.
func RetryAfter(h http.Header, now time.Time) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds >= 0 {
			return time.Duration(seconds) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil && at.After(now) {
			return at.Sub(now)
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Unix(epoch, 0).Sub(now); d > 0 {
				return d
			}
		}
	}
	return DefaultRetryAfter
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 300 {
		return s[:300] + "..."
	}
	return s
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PullWithRetry pulls one page, retrying transient failures under policy and waiting out
// rate limits without spending retries.
func PullWithRetry(ctx context.Context, conn Connector, cursor string, pageSize int, policy RetryPolicy) (Page, error) {
	for {
		var page Page
		err := backoff.Retry(func() error {
			p, err := conn.Pull(ctx, cursor, pageSize)
			if err != nil {
				if domain.Transient(err) {
					return err
				}
				return backoff.Permanent(err)
			}
			page = p
			return nil
		}, policy.BackOff(ctx))
		var rl domain.RateLimitedError
		if errors.As(err, &rl) {
			if err := Sleep(ctx, rl.RetryAfter); err != nil {
				return Page{}, err
			}
			continue
		}
		return page, err
	}
}

// Drain walks every page from the start of the source.
func Drain(ctx context.Context, conn Connector, pageSize int, policy RetryPolicy, fn func(Page) error) error {
	cursor := ""
	for {
		page, err := PullWithRetry(ctx, conn, cursor, pageSize, policy)
		if err != nil {
			return err
		}
		if err := fn(page); err != nil {
			return err
		}
		if page.Done {
			return nil
		}
		if page.NextCursor == cursor {
			return fmt.Errorf("connector did not advance past cursor %q", cursor)
		}
		cursor = page.NextCursor
	}
}

// Discover returns the source catalog, using the connector's own discovery when it has one
// and otherwise scanning every record.
func Discover(ctx context.Context, conn Connector, pageSize int, policy RetryPolicy) (domain.Catalog, error) {
	if d, ok := conn.(Discoverer); ok {
		return d.Discover(ctx)
	}
	b := NewCatalogBuilder()
	err := Drain(ctx, conn, pageSize, policy, func(p Page) error {
		for _, rec := range p.Records {
			b.AddRecord(rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b.Catalog(), nil
}

// CatalogBuilder collects distinct source keys per mapping kind.
type CatalogBuilder struct {
	entries map[domain.MappingKind]map[string]domain.CatalogEntry
}

func NewCatalogBuilder() *CatalogBuilder {
	return &CatalogBuilder{entries: map[domain.MappingKind]map[string]domain.CatalogEntry{}}
}

func (b *CatalogBuilder) Add(kind domain.MappingKind, e domain.CatalogEntry) {
	if e.Key == "" {
		return
	}
	m, ok := b.entries[kind]
	if !ok {
		m = map[string]domain.CatalogEntry{}
		b.entries[kind] = m
	}
	if prev, ok := m[e.Key]; ok {
		if e.Name == "" {
			e.Name = prev.Name
		}
		if e.Email == "" {
			e.Email = prev.Email
		}
	}
	m[e.Key] = e
}

func (b *CatalogBuilder) AddRecord(rec RawRecord) {
	b.Add(domain.KindState, domain.CatalogEntry{Key: rec.State, Name: rec.State})
	b.Add(domain.KindPriority, domain.CatalogEntry{Key: rec.Priority, Name: rec.Priority})
	for _, u := range []*User{rec.Assignee, rec.Creator} {
		if u != nil {
			b.Add(domain.KindUser, domain.CatalogEntry{Key: u.Key, Name: u.Name, Email: u.Email})
		}
	}
	for _, l := range rec.Labels {
		b.Add(domain.KindLabel, domain.CatalogEntry{Key: l, Name: l})
	}
	b.Add(domain.KindTeam, domain.CatalogEntry{Key: rec.Team, Name: rec.Team})
}

// Catalog returns entries sorted by key within each kind.
func (b *CatalogBuilder) Catalog() domain.Catalog {
	out := domain.Catalog{}
	for kind, m := range b.entries {
		list := make([]domain.CatalogEntry, 0, len(m))
		for _, e := range m {
			list = append(list, e)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
		out[kind] = list
	}
	return out
}
