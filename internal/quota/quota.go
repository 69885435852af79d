// Package quota asks the seat collaborator whether a job may import new users.
package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Request describes the users a job would add to the workspace.
type Request struct {
	WorkspaceID     string `json:"workspace"`
	AdditionalUsers int    `json:"additional_unregistered_user_count"`
}

// Decision is the collaborator's verdict. Message is surfaced to callers verbatim.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Shortfall int    `json:"shortfall"`
	Message   string `json:"message"`
}

type Checker interface {
	Check(ctx context.Context, req Request) (Decision, error)
}

// Static checks against per-workspace seat counts from configuration. Workspaces
// without a configured count are unlimited.
type Static struct {
	Seats map[string]int
	Used  func(ctx context.Context, workspaceID string) (int, error)
}

func (s Static) Check(ctx context.Context, req Request) (Decision, error) {
	seats, ok := s.Seats[req.WorkspaceID]
	if !ok || req.AdditionalUsers == 0 {
		return Decision{Allowed: true}, nil
	}
	used := 0
	if s.Used != nil {
		n, err := s.Used(ctx, req.WorkspaceID)
		if err != nil {
			return Decision{}, err
		}
		used = n
	}
	return Evaluate(req.AdditionalUsers, seats-used), nil
}

// Evaluate is the seat rule shared by the static checker and tests.
func Evaluate(additional, available int) Decision {
	if available < 0 {
		available = 0
	}
	if additional <= available {
		return Decision{Allowed: true}
	}
	shortfall := additional - available
	return Decision{
		Shortfall: shortfall,
		Message:   fmt.Sprintf("importing %d new users needs %d more seats (%d available)", additional, shortfall, available),
	}
}

// HTTP posts the request as JSON to an external seat service.
type HTTP struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTP(endpoint string, timeout time.Duration) HTTP {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return HTTP{Endpoint: endpoint, Client: &http.Client{Timeout: timeout}}
}

func (h HTTP) Check(ctx context.Context, req Request) (Decision, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Decision{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Decision{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return Decision{}, fmt.Errorf("seat check: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Decision{}, fmt.Errorf("seat check: %w", err)
	}
	if resp.StatusCode >= 300 {
		return Decision{}, fmt.Errorf("seat check: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var d Decision
	if err := json.Unmarshal(data, &d); err != nil {
		return Decision{}, fmt.Errorf("seat check: decode: %w", err)
	}
	return d, nil
}
