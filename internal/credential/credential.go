// Package credential resolves source credentials referenced by jobs.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"wlmigrate/internal/domain"
	"wlmigrate/internal/repo"
)

var ErrExpired = errors.New("credential expired")

// Token is the secret handed to a connector's Authenticate.
type Token struct {
	Value     string
	ExpiresAt *time.Time
}

type Store struct {
	Repo repo.Repo
	Now  func() time.Time
}

func NewStore(r repo.Repo) Store {
	return Store{Repo: r, Now: time.Now}
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Add stores a token and returns its id.
func (s Store) Add(ctx context.Context, source domain.SourceType, token string, expiresAt *time.Time) (domain.Credential, error) {
	if !source.Valid() {
		return domain.Credential{}, domain.ValidationError{Reason: fmt.Sprintf("unknown source %q", source)}
	}
	if token == "" {
		return domain.Credential{}, domain.ValidationError{Reason: "token is required"}
	}
	c := domain.Credential{
		ID:        uuid.NewString(),
		Source:    source,
		Token:     token,
		CreatedAt: domain.FormatTime(s.now()),
	}
	if expiresAt != nil {
		v := domain.FormatTime(*expiresAt)
		c.ExpiresAt = &v
	}
	if err := s.Repo.InsertCredential(ctx, c); err != nil {
		return domain.Credential{}, err
	}
	return c, nil
}

// GetValidToken returns the token unless it is missing or past its expiry.
func (s Store) GetValidToken(ctx context.Context, id string) (Token, error) {
	c, err := s.Repo.GetCredential(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return Token{}, fmt.Errorf("credential %s: %w", id, ErrExpired)
	}
	if err != nil {
		return Token{}, err
	}
	tok := Token{Value: c.Token}
	if c.ExpiresAt != nil {
		exp, err := domain.ParseTime(*c.ExpiresAt)
		if err != nil {
			return Token{}, fmt.Errorf("credential %s: bad expiry: %w", id, err)
		}
		if !s.now().Before(exp) {
			return Token{}, fmt.Errorf("credential %s: %w", id, ErrExpired)
		}
		tok.ExpiresAt = &exp
	}
	return tok, nil
}
