package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrorKind classifies failures for the job record and the error report.
type ErrorKind string

const (
	ErrKindAuth        ErrorKind = "auth"
	ErrKindRateLimited ErrorKind = "rate_limited"
	ErrKindNetwork     ErrorKind = "network"
	ErrKindValidation  ErrorKind = "validation"
	ErrKindMapping     ErrorKind = "mapping"
	ErrKindQuota       ErrorKind = "quota"
	ErrKindPartialPush ErrorKind = "partial_push"
	ErrKindInternal    ErrorKind = "internal"
)

// AuthError means the source credential is invalid or expired; the user must reconnect.
type AuthError struct {
	Source string
	Err    error
}

func (e AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s credential rejected", e.Source)
	}
	return fmt.Sprintf("%s credential rejected: %v", e.Source, e.Err)
}

func (e AuthError) Unwrap() error { return e.Err }

// RateLimitedError is returned by connectors when the provider throttles requests.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited; retry after %s", e.RetryAfter)
}

// NetworkError is a transient transport or upstream failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e NetworkError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("network: %v", e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e NetworkError) Unwrap() error { return e.Err }

// MissingMapping names an unmapped source key of a mandatory kind.
type MissingMapping struct {
	Kind      MappingKind `json:"kind"`
	SourceKey string      `json:"source_key"`
}

// ValidationError rejects a job before it starts.
type ValidationError struct {
	Reason  string
	Missing []MissingMapping
}

func (e ValidationError) Error() string {
	if len(e.Missing) == 0 {
		return "validation: " + e.Reason
	}
	parts := make([]string, 0, len(e.Missing))
	for _, m := range e.Missing {
		parts = append(parts, string(m.Kind)+":"+m.SourceKey)
	}
	sort.Strings(parts)
	reason := e.Reason
	if reason == "" {
		reason = "mandatory mappings missing"
	}
	return fmt.Sprintf("validation: %s (%s)", reason, strings.Join(parts, ", "))
}

// MappingError fails a single record during transform.
type MappingError struct {
	Kind      MappingKind
	SourceKey string
	Reason    string
}

func (e MappingError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("mapping %s %q: %s", e.Kind, e.SourceKey, e.Reason)
	}
	return fmt.Sprintf("no %s mapping for %q", e.Kind, e.SourceKey)
}

// QuotaError carries the seat collaborator's verdict. Its message is kept verbatim when the
// collaborator sent one.
type QuotaError struct {
	Shortfall int
	Message   string
}

func (e QuotaError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("not enough seats: %d more needed", e.Shortfall)
}

// PartialPushError fails a single record at load time.
type PartialPushError struct {
	SourceRecordID string
	Err            error
}

func (e PartialPushError) Error() string {
	return fmt.Sprintf("push %s: %v", e.SourceRecordID, e.Err)
}

func (e PartialPushError) Unwrap() error { return e.Err }

// TransitionError is an illegal job status change.
type TransitionError struct {
	From JobStatus
	To   JobStatus
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid job status transition %s -> %s", e.From, e.To)
}

// KindOf maps an error onto the taxonomy.
func KindOf(err error) ErrorKind {
	var (
		authErr    AuthError
		rateErr    RateLimitedError
		netErr     NetworkError
		valErr     ValidationError
		mapErr     MappingError
		quotaErr   QuotaError
		partialErr PartialPushError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &authErr):
		return ErrKindAuth
	case errors.As(err, &rateErr):
		return ErrKindRateLimited
	case errors.As(err, &valErr):
		return ErrKindValidation
	case errors.As(err, &quotaErr):
		return ErrKindQuota
	case errors.As(err, &mapErr):
		return ErrKindMapping
	case errors.As(err, &partialErr):
		return ErrKindPartialPush
	case errors.As(err, &netErr):
		return ErrKindNetwork
	default:
		return ErrKindInternal
	}
}

// Transient reports whether a stage may be retried locally.
func Transient(err error) bool {
	var netErr NetworkError
	return errors.As(err, &netErr)
}
