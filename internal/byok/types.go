package byok

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("byok: key not found")
	ErrInvalidInput = errors.New("byok: invalid input")
)

// Credential is a third-party API key in the pool. Lower Priority is preferred.
type Credential struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Secret              string     `json:"secret"`
	Tier                string     `json:"tier"`
	IsActive            bool       `json:"is_active"`
	IsValid             bool       `json:"is_valid"`
	InvalidReason       string     `json:"invalid_reason,omitempty"`
	Priority            int        `json:"priority"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastUsedAt          *time.Time `json:"last_used_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Eligible reports whether the key may be handed out.
func (c Credential) Eligible() bool { return c.IsActive && c.IsValid }

// Masked returns a copy safe to show to operators.
func (c Credential) Masked() Credential {
	c.Secret = MaskSecret(c.Secret)
	return c
}

// MaskSecret keeps the last four characters of s.
func MaskSecret(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", 8) + s[len(s)-4:]
}

// UsageKey identifies one usage aggregate.
type UsageKey struct {
	KeyID      string `json:"key_id"`
	Model      string `json:"model"`
	PeriodType string `json:"period_type"`
	PeriodKey  string `json:"period_key"`
}

// UsageRecord is one usage report line, or the stored aggregate for its key.
type UsageRecord struct {
	UsageKey
	RequestCount int64 `json:"request_count"`
	InputTokens  int64 `json:"input_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Validate checks a single record independently of the batch it came in.
func (r UsageRecord) Validate() error {
	switch {
	case strings.TrimSpace(r.KeyID) == "":
		return errors.Join(ErrInvalidInput, errors.New("key_id is required"))
	case strings.TrimSpace(r.Model) == "":
		return errors.Join(ErrInvalidInput, errors.New("model is required"))
	case strings.TrimSpace(r.PeriodType) == "":
		return errors.Join(ErrInvalidInput, errors.New("period_type is required"))
	case strings.TrimSpace(r.PeriodKey) == "":
		return errors.Join(ErrInvalidInput, errors.New("period_key is required"))
	case r.RequestCount < 0 || r.InputTokens < 0 || r.TotalTokens < 0:
		return errors.Join(ErrInvalidInput, errors.New("counters must be non-negative"))
	}
	return nil
}

// Store persists the credential pool. Implementations must make AddUsage an atomic
// increment so concurrent reports for the same UsageKey never lose updates.
type Store interface {
	// ListKeys returns every key ordered by priority, then id.
	ListKeys(ctx context.Context) ([]Credential, error)
	// ListEligibleKeys returns active and valid keys ordered by priority, then id.
	ListEligibleKeys(ctx context.Context) ([]Credential, error)
	// MarkKeyInvalid flags the key invalid. The failure counter grows only when the key
	// was valid before the call; changed reports that transition.
	MarkKeyInvalid(ctx context.Context, id, reason string, at time.Time) (changed bool, err error)
	// MarkKeyValid restores validity and clears the reason and failure counter.
	MarkKeyValid(ctx context.Context, id string, at time.Time) error
	// AddUsage upserts rec with additive counters. Unknown keys yield ErrNotFound.
	AddUsage(ctx context.Context, rec UsageRecord) error
	// TouchKeys sets last_used_at for the given keys.
	TouchKeys(ctx context.Context, ids []string, at time.Time) error
}
