// internal/models/request.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// Tier classifies a caller and controls concurrency, rate and token budgets.
type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// ValidTiers lists every tier the admission layer accepts.
var ValidTiers = map[Tier]bool{
	TierFree: true, TierBasic: true, TierPremium: true, TierEnterprise: true,
}

// Priority orders queued requests. High drains before medium before low.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// PriorityForTier maps a caller tier onto a queue priority.
func PriorityForTier(t Tier) Priority {
	switch t {
	case TierEnterprise, TierPremium:
		return PriorityHigh
	case TierBasic:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Request is the immutable unit of work for one orchestration run.
// ID doubles as the correlation id threaded through logs and traces.
type Request struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	UserID      string    `json:"userId"`
	SessionID   string    `json:"sessionId"`
	Tier        Tier      `json:"tier"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// NewRequest builds a Request with a fresh correlation id.
func NewRequest(text, userID, sessionID string, tier Tier) *Request {
	return &Request{
		ID:          uuid.NewString(),
		Text:        text,
		UserID:      userID,
		SessionID:   sessionID,
		Tier:        tier,
		SubmittedAt: time.Now().UTC(),
	}
}
