// internal/models/response.go
package models

// ProviderStatus records how one provider role settled.
type ProviderStatus string

const (
	StatusFulfilled ProviderStatus = "fulfilled"
	StatusRejected  ProviderStatus = "rejected"
)

// ProviderResponse is the outcome of one provider role for one request.
// Immutable after creation; a request holds one per configured role.
type ProviderResponse struct {
	ProviderID string         `json:"providerId"`
	Status     ProviderStatus `json:"status"`
	Content    string         `json:"content,omitempty"`
	LatencyMs  int64          `json:"latencyMs"`
	IsFallback bool           `json:"isFallback"`
	Error      string         `json:"error,omitempty"`
}

// Fulfilled reports whether the role produced usable content.
func (r *ProviderResponse) Fulfilled() bool {
	return r != nil && r.Status == StatusFulfilled
}

// ConfidenceLevel buckets a confidence value at fixed cut points.
type ConfidenceLevel string

const (
	ConfidenceHigh    ConfidenceLevel = "high"
	ConfidenceMedium  ConfidenceLevel = "medium"
	ConfidenceLow     ConfidenceLevel = "low"
	ConfidenceVeryLow ConfidenceLevel = "very_low"
)

// ConfidenceFactor is one contributing signal, kept for explainability.
type ConfidenceFactor struct {
	Name         string  `json:"name"`
	Contribution float64 `json:"contribution"`
	Detail       string  `json:"detail,omitempty"`
}

// ConfidenceScore is the bounded quality estimate for one fulfilled response.
type ConfidenceScore struct {
	Value   float64            `json:"value"`
	Level   ConfidenceLevel    `json:"level"`
	Factors []ConfidenceFactor `json:"factors"`
}

// LevelForConfidence discretizes a confidence value.
func LevelForConfidence(v float64) ConfidenceLevel {
	switch {
	case v >= 0.8:
		return ConfidenceHigh
	case v >= 0.6:
		return ConfidenceMedium
	case v >= 0.4:
		return ConfidenceLow
	default:
		return ConfidenceVeryLow
	}
}
