// internal/server/server.go
package server

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xeipuuv/gojsonschema"

	"ensemble-orchestrator/internal/common/errors"
	"ensemble-orchestrator/internal/common/logger"
	"ensemble-orchestrator/internal/models"
	"ensemble-orchestrator/internal/orchestrator"
	"ensemble-orchestrator/internal/tier"
)

const maxBodyBytes = 1 << 20

// answerRequestSchema validates the POST /v1/answers payload before any
// admission logic runs.
var answerRequestSchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"text", "userId"},
	"properties": map[string]interface{}{
		"text": map[string]interface{}{
			"type":      "string",
			"minLength": 1,
		},
		"userId": map[string]interface{}{
			"type":      "string",
			"minLength": 1,
		},
		"sessionId": map[string]interface{}{
			"type": "string",
		},
	},
	"additionalProperties": false,
}

type answerRequest struct {
	Text      string `json:"text"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

// answerResponse is the external projection of a FinalResult. Internal
// artifacts like the raw provider responses stay server-side.
type answerResponse struct {
	RequestID  string                   `json:"requestId"`
	Answer     string                   `json:"answer"`
	Strategy   models.Strategy          `json:"strategy"`
	Consensus  models.Consensus         `json:"consensus"`
	Quality    *models.ValidationResult `json:"quality,omitempty"`
	Voting     *models.VotingResult     `json:"voting,omitempty"`
	Status     models.ResultStatus      `json:"status"`
	Cached     bool                     `json:"cached"`
	LatencyMs  int64                    `json:"latencyMs"`
	Trace      models.DecisionTrace     `json:"trace,omitempty"`
	Responses  []providerSummary        `json:"providers,omitempty"`
	Tier       models.Tier              `json:"tier"`
	Confidence map[string]float64       `json:"confidence,omitempty"`
}

type providerSummary struct {
	ProviderID string `json:"providerId"`
	Status     string `json:"status"`
	IsFallback bool   `json:"isFallback,omitempty"`
	LatencyMs  int64  `json:"latencyMs"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	Details           string `json:"details,omitempty"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

// Server exposes the orchestrator over HTTP.
type Server struct {
	orch     *orchestrator.Orchestrator
	resolver tier.Resolver
	logger   logger.Logger
}

func New(orch *orchestrator.Orchestrator, resolver tier.Resolver, log logger.Logger) *Server {
	return &Server{orch: orch, resolver: resolver, logger: log}
}

// Routes builds the HTTP handler with all endpoints attached.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/answers", s.handleAnswer)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only POST is supported", "")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var raw map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		s.writeError(w, http.StatusBadRequest, "MALFORMED_JSON", "request body is not valid JSON", err.Error())
		return
	}
	if err := validatePayload(raw); err != nil {
		s.writeError(w, http.StatusBadRequest, "SCHEMA_VALIDATION_FAILED", "request body failed schema validation", err.Error())
		return
	}

	var payload answerRequest
	data, _ := json.Marshal(raw)
	if err := json.Unmarshal(data, &payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "MALFORMED_JSON", "request body could not be parsed", err.Error())
		return
	}

	userTier, err := s.resolver.Resolve(r.Context(), payload.UserID)
	if err != nil {
		s.logger.Warn("tier resolution failed, defaulting to free", map[string]interface{}{
			"userId": payload.UserID,
			"error":  err.Error(),
		})
		userTier = models.TierFree
	}

	req := models.NewRequest(payload.Text, payload.UserID, payload.SessionID, userTier)
	result, err := s.orch.Submit(r.Context(), req)
	if err != nil {
		s.writeAdmissionError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, toAnswerResponse(result))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	health := s.orch.HealthCheck(r.Context())
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, health)
}

func validatePayload(raw map[string]interface{}) error {
	schemaLoader := gojsonschema.NewGoLoader(answerRequestSchema)
	documentLoader := gojsonschema.NewGoLoader(raw)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return fmt.Errorf("payload validation failed: %v", errs)
	}
	return nil
}

func toAnswerResponse(result *models.FinalResult) answerResponse {
	resp := answerResponse{
		RequestID: result.Request.ID,
		Answer:    result.Synthesis.Content,
		Strategy:  result.Synthesis.Strategy,
		Consensus: result.Voting.Consensus,
		Quality:   result.Validation,
		Voting:    result.Voting,
		Status:    result.Status,
		Cached:    result.Cached,
		LatencyMs: result.LatencyMs,
		Trace:     result.Trace,
		Tier:      result.Request.Tier,
	}
	if len(result.Confidences) > 0 {
		resp.Confidence = make(map[string]float64, len(result.Confidences))
		for id, score := range result.Confidences {
			resp.Confidence[id] = score.Value
		}
	}
	for _, r := range result.Responses {
		resp.Responses = append(resp.Responses, providerSummary{
			ProviderID: r.ProviderID,
			Status:     string(r.Status),
			IsFallback: r.IsFallback,
			LatencyMs:  r.LatencyMs,
		})
	}
	return resp
}

// writeAdmissionError maps the three admission rejections onto HTTP statuses.
// Anything else is an internal failure and reads as 500.
func (s *Server) writeAdmissionError(w http.ResponseWriter, err error) {
	var stdErr *errors.StandardError
	if !stderrors.As(err, &stdErr) {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "request could not be processed", "")
		return
	}

	body := errorBody{
		Code:    string(stdErr.Code),
		Message: stdErr.Message,
		Details: stdErr.Details,
	}

	switch stdErr.Code {
	case errors.ErrCodeRequestInvalid:
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: body})
	case errors.ErrCodeRateLimited:
		if v, ok := stdErr.Metadata["retryAfterSeconds"].(int); ok {
			body.RetryAfterSeconds = v
			w.Header().Set("Retry-After", fmt.Sprintf("%d", v))
		}
		s.writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: body})
	case errors.ErrCodeQueueFull:
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: body})
	default:
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: body})
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message, details string) {
	s.writeJSON(w, status, errorResponse{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}
