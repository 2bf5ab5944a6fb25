// internal/memory/store.go
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/google/uuid"

	"ensemble-orchestrator/internal/common/logger"
)

const (
	indexName = "conversation-memory"

	// Rough budget conversion used when trimming context to a token budget.
	charsPerToken = 4
)

// Interaction is one stored conversation turn.
type Interaction struct {
	UserID     string    `json:"userId"`
	SessionID  string    `json:"sessionId"`
	Text       string    `json:"text"`
	IsUserTurn bool      `json:"isUserTurn"`
	Quality    float64   `json:"quality"`
	ProviderID string    `json:"providerId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Context is prior-conversation text trimmed to a token budget.
type Context struct {
	Text       string
	TokenCount int
}

// Store is the conversation-memory collaborator. Both operations are
// best-effort: callers treat errors as "no context" and move on.
type Store interface {
	GetContext(ctx context.Context, userID, sessionID string, tokenBudget int) (*Context, error)
	Store(ctx context.Context, interaction Interaction) error
}

// ElasticsearchStore persists interactions as documents and rebuilds context
// from the most recent turns of a session.
type ElasticsearchStore struct {
	client *elasticsearch.Client
	logger logger.Logger
}

func NewElasticsearchStore(client *elasticsearch.Client, log logger.Logger) *ElasticsearchStore {
	return &ElasticsearchStore{client: client, logger: log}
}

func (s *ElasticsearchStore) GetContext(ctx context.Context, userID, sessionID string, tokenBudget int) (*Context, error) {
	if tokenBudget <= 0 {
		return &Context{}, nil
	}

	query := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []map[string]interface{}{
					{"term": map[string]interface{}{"userId": userID}},
					{"term": map[string]interface{}{"sessionId": sessionID}},
				},
			},
		},
		"sort": []map[string]interface{}{
			{"timestamp": map[string]interface{}{"order": "desc"}},
		},
		"size": 20,
	}
	body, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(indexName),
		s.client.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, fmt.Errorf("memory search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("memory search error: %s", res.Status())
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source Interaction `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("memory search decode failed: %w", err)
	}

	interactions := make([]Interaction, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		interactions = append(interactions, hit.Source)
	}
	return buildContext(interactions, tokenBudget), nil
}

// buildContext collects the newest-first turns until the budget is spent,
// then restores chronological order.
func buildContext(interactions []Interaction, tokenBudget int) *Context {
	charBudget := tokenBudget * charsPerToken
	var turns []string
	used := 0
	for _, it := range interactions {
		turn := it.Text
		if it.IsUserTurn {
			turn = "User: " + turn
		} else {
			turn = "Assistant: " + turn
		}
		if used+len(turn) > charBudget {
			break
		}
		turns = append(turns, turn)
		used += len(turn)
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}

	text := strings.Join(turns, "\n")
	return &Context{Text: text, TokenCount: len(text) / charsPerToken}
}

func (s *ElasticsearchStore) Store(ctx context.Context, interaction Interaction) error {
	if interaction.Timestamp.IsZero() {
		interaction.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(interaction)
	if err != nil {
		return err
	}

	res, err := s.client.Index(
		indexName,
		bytes.NewReader(body),
		s.client.Index.WithContext(ctx),
		s.client.Index.WithDocumentID(uuid.NewString()),
	)
	if err != nil {
		return fmt.Errorf("memory store failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("memory store error: %s", res.Status())
	}
	return nil
}

// NoopStore disables conversation memory.
type NoopStore struct{}

func (NoopStore) GetContext(context.Context, string, string, int) (*Context, error) {
	return &Context{}, nil
}

func (NoopStore) Store(context.Context, Interaction) error { return nil }
