package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func interaction(text string, userTurn bool, age time.Duration) Interaction {
	return Interaction{
		UserID:     "u1",
		SessionID:  "s1",
		Text:       text,
		IsUserTurn: userTurn,
		Timestamp:  time.Now().Add(-age),
	}
}

func TestBuildContextChronologicalOrder(t *testing.T) {
	// Newest first, as a search sorted by timestamp desc returns them.
	hits := []Interaction{
		interaction("Third turn.", true, 1*time.Minute),
		interaction("Second turn.", false, 2*time.Minute),
		interaction("First turn.", true, 3*time.Minute),
	}

	ctx := buildContext(hits, 1000)

	lines := strings.Split(ctx.Text, "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "User: First turn.", lines[0])
	assert.Equal(t, "Assistant: Second turn.", lines[1])
	assert.Equal(t, "User: Third turn.", lines[2])
	assert.Positive(t, ctx.TokenCount)
}

func TestBuildContextRespectsTokenBudget(t *testing.T) {
	long := strings.Repeat("word ", 100) // ~500 chars per turn
	hits := []Interaction{
		interaction(long, false, 1*time.Minute),
		interaction(long, true, 2*time.Minute),
		interaction(long, false, 3*time.Minute),
	}

	// Budget of 150 tokens = 600 chars fits only the newest turn.
	ctx := buildContext(hits, 150)

	assert.Equal(t, 1, strings.Count(ctx.Text, "Assistant:"))
	assert.NotContains(t, ctx.Text, "User:")
	assert.LessOrEqual(t, ctx.TokenCount, 150)
}

func TestBuildContextKeepsNewestWhenTrimming(t *testing.T) {
	hits := []Interaction{
		interaction("newest", true, 1*time.Minute),
		interaction(strings.Repeat("old ", 500), false, 2*time.Minute),
	}

	ctx := buildContext(hits, 10)

	assert.Contains(t, ctx.Text, "newest")
	assert.NotContains(t, ctx.Text, "old")
}

func TestBuildContextEmpty(t *testing.T) {
	ctx := buildContext(nil, 500)
	assert.Empty(t, ctx.Text)
	assert.Zero(t, ctx.TokenCount)
}

func TestNoopStore(t *testing.T) {
	var store Store = NoopStore{}

	got, err := store.GetContext(context.Background(), "u1", "s1", 500)
	require.NoError(t, err)
	assert.Empty(t, got.Text)

	assert.NoError(t, store.Store(context.Background(), interaction("x", true, 0)))
}
