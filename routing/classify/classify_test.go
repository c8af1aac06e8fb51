package classify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_Simple(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"bare greeting", "hi"},
		{"hello with punctuation", "hello!"},
		{"thanks", "thanks"},
		{"thank you", "thank you"},
		{"ok", "ok"},
		{"sounds good", "sounds good"},
	}
	c := New(0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := c.Classify(context.Background(), tt.query, false)
			assert.Equal(t, ClassSimple, d.Class)
			assert.True(t, d.SkipRetrieval)
		})
	}
}

func TestClassify_Complex(t *testing.T) {
	tests := []string{
		"compare the auth middleware versus the new session handler",
		"what does this do, and why is it slow",
		"explain the retry logic but also the backoff policy",
	}
	c := New(0)
	for _, q := range tests {
		t.Run(q, func(t *testing.T) {
			d := c.Classify(context.Background(), q, false)
			assert.Equal(t, ClassComplex, d.Class)
			assert.Equal(t, 1.5, d.FinalKScale)
			assert.True(t, d.RerankEnabled)
		})
	}
}

func TestClassify_DeicticWithoutPriorTurn_FallsBackToFactual(t *testing.T) {
	c := New(0)
	d := c.Classify(context.Background(), "what does this do", false)
	// Contains a question word, so it takes the question-word branch, not deictic.
	assert.Equal(t, ClassFactual, d.Class)

	d = c.Classify(context.Background(), "explain this to me", false)
	assert.Equal(t, ClassFactual, d.Class)
	assert.False(t, d.RequiresPriorTurn)
}

func TestClassify_DeicticWithPriorTurn_IsFollowUp(t *testing.T) {
	c := New(0)
	d := c.Classify(context.Background(), "explain this to me", true)
	assert.Equal(t, ClassFollowUp, d.Class)
	assert.True(t, d.RequiresPriorTurn)
}

func TestClassify_QuestionWord_IsFactual(t *testing.T) {
	c := New(0)
	d := c.Classify(context.Background(), "where is the config loaded from", false)
	assert.Equal(t, ClassFactual, d.Class)
	assert.False(t, d.SkipRetrieval)
}

func TestClassify_DefaultsToFactual(t *testing.T) {
	c := New(0)
	d := c.Classify(context.Background(), "retry budget exhausted handler", false)
	assert.Equal(t, ClassFactual, d.Class)
}

func TestClassify_CachesByNormalizedQuery(t *testing.T) {
	c := New(0)
	first := c.Classify(context.Background(), "  Hello  ", false)
	second := c.Classify(context.Background(), "hello", false)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, c.cache.Len())
}
