package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Favorite Color", "favorite_color"},
		{"  favorite-color!! ", "favorite_color"},
		{"Home_Town", "home_town"},
		{"Café au lait", "café_au_lait"},
		{"---", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeSubject(tt.in), "normalizeSubject(%q)", tt.in)
	}
}

func TestNormalizeCandidate(t *testing.T) {
	f, err := normalizeCandidate(FactCandidate{Category: " Preference ", Text: " Likes jazz ", Confidence: 1.7}, []int64{3, 1, 3})
	require.NoError(t, err)
	assert.Equal(t, "preference", f.Category)
	assert.Equal(t, "likes_jazz", f.Subject)
	assert.Equal(t, "Likes jazz", f.Text)
	assert.Equal(t, 1.0, f.Confidence)
	assert.Equal(t, []int64{1, 3}, f.Sources)

	f, err = normalizeCandidate(FactCandidate{Subject: "Pet", Text: "Has a cat", Confidence: -0.5}, nil)
	require.NoError(t, err)
	assert.Equal(t, defaultFactCategory, f.Category)
	assert.Equal(t, "pet", f.Subject)
	assert.Equal(t, 0.0, f.Confidence)

	_, err = normalizeCandidate(FactCandidate{Category: "x", Text: "  "}, nil)
	assert.True(t, errors.Is(err, ErrMalformedOutput))
}

func TestMergeFactIsCommutative(t *testing.T) {
	a := Fact{Category: "preference", Subject: "drink", Text: "Likes coffee", Confidence: 0.6, Sources: []int64{1, 2}}
	b := Fact{Category: "preference", Subject: "drink", Text: "Loves tea", Confidence: 0.9, Sources: []int64{2, 5}}

	ab := mergeFact(a, b)
	ba := mergeFact(b, a)
	assert.Equal(t, "Loves tea", ab.Text)
	assert.Equal(t, ab.Text, ba.Text)
	assert.Equal(t, ab.Confidence, ba.Confidence)
	assert.Equal(t, []int64{1, 2, 5}, ab.Sources)
	assert.Equal(t, ab.Sources, ba.Sources)

	tieA := Fact{Text: "b statement", Confidence: 0.5}
	tieB := Fact{Text: "a statement", Confidence: 0.5}
	assert.Equal(t, mergeFact(tieA, tieB).Text, mergeFact(tieB, tieA).Text)
}

func TestStoreMergeFactsEitherOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low := Fact{Category: "preference", Subject: "drink", Text: "Likes coffee", Confidence: 0.4, Sources: []int64{1}}
	high := Fact{Category: "preference", Subject: "drink", Text: "Prefers tea", Confidence: 0.8, Sources: []int64{7}}

	for user, order := range map[string][]Fact{"forward": {low, high}, "reverse": {high, low}} {
		for _, f := range order {
			_, err := s.MergeFacts(ctx, user, []Fact{f})
			require.NoError(t, err)
		}
	}

	forward, err := s.Facts(ctx, "forward")
	require.NoError(t, err)
	reverse, err := s.Facts(ctx, "reverse")
	require.NoError(t, err)
	require.Len(t, forward, 1)
	require.Len(t, reverse, 1)

	for _, f := range []Fact{forward[0], reverse[0]} {
		assert.Equal(t, "Prefers tea", f.Text)
		assert.Equal(t, 0.8, f.Confidence)
		assert.Equal(t, []int64{1, 7}, f.Sources)
	}
}

func TestStoreMergeFactsKeepsCategoriesApart(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.MergeFacts(ctx, "u1", []Fact{
		{Category: "preference", Subject: "city", Text: "Loves Paris", Confidence: 0.7},
		{Category: "demographic", Subject: "city", Text: "Lives in Lyon", Confidence: 0.9},
		{Category: "preference", Subject: "city", Text: "Loves Rome", Confidence: 0.2},
	})
	require.NoError(t, err)

	facts, err := s.Facts(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, "demographic", facts[0].Category)
	assert.Equal(t, "Loves Paris", facts[1].Text)
}

func TestKnowledgeExtractorMergesIntoStore(t *testing.T) {
	s := newTestStore(t)
	round := 0
	sum := &fakeSummarizer{
		factsFn: func(req Request) ([]FactCandidate, error) {
			round++
			if round == 1 {
				return []FactCandidate{
					{Category: "preference", Subject: "favorite color", Text: "Likes blue", Confidence: 0.6},
					{Category: "demographic", Subject: "job", Text: "Works as a nurse", Confidence: 0.9},
				}, nil
			}
			return []FactCandidate{
				{Category: "Preference", Subject: "Favorite-Color", Text: "Loves green", Confidence: 0.8},
			}, nil
		},
	}
	k := NewKnowledgeExtractor(s, sum, 3, fastRetry, zerolog.Nop())
	ctx := context.Background()

	seedMessages(t, s, "u1", 2)
	written, err := k.Extract(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, written, 2)

	seedMessages(t, s, "u1", 3)
	_, err = k.Extract(ctx, "u1", 0)
	require.NoError(t, err)

	req, ok := sum.lastRequest(TaskExtractFacts)
	require.True(t, ok)
	assert.Len(t, req.Inputs, 3, "window limits the messages sent")

	facts, err := s.Facts(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, facts, 2)
	color := facts[1]
	assert.Equal(t, "favorite_color", color.Subject)
	assert.Equal(t, "Loves green", color.Text)
	assert.Equal(t, 0.8, color.Confidence)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, color.Sources)
	assert.True(t, color.UpdatedAt.After(color.CreatedAt))
}

func TestKnowledgeExtractorMalformedLeavesFactsUnchanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.MergeFacts(ctx, "u1", []Fact{{Category: "pet", Subject: "pet", Text: "Has a cat", Confidence: 0.5}})
	require.NoError(t, err)
	before, err := s.Facts(ctx, "u1")
	require.NoError(t, err)

	tests := map[string]func(Request) ([]FactCandidate, error){
		"unparseable": func(Request) ([]FactCandidate, error) {
			return nil, fmt.Errorf("parse facts: %w", ErrMalformedOutput)
		},
		"partially invalid": func(Request) ([]FactCandidate, error) {
			return []FactCandidate{
				{Category: "pet", Subject: "pet", Text: "Has two cats", Confidence: 0.9},
				{Category: "pet", Text: ""},
			}, nil
		},
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			sum := &fakeSummarizer{factsFn: fn}
			k := NewKnowledgeExtractor(s, sum, 10, fastRetry, zerolog.Nop())
			seedMessages(t, s, "u1", 1)

			_, err := k.Extract(ctx, "u1", 0)
			assert.True(t, errors.Is(err, ErrMalformedOutput))
			assert.Equal(t, 1, sum.count(TaskExtractFacts))

			after, err := s.Facts(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, before, after)
		})
	}
}

func TestKnowledgeExtractorNoMessages(t *testing.T) {
	s := newTestStore(t)
	sum := &fakeSummarizer{}
	k := NewKnowledgeExtractor(s, sum, 10, fastRetry, zerolog.Nop())

	facts, err := k.Extract(context.Background(), "nobody", 0)
	require.NoError(t, err)
	assert.Empty(t, facts)
	assert.Equal(t, 0, sum.count(TaskExtractFacts))
}
