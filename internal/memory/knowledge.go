package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
)

const defaultFactCategory = "general"

// KnowledgeExtractor turns recent messages into facts merged into the Store.
type KnowledgeExtractor struct {
	store      *Store
	summarizer Summarizer
	retry      retrier
	window     int
	log        zerolog.Logger
}

func NewKnowledgeExtractor(store *Store, summarizer Summarizer, window int, policy RetryPolicy, log zerolog.Logger) *KnowledgeExtractor {
	if window <= 0 {
		window = 10
	}
	return &KnowledgeExtractor{
		store:      store,
		summarizer: summarizer,
		retry:      retrier{policy: policy, log: log},
		window:     window,
		log:        log,
	}
}

// Extract reads the most recent limit messages of userID (the configured
// window when limit is not positive), asks the Summarizer for facts and
// merges them. The facts written are returned.
func (k *KnowledgeExtractor) Extract(ctx context.Context, userID string, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = k.window
	}
	msgs, err := k.store.RecentMessages(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return []Fact{}, nil
	}

	req := Request{Task: TaskExtractFacts, Inputs: formatMessages(msgs)}
	cands, err := retryCall(ctx, k.retry, TaskExtractFacts, func() ([]FactCandidate, error) {
		return k.summarizer.ExtractFacts(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("extract facts: %w", err)
	}

	sources := make([]int64, len(msgs))
	for i, m := range msgs {
		sources[i] = m.Seq
	}

	facts := make([]Fact, 0, len(cands))
	for i, c := range cands {
		f, err := normalizeCandidate(c, sources)
		if err != nil {
			return nil, fmt.Errorf("extract facts: candidate %d: %w", i, err)
		}
		facts = append(facts, f)
	}

	written, err := k.store.MergeFacts(ctx, userID, facts)
	if err != nil {
		return nil, err
	}
	k.log.Debug().Str("user", userID).Int("messages", len(msgs)).Int("facts", len(written)).Msg("knowledge extracted")
	return written, nil
}

func normalizeCandidate(c FactCandidate, sources []int64) (Fact, error) {
	text := strings.TrimSpace(c.Text)
	if text == "" {
		return Fact{}, fmt.Errorf("%w: empty fact text", ErrMalformedOutput)
	}
	if math.IsNaN(c.Confidence) {
		return Fact{}, fmt.Errorf("%w: confidence is NaN", ErrMalformedOutput)
	}

	category := strings.ToLower(strings.TrimSpace(c.Category))
	if category == "" {
		category = defaultFactCategory
	}
	subject := normalizeSubject(c.Subject)
	if subject == "" {
		subject = normalizeSubject(text)
	}

	return Fact{
		Category:   category,
		Subject:    subject,
		Text:       text,
		Confidence: min(max(c.Confidence, 0), 1),
		Sources:    normalizeIDs(sources),
	}, nil
}

// normalizeSubject lowercases s and collapses every run of characters that
// are not letters or digits into a single underscore.
func normalizeSubject(s string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

func factKey(category, subject string) string {
	return category + "\x00" + subject
}

// mergeFact combines two facts about the same subject. The statement with
// the higher confidence wins, ties going to the lexicographically smaller
// text, and provenance is the union of both source sets.
func mergeFact(cur, cand Fact) Fact {
	out := cur
	if cand.Confidence > cur.Confidence || (cand.Confidence == cur.Confidence && cand.Text < cur.Text) {
		out.Text = cand.Text
		out.Confidence = cand.Confidence
	}
	out.Sources = normalizeIDs(append(slices.Clone(cur.Sources), cand.Sources...))
	return out
}

// normalizeIDs returns ids sorted ascending without duplicates.
func normalizeIDs(ids []int64) []int64 {
	out := slices.Clone(ids)
	if out == nil {
		return []int64{}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func isMalformed(err error) bool {
	return errors.Is(err, ErrMalformedOutput)
}
