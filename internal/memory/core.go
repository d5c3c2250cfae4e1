package memory

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
)

// DefaultCoreSimilarity is the token overlap at which two core memory
// descriptions count as the same statement.
const DefaultCoreSimilarity = 0.8

// CoreExtractor distills identity-level statements from a long-term narrative.
type CoreExtractor struct {
	store      *Store
	summarizer Summarizer
	retry      retrier
	similarity float64
	log        zerolog.Logger
}

func NewCoreExtractor(store *Store, summarizer Summarizer, similarity float64, policy RetryPolicy, log zerolog.Logger) *CoreExtractor {
	if similarity <= 0 || similarity > 1 {
		similarity = DefaultCoreSimilarity
	}
	return &CoreExtractor{
		store:      store,
		summarizer: summarizer,
		retry:      retrier{policy: policy, log: log},
		similarity: similarity,
		log:        log,
	}
}

// Extract proposes core memories from narrative and merges them with the
// existing ones of userID. Inserted and raised memories are returned.
func (e *CoreExtractor) Extract(ctx context.Context, userID string, narrative Narrative) ([]CoreMemory, error) {
	existing, err := e.store.CoreMemories(ctx, userID, -math.MaxFloat64)
	if err != nil {
		return nil, err
	}
	inputs := make([]string, len(existing))
	for i, m := range existing {
		inputs[i] = m.Description
	}

	req := Request{Task: TaskExtractCore, Inputs: inputs, Prior: narrative.Text}
	cands, err := retryCall(ctx, e.retry, TaskExtractCore, func() ([]CoreCandidate, error) {
		return e.summarizer.ExtractCore(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("extract core memories: %w", err)
	}

	clean := make([]CoreCandidate, 0, len(cands))
	for i, c := range cands {
		c.Description = strings.TrimSpace(c.Description)
		if c.Description == "" || math.IsNaN(c.Importance) || math.IsInf(c.Importance, 0) {
			return nil, fmt.Errorf("extract core memories: candidate %d: %w", i, ErrMalformedOutput)
		}
		clean = append(clean, c)
	}

	changed, err := e.store.MergeCoreMemories(ctx, userID, narrative.Version, clean, e.similar)
	if err != nil {
		return nil, err
	}
	e.log.Debug().Str("user", userID).Int64("version", narrative.Version).Int("changed", len(changed)).Msg("core memories merged")
	return changed, nil
}

func (e *CoreExtractor) similar(a, b string) bool {
	return descriptionSimilarity(a, b) >= e.similarity
}

// descriptionSimilarity is the Jaccard index of the word sets of a and b.
func descriptionSimilarity(a, b string) float64 {
	ta, tb := wordSet(a), wordSet(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	inter := 0
	for w := range ta {
		if _, ok := tb[w]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
