package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// TierSizes holds one positive count per condensation tier.
type TierSizes struct {
	Short int
	Mid   int
	Long  int
}

func (s TierSizes) of(tier Tier) int {
	switch tier {
	case TierShort:
		return s.Short
	case TierMid:
		return s.Mid
	case TierLong:
		return s.Long
	}
	return 0
}

// DefaultThresholds are the condensation thresholds used when none are configured.
var DefaultThresholds = TierSizes{Short: 20, Mid: 5, Long: 3}

type sourceItem struct {
	id   int64
	text string
}

// tierSpec parameterizes the condenser for one target tier.
type tierSpec struct {
	tier      Tier
	task      Task
	threshold int
	batch     int
	load      func(ctx context.Context, userID string, after int64, limit int) ([]sourceItem, error)
}

// Outcome describes one Condense call. Condensed is false for a no-op.
type Outcome struct {
	Tier      Tier       `json:"tier"`
	Condensed bool       `json:"condensed"`
	Available int        `json:"available"`
	Consumed  []int64    `json:"consumed,omitempty"`
	Item      *TierItem  `json:"item,omitempty"`
	Narrative *Narrative `json:"narrative,omitempty"`
}

// Condenser folds sources after a tier cursor into one item of that tier.
type Condenser struct {
	store      *Store
	summarizer Summarizer
	retry      retrier
	specs      map[Tier]tierSpec
	log        zerolog.Logger
}

// NewCondenser returns a Condenser. Zero thresholds and batch sizes take the
// defaults, and a batch is never smaller than its threshold.
func NewCondenser(store *Store, summarizer Summarizer, thresholds, batches TierSizes, policy RetryPolicy, log zerolog.Logger) *Condenser {
	c := &Condenser{
		store:      store,
		summarizer: summarizer,
		retry:      retrier{policy: policy, log: log},
		log:        log,
	}

	size := func(tier Tier) (int, int) {
		threshold := thresholds.of(tier)
		if threshold <= 0 {
			threshold = DefaultThresholds.of(tier)
		}
		return threshold, max(batches.of(tier), threshold)
	}

	c.specs = make(map[Tier]tierSpec, len(CondensableTiers))
	for _, tier := range CondensableTiers {
		threshold, batch := size(tier)
		spec := tierSpec{tier: tier, threshold: threshold, batch: batch}
		switch tier {
		case TierShort:
			spec.task = TaskSummarizeMessages
			spec.load = c.loadMessages
		case TierMid:
			spec.task = TaskSummarizeShortTerm
			spec.load = c.loadItems(TierShort)
		case TierLong:
			spec.task = TaskUpdateNarrative
			spec.load = c.loadItems(TierMid)
		}
		c.specs[tier] = spec
	}
	return c
}

// Threshold returns the configured threshold for tier.
func (c *Condenser) Threshold(tier Tier) int {
	return c.specs[tier].threshold
}

func (c *Condenser) loadMessages(ctx context.Context, userID string, after int64, limit int) ([]sourceItem, error) {
	msgs, err := c.store.MessagesAfter(ctx, userID, after, limit)
	if err != nil {
		return nil, err
	}
	lines := formatMessages(msgs)
	out := make([]sourceItem, len(msgs))
	for i, m := range msgs {
		out[i] = sourceItem{id: m.Seq, text: lines[i]}
	}
	return out, nil
}

func (c *Condenser) loadItems(tier Tier) func(context.Context, string, int64, int) ([]sourceItem, error) {
	return func(ctx context.Context, userID string, after int64, limit int) ([]sourceItem, error) {
		items, err := c.store.TierItemsAfter(ctx, tier, userID, after, limit)
		if err != nil {
			return nil, err
		}
		out := make([]sourceItem, len(items))
		for i, it := range items {
			out[i] = sourceItem{id: it.ID, text: it.Summary}
		}
		return out, nil
	}
}

// Condense folds the sources after the cursor of tier into one new item, or
// into the narrative for the long tier. Fewer sources than the tier
// threshold make it a no-op. The new item and the cursor advance are written
// together, so a failed attempt leaves the same window for the next one.
func (c *Condenser) Condense(ctx context.Context, tier Tier, userID string) (Outcome, error) {
	spec, ok := c.specs[tier]
	if !ok {
		return Outcome{}, fmt.Errorf("condense: %w: %q", ErrInvalidTier, tier)
	}
	out := Outcome{Tier: tier}

	cursor, err := c.store.Cursor(ctx, userID, tier)
	if err != nil {
		return out, err
	}
	sources, err := spec.load(ctx, userID, cursor.LastSourceID, spec.batch)
	if err != nil {
		return out, err
	}
	out.Available = len(sources)
	if len(sources) < spec.threshold {
		return out, nil
	}

	req := Request{Task: spec.task, Inputs: make([]string, len(sources))}
	ids := make([]int64, len(sources))
	for i, s := range sources {
		req.Inputs[i] = s.text
		ids[i] = s.id
	}

	if tier == TierLong {
		current, err := c.store.Narrative(ctx, userID)
		if err != nil {
			return out, err
		}
		req.Prior = current.Text
	}

	summary, err := retryCall(ctx, c.retry, spec.task, func() (string, error) {
		return c.summarizer.Condense(ctx, req)
	})
	if err != nil {
		return out, fmt.Errorf("condense %s: %w", tier, err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return out, fmt.Errorf("condense %s: %w: empty summary", tier, ErrMalformedOutput)
	}

	if tier == TierLong {
		n, err := c.store.CommitNarrative(ctx, userID, summary, ids, cursor.LastSourceID)
		if err != nil {
			return out, err
		}
		out.Narrative = &n
	} else {
		item, err := c.store.CommitTierItem(ctx, tier, userID, summary, ids, cursor.LastSourceID)
		if err != nil {
			return out, err
		}
		out.Item = &item
	}
	out.Condensed = true
	out.Consumed = ids

	c.log.Info().Str("user", userID).Str("tier", string(tier)).Int("sources", len(ids)).Msg("tier condensed")
	return out, nil
}

// formatMessages renders messages as summarizer input lines.
func formatMessages(msgs []Message) []string {
	lines := make([]string, len(msgs))
	for i, m := range msgs {
		if m.Role == RoleBot {
			lines[i] = "assistant: " + m.Content
			continue
		}
		name := m.UserName
		if name == "" {
			name = "user"
		}
		lines[i] = fmt.Sprintf("%s (%s): %s", name, m.UserID, m.Content)
	}
	return lines
}
