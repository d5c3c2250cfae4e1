package memory

import (
	"context"
	"strconv"
	"strings"
)

// ContextOptions bounds an assembled package. Zero counts and a nil
// MinImportance fall back to the assembler defaults.
type ContextOptions struct {
	RecentMessages int
	ShortTerm      int
	MidTerm        int
	// MinImportance hides core memories below it. Nil keeps every one.
	MinImportance *float64
}

// AtLeast returns a minimum importance filter.
func AtLeast(importance float64) *float64 {
	return &importance
}

// DefaultContextOptions mirrors the configured defaults.
var DefaultContextOptions = ContextOptions{RecentMessages: 20, ShortTerm: 5, MidTerm: 3}

// ContextPackage is everything known about a user, ready for a prompt.
// ShortTerm and MidTerm are most recent first; RecentMessages is chronological.
type ContextPackage struct {
	UserID         string       `json:"user_id"`
	RecentMessages []Message    `json:"recent_messages"`
	Facts          []Fact       `json:"facts"`
	ShortTerm      []TierItem   `json:"short_term"`
	MidTerm        []TierItem   `json:"mid_term"`
	LongTerm       *Narrative   `json:"long_term,omitempty"`
	CoreMemories   []CoreMemory `json:"core_memories"`
	Text           string       `json:"text"`
}

// Assembler builds context packages. It only reads.
type Assembler struct {
	store    *Store
	defaults ContextOptions
}

func NewAssembler(store *Store, defaults ContextOptions) *Assembler {
	if defaults.RecentMessages <= 0 {
		defaults.RecentMessages = DefaultContextOptions.RecentMessages
	}
	if defaults.ShortTerm <= 0 {
		defaults.ShortTerm = DefaultContextOptions.ShortTerm
	}
	if defaults.MidTerm <= 0 {
		defaults.MidTerm = DefaultContextOptions.MidTerm
	}
	return &Assembler{store: store, defaults: defaults}
}

func (a *Assembler) Assemble(ctx context.Context, userID string, opts ContextOptions) (*ContextPackage, error) {
	if opts.RecentMessages <= 0 {
		opts.RecentMessages = a.defaults.RecentMessages
	}
	if opts.ShortTerm <= 0 {
		opts.ShortTerm = a.defaults.ShortTerm
	}
	if opts.MidTerm <= 0 {
		opts.MidTerm = a.defaults.MidTerm
	}
	if opts.MinImportance == nil {
		opts.MinImportance = a.defaults.MinImportance
	}

	snap, err := a.store.Snapshot(ctx, userID, SnapshotLimits{
		Messages:      opts.RecentMessages,
		ShortTerm:     opts.ShortTerm,
		MidTerm:       opts.MidTerm,
		MinImportance: opts.MinImportance,
	})
	if err != nil {
		return nil, err
	}

	pkg := &ContextPackage{
		UserID:         userID,
		RecentMessages: snap.Messages,
		Facts:          snap.Facts,
		ShortTerm:      snap.ShortTerm,
		MidTerm:        snap.MidTerm,
		CoreMemories:   snap.CoreMemories,
	}
	if snap.Narrative.Version > 0 {
		n := snap.Narrative
		pkg.LongTerm = &n
	}
	pkg.Text = Render(pkg)
	return pkg, nil
}

// Render flattens a package into prompt text: knowledge first, then memory
// tiers from most to least abstract, then the raw recent messages.
func Render(pkg *ContextPackage) string {
	var b strings.Builder
	section := func(title string) {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## ")
		b.WriteString(title)
		b.WriteString("\n")
	}

	if len(pkg.Facts) > 0 {
		section("User Knowledge")
		for _, f := range pkg.Facts {
			b.WriteString("- [")
			b.WriteString(f.Category)
			b.WriteString("] ")
			b.WriteString(f.Text)
			b.WriteString(" (confidence ")
			b.WriteString(strconv.FormatFloat(f.Confidence, 'f', 2, 64))
			b.WriteString(")\n")
		}
	}

	if len(pkg.CoreMemories) > 0 {
		section("Core Memories")
		for _, m := range pkg.CoreMemories {
			b.WriteString("- ")
			b.WriteString(m.Description)
			b.WriteString(" (importance ")
			b.WriteString(strconv.FormatFloat(m.Importance, 'f', -1, 64))
			b.WriteString(")\n")
		}
	}

	if pkg.LongTerm != nil && pkg.LongTerm.Text != "" {
		section("Long-Term Memory")
		b.WriteString(pkg.LongTerm.Text)
		b.WriteString("\n")
	}

	writeItems := func(title string, items []TierItem) {
		if len(items) == 0 {
			return
		}
		section(title)
		for i := len(items) - 1; i >= 0; i-- {
			b.WriteString("- ")
			b.WriteString(items[i].Summary)
			b.WriteString("\n")
		}
	}
	writeItems("Mid-Term Memories", pkg.MidTerm)
	writeItems("Short-Term Memories", pkg.ShortTerm)

	if len(pkg.RecentMessages) > 0 {
		section("Recent Messages")
		for _, line := range formatMessages(pkg.RecentMessages) {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return b.String()
}
