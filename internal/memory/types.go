package memory

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformedOutput marks a Summarizer response that could not be parsed
	// into the expected shape. Wrapped errors are never retried.
	ErrMalformedOutput = errors.New("malformed summarizer output")
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTier is returned for a tier name that cannot be condensed.
	ErrInvalidTier = errors.New("invalid tier")
	// ErrInvalidInput marks a request rejected before any work was done.
	ErrInvalidInput = errors.New("invalid input")
	// ErrCursorMoved is returned when a cursor changed between the read of a
	// condensation window and its commit.
	ErrCursorMoved = errors.New("cursor moved during condensation")
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// ParseRole parses a message role. An empty string means RoleUser.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleBot:
		return Role(s), nil
	case "":
		return RoleUser, nil
	}
	return "", fmt.Errorf("%w: role %q", ErrInvalidInput, s)
}

// Tier is one of the memory abstraction levels.
type Tier string

const (
	TierShort Tier = "short"
	TierMid   Tier = "mid"
	TierLong  Tier = "long"
	TierCore  Tier = "core"
)

// CondensableTiers lists the tiers produced by condensation in cascade order.
var CondensableTiers = []Tier{TierShort, TierMid, TierLong}

// ParseTier parses a condensable tier name, accepting the "short-term" and
// "short_term" spellings as well.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierShort, TierMid, TierLong:
		return Tier(s), nil
	case "short-term", "short_term":
		return TierShort, nil
	case "mid-term", "mid_term":
		return TierMid, nil
	case "long-term", "long_term":
		return TierLong, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
}

// Message is one stored chat message. Seq increases per user starting at 1.
type Message struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Content   string    `json:"content"`
	Role      Role      `json:"role"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// Fact is a discrete piece of knowledge about a user.
type Fact struct {
	ID         int64     `json:"id"`
	UserID     string    `json:"user_id"`
	Category   string    `json:"category"`
	Subject    string    `json:"subject"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	Sources    []int64   `json:"sources"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TierItem is an immutable short-term or mid-term memory. Sources holds
// message sequence numbers for short-term items and short-term item ids for
// mid-term items.
type TierItem struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Tier      Tier      `json:"tier"`
	Summary   string    `json:"summary"`
	Sources   []int64   `json:"sources"`
	CreatedAt time.Time `json:"created_at"`
}

// Narrative is the single evolving long-term memory of a user.
type Narrative struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	Version   int64     `json:"version"`
	Sources   []int64   `json:"sources"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CoreOrigin string

const (
	OriginExtracted CoreOrigin = "extracted"
	OriginManual    CoreOrigin = "manual"
)

// CoreMemory is an identity-level statement about a user. Version is the
// long-term narrative version that produced it, zero for manual entries.
type CoreMemory struct {
	ID          int64      `json:"id"`
	UserID      string     `json:"user_id"`
	Description string     `json:"description"`
	Importance  float64    `json:"importance"`
	Version     int64      `json:"version"`
	Origin      CoreOrigin `json:"origin"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Cursor marks the last source folded into a tier for one user.
type Cursor struct {
	UserID       string    `json:"user_id"`
	Tier         Tier      `json:"tier"`
	LastSourceID int64     `json:"last_source_id"`
	LastItemID   int64     `json:"last_item_id"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Counts reports the unconsumed sources waiting below each tier. CoreVersion
// is the newest narrative version core memories were extracted from.
type Counts struct {
	Messages         int64 `json:"messages"`
	PendingShort     int64 `json:"pending_short"`
	PendingMid       int64 `json:"pending_mid"`
	PendingLong      int64 `json:"pending_long"`
	Facts            int64 `json:"facts"`
	CoreMemories     int64 `json:"core_memories"`
	NarrativeVersion int64 `json:"narrative_version"`
	CoreVersion      int64 `json:"core_version"`
}

// Pending returns the number of sources waiting to be condensed into tier.
// For TierCore it is the number of narrative versions not yet extracted.
func (c Counts) Pending(tier Tier) int64 {
	switch tier {
	case TierShort:
		return c.PendingShort
	case TierMid:
		return c.PendingMid
	case TierLong:
		return c.PendingLong
	case TierCore:
		return max(c.NarrativeVersion-c.CoreVersion, 0)
	}
	return 0
}
