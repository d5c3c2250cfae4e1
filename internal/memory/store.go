package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

var tierTables = map[Tier]string{
	TierShort: "short_term_memories",
	TierMid:   "mid_term_memories",
}

// Store is the durable record of messages, facts and memory tiers. All
// relations are keyed by user id.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens the SQLite database at dbPath and migrates its schema.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps pragmas in effect and serializes writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SetClock replaces the timestamp source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			user_name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(user_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS facts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			category TEXT NOT NULL,
			subject TEXT NOT NULL,
			fact TEXT NOT NULL,
			confidence REAL NOT NULL,
			sources TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(user_id, category, subject)
		)`,
		`CREATE TABLE IF NOT EXISTS short_term_memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			summary TEXT NOT NULL,
			sources TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_short_term_user ON short_term_memories(user_id, id)`,
		`CREATE TABLE IF NOT EXISTS mid_term_memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			summary TEXT NOT NULL,
			sources TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mid_term_user ON mid_term_memories(user_id, id)`,
		`CREATE TABLE IF NOT EXISTS long_term_memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL UNIQUE,
			narrative TEXT NOT NULL,
			version INTEGER NOT NULL,
			sources TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS core_memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			description TEXT NOT NULL,
			importance REAL NOT NULL,
			version INTEGER NOT NULL DEFAULT 0,
			origin TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_core_user ON core_memories(user_id, importance)`,
		`CREATE TABLE IF NOT EXISTS cursors (
			user_id TEXT NOT NULL,
			tier TEXT NOT NULL,
			last_source_id INTEGER NOT NULL DEFAULT 0,
			last_item_id INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			PRIMARY KEY(user_id, tier)
		)`,
		fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion),
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migrate: %w", err)
	}
	defer tx.Rollback()
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return tx.Commit()
}

// AppendMessage durably stores a message and assigns the next per-user
// sequence number.
func (s *Store) AppendMessage(ctx context.Context, userID, userName string, role Role, content string) (Message, error) {
	msg := Message{
		UserID:    userID,
		UserName:  userName,
		Role:      role,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (user_id, seq, user_name, role, content, created_at)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?
		FROM messages WHERE user_id = ?
		RETURNING id, seq
	`, userID, userName, string(role), content, formatTime(msg.CreatedAt), userID).Scan(&msg.ID, &msg.Seq)
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

// RecentMessages returns up to limit most recent messages in chronological order.
func (s *Store) RecentMessages(ctx context.Context, userID string, limit int) ([]Message, error) {
	return recentMessages(ctx, s.db, userID, limit)
}

func recentMessages(ctx context.Context, q querier, userID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return []Message{}, nil
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, user_id, user_name, content, role, seq, created_at FROM (
			SELECT * FROM messages WHERE user_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MessagesAfter returns messages with seq greater than afterSeq, oldest first.
func (s *Store) MessagesAfter(ctx context.Context, userID string, afterSeq int64, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, user_name, content, role, seq, created_at
		FROM messages
		WHERE user_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, userID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages after %d: %w", afterSeq, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Users lists every user with at least one stored message.
func (s *Store) Users(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM messages ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	users := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

// Cursor returns the cursor of tier for userID, zero-valued when the tier
// has never been condensed.
func (s *Store) Cursor(ctx context.Context, userID string, tier Tier) (Cursor, error) {
	c := Cursor{UserID: userID, Tier: tier}
	var updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT last_source_id, last_item_id, updated_at FROM cursors
		WHERE user_id = ? AND tier = ?
	`, userID, string(tier)).Scan(&c.LastSourceID, &c.LastItemID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("load %s cursor: %w", tier, err)
	}
	c.UpdatedAt = parseTime(updated)
	return c, nil
}

// TierItemsAfter returns short- or mid-term items with id greater than
// afterID, oldest first.
func (s *Store) TierItemsAfter(ctx context.Context, tier Tier, userID string, afterID int64, limit int) ([]TierItem, error) {
	table, ok := tierTables[tier]
	if !ok {
		return nil, fmt.Errorf("%w: %q has no item table", ErrInvalidTier, tier)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, summary, sources, created_at FROM `+table+`
		WHERE user_id = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`, userID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query %s items: %w", tier, err)
	}
	defer rows.Close()
	return scanTierItems(rows, tier)
}

// RecentTierItems returns up to limit items of tier, most recent first.
func (s *Store) RecentTierItems(ctx context.Context, tier Tier, userID string, limit int) ([]TierItem, error) {
	return recentTierItems(ctx, s.db, tier, userID, limit)
}

func recentTierItems(ctx context.Context, q querier, tier Tier, userID string, limit int) ([]TierItem, error) {
	table, ok := tierTables[tier]
	if !ok {
		return nil, fmt.Errorf("%w: %q has no item table", ErrInvalidTier, tier)
	}
	if limit <= 0 {
		return []TierItem{}, nil
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, user_id, summary, sources, created_at FROM `+table+`
		WHERE user_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent %s items: %w", tier, err)
	}
	defer rows.Close()
	return scanTierItems(rows, tier)
}

// CommitTierItem writes a new short- or mid-term item and advances the tier
// cursor from expected to the last of its sources in one transaction.
// ErrCursorMoved is returned when the cursor no longer equals expected.
func (s *Store) CommitTierItem(ctx context.Context, tier Tier, userID, summary string, sources []int64, expected int64) (TierItem, error) {
	table, ok := tierTables[tier]
	if !ok {
		return TierItem{}, fmt.Errorf("%w: %q has no item table", ErrInvalidTier, tier)
	}
	last, err := lastSource(sources, expected)
	if err != nil {
		return TierItem{}, err
	}

	now := s.now().UTC()
	item := TierItem{UserID: userID, Tier: tier, Summary: summary, Sources: sources, CreatedAt: now}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TierItem{}, fmt.Errorf("begin %s commit: %w", tier, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO `+table+` (user_id, summary, sources, created_at) VALUES (?, ?, ?, ?)
	`, userID, summary, encodeIDs(sources), formatTime(now))
	if err != nil {
		return TierItem{}, fmt.Errorf("write %s item: %w", tier, err)
	}
	if item.ID, err = res.LastInsertId(); err != nil {
		return TierItem{}, fmt.Errorf("read %s item id: %w", tier, err)
	}

	if err := advanceCursor(ctx, tx, userID, tier, expected, last, item.ID, now); err != nil {
		return TierItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return TierItem{}, fmt.Errorf("commit %s item: %w", tier, err)
	}
	return item, nil
}

// Narrative returns the long-term narrative of userID. A user without one
// gets a zero Narrative with Version 0.
func (s *Store) Narrative(ctx context.Context, userID string) (Narrative, error) {
	return loadNarrative(ctx, s.db, userID)
}

func loadNarrative(ctx context.Context, q querier, userID string) (Narrative, error) {
	n := Narrative{UserID: userID, Sources: []int64{}}
	var sources, updated string
	err := q.QueryRowContext(ctx, `
		SELECT id, narrative, version, sources, updated_at FROM long_term_memories
		WHERE user_id = ?
	`, userID).Scan(&n.ID, &n.Text, &n.Version, &sources, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return n, nil
	}
	if err != nil {
		return Narrative{}, fmt.Errorf("load narrative: %w", err)
	}
	n.Sources = decodeIDs(sources)
	n.UpdatedAt = parseTime(updated)
	return n, nil
}

// CommitNarrative replaces the narrative text, increments its version and
// advances the long-term cursor in one transaction. The cursor's last item
// id records the new narrative version.
func (s *Store) CommitNarrative(ctx context.Context, userID, text string, sources []int64, expected int64) (Narrative, error) {
	last, err := lastSource(sources, expected)
	if err != nil {
		return Narrative{}, err
	}

	now := s.now().UTC()
	n := Narrative{UserID: userID, Text: text, Sources: sources, UpdatedAt: now}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Narrative{}, fmt.Errorf("begin narrative commit: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO long_term_memories (user_id, narrative, version, sources, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			narrative = excluded.narrative,
			version = long_term_memories.version + 1,
			sources = excluded.sources,
			updated_at = excluded.updated_at
		RETURNING id, version
	`, userID, text, encodeIDs(sources), formatTime(now)).Scan(&n.ID, &n.Version)
	if err != nil {
		return Narrative{}, fmt.Errorf("write narrative: %w", err)
	}

	if err := advanceCursor(ctx, tx, userID, TierLong, expected, last, n.Version, now); err != nil {
		return Narrative{}, err
	}
	if err := tx.Commit(); err != nil {
		return Narrative{}, fmt.Errorf("commit narrative: %w", err)
	}
	return n, nil
}

func lastSource(sources []int64, expected int64) (int64, error) {
	if len(sources) == 0 {
		return 0, fmt.Errorf("%w: empty source set", ErrInvalidInput)
	}
	last := sources[len(sources)-1]
	if sources[0] <= expected {
		return 0, fmt.Errorf("%w: source %d already behind cursor %d", ErrInvalidInput, sources[0], expected)
	}
	return last, nil
}

func advanceCursor(ctx context.Context, tx *sql.Tx, userID string, tier Tier, expected, lastSourceID, lastItemID int64, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cursors (user_id, tier, last_source_id, last_item_id, updated_at)
		VALUES (?, ?, 0, 0, ?)
		ON CONFLICT(user_id, tier) DO NOTHING
	`, userID, string(tier), formatTime(now)); err != nil {
		return fmt.Errorf("ensure %s cursor: %w", tier, err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE cursors SET last_source_id = ?, last_item_id = ?, updated_at = ?
		WHERE user_id = ? AND tier = ? AND last_source_id = ?
	`, lastSourceID, lastItemID, formatTime(now), userID, string(tier), expected)
	if err != nil {
		return fmt.Errorf("advance %s cursor: %w", tier, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance %s cursor: %w", tier, err)
	}
	if n != 1 {
		return fmt.Errorf("%s cursor for %s: %w", tier, userID, ErrCursorMoved)
	}
	return nil
}

// Counts reads the pending source counts for every tier of userID.
func (s *Store) Counts(ctx context.Context, userID string) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(1) FROM messages WHERE user_id = ?1),
			(SELECT COUNT(1) FROM messages WHERE user_id = ?1 AND seq >
				COALESCE((SELECT last_source_id FROM cursors WHERE user_id = ?1 AND tier = 'short'), 0)),
			(SELECT COUNT(1) FROM short_term_memories WHERE user_id = ?1 AND id >
				COALESCE((SELECT last_source_id FROM cursors WHERE user_id = ?1 AND tier = 'mid'), 0)),
			(SELECT COUNT(1) FROM mid_term_memories WHERE user_id = ?1 AND id >
				COALESCE((SELECT last_source_id FROM cursors WHERE user_id = ?1 AND tier = 'long'), 0)),
			(SELECT COUNT(1) FROM facts WHERE user_id = ?1),
			(SELECT COUNT(1) FROM core_memories WHERE user_id = ?1),
			COALESCE((SELECT version FROM long_term_memories WHERE user_id = ?1), 0),
			COALESCE((SELECT last_source_id FROM cursors WHERE user_id = ?1 AND tier = 'core'), 0)
	`, userID).Scan(&c.Messages, &c.PendingShort, &c.PendingMid, &c.PendingLong, &c.Facts, &c.CoreMemories,
		&c.NarrativeVersion, &c.CoreVersion)
	if err != nil {
		return Counts{}, fmt.Errorf("count tiers: %w", err)
	}
	return c, nil
}

// Facts returns every fact of userID ordered by category, subject and id.
func (s *Store) Facts(ctx context.Context, userID string) ([]Fact, error) {
	return loadFacts(ctx, s.db, userID)
}

func loadFacts(ctx context.Context, q querier, userID string) ([]Fact, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, user_id, category, subject, fact, confidence, sources, created_at, updated_at
		FROM facts
		WHERE user_id = ?
		ORDER BY category ASC, subject ASC, id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	facts := make([]Fact, 0)
	for rows.Next() {
		var f Fact
		var sources, created, updated string
		if err := rows.Scan(&f.ID, &f.UserID, &f.Category, &f.Subject, &f.Text, &f.Confidence, &sources, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		f.Sources = decodeIDs(sources)
		f.CreatedAt = parseTime(created)
		f.UpdatedAt = parseTime(updated)
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facts: %w", err)
	}
	return facts, nil
}

// MergeFacts folds candidates into the stored facts of userID in one
// transaction. Candidates sharing a category and subject with an existing
// fact are merged with mergeFact, others are inserted. The written facts are
// returned in candidate order.
func (s *Store) MergeFacts(ctx context.Context, userID string, candidates []Fact) ([]Fact, error) {
	if len(candidates) == 0 {
		return []Fact{}, nil
	}
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin fact merge: %w", err)
	}
	defer tx.Rollback()

	existing, err := loadFacts(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]Fact, len(existing))
	for _, f := range existing {
		byKey[factKey(f.Category, f.Subject)] = f
	}

	written := make([]Fact, 0, len(candidates))
	for _, cand := range candidates {
		key := factKey(cand.Category, cand.Subject)
		if cur, ok := byKey[key]; ok {
			merged := mergeFact(cur, cand)
			merged.UpdatedAt = now
			if _, err := tx.ExecContext(ctx, `
				UPDATE facts SET fact = ?, confidence = ?, sources = ?, updated_at = ?
				WHERE id = ?
			`, merged.Text, merged.Confidence, encodeIDs(merged.Sources), formatTime(now), merged.ID); err != nil {
				return nil, fmt.Errorf("update fact %d: %w", merged.ID, err)
			}
			byKey[key] = merged
			written = append(written, merged)
			continue
		}

		f := cand
		f.UserID = userID
		f.Sources = normalizeIDs(cand.Sources)
		f.CreatedAt = now
		f.UpdatedAt = now
		res, err := tx.ExecContext(ctx, `
			INSERT INTO facts (user_id, category, subject, fact, confidence, sources, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, userID, f.Category, f.Subject, f.Text, f.Confidence, encodeIDs(f.Sources), formatTime(now), formatTime(now))
		if err != nil {
			return nil, fmt.Errorf("insert fact: %w", err)
		}
		if f.ID, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("read fact id: %w", err)
		}
		byKey[key] = f
		written = append(written, f)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit fact merge: %w", err)
	}
	return written, nil
}

// CoreMemories lists core memories of userID with importance at or above
// minImportance, most important first.
func (s *Store) CoreMemories(ctx context.Context, userID string, minImportance float64) ([]CoreMemory, error) {
	return loadCoreMemories(ctx, s.db, userID, minImportance)
}

func importanceFloor(v *float64) float64 {
	if v == nil {
		return -math.MaxFloat64
	}
	return *v
}

func loadCoreMemories(ctx context.Context, q querier, userID string, minImportance float64) ([]CoreMemory, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, user_id, description, importance, version, origin, created_at
		FROM core_memories
		WHERE user_id = ? AND importance >= ?
		ORDER BY importance DESC, id ASC
	`, userID, minImportance)
	if err != nil {
		return nil, fmt.Errorf("query core memories: %w", err)
	}
	defer rows.Close()

	out := make([]CoreMemory, 0)
	for rows.Next() {
		var m CoreMemory
		var origin, created string
		if err := rows.Scan(&m.ID, &m.UserID, &m.Description, &m.Importance, &m.Version, &origin, &created); err != nil {
			return nil, fmt.Errorf("scan core memory: %w", err)
		}
		m.Origin = CoreOrigin(origin)
		m.CreatedAt = parseTime(created)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate core memories: %w", err)
	}
	return out, nil
}

// AddCoreMemory inserts a core memory without any duplicate check.
func (s *Store) AddCoreMemory(ctx context.Context, m CoreMemory) (CoreMemory, error) {
	m.CreatedAt = s.now().UTC()
	if m.Origin == "" {
		m.Origin = OriginManual
	}
	if err := insertCoreMemory(ctx, s.db, &m); err != nil {
		return CoreMemory{}, err
	}
	return m, nil
}

func insertCoreMemory(ctx context.Context, q querier, m *CoreMemory) error {
	res, err := q.ExecContext(ctx, `
		INSERT INTO core_memories (user_id, description, importance, version, origin, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.UserID, m.Description, m.Importance, m.Version, string(m.Origin), formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert core memory: %w", err)
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("read core memory id: %w", err)
	}
	return nil
}

// MergeCoreMemories applies extracted candidates for one narrative version
// in a single transaction and moves the core cursor to that version. A candidate matching an existing memory under
// similar raises that memory's importance to the larger value; any other
// candidate is inserted. Memories that were inserted or raised are returned.
func (s *Store) MergeCoreMemories(ctx context.Context, userID string, version int64, candidates []CoreCandidate, similar func(a, b string) bool) ([]CoreMemory, error) {
	if version < 1 {
		return nil, fmt.Errorf("%w: core merge needs a narrative version, got %d", ErrInvalidInput, version)
	}
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin core merge: %w", err)
	}
	defer tx.Rollback()

	existing, err := loadCoreMemories(ctx, tx, userID, -math.MaxFloat64)
	if err != nil {
		return nil, err
	}

	changed := make([]CoreMemory, 0, len(candidates))
	for _, cand := range candidates {
		idx := -1
		for i := range existing {
			if similar(existing[i].Description, cand.Description) {
				idx = i
				break
			}
		}

		if idx >= 0 {
			if cand.Importance <= existing[idx].Importance {
				continue
			}
			existing[idx].Importance = cand.Importance
			if _, err := tx.ExecContext(ctx, `UPDATE core_memories SET importance = ? WHERE id = ?`,
				cand.Importance, existing[idx].ID); err != nil {
				return nil, fmt.Errorf("raise core memory %d: %w", existing[idx].ID, err)
			}
			changed = append(changed, existing[idx])
			continue
		}

		m := CoreMemory{
			UserID:      userID,
			Description: cand.Description,
			Importance:  cand.Importance,
			Version:     version,
			Origin:      OriginExtracted,
			CreatedAt:   now,
		}
		if err := insertCoreMemory(ctx, tx, &m); err != nil {
			return nil, err
		}
		existing = append(existing, m)
		changed = append(changed, m)
	}

	if err := advanceCoreCursor(ctx, tx, userID, version, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit core merge: %w", err)
	}
	return changed, nil
}

// advanceCoreCursor records version as the newest narrative version whose
// core memories were extracted. The cursor only moves forward.
func advanceCoreCursor(ctx context.Context, tx *sql.Tx, userID string, version int64, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cursors (user_id, tier, last_source_id, last_item_id, updated_at)
		VALUES (?, ?, 0, 0, ?)
		ON CONFLICT(user_id, tier) DO NOTHING
	`, userID, string(TierCore), formatTime(now)); err != nil {
		return fmt.Errorf("ensure core cursor: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE cursors SET last_source_id = ?, updated_at = ?
		WHERE user_id = ? AND tier = ? AND last_source_id < ?
	`, version, formatTime(now), userID, string(TierCore), version)
	if err != nil {
		return fmt.Errorf("advance core cursor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance core cursor: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("core cursor for %s already at version %d or later: %w", userID, version, ErrCursorMoved)
	}
	return nil
}

// DeleteCoreMemory removes one core memory owned by userID.
func (s *Store) DeleteCoreMemory(ctx context.Context, userID string, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM core_memories WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete core memory %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete core memory %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("core memory %d: %w", id, ErrNotFound)
	}
	return nil
}

// Snapshot is every memory view of one user read at a single point in time.
type Snapshot struct {
	Messages     []Message
	Facts        []Fact
	ShortTerm    []TierItem
	MidTerm      []TierItem
	Narrative    Narrative
	CoreMemories []CoreMemory
}

// SnapshotLimits bounds the lists read by Snapshot.
type SnapshotLimits struct {
	Messages      int
	ShortTerm     int
	MidTerm       int
	MinImportance *float64
}

// Snapshot reads all views of userID inside one read-only transaction.
func (s *Store) Snapshot(ctx context.Context, userID string, limits SnapshotLimits) (*Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	snap := &Snapshot{}
	if snap.Messages, err = recentMessages(ctx, tx, userID, limits.Messages); err != nil {
		return nil, err
	}
	if snap.Facts, err = loadFacts(ctx, tx, userID); err != nil {
		return nil, err
	}
	if snap.ShortTerm, err = recentTierItems(ctx, tx, TierShort, userID, limits.ShortTerm); err != nil {
		return nil, err
	}
	if snap.MidTerm, err = recentTierItems(ctx, tx, TierMid, userID, limits.MidTerm); err != nil {
		return nil, err
	}
	if snap.Narrative, err = loadNarrative(ctx, tx, userID); err != nil {
		return nil, err
	}
	if snap.CoreMemories, err = loadCoreMemories(ctx, tx, userID, importanceFloor(limits.MinImportance)); err != nil {
		return nil, err
	}
	return snap, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	msgs := make([]Message, 0)
	for rows.Next() {
		var m Message
		var role, created string
		if err := rows.Scan(&m.ID, &m.UserID, &m.UserName, &m.Content, &role, &m.Seq, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		m.CreatedAt = parseTime(created)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

func scanTierItems(rows *sql.Rows, tier Tier) ([]TierItem, error) {
	items := make([]TierItem, 0)
	for rows.Next() {
		it := TierItem{Tier: tier}
		var sources, created string
		if err := rows.Scan(&it.ID, &it.UserID, &it.Summary, &sources, &created); err != nil {
			return nil, fmt.Errorf("scan %s item: %w", tier, err)
		}
		it.Sources = decodeIDs(sources)
		it.CreatedAt = parseTime(created)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s items: %w", tier, err)
	}
	return items, nil
}

func encodeIDs(ids []int64) string {
	if len(ids) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(ids)
	return string(data)
}

func decodeIDs(s string) []int64 {
	ids := make([]int64, 0)
	_ = json.Unmarshal([]byte(s), &ids)
	return ids
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
