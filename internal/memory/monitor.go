package memory

import (
	"context"

	"github.com/rs/zerolog"
)

// StageReport records one tier visited by an evaluation.
type StageReport struct {
	Tier      Tier   `json:"tier"`
	Pending   int64  `json:"pending"`
	Condensed int    `json:"condensed"`
	CoreRuns  int    `json:"core_runs,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Report is the result of one threshold evaluation for a user.
type Report struct {
	UserID string        `json:"user_id"`
	Stages []StageReport `json:"stages"`
}

// Monitor decides which condensation stages must run for a user and runs
// them in cascade order.
type Monitor struct {
	store     *Store
	condenser *Condenser
	core      *CoreExtractor
	maxRounds int
	log       zerolog.Logger
}

func NewMonitor(store *Store, condenser *Condenser, core *CoreExtractor, maxRounds int, log zerolog.Logger) *Monitor {
	if maxRounds <= 0 {
		maxRounds = 8
	}
	return &Monitor{store: store, condenser: condenser, core: core, maxRounds: maxRounds, log: log}
}

// Evaluate reads fresh counts and condenses every tier at or above its
// threshold, short then mid then long. Each tier is condensed until it falls
// below threshold or maxRounds is reached. A failing stage stops the
// cascade; stages already committed stay committed. Core extraction then
// runs when the narrative is newer than the core cursor.
func (m *Monitor) Evaluate(ctx context.Context, userID string) (Report, error) {
	report := Report{UserID: userID, Stages: make([]StageReport, 0, len(CondensableTiers))}

	for _, tier := range CondensableTiers {
		counts, err := m.store.Counts(ctx, userID)
		if err != nil {
			return report, err
		}
		pending := counts.Pending(tier)
		if pending < int64(m.condenser.Threshold(tier)) {
			continue
		}

		stage := StageReport{Tier: tier, Pending: pending}
		for round := 0; round < m.maxRounds; round++ {
			out, coreRan, err := m.condenseOnce(ctx, tier, userID)
			if coreRan {
				stage.CoreRuns++
			}
			if err != nil {
				stage.Error = err.Error()
				report.Stages = append(report.Stages, stage)
				m.logStageFailure(userID, tier, err)
				return report, err
			}
			if !out.Condensed {
				break
			}
			stage.Condensed++
		}
		report.Stages = append(report.Stages, stage)
	}

	// A narrative version whose core extraction failed earlier is retried
	// against the current narrative.
	counts, err := m.store.Counts(ctx, userID)
	if err != nil {
		return report, err
	}
	if behind := counts.Pending(TierCore); behind > 0 {
		stage := StageReport{Tier: TierCore, Pending: behind, CoreRuns: 1}
		if err := m.extractCore(ctx, userID); err != nil {
			stage.Error = err.Error()
			report.Stages = append(report.Stages, stage)
			m.logStageFailure(userID, TierCore, err)
			return report, err
		}
		report.Stages = append(report.Stages, stage)
	}
	return report, nil
}

func (m *Monitor) extractCore(ctx context.Context, userID string) error {
	n, err := m.store.Narrative(ctx, userID)
	if err != nil {
		return err
	}
	_, err = m.core.Extract(ctx, userID, n)
	return err
}

// Condense runs one condensation of tier, followed by core extraction when
// the long-term narrative was updated.
func (m *Monitor) Condense(ctx context.Context, tier Tier, userID string) (Outcome, error) {
	out, _, err := m.condenseOnce(ctx, tier, userID)
	return out, err
}

func (m *Monitor) condenseOnce(ctx context.Context, tier Tier, userID string) (Outcome, bool, error) {
	out, err := m.condenser.Condense(ctx, tier, userID)
	if err != nil || !out.Condensed || out.Narrative == nil {
		return out, false, err
	}
	if _, err := m.core.Extract(ctx, userID, *out.Narrative); err != nil {
		return out, true, err
	}
	return out, true, nil
}

func (m *Monitor) logStageFailure(userID string, tier Tier, err error) {
	if isMalformed(err) {
		m.log.Warn().Err(err).Str("user", userID).Str("tier", string(tier)).Msg("condensation abandoned: malformed summarizer output")
		return
	}
	m.log.Error().Err(err).Str("user", userID).Str("tier", string(tier)).Msg("condensation failed")
}
