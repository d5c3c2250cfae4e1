package memory

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"
)

// DefaultCoreImportance is used for manually added core memories without an
// explicit importance.
const DefaultCoreImportance = 5.0

// Options configures a Service. Zero values fall back to package defaults.
type Options struct {
	Thresholds       TierSizes
	BatchSizes       TierSizes
	MaxRounds        int
	Workers          int
	ExtractKnowledge bool
	KnowledgeWindow  int
	CoreSimilarity   float64
	Context          ContextOptions
	Retry            RetryPolicy
	Logger           zerolog.Logger
}

// IngestRequest is one message delivered for storage.
type IngestRequest struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Content  string `json:"content"`
	Role     Role   `json:"role"`
}

// Ack confirms a durably stored message.
type Ack struct {
	UserID    string `json:"user_id"`
	MessageID int64  `json:"message_id"`
	Seq       int64  `json:"seq"`
}

// Service is the entry point for ingestion, context reads and
// administration. Background work runs on its Dispatcher.
type Service struct {
	store      *Store
	condenser  *Condenser
	monitor    *Monitor
	knowledge  *KnowledgeExtractor
	assembler  *Assembler
	dispatcher *Dispatcher
	extract    bool
	log        zerolog.Logger
}

// NewService wires the memory pipeline on store. Call Close to drain its
// background work.
func NewService(store *Store, summarizer Summarizer, opts Options) *Service {
	log := opts.Logger
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}

	condenser := NewCondenser(store, summarizer, opts.Thresholds, opts.BatchSizes, opts.Retry, log)
	core := NewCoreExtractor(store, summarizer, opts.CoreSimilarity, opts.Retry, log)
	return &Service{
		store:      store,
		condenser:  condenser,
		monitor:    NewMonitor(store, condenser, core, opts.MaxRounds, log),
		knowledge:  NewKnowledgeExtractor(store, summarizer, opts.KnowledgeWindow, opts.Retry, log),
		assembler:  NewAssembler(store, opts.Context),
		dispatcher: NewDispatcher(opts.Workers, log),
		extract:    opts.ExtractKnowledge,
		log:        log,
	}
}

// Ingest stores a message and schedules knowledge extraction and threshold
// evaluation for its user. It fails only when the message cannot be stored.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (Ack, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return Ack{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(req.Content) == "" {
		return Ack{}, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	role, err := ParseRole(string(req.Role))
	if err != nil {
		return Ack{}, err
	}

	msg, err := s.store.AppendMessage(ctx, userID, req.UserName, role, req.Content)
	if err != nil {
		return Ack{}, err
	}

	if s.extract && role == RoleUser {
		s.dispatcher.Submit(userID, "extract", func(ctx context.Context) error {
			_, err := s.knowledge.Extract(ctx, userID, 0)
			if err != nil {
				s.logBackground(err, userID, "knowledge extraction")
			}
			return err
		})
	}
	s.ScheduleEvaluation(userID)

	return Ack{UserID: userID, MessageID: msg.ID, Seq: msg.Seq}, nil
}

// ScheduleEvaluation queues a threshold evaluation for userID unless one is
// already waiting.
func (s *Service) ScheduleEvaluation(userID string) bool {
	_, ok := s.dispatcher.Submit(userID, "evaluate", func(ctx context.Context) error {
		_, err := s.monitor.Evaluate(ctx, userID)
		return err
	})
	return ok
}

// Sweep schedules an evaluation for every known user and returns how many
// were queued.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	users, err := s.store.Users(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, u := range users {
		if s.ScheduleEvaluation(u) {
			n++
		}
	}
	return n, nil
}

// Context assembles the context package of userID.
func (s *Service) Context(ctx context.Context, userID string, opts ContextOptions) (*ContextPackage, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return s.assembler.Assemble(ctx, userID, opts)
}

// Condense runs one condensation of tier for userID, serialized with the
// user's background work, then schedules an evaluation so higher tiers
// catch up.
func (s *Service) Condense(ctx context.Context, userID string, tier Tier) (Outcome, error) {
	if strings.TrimSpace(userID) == "" {
		return Outcome{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	tier, err := ParseTier(string(tier))
	if err != nil {
		return Outcome{}, err
	}

	var out Outcome
	err = s.dispatcher.Do(ctx, userID, func(ctx context.Context) error {
		var err error
		out, err = s.monitor.Condense(ctx, tier, userID)
		return err
	})
	if err != nil {
		return out, err
	}
	if out.Condensed {
		s.ScheduleEvaluation(userID)
	}
	return out, nil
}

// ExtractKnowledge runs knowledge extraction over the last limit messages
// of userID and returns the facts written.
func (s *Service) ExtractKnowledge(ctx context.Context, userID string, limit int) ([]Fact, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	var facts []Fact
	err := s.dispatcher.Do(ctx, userID, func(ctx context.Context) error {
		var err error
		facts, err = s.knowledge.Extract(ctx, userID, limit)
		return err
	})
	return facts, err
}

func (s *Service) Facts(ctx context.Context, userID string) ([]Fact, error) {
	return s.store.Facts(ctx, userID)
}

func (s *Service) AddCoreMemory(ctx context.Context, userID, description string, importance float64) (CoreMemory, error) {
	description = strings.TrimSpace(description)
	if strings.TrimSpace(userID) == "" || description == "" {
		return CoreMemory{}, fmt.Errorf("%w: user id and description are required", ErrInvalidInput)
	}
	if math.IsNaN(importance) || math.IsInf(importance, 0) {
		return CoreMemory{}, fmt.Errorf("%w: importance must be finite", ErrInvalidInput)
	}
	return s.store.AddCoreMemory(ctx, CoreMemory{
		UserID:      userID,
		Description: description,
		Importance:  importance,
		Origin:      OriginManual,
	})
}

// ListCoreMemories lists core memories of userID, most important first. A nil
// minImportance lists them all.
func (s *Service) ListCoreMemories(ctx context.Context, userID string, minImportance *float64) ([]CoreMemory, error) {
	return s.store.CoreMemories(ctx, userID, importanceFloor(minImportance))
}

func (s *Service) DeleteCoreMemory(ctx context.Context, userID string, id int64) error {
	return s.store.DeleteCoreMemory(ctx, userID, id)
}

func (s *Service) Counts(ctx context.Context, userID string) (Counts, error) {
	return s.store.Counts(ctx, userID)
}

func (s *Service) Users(ctx context.Context) ([]string, error) {
	return s.store.Users(ctx)
}

// Pending reports queued or running background tasks.
func (s *Service) Pending() int {
	return s.dispatcher.Pending()
}

// Drain waits for all scheduled background work to finish.
func (s *Service) Drain(ctx context.Context) error {
	return s.dispatcher.Drain(ctx)
}

// Close stops accepting background work and drains it. The Store is left open.
func (s *Service) Close(ctx context.Context) error {
	return s.dispatcher.Close(ctx)
}

func (s *Service) logBackground(err error, userID, what string) {
	if isMalformed(err) {
		s.log.Warn().Err(err).Str("user", userID).Msgf("%s abandoned: malformed summarizer output", what)
		return
	}
	s.log.Error().Err(err).Str("user", userID).Msgf("%s failed", what)
}
