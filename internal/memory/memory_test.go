package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeSummarizer is a scripted Summarizer. Unset functions produce a
// deterministic summary, no facts and no core candidates.
type fakeSummarizer struct {
	mu         sync.Mutex
	condenseFn func(req Request) (string, error)
	factsFn    func(req Request) ([]FactCandidate, error)
	coreFn     func(req Request) ([]CoreCandidate, error)
	calls      map[Task]int
	requests   []Request
}

func (f *fakeSummarizer) record(req Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[Task]int)
	}
	f.calls[req.Task]++
	f.requests = append(f.requests, req)
}

func (f *fakeSummarizer) Condense(_ context.Context, req Request) (string, error) {
	f.record(req)
	if f.condenseFn != nil {
		return f.condenseFn(req)
	}
	return fmt.Sprintf("%s of %d inputs", req.Task, len(req.Inputs)), nil
}

func (f *fakeSummarizer) ExtractFacts(_ context.Context, req Request) ([]FactCandidate, error) {
	f.record(req)
	if f.factsFn != nil {
		return f.factsFn(req)
	}
	return nil, nil
}

func (f *fakeSummarizer) ExtractCore(_ context.Context, req Request) ([]CoreCandidate, error) {
	f.record(req)
	if f.coreFn != nil {
		return f.coreFn(req)
	}
	return nil, nil
}

func (f *fakeSummarizer) count(task Task) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[task]
}

func (f *fakeSummarizer) lastRequest(task Task) (Request, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.requests) - 1; i >= 0; i-- {
		if f.requests[i].Task == task {
			return f.requests[i], true
		}
	}
	return Request{}, false
}

var fastRetry = RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	s.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})
	return s
}

func newTestService(t *testing.T, store *Store, sum Summarizer, opts Options) *Service {
	t.Helper()
	opts.Logger = zerolog.Nop()
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = fastRetry
	}
	svc := NewService(store, sum, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return svc
}

func seedMessages(t *testing.T, s *Store, userID string, n int) []Message {
	t.Helper()
	msgs := make([]Message, 0, n)
	for i := 0; i < n; i++ {
		m, err := s.AppendMessage(context.Background(), userID, "Ada", RoleUser, fmt.Sprintf("message %d", i+1))
		require.NoError(t, err)
		msgs = append(msgs, m)
	}
	return msgs
}

func drain(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, svc.Drain(ctx))
}
