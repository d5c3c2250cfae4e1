package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/hearth/internal/bus"
	"github.com/stellarlinkco/hearth/internal/channel"
	"github.com/stellarlinkco/hearth/internal/config"
	"github.com/stellarlinkco/hearth/internal/cron"
	"github.com/stellarlinkco/hearth/internal/memory"
	"github.com/stellarlinkco/hearth/internal/summarizer"
)

const (
	sweepJobName   = "memory:sweep"
	inboundBufSize = 256
)

// Options for creating a Gateway
type Options struct {
	// Summarizer replaces the configured language-model client.
	Summarizer memory.Summarizer
	SignalChan chan os.Signal // for testing signal handling
	Logger     zerolog.Logger
}

type Gateway struct {
	cfg        *config.Config
	log        zerolog.Logger
	store      *memory.Store
	service    *memory.Service
	bus        *bus.MessageBus
	channels   *channel.ChannelManager
	cron       *cron.Service
	server     *http.Server
	signalChan chan os.Signal

	shutdownOnce sync.Once
	shutdownErr  error
}

// ServiceOptions maps configuration onto memory service options.
func ServiceOptions(cfg *config.Config, log zerolog.Logger) memory.Options {
	m := cfg.Memory
	return memory.Options{
		Thresholds:       memory.TierSizes{Short: m.Thresholds.Short, Mid: m.Thresholds.Mid, Long: m.Thresholds.Long},
		BatchSizes:       memory.TierSizes{Short: m.BatchSizes.Short, Mid: m.BatchSizes.Mid, Long: m.BatchSizes.Long},
		MaxRounds:        m.MaxRounds,
		Workers:          m.Workers,
		ExtractKnowledge: m.Knowledge.Enabled,
		KnowledgeWindow:  m.Knowledge.Window,
		CoreSimilarity:   m.Core.Similarity,
		Context: memory.ContextOptions{
			RecentMessages: m.Context.RecentMessages,
			ShortTerm:      m.Context.ShortTerm,
			MidTerm:        m.Context.MidTerm,
			MinImportance:  m.Context.MinImportance,
		},
		Retry: memory.RetryPolicy{
			MaxAttempts:     m.Retry.MaxAttempts,
			InitialInterval: config.Duration(m.Retry.InitialInterval, 500*time.Millisecond),
			MaxInterval:     config.Duration(m.Retry.MaxInterval, 10*time.Second),
		},
		Logger: log,
	}
}

// OpenService opens the configured store and builds a Service on it. When
// sum is nil the configured language-model client is used.
func OpenService(cfg *config.Config, sum memory.Summarizer, log zerolog.Logger) (*memory.Store, *memory.Service, error) {
	if sum == nil {
		client, err := summarizer.FromConfig(cfg, log.With().Str("component", "summarizer").Logger())
		if err != nil {
			return nil, nil, fmt.Errorf("create summarizer: %w", err)
		}
		sum = client
	}

	store, err := memory.NewStore(cfg.Memory.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open memory store: %w", err)
	}
	svc := memory.NewService(store, sum, ServiceOptions(cfg, log.With().Str("component", "memory").Logger()))
	return store, svc, nil
}

// New creates a Gateway with default options
func New(cfg *config.Config, log zerolog.Logger) (*Gateway, error) {
	return NewWithOptions(cfg, Options{Logger: log})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		log:        opts.Logger.With().Str("component", "gateway").Logger(),
		bus:        bus.NewMessageBus(inboundBufSize),
		signalChan: opts.SignalChan,
	}

	store, svc, err := OpenService(cfg, opts.Summarizer, opts.Logger)
	if err != nil {
		return nil, err
	}
	g.store = store
	g.service = svc

	g.cron = cron.NewService(opts.Logger)
	if err := g.cron.AddJob(sweepJobName, cfg.Memory.SweepSchedule, g.sweep); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("register sweep: %w", err)
	}

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus, opts.Logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	g.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)),
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g, nil
}

// Service exposes the memory service, mainly for tests and embedding.
func (g *Gateway) Service() *memory.Service { return g.service }

func (g *Gateway) sweep(ctx context.Context) (string, error) {
	n, err := g.service.Sweep(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("scheduled %d users", n), nil
}

// Run serves until ctx is cancelled or a termination signal arrives, then
// shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ln, err := net.Listen("tcp", g.server.Addr)
	if err != nil {
		_ = g.Shutdown(context.Background())
		return fmt.Errorf("listen %s: %w", g.server.Addr, err)
	}

	if err := g.channels.StartAll(ctx); err != nil {
		_ = ln.Close()
		_ = g.Shutdown(context.Background())
		return fmt.Errorf("start channels: %w", err)
	}
	g.log.Info().Strs("channels", g.channels.EnabledChannels()).Msg("channels started")

	g.cron.Start()
	go g.processLoop(ctx)

	serveErr := make(chan error, 1)
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	g.log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	var runErr error
	select {
	case <-sigCh:
	case <-ctx.Done():
	case runErr = <-serveErr:
		g.log.Error().Err(runErr).Msg("http server failed")
	}

	g.log.Info().Msg("shutting down")
	cancel()
	if err := g.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.handleInbound(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	ack, err := g.service.Ingest(ctx, memory.IngestRequest{
		UserID:   msg.UserID,
		UserName: msg.UserName,
		Content:  msg.Content,
		Role:     memory.Role(msg.Role),
	})
	if err != nil {
		g.log.Warn().Err(err).Str("channel", msg.Channel).Str("user", msg.UserID).Msg("ingest failed")
		msg.Respond(bus.Result{UserID: msg.UserID, Err: err})
		return
	}
	g.log.Debug().
		Str("channel", msg.Channel).
		Str("user", ack.UserID).
		Int64("seq", ack.Seq).
		Str("content", truncate(msg.Content, 80)).
		Msg("inbound stored")
	msg.Respond(bus.Result{UserID: ack.UserID, MessageID: ack.MessageID, Seq: ack.Seq})
}

// Shutdown stops intake first, then drains background work within the
// configured timeout and closes the store. Later calls return the first
// result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() { g.shutdownErr = g.shutdown(ctx) })
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	_ = g.channels.StopAll()

	httpCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := g.server.Shutdown(httpCtx); err != nil {
		g.log.Warn().Err(err).Msg("http shutdown")
	}
	cancel()

	g.cron.Stop(5 * time.Second)
	g.flushInbound(ctx)

	drainCtx, cancel := context.WithTimeout(ctx, config.Duration(g.cfg.Gateway.DrainTimeout, 30*time.Second))
	defer cancel()
	if err := g.service.Close(drainCtx); err != nil {
		g.log.Warn().Err(err).Int("pending", g.service.Pending()).Msg("background work abandoned")
	}

	if err := g.store.Close(); err != nil {
		return fmt.Errorf("close memory store: %w", err)
	}
	g.log.Info().Msg("shutdown complete")
	return nil
}

// flushInbound stores messages still buffered on the bus.
func (g *Gateway) flushInbound(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.handleInbound(ctx, msg)
		default:
			return
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
