package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/iamkalio/sre-agent/internal/cache"
	"github.com/iamkalio/sre-agent/internal/metrics"
	"github.com/iamkalio/sre-agent/internal/models"
)

const pendingBatch = 16

// Investigator runs one investigation for a claimed alert.
type Investigator interface {
	Investigate(ctx context.Context, alert models.NormalizedAlert) error
}

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	StreamKey                   string
	ConsumerGroup               string
	ConsumerName                string
	MaxConcurrentInvestigations int
	InvestigationTimeout        time.Duration
	PollTimeout                 time.Duration
	PollErrorBackoff            time.Duration
}

func (c *PoolConfig) setDefaults() {
	if c.StreamKey == "" {
		c.StreamKey = "sre:alerts"
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = "sre-investigators"
	}
	if c.ConsumerName == "" {
		c.ConsumerName = "worker-1"
	}
	if c.MaxConcurrentInvestigations <= 0 {
		c.MaxConcurrentInvestigations = 3
	}
	if c.InvestigationTimeout <= 0 {
		c.InvestigationTimeout = 600 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 2 * time.Second
	}
	if c.PollErrorBackoff <= 0 {
		c.PollErrorBackoff = 5 * time.Second
	}
}

// Pool consumes the alert stream through a consumer group and runs at most
// MaxConcurrentInvestigations investigations at once. Every claimed entry is
// acknowledged exactly once, whatever the outcome of its investigation.
type Pool struct {
	store        cache.Streams
	investigator Investigator
	cfg          PoolConfig
	logger       *slog.Logger
	slots        *semaphore.Weighted

	mu       sync.Mutex
	cancel   context.CancelFunc
	pollDone chan struct{}
	tasks    sync.WaitGroup
	running  atomic.Bool
	inFlight atomic.Int64
}

// NewPool constructs a worker pool.
func NewPool(store cache.Streams, investigator Investigator, cfg PoolConfig, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.setDefaults()
	return &Pool{
		store:        store,
		investigator: investigator,
		cfg:          cfg,
		logger:       logger,
		slots:        semaphore.NewWeighted(int64(cfg.MaxConcurrentInvestigations)),
	}
}

// Start ensures the consumer group exists and launches the poll loop.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return errors.New("worker pool already started")
	}

	err := p.store.CreateGroup(ctx, p.cfg.StreamKey, p.cfg.ConsumerGroup, "0")
	if err != nil && !errors.Is(err, cache.ErrGroupExists) {
		return fmt.Errorf("create consumer group: %w", err)
	}

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.pollDone = make(chan struct{})
	p.running.Store(true)

	p.logger.Info("worker pool started",
		slog.String("consumer", p.cfg.ConsumerName),
		slog.Int("max_concurrent", p.cfg.MaxConcurrentInvestigations))

	go p.poll(pollCtx)
	return nil
}

// Stop halts the poll loop and cancels an in-flight poll. Running
// investigations are left to finish or time out; use Wait to join them.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.pollDone
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Wait blocks until all dispatched investigations have been acknowledged.
func (p *Pool) Wait() {
	p.tasks.Wait()
}

// Running reports whether the poll loop is active.
func (p *Pool) Running() bool {
	return p.running.Load()
}

// InFlight reports the number of investigations currently holding a slot.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

func (p *Pool) poll(ctx context.Context) {
	defer close(p.pollDone)
	defer p.running.Store(false)

	p.recoverPending(ctx)
	for ctx.Err() == nil {
		msgs, err := p.store.ReadGroup(ctx, p.cfg.StreamKey, p.cfg.ConsumerGroup, p.cfg.ConsumerName, 1, p.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.Error("stream poll failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
			case <-time.After(p.cfg.PollErrorBackoff):
			}
			continue
		}
		for _, msg := range msgs {
			p.dispatch(msg)
		}
	}
	p.logger.Info("worker pool stopped", slog.String("consumer", p.cfg.ConsumerName))
}

// recoverPending re-dispatches entries this consumer claimed in an earlier run
// but never acknowledged, so a crash does not lose them.
func (p *Pool) recoverPending(ctx context.Context) {
	after := "0"
	recovered := 0
	for ctx.Err() == nil {
		msgs, err := p.store.ReadPending(ctx, p.cfg.StreamKey, p.cfg.ConsumerGroup, p.cfg.ConsumerName, after, pendingBatch)
		if err != nil {
			p.logger.Warn("pending entry recovery failed", slog.Any("error", err))
			return
		}
		if len(msgs) == 0 {
			break
		}
		for _, msg := range msgs {
			p.dispatch(msg)
			after = msg.ID
			recovered++
		}
	}
	if recovered > 0 {
		p.logger.Info("recovered pending entries", slog.Int("entries", recovered), slog.String("consumer", p.cfg.ConsumerName))
	}
}

func (p *Pool) dispatch(msg cache.StreamMessage) {
	entry, err := decodeEntry(msg)
	if err != nil {
		p.logger.Warn("skipping undecodable entry", slog.String("entry_id", msg.ID), slog.Any("error", err))
		p.ack(msg.ID)
		return
	}

	p.tasks.Add(1)
	go func() {
		defer p.tasks.Done()
		p.run(entry)
	}()
}

func (p *Pool) run(entry models.QueueEntry) {
	defer p.ack(entry.ID)

	// Slots are acquired on a background context so Stop never strands a claimed entry.
	if err := p.slots.Acquire(context.Background(), 1); err != nil {
		p.logger.Error("acquire slot failed", slog.String("entry_id", entry.ID), slog.Any("error", err))
		return
	}
	defer p.slots.Release(1)

	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	done := metrics.InvestigationStarted()
	defer done()

	logger := p.logger.With(
		slog.String("entry_id", entry.ID),
		slog.String("alert_id", entry.Alert.ID),
		slog.String("alert_name", entry.Alert.Name))

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.InvestigationTimeout)
	defer cancel()

	start := time.Now()
	err := p.invoke(ctx, entry.Alert)
	switch {
	case err == nil:
		logger.Info("investigation finished", slog.Duration("duration", time.Since(start)))
	case errors.Is(err, context.DeadlineExceeded):
		metrics.ObserveInvestigation(time.Since(start), metrics.OutcomeTimeout)
		logger.Error("investigation timed out", slog.Duration("timeout", p.cfg.InvestigationTimeout))
	default:
		metrics.ObserveInvestigation(time.Since(start), metrics.OutcomeError)
		logger.Error("investigation failed", slog.Any("error", err))
	}
}

// invoke abandons the investigation at the deadline even if it ignores ctx,
// and converts a panic into an error so the entry is still acked.
func (p *Pool) invoke(ctx context.Context, alert models.NormalizedAlert) error {
	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("investigation panicked: %v", r)
			}
		}()
		result <- p.investigator.Investigate(ctx, alert)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) ack(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := p.store.Ack(ctx, p.cfg.StreamKey, p.cfg.ConsumerGroup, id); err != nil {
		p.logger.Error("ack failed", slog.String("entry_id", id), slog.Any("error", err))
	}
}

func decodeEntry(msg cache.StreamMessage) (models.QueueEntry, error) {
	raw := msg.Fields[FieldAlert]
	if raw == "" {
		return models.QueueEntry{}, errors.New("empty alert payload")
	}
	var alert models.NormalizedAlert
	if err := json.Unmarshal([]byte(raw), &alert); err != nil {
		return models.QueueEntry{}, fmt.Errorf("decode alert: %w", err)
	}
	return models.QueueEntry{ID: msg.ID, Alert: alert}, nil
}
