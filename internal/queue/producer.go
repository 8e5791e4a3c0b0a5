package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iamkalio/sre-agent/internal/cache"
	"github.com/iamkalio/sre-agent/internal/models"
)

// FieldAlert is the stream entry field carrying the serialised alert.
const FieldAlert = "alert_json"

// ErrSuppressed is returned when an alert with the same dedup key was already
// enqueued within the dedup window. It is informational, not a failure.
var ErrSuppressed = errors.New("alert suppressed by dedup window")

// ProducerConfig names the stream and dedup keyspace.
type ProducerConfig struct {
	StreamKey   string
	DedupPrefix string
	DedupWindow time.Duration
}

// Producer deduplicates alerts and appends survivors to the alert stream.
type Producer struct {
	store  cache.Store
	cfg    ProducerConfig
	logger *slog.Logger
}

// NewProducer constructs a Producer over the supplied store.
func NewProducer(store cache.Store, cfg ProducerConfig, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StreamKey == "" {
		cfg.StreamKey = "sre:alerts"
	}
	if cfg.DedupPrefix == "" {
		cfg.DedupPrefix = "sre:dedup:"
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 300 * time.Second
	}
	return &Producer{store: store, cfg: cfg, logger: logger}
}

// Enqueue sets the dedup marker for the alert and, if it was absent, appends
// the alert to the stream. A live marker yields ErrSuppressed.
func (p *Producer) Enqueue(ctx context.Context, alert models.NormalizedAlert) (string, error) {
	key := p.cfg.DedupPrefix + alert.DedupKey()
	ok, err := p.store.SetNX(ctx, key, []byte("1"), p.cfg.DedupWindow)
	if err != nil {
		return "", fmt.Errorf("set dedup marker: %w", err)
	}
	if !ok {
		p.logger.Info("duplicate alert suppressed",
			slog.String("alert_name", alert.Name),
			slog.String("dedup_key", alert.DedupKey()))
		return "", ErrSuppressed
	}

	id, err := p.append(ctx, alert)
	if err != nil {
		// Release the marker so the next firing is not swallowed by a failed append.
		if delErr := p.store.Del(context.WithoutCancel(ctx), key); delErr != nil {
			p.logger.Warn("release dedup marker failed", slog.String("key", key), slog.Any("error", delErr))
		}
		return "", err
	}
	return id, nil
}

// EnqueueManual appends the alert without consulting the dedup marker.
func (p *Producer) EnqueueManual(ctx context.Context, alert models.NormalizedAlert) (string, error) {
	return p.append(ctx, alert)
}

func (p *Producer) append(ctx context.Context, alert models.NormalizedAlert) (string, error) {
	payload, err := json.Marshal(alert)
	if err != nil {
		return "", fmt.Errorf("marshal alert: %w", err)
	}
	id, err := p.store.Append(ctx, p.cfg.StreamKey, map[string]string{FieldAlert: string(payload)})
	if err != nil {
		return "", fmt.Errorf("append alert: %w", err)
	}
	p.logger.Info("alert enqueued",
		slog.String("alert_id", alert.ID),
		slog.String("alert_name", alert.Name),
		slog.String("entry_id", id))
	return id, nil
}

// Len reports the stream length.
func (p *Producer) Len(ctx context.Context) (int64, error) {
	return p.store.Len(ctx, p.cfg.StreamKey)
}

// Groups reports consumer group state for the stream.
func (p *Producer) Groups(ctx context.Context) ([]cache.GroupInfo, error) {
	return p.store.Groups(ctx, p.cfg.StreamKey)
}

// StreamKey returns the stream this producer appends to.
func (p *Producer) StreamKey() string {
	return p.cfg.StreamKey
}
