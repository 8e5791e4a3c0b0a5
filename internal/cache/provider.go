package cache

import (
	"context"
	"errors"
	"time"
)

// Provider defines the key/value operations needed by the service.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Close() error
}

// StreamMessage is one entry of an append-only stream.
type StreamMessage struct {
	ID     string
	Fields map[string]string
}

// GroupInfo describes a consumer group attached to a stream.
type GroupInfo struct {
	Name            string `json:"name"`
	Consumers       int64  `json:"consumers"`
	Pending         int64  `json:"pending"`
	LastDeliveredID string `json:"last_delivered_id"`
}

// Streams defines the durable log operations used by the intake queue. A block
// of zero or less makes ReadGroup return immediately when nothing is pending.
// ReadPending re-reads entries already delivered to consumer but not yet
// acknowledged, starting after the given id ("0" for the beginning).
type Streams interface {
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)
	CreateGroup(ctx context.Context, stream, group, start string) error
	ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]StreamMessage, error)
	ReadPending(ctx context.Context, stream, group, consumer, after string, count int) ([]StreamMessage, error)
	Ack(ctx context.Context, stream, group string, ids ...string) (int64, error)
	Len(ctx context.Context, stream string) (int64, error)
	Groups(ctx context.Context, stream string) ([]GroupInfo, error)
}

// Store is a Provider that also owns streams.
type Store interface {
	Provider
	Streams
}

var (
	// ErrCacheMiss signals that a cache key was not found.
	ErrCacheMiss = errors.New("cache miss")
	// ErrGroupExists is returned by CreateGroup when the group is already present.
	ErrGroupExists = errors.New("consumer group already exists")
)
