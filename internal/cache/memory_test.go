package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemorySetNXExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := NewMemoryProviderWithClock(clock.Now)
	ctx := context.Background()

	ok, err := m.SetNX(ctx, "k", []byte("1"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first SetNX to succeed, ok=%v err=%v", ok, err)
	}
	ok, _ = m.SetNX(ctx, "k", []byte("1"), time.Minute)
	if ok {
		t.Fatalf("expected second SetNX to fail while key is live")
	}

	clock.Advance(time.Minute)
	ok, _ = m.SetNX(ctx, "k", []byte("1"), time.Minute)
	if !ok {
		t.Fatalf("expected SetNX to succeed after expiry")
	}
}

func TestMemoryStreamIDsStrictlyIncrease(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := NewMemoryProviderWithClock(clock.Now)
	ctx := context.Background()

	first, _ := m.Append(ctx, "s", map[string]string{"a": "1"})
	second, _ := m.Append(ctx, "s", map[string]string{"a": "2"})
	if first != "1700000000000-0" || second != "1700000000000-1" {
		t.Fatalf("unexpected ids %q %q", first, second)
	}
	clock.Advance(-time.Second)
	third, _ := m.Append(ctx, "s", map[string]string{"a": "3"})
	if third != "1700000000000-2" {
		t.Fatalf("clock going backwards must not reorder ids, got %q", third)
	}
}

func TestMemoryConsumerGroupDeliversOnce(t *testing.T) {
	m := NewMemoryProvider()
	ctx := context.Background()

	if err := m.CreateGroup(ctx, "s", "g", "0"); err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := m.CreateGroup(ctx, "s", "g", "0"); !errors.Is(err, ErrGroupExists) {
		t.Fatalf("expected ErrGroupExists, got %v", err)
	}
	id, _ := m.Append(ctx, "s", map[string]string{"alert_json": "{}"})

	got, err := m.ReadGroup(ctx, "s", "g", "c1", 1, 0)
	if err != nil || len(got) != 1 || got[0].ID != id {
		t.Fatalf("expected to claim %s, got %+v err=%v", id, got, err)
	}
	again, _ := m.ReadGroup(ctx, "s", "g", "c2", 1, 0)
	if len(again) != 0 {
		t.Fatalf("entry delivered twice: %+v", again)
	}

	groups, _ := m.Groups(ctx, "s")
	if len(groups) != 1 || groups[0].Pending != 1 || groups[0].Consumers != 2 {
		t.Fatalf("unexpected group info: %+v", groups)
	}
	if n, _ := m.Ack(ctx, "s", "g", id); n != 1 {
		t.Fatalf("expected one ack, got %d", n)
	}
	if n, _ := m.Ack(ctx, "s", "g", id); n != 0 {
		t.Fatalf("expected repeated ack to be a no-op, got %d", n)
	}
}

func TestMemoryReadPendingReturnsOwnUnackedEntries(t *testing.T) {
	m := NewMemoryProvider()
	ctx := context.Background()
	if err := m.CreateGroup(ctx, "s", "g", "0"); err != nil {
		t.Fatalf("create group: %v", err)
	}
	first, _ := m.Append(ctx, "s", map[string]string{"n": "1"})
	second, _ := m.Append(ctx, "s", map[string]string{"n": "2"})
	third, _ := m.Append(ctx, "s", map[string]string{"n": "3"})
	_, _ = m.ReadGroup(ctx, "s", "g", "c1", 2, 0)
	_, _ = m.ReadGroup(ctx, "s", "g", "c2", 1, 0)

	got, err := m.ReadPending(ctx, "s", "g", "c1", "0", 0)
	if err != nil || len(got) != 2 || got[0].ID != first || got[1].ID != second {
		t.Fatalf("expected c1's two pending entries, got %+v err=%v", got, err)
	}
	page, _ := m.ReadPending(ctx, "s", "g", "c1", first, 0)
	if len(page) != 1 || page[0].ID != second {
		t.Fatalf("expected entries after %s only, got %+v", first, page)
	}

	_, _ = m.Ack(ctx, "s", "g", first)
	got, _ = m.ReadPending(ctx, "s", "g", "c1", "0", 0)
	if len(got) != 1 || got[0].ID != second {
		t.Fatalf("acked entry must leave the pending list, got %+v", got)
	}
	other, _ := m.ReadPending(ctx, "s", "g", "c2", "0", 0)
	if len(other) != 1 || other[0].ID != third {
		t.Fatalf("expected c2's entry, got %+v", other)
	}
}

func TestMemoryReadGroupBlocksUntilAppend(t *testing.T) {
	m := NewMemoryProvider()
	ctx := context.Background()
	_ = m.CreateGroup(ctx, "s", "g", "$")

	done := make(chan []StreamMessage, 1)
	go func() {
		msgs, _ := m.ReadGroup(ctx, "s", "g", "c1", 1, 2*time.Second)
		done <- msgs
	}()

	time.Sleep(20 * time.Millisecond)
	_, _ = m.Append(ctx, "s", map[string]string{"k": "v"})

	select {
	case msgs := <-done:
		if len(msgs) != 1 {
			t.Fatalf("expected woken reader to receive the entry, got %d", len(msgs))
		}
	case <-time.After(time.Second):
		t.Fatalf("blocked reader was not woken by append")
	}
}

func TestMemoryReadGroupHonoursCancellation(t *testing.T) {
	m := NewMemoryProvider()
	_ = m.CreateGroup(context.Background(), "s", "g", "0")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.ReadGroup(ctx, "s", "g", "c1", 1, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
