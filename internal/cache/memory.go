package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryProvider is an in-process stand-in for Valkey. It implements Store so a
// single agent process can run without external infrastructure.
type MemoryProvider struct {
	mu      sync.Mutex
	data    map[string]item
	streams map[string]*memStream
	now     func() time.Time
}

type item struct {
	value     []byte
	expiresAt time.Time
}

type memStream struct {
	entries []StreamMessage
	groups  map[string]*memGroup
	lastMS  int64
	lastSeq int64

	// notify is closed and replaced on every append.
	notify chan struct{}
}

type memGroup struct {
	next      int
	lastID    string
	pending   map[string]string
	consumers map[string]struct{}
}

var _ Store = (*MemoryProvider)(nil)

// NewMemoryProvider creates an empty in-memory store.
func NewMemoryProvider() *MemoryProvider {
	return NewMemoryProviderWithClock(time.Now)
}

// NewMemoryProviderWithClock creates a store whose expiry uses now.
func NewMemoryProviderWithClock(now func() time.Time) *MemoryProvider {
	return &MemoryProvider{
		data:    make(map[string]item),
		streams: make(map[string]*memStream),
		now:     now,
	}
}

// Get retrieves a value if present and not expired.
func (m *MemoryProvider) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.liveItem(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), it.value...), nil
}

// Set stores a value with optional TTL.
func (m *MemoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = m.newItem(value, ttl)
	return nil
}

// SetNX stores the value only if the key is absent or expired.
func (m *MemoryProvider) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.liveItem(key); ok {
		return false, nil
	}
	m.data[key] = m.newItem(value, ttl)
	return true, nil
}

// Del removes an entry.
func (m *MemoryProvider) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Close is a no-op.
func (m *MemoryProvider) Close() error { return nil }

// Append adds an entry and wakes blocked readers.
func (m *MemoryProvider) Append(_ context.Context, stream string, fields map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stream(stream)
	ms := m.now().UnixMilli()
	if ms <= s.lastMS {
		ms = s.lastMS
		s.lastSeq++
	} else {
		s.lastSeq = 0
	}
	s.lastMS = ms
	id := fmt.Sprintf("%d-%d", ms, s.lastSeq)

	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	s.entries = append(s.entries, StreamMessage{ID: id, Fields: copied})
	close(s.notify)
	s.notify = make(chan struct{})
	return id, nil
}

// CreateGroup attaches a group starting at "0" (all entries) or "$" (new only).
func (m *MemoryProvider) CreateGroup(_ context.Context, stream, group, start string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stream(stream)
	if _, ok := s.groups[group]; ok {
		return ErrGroupExists
	}
	g := &memGroup{pending: make(map[string]string), consumers: make(map[string]struct{}), lastID: "0-0"}
	if start == "$" {
		g.next = len(s.entries)
		if g.next > 0 {
			g.lastID = s.entries[g.next-1].ID
		}
	}
	s.groups[group] = g
	return nil
}

// ReadGroup delivers undelivered entries to consumer, waiting up to block.
func (m *MemoryProvider) ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]StreamMessage, error) {
	var timeout <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		m.mu.Lock()
		s, ok := m.streams[stream]
		if !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("NOGROUP no such stream %q", stream)
		}
		g, ok := s.groups[group]
		if !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("NOGROUP no such consumer group %q", group)
		}
		g.consumers[consumer] = struct{}{}

		var out []StreamMessage
		for g.next < len(s.entries) && (count <= 0 || len(out) < count) {
			msg := s.entries[g.next]
			g.next++
			g.lastID = msg.ID
			g.pending[msg.ID] = consumer
			out = append(out, msg)
		}
		notify := s.notify
		m.mu.Unlock()

		if len(out) > 0 || timeout == nil {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, nil
		case <-notify:
		}
	}
}

// ReadPending returns entries pending for consumer with ids greater than after.
func (m *MemoryProvider) ReadPending(_ context.Context, stream, group, consumer, after string, count int) ([]StreamMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	if !ok {
		return nil, fmt.Errorf("NOGROUP no such stream %q", stream)
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("NOGROUP no such consumer group %q", group)
	}
	g.consumers[consumer] = struct{}{}

	var out []StreamMessage
	for _, msg := range s.entries[:g.next] {
		if count > 0 && len(out) >= count {
			break
		}
		if g.pending[msg.ID] != consumer || compareStreamIDs(msg.ID, after) <= 0 {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// compareStreamIDs orders "ms-seq" ids; a bare "0" sorts before every entry.
func compareStreamIDs(a, b string) int {
	var am, as, bm, bs int64
	fmt.Sscanf(a, "%d-%d", &am, &as)
	fmt.Sscanf(b, "%d-%d", &bm, &bs)
	switch {
	case am != bm:
		return cmpInt(am, bm)
	default:
		return cmpInt(as, bs)
	}
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Ack removes ids from the group's pending list.
func (m *MemoryProvider) Ack(_ context.Context, stream, group string, ids ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	if !ok {
		return 0, nil
	}
	g, ok := s.groups[group]
	if !ok {
		return 0, nil
	}
	var acked int64
	for _, id := range ids {
		if _, pending := g.pending[id]; pending {
			delete(g.pending, id)
			acked++
		}
	}
	return acked, nil
}

// Len returns the number of entries in a stream.
func (m *MemoryProvider) Len(_ context.Context, stream string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[stream]; ok {
		return int64(len(s.entries)), nil
	}
	return 0, nil
}

// Groups reports consumer group state for a stream.
func (m *MemoryProvider) Groups(_ context.Context, stream string) ([]GroupInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	if !ok {
		return nil, fmt.Errorf("no such stream %q", stream)
	}
	groups := make([]GroupInfo, 0, len(s.groups))
	for _, name := range sortedGroupNames(s.groups) {
		g := s.groups[name]
		groups = append(groups, GroupInfo{
			Name:            name,
			Consumers:       int64(len(g.consumers)),
			Pending:         int64(len(g.pending)),
			LastDeliveredID: g.lastID,
		})
	}
	return groups, nil
}

func (m *MemoryProvider) liveItem(key string) (item, bool) {
	it, ok := m.data[key]
	if !ok {
		return item{}, false
	}
	if !it.expiresAt.IsZero() && !m.now().Before(it.expiresAt) {
		delete(m.data, key)
		return item{}, false
	}
	return it, true
}

func (m *MemoryProvider) newItem(value []byte, ttl time.Duration) item {
	var expires time.Time
	if ttl > 0 {
		expires = m.now().Add(ttl)
	}
	return item{value: append([]byte(nil), value...), expiresAt: expires}
}

func (m *MemoryProvider) stream(name string) *memStream {
	s, ok := m.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup), notify: make(chan struct{})}
		m.streams[name] = s
	}
	return s
}

func sortedGroupNames(groups map[string]*memGroup) []string {
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
