package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry is a process-local Registry. Leases are honored lazily:
// expired entries are simply not returned.
type MemoryRegistry struct {
	mu       sync.Mutex
	entries  map[string]map[string]memoryEntry // capability → node id → entry
	watchers map[string][]chan []Node
	now      func() time.Time
}

type memoryEntry struct {
	node    Node
	expires time.Time // zero means no expiry
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		entries:  make(map[string]map[string]memoryEntry),
		watchers: make(map[string][]chan []Node),
		now:      time.Now,
	}
}

// Register stores node under capability. A non-positive ttl never expires.
func (m *MemoryRegistry) Register(_ context.Context, capability string, node Node, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := memoryEntry{node: node}
	if ttl > 0 {
		entry.expires = m.now().Add(time.Duration(ttl) * time.Second)
	}
	if m.entries[capability] == nil {
		m.entries[capability] = make(map[string]memoryEntry)
	}
	m.entries[capability][node.ID] = entry
	m.notifyLocked(capability)
	return nil
}

func (m *MemoryRegistry) Deregister(_ context.Context, capability string, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[capability][nodeID]; !ok {
		return nil
	}
	delete(m.entries[capability], nodeID)
	m.notifyLocked(capability)
	return nil
}

func (m *MemoryRegistry) Discover(_ context.Context, capability string) ([]Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveLocked(capability), nil
}

func (m *MemoryRegistry) Lookup(_ context.Context, nodeID string) (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, nodes := range m.entries {
		if e, ok := nodes[nodeID]; ok && e.live(now) {
			node := e.node
			return &node, nil
		}
	}
	return nil, ErrNodeNotFound
}

// Watch emits the current node list immediately and again on every change.
// The channel is closed when ctx is done.
func (m *MemoryRegistry) Watch(ctx context.Context, capability string) <-chan []Node {
	ch := make(chan []Node, 1)

	m.mu.Lock()
	m.watchers[capability] = append(m.watchers[capability], ch)
	ch <- m.liveLocked(capability)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[capability]
		for i, w := range ws {
			if w == ch {
				m.watchers[capability] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (e memoryEntry) live(now time.Time) bool {
	return e.expires.IsZero() || now.Before(e.expires)
}

func (m *MemoryRegistry) liveLocked(capability string) []Node {
	now := m.now()
	nodes := make([]Node, 0, len(m.entries[capability]))
	for _, e := range m.entries[capability] {
		if e.live(now) {
			nodes = append(nodes, e.node)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// notifyLocked replaces any unread update with the latest list, so a slow
// watcher only ever sees the newest state.
func (m *MemoryRegistry) notifyLocked(capability string) {
	nodes := m.liveLocked(capability)
	for _, ch := range m.watchers[capability] {
		select {
		case <-ch:
		default:
		}
		ch <- nodes
	}
}
