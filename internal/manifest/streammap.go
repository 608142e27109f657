package manifest

import (
	"sort"
	"strings"
	"sync"
)

// StreamMap owns every Stream of a manifest, keyed by period and
// representation id.
type StreamMap struct {
	mu      sync.RWMutex
	streams map[StreamKey]*Stream
}

// NewStreamMap creates an empty map.
func NewStreamMap() *StreamMap {
	return &StreamMap{streams: make(map[StreamKey]*Stream)}
}

// Get returns the stream stored under key.
func (m *StreamMap) Get(key StreamKey) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[key]
	return s, ok
}

// Put stores s under key, returning the stream it replaced, if any.
func (m *StreamMap) Put(key StreamKey, s *Stream) *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.streams[key]
	m.streams[key] = s
	if old == s {
		return nil
	}
	return old
}

// Delete removes key and returns the removed stream.
func (m *StreamMap) Delete(key StreamKey) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[key]
	delete(m.streams, key)
	return s, ok
}

// KeysForPeriod returns the keys that belong to periodID.
func (m *StreamMap) KeysForPeriod(periodID string) []StreamKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []StreamKey
	for k := range m.streams {
		if k.PeriodID == periodID {
			keys = append(keys, k)
		}
	}
	sortKeys(keys)
	return keys
}

// Keys returns every key in a stable order.
func (m *StreamMap) Keys() []StreamKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]StreamKey, 0, len(m.streams))
	for k := range m.streams {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

// Len returns the number of streams.
func (m *StreamMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}

// ReleaseAll closes every stream's segment index and empties the map.
func (m *StreamMap) ReleaseAll() {
	m.mu.Lock()
	streams := m.streams
	m.streams = make(map[StreamKey]*Stream)
	m.mu.Unlock()

	for _, s := range streams {
		s.CloseSegmentIndex()
	}
}

func sortKeys(keys []StreamKey) {
	sort.Slice(keys, func(i, j int) bool {
		if c := strings.Compare(keys[i].PeriodID, keys[j].PeriodID); c != 0 {
			return c < 0
		}
		return keys[i].RepresentationID < keys[j].RepresentationID
	})
}
