package peerrouter

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/datamesh/datamesh/pkg/meshid"
)

// storedValue is a DHT-resident value with a TTL, adapted from the
// teacher's pkg/dht/storage.go StoredValue/Storage.
type storedValue struct {
	value     []byte
	expiresAt time.Time
	publisher meshid.PeerId
}

// valueStore is the local node's cache of DHT key/value pairs it is
// currently a replica for (ShardSet descriptors, published under FileKey).
type valueStore struct {
	mu    sync.RWMutex
	data  map[meshid.ID]storedValue
	clock clock.Clock
}

func newValueStore(c clock.Clock) *valueStore {
	if c == nil {
		c = clock.New()
	}
	return &valueStore{data: make(map[meshid.ID]storedValue), clock: c}
}

func (s *valueStore) put(key meshid.ID, value []byte, ttl time.Duration, publisher meshid.PeerId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = storedValue{value: value, expiresAt: s.clock.Now().Add(ttl), publisher: publisher}
}

func (s *valueStore) get(key meshid.ID) ([]byte, bool) {
	s.mu.RLock()
	v, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if s.clock.Now().After(v.expiresAt) {
		s.mu.Lock()
		delete(s.data, key)
		s.mu.Unlock()
		return nil, false
	}
	return v.value, true
}

func (s *valueStore) has(key meshid.ID) bool {
	_, ok := s.get(key)
	return ok
}

func (s *valueStore) delete(key meshid.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

// expireStale sweeps out every value past its TTL, called periodically by
// the router's maintenance loop.
func (s *valueStore) expireStale() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	n := 0
	for k, v := range s.data {
		if now.After(v.expiresAt) {
			delete(s.data, k)
			n++
		}
	}
	return n
}

func (s *valueStore) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
