package db

import (
	"context"
	"sync"

	"github.com/banshee-data/uwbsync/internal/measurement"
)

// MemoryStore hands out storage ids without a database. It backs the
// registry when database export is disabled, and keeps rounds only as long
// as the process lives.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	anchors  map[string]int64
	tags     map[string]int64
	rounds   []StoredRound
	readings map[int64][]measurement.Reading
}

// StoredRound is a round kept by MemoryStore.
type StoredRound struct {
	ID    int64
	TagID int64
	Round measurement.RoundSnapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		anchors:  make(map[string]int64),
		tags:     make(map[string]int64),
		readings: make(map[int64][]measurement.Reading),
	}
}

func (s *MemoryStore) id(m map[string]int64, code string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := m[code]; ok {
		return id
	}
	s.nextID++
	m[code] = s.nextID
	return s.nextID
}

func (s *MemoryStore) lookup(m map[string]int64, code string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := m[code]
	return id, ok
}

func (s *MemoryStore) SaveAnchor(_ context.Context, code string) (int64, error) {
	return s.id(s.anchors, code), nil
}

func (s *MemoryStore) SaveTag(_ context.Context, code string) (int64, error) {
	return s.id(s.tags, code), nil
}

func (s *MemoryStore) LookupAnchorID(_ context.Context, code string) (int64, bool, error) {
	id, ok := s.lookup(s.anchors, code)
	return id, ok, nil
}

func (s *MemoryStore) LookupTagID(_ context.Context, code string) (int64, bool, error) {
	id, ok := s.lookup(s.tags, code)
	return id, ok, nil
}

func (s *MemoryStore) SaveRound(_ context.Context, tagID int64, r measurement.RoundSnapshot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.rounds = append(s.rounds, StoredRound{ID: s.nextID, TagID: tagID, Round: r})
	return s.nextID, nil
}

func (s *MemoryStore) SaveReadings(_ context.Context, roundID int64, readings []measurement.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings[roundID] = append(s.readings[roundID], readings...)
	return nil
}

// Rounds returns the stored rounds in insertion order.
func (s *MemoryStore) Rounds() []StoredRound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StoredRound(nil), s.rounds...)
}

// Readings returns the readings stored for roundID.
func (s *MemoryStore) Readings(roundID int64) []measurement.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]measurement.Reading(nil), s.readings[roundID]...)
}
