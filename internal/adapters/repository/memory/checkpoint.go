// Package memory keeps snapshots in process memory with TTL expiry and a
// byte budget enforced by least-recently-used eviction.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lockstep/lockstep/internal/core/checkpoint"
	"github.com/lockstep/lockstep/pkg/serialization"
)

// Saver implements checkpoint.Saver with thread-safe in-memory storage
// PRINCIPLES:
// - KISS: one map guarded by one mutex
// - Entries are stored encoded, so callers never share Var slices with the store
type Saver struct {
	mu         sync.Mutex
	entries    map[string]*entry
	size       int64
	maxBytes   int64
	defaultTTL time.Duration
	serializer *serialization.Serializer

	stop      chan struct{}
	closeOnce sync.Once
}

// Config holds configuration for Saver
type Config struct {
	DefaultTTL      time.Duration             // Default TTL for snapshots
	MaxMemoryMB     int64                     // Maximum encoded size in MB
	CleanupInterval time.Duration             // Sweep interval for expired items
	Serializer      *serialization.Serializer // Custom serializer (optional)
}

// entry keeps the filterable header next to the encoded snapshot
type entry struct {
	header     checkpoint.Checkpoint // Vars left nil
	data       []byte
	expiresAt  time.Time
	accessedAt time.Time
}

// Stats reports memory usage
type Stats struct {
	Count              int64   `json:"count"`
	SizeBytes          int64   `json:"size_bytes"`
	MaxSizeMB          int64   `json:"max_size_mb"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

// New creates an in-memory saver and starts its expiry sweeper.
func New(config Config) *Saver {
	if config.DefaultTTL == 0 {
		config.DefaultTTL = 24 * time.Hour
	}
	if config.MaxMemoryMB == 0 {
		config.MaxMemoryMB = 256
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.Serializer == nil {
		config.Serializer = serialization.NewSerializer(serialization.SerializationConfig{})
	}

	s := &Saver{
		entries:    make(map[string]*entry),
		maxBytes:   config.MaxMemoryMB * 1024 * 1024,
		defaultTTL: config.DefaultTTL,
		serializer: config.Serializer,
		stop:       make(chan struct{}),
	}
	go s.sweep(config.CleanupInterval)
	return s
}

// Default creates a Saver with default configuration
func Default() *Saver {
	return New(Config{})
}

// Save stores a checkpoint, replacing any entry with the same ID
func (s *Saver) Save(_ context.Context, cp *checkpoint.Checkpoint) error {
	if cp == nil {
		return checkpoint.ErrInvalidCheckpointID
	}
	if err := cp.Validate(); err != nil {
		return fmt.Errorf("checkpoint validation failed: %w", err)
	}

	data, err := s.serializer.Serialize(cp)
	if err != nil {
		return fmt.Errorf("%w: %v", checkpoint.ErrSaveFailed, err)
	}

	header := *cp
	header.Vars = nil
	header.Metadata.Tags = append([]string(nil), cp.Metadata.Tags...)

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[cp.ID]; ok {
		s.size -= int64(len(old.data))
		delete(s.entries, cp.ID)
	}
	size := int64(len(data))
	if s.size+size > s.maxBytes {
		s.evictLocked(s.size + size - s.maxBytes)
	}
	if s.size+size > s.maxBytes {
		return fmt.Errorf("%w: memory limit exceeded: need %d bytes, max %d", checkpoint.ErrSaveFailed, size, s.maxBytes)
	}

	s.entries[cp.ID] = &entry{
		header:     header,
		data:       data,
		expiresAt:  now.Add(s.defaultTTL),
		accessedAt: now,
	}
	s.size += size
	return nil
}

// Load retrieves a checkpoint by ID
func (s *Saver) Load(_ context.Context, id string) (*checkpoint.Checkpoint, error) {
	if id == "" {
		return nil, checkpoint.ErrInvalidCheckpointID
	}

	now := time.Now()
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok && now.After(e.expiresAt) {
		s.deleteLocked(id)
		ok = false
	}
	if !ok {
		s.mu.Unlock()
		return nil, checkpoint.ErrCheckpointNotFound
	}
	e.accessedAt = now
	data := e.data
	s.mu.Unlock()

	return s.decode(data)
}

// List returns checkpoints matching the filter, newest timestep first
func (s *Saver) List(_ context.Context, filter checkpoint.Filter) ([]*checkpoint.Checkpoint, error) {
	if err := filter.Validate(); err != nil {
		return nil, fmt.Errorf("filter validation failed: %w", err)
	}

	now := time.Now()
	s.mu.Lock()
	var matched []*entry
	for id, e := range s.entries {
		if now.After(e.expiresAt) {
			s.deleteLocked(id)
			continue
		}
		if filter.Matches(&e.header) {
			matched = append(matched, e)
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i].header, matched[j].header
		if a.Timestep != b.Timestep {
			return a.Timestep > b.Timestep
		}
		return a.Timestamp.After(b.Timestamp)
	})

	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}

	out := make([]*checkpoint.Checkpoint, 0, len(matched))
	for _, e := range matched {
		cp, err := s.decode(e.data)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Delete removes a checkpoint by ID
func (s *Saver) Delete(_ context.Context, id string) error {
	if id == "" {
		return checkpoint.ErrInvalidCheckpointID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return checkpoint.ErrCheckpointNotFound
	}
	s.deleteLocked(id)
	return nil
}

// GetStats returns memory usage statistics
func (s *Saver) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var utilization float64
	if s.maxBytes > 0 {
		utilization = float64(s.size) / float64(s.maxBytes) * 100
	}
	return Stats{
		Count:              int64(len(s.entries)),
		SizeBytes:          s.size,
		MaxSizeMB:          s.maxBytes / (1024 * 1024),
		UtilizationPercent: utilization,
	}
}

// Close stops the sweeper. Stored entries stay readable.
func (s *Saver) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *Saver) decode(data []byte) (*checkpoint.Checkpoint, error) {
	var cp checkpoint.Checkpoint
	if err := s.serializer.Deserialize(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", checkpoint.ErrLoadFailed, err)
	}
	return &cp, nil
}

func (s *Saver) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.removeExpired()
		case <-s.stop:
			return
		}
	}
}

func (s *Saver) removeExpired() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if now.After(e.expiresAt) {
			s.deleteLocked(id)
		}
	}
}

func (s *Saver) deleteLocked(id string) {
	if e, ok := s.entries[id]; ok {
		s.size -= int64(len(e.data))
		delete(s.entries, id)
	}
}

// evictLocked drops least recently used entries until target bytes are freed.
func (s *Saver) evictLocked(target int64) {
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.entries[ids[i]].accessedAt.Before(s.entries[ids[j]].accessedAt)
	})

	var freed int64
	for _, id := range ids {
		if freed >= target {
			return
		}
		freed += int64(len(s.entries[id].data))
		s.deleteLocked(id)
	}
}
