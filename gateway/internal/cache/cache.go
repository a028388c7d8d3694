// Package cache keeps the most recent calls of every API in memory.
package cache

import (
	"sync"
	"time"

	"github.com/pgwilde8/ledgrapi/gateway/internal/models"
)

// Layer holds one ring buffer of recent calls per API.
type Layer struct {
	calls    map[string]*CallRingBuffer
	mu       sync.RWMutex
	capacity int
	now      func() time.Time
}

// CallRingBuffer is a ring buffer of audit records.
type CallRingBuffer struct {
	calls     []*models.CallAuditRecord
	head      int
	count     int
	updatedAt time.Time
	mu        sync.RWMutex
}

// NewCallRingBuffer creates a new ring buffer holding size records.
func NewCallRingBuffer(size int) *CallRingBuffer {
	if size < 1 {
		size = 1
	}
	return &CallRingBuffer{
		calls: make([]*models.CallAuditRecord, size),
	}
}

// Add adds a record, overwriting the oldest one when full.
func (rb *CallRingBuffer) Add(rec *models.CallAuditRecord, at time.Time) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.calls[rb.head] = rec
	rb.head = (rb.head + 1) % len(rb.calls)
	if rb.count < len(rb.calls) {
		rb.count++
	}
	rb.updatedAt = at
}

// GetAll returns all records in the buffer (oldest first).
func (rb *CallRingBuffer) GetAll() []*models.CallAuditRecord {
	return rb.GetRecent(len(rb.calls))
}

// GetRecent returns the N most recent records, oldest first.
func (rb *CallRingBuffer) GetRecent(n int) []*models.CallAuditRecord {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n > rb.count {
		n = rb.count
	}
	if n < 0 {
		n = 0
	}
	result := make([]*models.CallAuditRecord, n)
	for i := 0; i < n; i++ {
		idx := (rb.head - n + i + len(rb.calls)) % len(rb.calls)
		result[i] = rb.calls[idx]
	}
	return result
}

// Len returns the number of records held.
func (rb *CallRingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

func (rb *CallRingBuffer) lastUpdate() time.Time {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.updatedAt
}

// NewLayer creates a new cache layer keeping capacity calls per API.
func NewLayer(capacity int) *Layer {
	if capacity < 1 {
		capacity = 100
	}
	return &Layer{
		calls:    make(map[string]*CallRingBuffer),
		capacity: capacity,
		now:      time.Now,
	}
}

// AddCall records a settled call under its API.
func (l *Layer) AddCall(rec *models.CallAuditRecord) {
	l.mu.Lock()
	rb, ok := l.calls[rec.APIID]
	if !ok {
		rb = NewCallRingBuffer(l.capacity)
		l.calls[rec.APIID] = rb
	}
	l.mu.Unlock()

	rb.Add(rec, l.now())
}

// RecentCalls returns up to count recent calls of an API, oldest first.
func (l *Layer) RecentCalls(apiID string, count int) []*models.CallAuditRecord {
	l.mu.RLock()
	rb, ok := l.calls[apiID]
	l.mu.RUnlock()

	if !ok {
		return nil
	}
	return rb.GetRecent(count)
}

// APIs returns the ids of every API with cached calls.
func (l *Layer) APIs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.calls))
	for id := range l.calls {
		ids = append(ids, id)
	}
	return ids
}

// Cleanup drops APIs that saw no call within staleThreshold.
func (l *Layer) Cleanup(staleThreshold time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id, rb := range l.calls {
		if now.Sub(rb.lastUpdate()) > staleThreshold {
			delete(l.calls, id)
		}
	}
}

// Stats returns cache statistics.
type Stats struct {
	APIs  int `json:"apis"`
	Calls int `json:"calls"`
}

// GetStats returns current cache statistics.
func (l *Layer) GetStats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := Stats{APIs: len(l.calls)}
	for _, rb := range l.calls {
		stats.Calls += rb.Len()
	}
	return stats
}
