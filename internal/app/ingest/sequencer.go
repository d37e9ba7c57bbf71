package ingest

import (
	"sync"
	"time"

	"github.com/coachpo/voltlink/internal/domain/schema"
)

// sequencer keeps event timestamps non-decreasing per (market, symbol, kind).
type sequencer struct {
	mu   sync.Mutex
	last map[schema.LatestKey]time.Time
}

func newSequencer() *sequencer {
	return &sequencer{mu: sync.Mutex{}, last: make(map[schema.LatestKey]time.Time)}
}

// stamp returns the timestamp to record for point and whether it was re-stamped. A point older
// than the last one seen for its key is stamped max(receivedAt, lastSeen).
func (s *sequencer) stamp(point schema.MarketDataPoint) (time.Time, bool) {
	key := point.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := point.EventTimestamp
	outOfOrder := false
	if last, ok := s.last[key]; ok && ts.Before(last) {
		ts = point.ReceivedAt
		if ts.Before(last) {
			ts = last
		}
		outOfOrder = true
	}
	s.last[key] = ts
	return ts, outOfOrder
}

// forget drops every key of marketID.
func (s *sequencer) forget(marketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.last {
		if key.MarketID == marketID {
			delete(s.last, key)
		}
	}
}
