package history

import (
	"context"
	"sync"

	"github.com/selfheald/selfheald/pkg/recovery"
)

const defaultMemoryLimit = 1000

// MemoryStore keeps records for the lifetime of the process.
type MemoryStore struct {
	limit int

	mu      sync.RWMutex
	records []recovery.Record
	scores  map[string]recovery.Score
}

// NewMemoryStore keeps at most limit records.
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = defaultMemoryLimit
	}
	return &MemoryStore{limit: limit, scores: make(map[string]recovery.Score)}
}

// Save implements recovery.Store.
func (s *MemoryStore) Save(ctx context.Context, record recovery.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	if over := len(s.records) - s.limit; over > 0 {
		s.records = append([]recovery.Record(nil), s.records[over:]...)
	}
	for _, score := range record.ScoreUpdates {
		s.scores[scoreID(score)] = score
	}
	return nil
}

// LoadEffectiveness implements recovery.Store.
func (s *MemoryStore) LoadEffectiveness(ctx context.Context) ([]recovery.Score, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]recovery.Score, 0, len(s.scores))
	for _, score := range s.scores {
		out = append(out, score)
	}
	return out, nil
}

// Recent implements Store.
func (s *MemoryStore) Recent(ctx context.Context, limit int) ([]recovery.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]recovery.Record, 0, len(s.records))
	for i := len(s.records) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, s.records[i])
	}
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

func scoreID(score recovery.Score) string {
	return score.Action + "/" + string(score.Problem)
}

var _ Store = (*MemoryStore)(nil)
