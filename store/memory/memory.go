package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/finch-technologies/queue-drain/store/types"
)

// MemoryStore keeps records in process. Used for local runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]types.QueueRecord
}

func New() *MemoryStore {
	return &MemoryStore{records: make(map[string]types.QueueRecord)}
}

func (s *MemoryStore) InsertRecords(ctx context.Context, records []types.QueueRecord) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, r := range records {
		r = r.WithKey()
		if _, ok := s.records[r.RecordKey]; ok {
			continue
		}
		s.records[r.RecordKey] = r
		inserted++
	}

	return inserted, nil
}

func (s *MemoryStore) InsertRecord(ctx context.Context, record types.QueueRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	record = record.WithKey()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[record.RecordKey]; ok {
		return types.ErrRecordExists
	}
	s.records[record.RecordKey] = record

	return nil
}

// Records returns a snapshot ordered by sent time then key.
func (s *MemoryStore) Records() []types.QueueRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]types.QueueRecord, 0, len(s.records))
	for _, r := range s.records {
		result = append(result, r)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].SentTime != result[j].SentTime {
			return result[i].SentTime < result[j].SentTime
		}
		return result[i].RecordKey < result[j].RecordKey
	})

	return result
}

func (s *MemoryStore) Close() error {
	return nil
}
