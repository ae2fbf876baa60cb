package billing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryCapacity bounds the in-memory log when no database is wired.
const memoryCapacity = 1000

// MemoryStore keeps the most recent route logs in process memory. Used
// when POSTGRES_DSN is not configured; the routing core itself never
// requires a database.
type MemoryStore struct {
	mu   sync.Mutex
	logs []*RouteLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) LogRoute(ctx context.Context, log *RouteLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *log
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.logs = append(s.logs, &cp)
	if len(s.logs) > memoryCapacity {
		s.logs = s.logs[len(s.logs)-memoryCapacity:]
	}
	log.ID = cp.ID
	log.CreatedAt = cp.CreatedAt
	return nil
}

func (s *MemoryStore) GetRoutesByCaller(ctx context.Context, callerID string, from, to time.Time) ([]*RouteLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*RouteLog
	for i := len(s.logs) - 1; i >= 0; i-- {
		l := s.logs[i]
		if l.CallerID != callerID {
			continue
		}
		if l.CreatedAt.Before(from) || l.CreatedAt.After(to) {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) GetTotalCostByCaller(ctx context.Context, callerID string, from, to time.Time) (float64, error) {
	logs, err := s.GetRoutesByCaller(ctx, callerID, from, to)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, l := range logs {
		total += l.CostUSD
	}
	return total, nil
}
