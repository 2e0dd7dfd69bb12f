package health

import (
	"sync"
	"time"
)

// Stats 记录每个服务最近一次上游响应耗时
type Stats struct {
	mu   sync.RWMutex
	last map[string]time.Duration
}

// NewStats 创建响应耗时记录器
func NewStats() *Stats {
	return &Stats{last: make(map[string]time.Duration)}
}

// ObserveResponse 记录一次上游响应
func (s *Stats) ObserveResponse(serviceID string, latency time.Duration) {
	s.mu.Lock()
	s.last[serviceID] = latency
	s.mu.Unlock()
}

// Latency 返回最近一次响应耗时，没有记录时返回false
func (s *Stats) Latency(serviceID string) (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	latency, ok := s.last[serviceID]
	return latency, ok
}
