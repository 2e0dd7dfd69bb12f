package registry

import (
	"fmt"
	"sync/atomic"

	"github.com/hewenyu/kong-gateway/internal/core/model"
)

// 实例选择策略
const (
	SelectionFirst      = "first"
	SelectionRoundRobin = "round-robin"
)

// Selector 从健康实例中挑选一个作为转发目标
type Selector interface {
	Pick(instances []model.ServiceInstance) int
	Name() string
}

// NewSelector 按名称创建选择策略，空字符串使用first
func NewSelector(name string) (Selector, error) {
	switch name {
	case "", SelectionFirst:
		return firstSelector{}, nil
	case SelectionRoundRobin:
		return &roundRobinSelector{}, nil
	default:
		return nil, fmt.Errorf("不支持的实例选择策略: %s", name)
	}
}

// firstSelector 总是选择发现结果中的第一个实例
type firstSelector struct{}

func (firstSelector) Pick(instances []model.ServiceInstance) int {
	return 0
}

func (firstSelector) Name() string {
	return SelectionFirst
}

// roundRobinSelector 用原子计数器轮询实例
type roundRobinSelector struct {
	counter atomic.Uint64
}

func (s *roundRobinSelector) Pick(instances []model.ServiceInstance) int {
	n := s.counter.Add(1) - 1
	return int(n % uint64(len(instances)))
}

func (s *roundRobinSelector) Name() string {
	return SelectionRoundRobin
}
