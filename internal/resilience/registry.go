package resilience

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry 按服务标识维护熔断器实例，避免散落的全局状态。
type Registry struct {
	settings Settings
	store    StateStore
	logger   *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry 创建熔断器注册表。store 可以为 nil，此时状态仅保留在内存中。
func NewRegistry(settings Settings, store StateStore, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		settings: settings,
		store:    store,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get 返回指定服务的熔断器，首次访问时尝试恢复持久化状态。
func (r *Registry) Get(serviceID string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if breaker, ok := r.breakers[serviceID]; ok {
		return breaker
	}

	breaker := newBreaker(serviceID, r.settings, r.store, r.logger)
	if r.store != nil {
		snap, found, err := r.store.Load(context.Background(), serviceID)
		switch {
		case err != nil:
			r.logger.Warn("恢复熔断器状态失败", zap.String("service", serviceID), zap.Error(err))
		case found:
			breaker.restore(snap)
			r.logger.Info("熔断器状态已恢复",
				zap.String("service", serviceID),
				zap.String("state", snap.State.String()),
			)
		}
	}

	r.breakers[serviceID] = breaker
	return breaker
}

// Snapshots 返回所有熔断器的状态视图，按服务标识排序。
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snaps := make([]Snapshot, 0, len(r.breakers))
	for _, breaker := range r.breakers {
		snaps = append(snaps, breaker.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].ServiceID < snaps[j].ServiceID
	})
	return snaps
}
