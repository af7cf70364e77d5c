package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrServiceUnavailable 表示熔断器处于打开状态，调用被直接拒绝。
var ErrServiceUnavailable = errors.New("resilience: 服务熔断中，拒绝调用")

// State 表示熔断器状态。
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String 返回状态的可读名称。
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ParseState 将持久化的状态名还原为 State。
func ParseState(raw string) State {
	switch raw {
	case "open":
		return StateOpen
	case "half_open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Settings 控制熔断器的阈值与冷却时间。
type Settings struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
}

func (s Settings) normalized() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 1
	}
	if s.Cooldown <= 0 {
		s.Cooldown = time.Minute
	}
	return s
}

// Snapshot 为熔断器状态的持久化视图。
type Snapshot struct {
	ServiceID            string
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	OpenedAt             time.Time
	CooldownUntil        time.Time
	Version              int64
}

// StateStore 抽象熔断器状态的持久化，进程重启后恢复打开状态。
type StateStore interface {
	Load(ctx context.Context, serviceID string) (Snapshot, bool, error)
	Save(ctx context.Context, snap Snapshot) error
}

// Breaker 为单个服务的熔断器，状态转移在持锁内完成并落盘。
type Breaker struct {
	serviceID string
	settings  Settings
	store     StateStore
	logger    *zap.Logger
	now       func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	cooldown  time.Time
	probing   bool
	version   int64
}

func newBreaker(serviceID string, settings Settings, store StateStore, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		serviceID: serviceID,
		settings:  settings.normalized(),
		store:     store,
		logger:    logger,
		now:       time.Now,
	}
}

func (b *Breaker) restore(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = snap.State
	b.failures = snap.ConsecutiveFailures
	b.successes = snap.ConsecutiveSuccesses
	b.openedAt = snap.OpenedAt
	b.cooldown = snap.CooldownUntil
	b.version = snap.Version
}

// ServiceID 返回熔断器对应的服务标识。
func (b *Breaker) ServiceID() string {
	return b.serviceID
}

// Allow 判断当前是否允许发起调用。打开状态在冷却结束前直接拒绝；
// 半开状态同一时刻只放行一个探测请求。
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Before(b.cooldown) {
			return ErrServiceUnavailable
		}
		b.transitionLocked(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrServiceUnavailable
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess 记录一次成功调用。
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.probing = false
		b.successes++
		if b.successes >= b.settings.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			b.transitionLocked(StateClosed)
		} else {
			b.persistLocked()
		}
	case StateClosed:
		if b.failures != 0 {
			b.failures = 0
			b.persistLocked()
		}
	}
}

// RecordFailure 记录一次失败调用，达到阈值后打开熔断。
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.successes = 0

	switch b.state {
	case StateHalfOpen:
		b.probing = false
		b.openLocked()
	case StateClosed:
		if b.failures >= b.settings.FailureThreshold {
			b.openLocked()
		} else {
			b.persistLocked()
		}
	case StateOpen:
		b.persistLocked()
	}
}

// CooldownUntil 返回打开状态的冷却截止时间。
func (b *Breaker) CooldownUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cooldown
}

// Snapshot 返回当前状态视图。
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Breaker) snapshotLocked() Snapshot {
	return Snapshot{
		ServiceID:            b.serviceID,
		State:                b.state,
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		OpenedAt:             b.openedAt,
		CooldownUntil:        b.cooldown,
		Version:              b.version,
	}
}

func (b *Breaker) openLocked() {
	now := b.now()
	b.openedAt = now
	b.cooldown = now.Add(b.settings.Cooldown)
	b.transitionLocked(StateOpen)
}

func (b *Breaker) transitionLocked(next State) {
	prev := b.state
	b.state = next
	if next != StateHalfOpen {
		b.probing = false
	}
	if prev != next {
		b.logger.Warn("熔断器状态变更",
			zap.String("service", b.serviceID),
			zap.String("from", prev.String()),
			zap.String("to", next.String()),
			zap.Int("consecutive_failures", b.failures),
		)
	}
	b.persistLocked()
}

func (b *Breaker) persistLocked() {
	if b.store == nil {
		return
	}

	snap := b.snapshotLocked()
	if err := b.store.Save(context.Background(), snap); err != nil {
		b.logger.Warn("持久化熔断器状态失败",
			zap.String("service", b.serviceID),
			zap.Error(err),
		)
		return
	}
	b.version = snap.Version + 1
}
