package resilience

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Class 为失败分类，决定重试与熔断行为。
type Class int

const (
	// ClassNone 表示无错误。
	ClassNone Class = iota
	// ClassTransient 表示临时故障，可重试并计入熔断器失败计数。
	ClassTransient
	// ClassPermanent 表示确定性失败，立即终止且不计入熔断器。
	ClassPermanent
	// ClassInsufficientBalance 表示余额不足，终止且需要人工处理。
	ClassInsufficientBalance
	// ClassUnavailable 表示熔断器打开，调用被延后而非失败。
	ClassUnavailable
)

// String 返回分类的可读名称。
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassInsufficientBalance:
		return "insufficient_balance"
	case ClassUnavailable:
		return "unavailable"
	default:
		return "none"
	}
}

// Classifier 将底层错误映射到失败分类。
type Classifier func(error) Class

// Strategy 表示退避策略。
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
	StrategyFibonacci   Strategy = "fibonacci"
)

// ParseStrategy 解析配置中的策略名，未知值回退为指数退避。
func ParseStrategy(raw string) Strategy {
	switch Strategy(strings.ToLower(strings.TrimSpace(raw))) {
	case StrategyFixed:
		return StrategyFixed
	case StrategyLinear:
		return StrategyLinear
	case StrategyFibonacci:
		return StrategyFibonacci
	default:
		return StrategyExponential
	}
}

// Policy 描述一次可重试操作的退避参数。
type Policy struct {
	Strategy    Strategy
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Jitter      bool
}

func (p Policy) normalized() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Strategy == "" {
		p.Strategy = StrategyExponential
	}
	return p
}

// Delay 计算第 attempt 次失败后的等待时长，attempt 从 1 开始计数。
// 开启 Jitter 时附加 [0, base_delay) 的随机偏移，错开多账户的重试节奏。
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}

	delay := p.rawDelay(attempt)
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter && p.BaseDelay > 0 {
		delay += rand.N(p.BaseDelay)
	}
	return delay
}

func (p Policy) rawDelay(attempt int) time.Duration {
	switch p.Strategy {
	case StrategyFixed:
		return p.BaseDelay
	case StrategyLinear:
		return p.BaseDelay * time.Duration(attempt)
	case StrategyFibonacci:
		return p.BaseDelay * time.Duration(fibonacci(attempt))
	default:
		shift := attempt - 1
		if shift > 30 {
			return p.MaxDelay
		}
		return p.BaseDelay * time.Duration(int64(1)<<shift)
	}
}

func fibonacci(n int) int64 {
	if n <= 2 {
		return 1
	}
	var prev, curr int64 = 1, 1
	for i := 3; i <= n; i++ {
		prev, curr = curr, prev+curr
		if curr > 1<<20 {
			return curr
		}
	}
	return curr
}

// Retryer 按策略重试临时故障，并与熔断器配合实现快速失败。
type Retryer struct {
	policy   Policy
	classify Classifier
	logger   *zap.Logger
}

// NewRetryer 创建重试器。classify 为空时所有错误按临时故障处理。
func NewRetryer(policy Policy, classify Classifier, logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if classify == nil {
		classify = func(error) Class { return ClassTransient }
	}
	return &Retryer{
		policy:   policy.normalized(),
		classify: classify,
		logger:   logger,
	}
}

// Policy 返回当前退避参数。
func (r *Retryer) Policy() Policy {
	return r.policy
}

// Do 在熔断器保护下执行 fn。临时故障按策略退避重试，重试耗尽后原样返回最后
// 一次错误；确定性失败与余额不足立即终止；熔断打开时返回 ErrServiceUnavailable。
func (r *Retryer) Do(ctx context.Context, operation string, breaker *Breaker, fn func(context.Context) error) error {
	attempt := 0

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++

		if breaker != nil {
			if err := breaker.Allow(); err != nil {
				r.logger.Warn("熔断器拒绝调用",
					zap.String("operation", operation),
					zap.String("service", breaker.ServiceID()),
				)
				return err
			}
		}

		start := time.Now()
		err := fn(ctx)
		latency := time.Since(start)

		if err == nil {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			if attempt > 1 {
				r.logger.Info("调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", latency),
				)
			}
			return nil
		}

		switch class := r.classify(err); class {
		case ClassTransient:
			if breaker != nil {
				breaker.RecordFailure()
			}
		case ClassUnavailable:
			return err
		default:
			r.logger.Error("调用出现不可重试错误",
				zap.String("operation", operation),
				zap.String("class", class.String()),
				zap.Duration("latency", latency),
				zap.Error(err),
			)
			return err
		}

		if attempt >= r.policy.MaxAttempts {
			r.logger.Error("调用重试次数耗尽",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return err
		}

		wait := r.policy.Delay(attempt)
		r.logger.Warn("调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
