package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"

	"kairos-exec/internal/resilience"
)

var (
	// ErrInsufficientBalance 表示账户余额不足，需要人工清理后才能继续。
	ErrInsufficientBalance = errors.New("gateway: 账户余额不足")
	// ErrUnsupportedSymbol 表示交易对不在支持列表内。
	ErrUnsupportedSymbol = errors.New("gateway: 不支持的交易对")
	// ErrVenueUnavailable 表示交易所处于维护状态，上层应延后执行。
	ErrVenueUnavailable = errors.New("gateway: 交易所维护中")
	// ErrUnknownAccount 表示账户未在配置中注册。
	ErrUnknownAccount = errors.New("gateway: 未知账户")
)

// Classify 将交易所调用错误映射为重试分类。余额不足与交易对错误不计入熔断。
func Classify(err error) resilience.Class {
	if err == nil {
		return resilience.ClassNone
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ClassPermanent
	}
	if errors.Is(err, ErrInsufficientBalance) {
		return resilience.ClassInsufficientBalance
	}
	if errors.Is(err, ErrVenueUnavailable) || errors.Is(err, resilience.ErrServiceUnavailable) {
		return resilience.ClassUnavailable
	}
	if errors.Is(err, ErrUnsupportedSymbol) || errors.Is(err, ErrUnknownAccount) {
		return resilience.ClassPermanent
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return resilience.ClassTransient
		case ccxt.OnMaintenanceErrType:
			return resilience.ClassUnavailable
		case ccxt.InsufficientFundsErrType:
			return resilience.ClassInsufficientBalance
		default:
			return resilience.ClassPermanent
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ClassTransient
	}

	return resilience.ClassPermanent
}

// normalizeError 把特定交易所错误换成稳定的哨兵，便于上层 errors.Is 判断。
func normalizeError(err error) error {
	if err == nil {
		return nil
	}

	var ccxtErr *ccxt.Error
	if !errors.As(err, &ccxtErr) {
		return err
	}

	message := strings.TrimSpace(ccxtErr.Message)
	switch ccxtErr.Type {
	case ccxt.InsufficientFundsErrType:
		if message == "" {
			message = "insufficient funds"
		}
		return fmt.Errorf("%w: %s", ErrInsufficientBalance, message)
	case ccxt.OnMaintenanceErrType:
		if message == "" {
			message = "exchange under maintenance"
		}
		return fmt.Errorf("%w: %s", ErrVenueUnavailable, message)
	case ccxt.BadSymbolErrType:
		if message == "" {
			message = "bad symbol"
		}
		return fmt.Errorf("%w: %s", ErrUnsupportedSymbol, message)
	default:
		return err
	}
}
