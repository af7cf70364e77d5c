package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了执行引擎运行所需的全部配置项。
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Exchange    ExchangeConfig    `mapstructure:"exchange"`
	Planner     PlannerConfig     `mapstructure:"planner"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Account     AccountConfig     `mapstructure:"account"`
	Alert       AlertConfig       `mapstructure:"alert"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Status      StatusConfig      `mapstructure:"status"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment  string        `mapstructure:"environment"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// AccountCredentials 描述单个交易账户的凭证。
type AccountCredentials struct {
	ID        string `mapstructure:"id"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Name       string               `mapstructure:"name"`
	Quote      string               `mapstructure:"quote"`
	Symbols    []string             `mapstructure:"symbols"`
	Accounts   []AccountCredentials `mapstructure:"accounts"`
	UseSandbox bool                 `mapstructure:"use_sandbox"`
	Simulation bool                 `mapstructure:"simulation"`
}

// PlannerConfig 控制切片计划的生成规则。
type PlannerConfig struct {
	ATRVolatileThreshold float64       `mapstructure:"atr_volatile_threshold"`
	ATRTimeframe         string        `mapstructure:"atr_timeframe"`
	StableSlices         int           `mapstructure:"stable_slices"`
	StableInterval       time.Duration `mapstructure:"stable_interval"`
	VolatileSlices       int           `mapstructure:"volatile_slices"`
	VolatileInterval     time.Duration `mapstructure:"volatile_interval"`
	MinOrderAmount       int64         `mapstructure:"min_order_amount"`
	MinTradeAmount       int64         `mapstructure:"min_trade_amount"`
	ImmediateThreshold   int64         `mapstructure:"immediate_threshold"`
}

// SchedulerConfig 控制切片执行节奏。
type SchedulerConfig struct {
	FillRecheck           time.Duration `mapstructure:"fill_recheck"`
	FailureAlertThreshold int           `mapstructure:"failure_alert_threshold"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	Strategy    string        `mapstructure:"strategy"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Jitter      bool          `mapstructure:"jitter"`
}

// BreakerConfig 控制熔断器行为。
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// CoordinatorConfig 控制多账户任务调度。
type CoordinatorConfig struct {
	Workers         int           `mapstructure:"workers"`
	TaskMaxAttempts int           `mapstructure:"task_max_attempts"`
	Retention       time.Duration `mapstructure:"retention"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
}

// AccountConfig 控制余额相关的安全参数。
type AccountConfig struct {
	SafetyMargin float64 `mapstructure:"safety_margin"`
}

// AlertConfig 控制告警推送。
type AlertConfig struct {
	WebhookURL  string        `mapstructure:"webhook_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MinSeverity string        `mapstructure:"min_severity"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// StatusConfig 控制状态查询接口。
type StatusConfig struct {
	Port int `mapstructure:"port"`
}

var validSeverities = map[string]bool{"info": true, "warning": true, "critical": true}

var validStrategies = map[string]bool{"fixed": true, "linear": true, "exponential": true, "fibonacci": true}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.App.TickInterval <= 0 {
		err = multierr.Append(err, errors.New("app.tick_interval 必须大于0"))
	}
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
	}
	if c.Exchange.Quote == "" {
		err = multierr.Append(err, errors.New("exchange.quote 不能为空"))
	}
	if len(c.Exchange.Symbols) == 0 {
		err = multierr.Append(err, errors.New("exchange.symbols 至少包含一个标的"))
	}
	if len(c.Exchange.Accounts) == 0 {
		err = multierr.Append(err, errors.New("exchange.accounts 至少包含一个账户"))
	}
	seen := make(map[string]bool, len(c.Exchange.Accounts))
	for i, account := range c.Exchange.Accounts {
		if account.ID == "" {
			err = multierr.Append(err, fmt.Errorf("exchange.accounts[%d].id 不能为空", i))
			continue
		}
		if seen[account.ID] {
			err = multierr.Append(err, fmt.Errorf("exchange.accounts 存在重复账户 %q", account.ID))
		}
		seen[account.ID] = true
		if !c.Exchange.Simulation && (account.APIKey == "" || account.APISecret == "") {
			err = multierr.Append(err, fmt.Errorf("exchange.accounts[%d] 缺少 api_key 或 api_secret", i))
		}
	}
	if c.Planner.ATRVolatileThreshold <= 0 {
		err = multierr.Append(err, errors.New("planner.atr_volatile_threshold 必须大于0"))
	}
	if c.Planner.ATRTimeframe == "" {
		err = multierr.Append(err, errors.New("planner.atr_timeframe 不能为空"))
	}
	if c.Planner.StableSlices <= 0 || c.Planner.VolatileSlices <= 0 {
		err = multierr.Append(err, errors.New("planner 切片数量必须大于0"))
	}
	if c.Planner.StableInterval <= 0 || c.Planner.VolatileInterval <= 0 {
		err = multierr.Append(err, errors.New("planner 切片间隔必须大于0"))
	}
	if c.Planner.MinOrderAmount <= 0 {
		err = multierr.Append(err, errors.New("planner.min_order_amount 必须大于0"))
	}
	if c.Planner.MinTradeAmount < c.Planner.MinOrderAmount {
		err = multierr.Append(err, errors.New("planner.min_trade_amount 不能小于 min_order_amount"))
	}
	if c.Planner.ImmediateThreshold < c.Planner.MinTradeAmount {
		err = multierr.Append(err, errors.New("planner.immediate_threshold 不能小于 min_trade_amount"))
	}
	if c.Scheduler.FillRecheck <= 0 {
		err = multierr.Append(err, errors.New("scheduler.fill_recheck 必须大于0"))
	}
	if c.Scheduler.FailureAlertThreshold <= 0 {
		err = multierr.Append(err, errors.New("scheduler.failure_alert_threshold 必须大于0"))
	}
	if !validStrategies[strings.ToLower(c.Retry.Strategy)] {
		err = multierr.Append(err, fmt.Errorf("retry.strategy %q 不受支持", c.Retry.Strategy))
	}
	if c.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("retry.max_attempts 必须大于0"))
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("retry.delay 必须为正"))
	}
	if c.Retry.BaseDelay > c.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("retry.base_delay 不能大于 max_delay"))
	}
	if c.Breaker.FailureThreshold <= 0 {
		err = multierr.Append(err, errors.New("breaker.failure_threshold 必须大于0"))
	}
	if c.Breaker.SuccessThreshold <= 0 {
		err = multierr.Append(err, errors.New("breaker.success_threshold 必须大于0"))
	}
	if c.Breaker.Cooldown <= 0 {
		err = multierr.Append(err, errors.New("breaker.cooldown 必须大于0"))
	}
	if c.Coordinator.Workers <= 0 {
		err = multierr.Append(err, errors.New("coordinator.workers 必须大于0"))
	}
	if c.Coordinator.TaskMaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("coordinator.task_max_attempts 必须大于0"))
	}
	if c.Coordinator.Retention <= 0 {
		err = multierr.Append(err, errors.New("coordinator.retention 必须大于0"))
	}
	if c.Coordinator.JanitorInterval <= 0 {
		err = multierr.Append(err, errors.New("coordinator.janitor_interval 必须大于0"))
	}
	if c.Account.SafetyMargin <= 0 || c.Account.SafetyMargin > 1 {
		err = multierr.Append(err, errors.New("account.safety_margin 必须位于(0,1]"))
	}
	if c.Alert.Timeout <= 0 {
		err = multierr.Append(err, errors.New("alert.timeout 必须大于0"))
	}
	if !validSeverities[strings.ToLower(c.Alert.MinSeverity)] {
		err = multierr.Append(err, fmt.Errorf("alert.min_severity %q 不受支持", c.Alert.MinSeverity))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Status.Port <= 0 || c.Status.Port > 65535 {
		err = multierr.Append(err, errors.New("status.port 必须位于[1,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
