package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "kairos"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.tick_interval", "30s")

	v.SetDefault("exchange.name", "coinone")
	v.SetDefault("exchange.quote", "KRW")
	v.SetDefault("exchange.symbols", []string{"BTC/KRW", "ETH/KRW", "XRP/KRW", "SOL/KRW"})
	v.SetDefault("exchange.use_sandbox", false)
	v.SetDefault("exchange.simulation", false)

	v.SetDefault("planner.atr_volatile_threshold", 5.0)
	v.SetDefault("planner.atr_timeframe", "1d")
	v.SetDefault("planner.stable_slices", 12)
	v.SetDefault("planner.stable_interval", "30m")
	v.SetDefault("planner.volatile_slices", 24)
	v.SetDefault("planner.volatile_interval", "1h")
	v.SetDefault("planner.min_order_amount", 5000)
	v.SetDefault("planner.min_trade_amount", 10000)
	v.SetDefault("planner.immediate_threshold", 50000)

	v.SetDefault("scheduler.fill_recheck", "5s")
	v.SetDefault("scheduler.failure_alert_threshold", 3)

	v.SetDefault("retry.strategy", "exponential")
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "30s")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.jitter", true)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 1)
	v.SetDefault("breaker.cooldown", "60s")

	v.SetDefault("coordinator.workers", 3)
	v.SetDefault("coordinator.task_max_attempts", 3)
	v.SetDefault("coordinator.retention", "24h")
	v.SetDefault("coordinator.janitor_interval", "1h")

	v.SetDefault("account.safety_margin", 0.99)

	v.SetDefault("alert.webhook_url", "")
	v.SetDefault("alert.timeout", "3s")
	v.SetDefault("alert.min_severity", "warning")

	v.SetDefault("database.path", "data/kairos.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("status.port", 8787)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
