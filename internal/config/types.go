package config

import (
	"strings"
	"time"
)

// Config 是 dcagate 的主配置载体，listener 与 coordinator 两个角色共用一份。
type Config struct {
	App         AppConfig         `toml:"app"`
	Store       StoreConfig       `toml:"store"`
	Confirm     ConfirmConfig     `toml:"confirm"`
	Telegram    TelegramConfig    `toml:"telegram"`
	Listener    ListenerConfig    `toml:"listener"`
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Freqtrade   FreqtradeConfig   `toml:"freqtrade"`
	DCA         DCAConfig         `toml:"dca"`
}

type AppConfig struct {
	Env             string `toml:"env"`
	LogLevel        string `toml:"log_level"`
	LogFormat       string `toml:"log_format"`
	LogPath         string `toml:"log_path"`
	DecisionLogPath string `toml:"decision_log_path"`
}

// StoreConfig 选择确认记录集的持久化后端。
type StoreConfig struct {
	Backend         string `toml:"backend"` // file | sqlite | redis
	Path            string `toml:"path"`
	SQLitePath      string `toml:"sqlite_path"`
	RedisAddr       string `toml:"redis_addr"`
	RedisPassword   string `toml:"redis_password"`
	RedisDB         int    `toml:"redis_db"`
	RedisKey        string `toml:"redis_key"`
	ConflictRetries int    `toml:"conflict_retries"`
}

// ConfirmConfig 描述人工确认的超时窗口与兜底清理窗口。
type ConfirmConfig struct {
	TimeoutMinutes       int `toml:"timeout_minutes"`
	RetentionMinutes     int `toml:"retention_minutes"`
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"`
}

func (c ConfirmConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

func (c ConfirmConfig) Retention() time.Duration {
	return time.Duration(c.RetentionMinutes) * time.Minute
}

// SweepInterval 是超时清扫的周期，独立于 K 线对齐的决策周期。
func (c ConfirmConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

type TelegramConfig struct {
	BotToken               string  `toml:"bot_token"`
	ChatID                 string  `toml:"chat_id"`
	APIBase                string  `toml:"api_base"`
	RequestTimeoutSeconds  int     `toml:"request_timeout_seconds"`
	PollTimeoutSeconds     int     `toml:"poll_timeout_seconds"`
	PollHTTPTimeoutSeconds int     `toml:"poll_http_timeout_seconds"`
	RetryInitialSeconds    int     `toml:"retry_initial_seconds"`
	RetryMaxSeconds        int     `toml:"retry_max_seconds"`
	RatePerSecond          float64 `toml:"rate_per_second"`
	AllowedUserIDs         []int64 `toml:"allowed_user_ids"`
}

// Configured reports whether outbound Telegram calls can be made at all.
func (t TelegramConfig) Configured() bool {
	return strings.TrimSpace(t.BotToken) != "" && strings.TrimSpace(t.ChatID) != ""
}

type ListenerConfig struct {
	HTTPAddr         string   `toml:"http_addr"`
	ActivityCapacity int      `toml:"activity_capacity"`
	PollEnabled      bool     `toml:"poll_enabled"`
	StreamEnabled    bool     `toml:"stream_enabled"`
	StreamOrigins    []string `toml:"stream_origins"`
}

type CoordinatorConfig struct {
	HTTPAddr      string `toml:"http_addr"`
	Interval      string `toml:"interval"`
	OffsetSeconds int    `toml:"offset_seconds"`
	EntryTag      string `toml:"entry_tag"`
}

// FreqtradeConfig 描述外部执行引擎的访问方式。
type FreqtradeConfig struct {
	APIURL             string `toml:"api_url"`
	Username           string `toml:"username"`
	Password           string `toml:"password"`
	APIToken           string `toml:"api_token"`
	TimeoutSeconds     int    `toml:"timeout_seconds"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// DCAConfig 对应策略里的加仓（safety order）参数。
type DCAConfig struct {
	MaxSafetyOrders      int       `toml:"max_safety_orders"`
	InitialStakeFraction float64   `toml:"initial_stake_fraction"`
	ProfitTriggers       []float64 `toml:"profit_triggers"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}

// CycleInterval 返回决策周期；同时接受 time.ParseDuration 格式与 "1d"/"1w"。
func (c CoordinatorConfig) CycleInterval() time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(c.Interval)); err == nil {
		return d
	}
	d, _ := parseCandleInterval(c.Interval)
	return d
}

func (c CoordinatorConfig) Offset() time.Duration {
	return time.Duration(c.OffsetSeconds) * time.Second
}
