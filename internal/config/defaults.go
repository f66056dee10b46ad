package config

import (
	"strings"
)

// 默认值常量（与原部署的 docker-compose 环境保持一致）
const (
	defaultAppEnv                 = "dev"
	defaultAppLogLevel            = "info"
	defaultAppLogFormat           = "text"
	defaultStoreBackend           = "file"
	defaultStorePath              = "/freqtrade/user_data/dca_confirmations.json"
	defaultStoreSQLitePath        = "/freqtrade/user_data/dca_confirmations.db"
	defaultStoreRedisAddr         = "localhost:6379"
	defaultStoreRedisKey          = "dcagate:confirmations"
	defaultStoreConflictRetries   = 3
	defaultConfirmTimeoutMinutes  = 10
	defaultConfirmRetentionMinute = 60
	defaultConfirmSweepSeconds    = 30
	defaultTelegramAPIBase        = "https://api.telegram.org"
	defaultTelegramRequestTimeout = 10
	defaultTelegramPollTimeout    = 30
	defaultTelegramPollHTTP       = 45
	defaultTelegramRetryInitial   = 5
	defaultTelegramRetryMax       = 60
	defaultTelegramRate           = 20
	defaultListenerAddr           = "0.0.0.0:5555"
	defaultListenerActivity       = 1000
	defaultCoordinatorAddr        = ":9992"
	defaultCoordinatorInterval    = "15m"
	defaultCoordinatorOffset      = 5
	defaultCoordinatorEntryTag    = "dca"
	defaultFreqtradeAPI           = "http://freqtrade:8080/api/v1"
	defaultFreqtradeTimeout       = 15
	defaultDCAMaxSafetyOrders     = 3
	defaultDCAInitialFraction     = 0.3
)

var defaultDCAProfitTriggers = []float64{-0.15, -0.30, -0.60}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Confirm.applyDefaults(keys)
	c.Telegram.applyDefaults(keys)
	c.Listener.applyDefaults(keys)
	c.Coordinator.applyDefaults(keys)
	c.Freqtrade.applyDefaults(keys)
	c.DCA.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.backend", &s.Backend, defaultStoreBackend),
		stringFieldDefault("store.path", &s.Path, defaultStorePath),
		stringFieldDefault("store.sqlite_path", &s.SQLitePath, defaultStoreSQLitePath),
		stringFieldDefault("store.redis_addr", &s.RedisAddr, defaultStoreRedisAddr),
		stringFieldDefault("store.redis_key", &s.RedisKey, defaultStoreRedisKey),
		intFieldDefault("store.conflict_retries", &s.ConflictRetries, defaultStoreConflictRetries),
	)
	s.Backend = strings.ToLower(strings.TrimSpace(s.Backend))
}

func (c *ConfirmConfig) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("confirm.timeout_minutes", &c.TimeoutMinutes, defaultConfirmTimeoutMinutes),
		intFieldDefault("confirm.retention_minutes", &c.RetentionMinutes, defaultConfirmRetentionMinute),
		intFieldDefault("confirm.sweep_interval_seconds", &c.SweepIntervalSeconds, defaultConfirmSweepSeconds),
	)
}

func (t *TelegramConfig) applyDefaults(keys keySet) {
	if t == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("telegram.api_base", &t.APIBase, defaultTelegramAPIBase),
		intFieldDefault("telegram.request_timeout_seconds", &t.RequestTimeoutSeconds, defaultTelegramRequestTimeout),
		intFieldDefault("telegram.poll_timeout_seconds", &t.PollTimeoutSeconds, defaultTelegramPollTimeout),
		intFieldDefault("telegram.poll_http_timeout_seconds", &t.PollHTTPTimeoutSeconds, defaultTelegramPollHTTP),
		intFieldDefault("telegram.retry_initial_seconds", &t.RetryInitialSeconds, defaultTelegramRetryInitial),
		intFieldDefault("telegram.retry_max_seconds", &t.RetryMaxSeconds, defaultTelegramRetryMax),
		fieldDefault{
			key:   "telegram.rate_per_second",
			need:  func() bool { return t.RatePerSecond <= 0 },
			apply: func() { t.RatePerSecond = defaultTelegramRate },
		},
	)
	t.APIBase = strings.TrimRight(strings.TrimSpace(t.APIBase), "/")
}

func (l *ListenerConfig) applyDefaults(keys keySet) {
	if l == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("listener.http_addr", &l.HTTPAddr, defaultListenerAddr),
		intFieldDefault("listener.activity_capacity", &l.ActivityCapacity, defaultListenerActivity),
		boolFieldDefault("listener.poll_enabled", &l.PollEnabled, true),
	)
}

func (c *CoordinatorConfig) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("coordinator.http_addr", &c.HTTPAddr, defaultCoordinatorAddr),
		stringFieldDefault("coordinator.interval", &c.Interval, defaultCoordinatorInterval),
		stringFieldDefault("coordinator.entry_tag", &c.EntryTag, defaultCoordinatorEntryTag),
		intFieldDefault("coordinator.offset_seconds", &c.OffsetSeconds, defaultCoordinatorOffset),
	)
}

func (f *FreqtradeConfig) applyDefaults(keys keySet) {
	if f == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("freqtrade.api_url", &f.APIURL, defaultFreqtradeAPI),
		intFieldDefault("freqtrade.timeout_seconds", &f.TimeoutSeconds, defaultFreqtradeTimeout),
	)
}

func (d *DCAConfig) applyDefaults(keys keySet) {
	if d == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("dca.max_safety_orders", &d.MaxSafetyOrders, defaultDCAMaxSafetyOrders),
		fieldDefault{
			key:   "dca.initial_stake_fraction",
			need:  func() bool { return d.InitialStakeFraction <= 0 },
			apply: func() { d.InitialStakeFraction = defaultDCAInitialFraction },
		},
		fieldDefault{
			key:   "dca.profit_triggers",
			need:  func() bool { return len(d.ProfitTriggers) == 0 },
			apply: func() { d.ProfitTriggers = append([]float64(nil), defaultDCAProfitTriggers...) },
		},
	)
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
