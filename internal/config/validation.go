package config

import (
	"fmt"
	"strings"
	"time"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Store.validate(); err != nil {
		return err
	}
	if err := c.Confirm.validate(); err != nil {
		return err
	}
	if err := c.Telegram.validate(); err != nil {
		return err
	}
	if err := c.Coordinator.validate(); err != nil {
		return err
	}
	if err := c.DCA.validate(); err != nil {
		return err
	}
	return nil
}

func (s *StoreConfig) validate() error {
	switch s.Backend {
	case "file":
		if strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("store.path is required for the file backend")
		}
	case "sqlite":
		if strings.TrimSpace(s.SQLitePath) == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite backend")
		}
	case "redis":
		if strings.TrimSpace(s.RedisAddr) == "" || strings.TrimSpace(s.RedisKey) == "" {
			return fmt.Errorf("store.redis_addr and store.redis_key are required for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend must be one of file|sqlite|redis, got %q", s.Backend)
	}
	if s.ConflictRetries < 0 {
		return fmt.Errorf("store.conflict_retries must be >= 0")
	}
	return nil
}

func (c *ConfirmConfig) validate() error {
	if c.TimeoutMinutes <= 0 {
		return fmt.Errorf("confirm.timeout_minutes must be > 0")
	}
	if c.RetentionMinutes < c.TimeoutMinutes {
		return fmt.Errorf("confirm.retention_minutes (%d) must be >= confirm.timeout_minutes (%d)",
			c.RetentionMinutes, c.TimeoutMinutes)
	}
	if c.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("confirm.sweep_interval_seconds must be > 0")
	}
	if c.SweepInterval() > c.Timeout() {
		return fmt.Errorf("confirm.sweep_interval_seconds (%d) must not exceed the decision window", c.SweepIntervalSeconds)
	}
	return nil
}

func (t *TelegramConfig) validate() error {
	if t.PollHTTPTimeoutSeconds <= t.PollTimeoutSeconds {
		return fmt.Errorf("telegram.poll_http_timeout_seconds must exceed telegram.poll_timeout_seconds")
	}
	if t.RetryMaxSeconds < t.RetryInitialSeconds {
		return fmt.Errorf("telegram.retry_max_seconds must be >= telegram.retry_initial_seconds")
	}
	return nil
}

func (c *CoordinatorConfig) validate() error {
	if _, err := time.ParseDuration(c.Interval); err != nil {
		if _, ok := parseCandleInterval(c.Interval); !ok {
			return fmt.Errorf("coordinator.interval invalid: %q", c.Interval)
		}
	}
	if c.OffsetSeconds < 0 {
		return fmt.Errorf("coordinator.offset_seconds must be >= 0")
	}
	return nil
}

func (d *DCAConfig) validate() error {
	if d.MaxSafetyOrders <= 0 {
		return fmt.Errorf("dca.max_safety_orders must be > 0")
	}
	if d.InitialStakeFraction <= 0 || d.InitialStakeFraction >= 1 {
		return fmt.Errorf("dca.initial_stake_fraction must be within (0,1)")
	}
	for i, trig := range d.ProfitTriggers {
		if trig >= 0 {
			return fmt.Errorf("dca.profit_triggers[%d] must be negative, got %v", i, trig)
		}
	}
	return nil
}

// parseCandleInterval 接受 freqtrade 风格的 "1d"/"1w"，time.ParseDuration 不认识这两个单位。
func parseCandleInterval(raw string) (time.Duration, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if len(raw) < 2 {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(raw[:len(raw)-1], "%d", &n); err != nil || n <= 0 {
		return 0, false
	}
	switch raw[len(raw)-1] {
	case 'd':
		return time.Duration(n) * 24 * time.Hour, true
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, true
	default:
		return 0, false
	}
}
