package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvConfigPath 指向配置文件；未设置时使用 DefaultConfigPath。
const (
	EnvConfigPath     = "DCAGATE_CONFIG"
	DefaultConfigPath = "configs/config.yaml"
)

// Load 读取 YAML 配置（文件不存在时仅使用默认值 + 环境变量），再做校验。
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); err == nil {
			files, err := resolveConfigIncludes(path)
			if err != nil {
				return nil, err
			}
			for _, file := range files {
				if err := mergeConfigFile(v, file); err != nil {
					return nil, fmt.Errorf("reading config file failed (%s): %w", file, err)
				}
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat config file failed (%s): %w", path, err)
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg, lookup)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	setKeys := make(keySet)
	collectSettingsKeys(v.AllSettings(), setKeys)
	cfg.applyDefaults(setKeys)
	return &cfg, nil
}

// applyEnvOverrides 兼容原 docker 部署使用的环境变量。
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil || lookup == nil {
		return
	}
	get := func(key string) (string, bool) {
		val, ok := lookup(key)
		val = strings.TrimSpace(val)
		return val, ok && val != ""
	}
	if dir, ok := get("DATA_DIR"); ok {
		cfg.Store.Path = filepath.Join(dir, "dca_confirmations.json")
		cfg.Store.SQLitePath = filepath.Join(dir, "dca_confirmations.db")
	}
	if p, ok := get("DCA_CONFIRMATIONS_PATH"); ok {
		cfg.Store.Path = p
	}
	if token, ok := get("TELEGRAM_BOT_TOKEN"); ok {
		cfg.Telegram.BotToken = token
	}
	// DCA_BOT_TOKEN 优先：允许确认消息走独立的 bot。
	if token, ok := get("DCA_BOT_TOKEN"); ok {
		cfg.Telegram.BotToken = token
	}
	if chat, ok := get("TELEGRAM_CHAT_ID"); ok {
		cfg.Telegram.ChatID = chat
	}
	host, hostSet := get("WEBHOOK_HOST")
	port, portSet := get("WEBHOOK_PORT")
	if hostSet || portSet {
		curHost, curPort, err := net.SplitHostPort(cfg.Listener.HTTPAddr)
		if err != nil {
			curHost, curPort = "0.0.0.0", "5555"
		}
		if hostSet {
			curHost = host
		}
		if portSet {
			curPort = port
		}
		cfg.Listener.HTTPAddr = net.JoinHostPort(curHost, curPort)
	}
	if u, ok := get("FREQTRADE_API_URL"); ok {
		cfg.Freqtrade.APIURL = u
	}
	if u, ok := get("FREQTRADE_USERNAME"); ok {
		cfg.Freqtrade.Username = u
	}
	if p, ok := get("FREQTRADE_PASSWORD"); ok {
		cfg.Freqtrade.Password = p
	}
	if lvl, ok := get("LOG_LEVEL"); ok {
		cfg.App.LogLevel = lvl
	}
	if raw, ok := get("DCA_CONFIRMATION_TIMEOUT_MINUTES"); ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.Confirm.TimeoutMinutes = n
		}
	}
}

func mergeConfigFile(v *viper.Viper, path string) error {
	tmp := viper.New()
	tmp.SetConfigFile(path)
	if err := tmp.ReadInConfig(); err != nil {
		return err
	}
	return v.MergeConfigMap(tmp.AllSettings())
}

func resolveConfigIncludes(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	stack := make(map[string]bool)
	files, err := collectConfigFiles(abs, seen, stack)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return []string{abs}, nil
	}
	return files, nil
}

func collectConfigFiles(path string, seen, stack map[string]bool) ([]string, error) {
	path = filepath.Clean(path)
	if stack[path] {
		return nil, fmt.Errorf("include cycle detected: %s", path)
	}
	if seen[path] {
		return nil, nil
	}
	stack[path] = true
	includes, err := parseIncludeList(path)
	if err != nil {
		return nil, fmt.Errorf("parsing include failed (%s): %w", path, err)
	}
	dir := filepath.Dir(path)
	var ordered []string
	for _, inc := range includes {
		incPath := inc
		if !filepath.IsAbs(inc) {
			incPath = filepath.Join(dir, inc)
		}
		sub, err := collectConfigFiles(incPath, seen, stack)
		if err != nil {
			return nil, err
		}
		ordered = append(ordered, sub...)
	}
	delete(stack, path)
	seen[path] = true
	ordered = append(ordered, path)
	return ordered, nil
}

func parseIncludeList(path string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	raw := v.Get("include")
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("include must be a string array")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		str, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("include only supports strings")
		}
		if str = strings.TrimSpace(str); str != "" {
			out = append(out, str)
		}
	}
	return out, nil
}

func collectSettingsKeys(settings map[string]any, dest keySet) {
	if dest == nil || len(settings) == 0 {
		return
	}
	flattenConfigKeys("", settings, dest)
}

func flattenConfigKeys(prefix string, node any, dest keySet) {
	switch val := node.(type) {
	case map[string]any:
		for k, v := range val {
			next := strings.ToLower(strings.TrimSpace(k))
			if next == "" {
				continue
			}
			if prefix != "" {
				next = prefix + "." + next
			}
			flattenConfigKeys(next, v, dest)
		}
	case []any:
		if prefix != "" {
			dest.mark(prefix)
		}
	default:
		if prefix != "" {
			dest.mark(prefix)
		}
	}
}
