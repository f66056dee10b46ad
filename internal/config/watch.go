package config

import (
	"fmt"
	"sync"
	"time"

	"dcagate/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ChangeListener 在配置重新加载成功后被调用。
type ChangeListener func(*Config)

// Watcher 监听配置文件，重新解析成功后通知订阅者；解析失败时保留旧配置。
type Watcher struct {
	path string

	mu        sync.RWMutex
	current   *Config
	loadedAt  time.Time
	listeners []ChangeListener
}

// Watch 启动对 path 的监听。文件必须存在。
func Watch(path string, initial *Config) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("watch config %s: %w", path, err)
	}
	w := &Watcher{path: path, current: initial, loadedAt: time.Now()}
	if w.current == nil {
		cfg, err := Load(path)
		if err != nil {
			return nil, err
		}
		w.current = cfg
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		if err := w.reload(); err != nil {
			logger.Errorf("config reload failed (%s): %v", evt.Name, err)
			return
		}
		w.notify()
	})
	v.WatchConfig()
	return w, nil
}

func (w *Watcher) reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.current = cfg
	w.loadedAt = time.Now()
	w.mu.Unlock()
	logger.Infof("config reloaded: %s", w.path)
	return nil
}

// Current 返回最近一次成功加载的配置。
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Subscribe 注册监听器。
func (w *Watcher) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

func (w *Watcher) notify() {
	w.mu.RLock()
	cfg := w.current
	listeners := append([]ChangeListener(nil), w.listeners...)
	w.mu.RUnlock()
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("config listener panic: %v", r)
				}
			}()
			fn(cfg)
		}()
	}
}
