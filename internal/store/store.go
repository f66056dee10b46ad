// Package store 持有确认记录集，是 listener 与 coordinator 两个进程之间唯一的协调介质。
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"dcagate/internal/confirm"
	"dcagate/internal/logger"
)

// ErrConflict 表示持久化版本在 Load 与 Save 之间被其他写者修改。
var ErrConflict = errors.New("confirmation store version conflict")

// Snapshot 是一次完整读取的记录集及其版本。
type Snapshot struct {
	Version string
	Records map[string]confirm.Record
}

// Backend 以整集读写的方式持久化记录集。
// Save 必须原子替换：要么完整写入，要么保持原状；版本不匹配时返回 ErrConflict。
type Backend interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, records map[string]confirm.Record, expectedVersion string) (string, error)
	Close() error
}

// Fault 对应存储层故障（I/O、序列化、持续冲突）。
type Fault struct {
	Op  string
	Err error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("store %s: %v", f.Op, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// IsFault reports whether err carries a storage fault.
func IsFault(err error) bool {
	var f *Fault
	return errors.As(err, &f)
}

// Mutator 在临界区内修改记录集；返回 false 表示无需保存。
type Mutator func(records map[string]confirm.Record) (bool, error)

// Option 配置 Store。
type Option func(*Store)

// WithConflictRetries 设置版本冲突后的重试次数。
func WithConflictRetries(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.retries = n
		}
	}
}

// WithObserver 在每次成功保存后回调（用于指标）。
func WithObserver(fn func(map[string]confirm.Record)) Option {
	return func(s *Store) { s.observer = fn }
}

// Store 在进程内用互斥锁串行化 load→mutate→save。
type Store struct {
	mu       sync.Mutex
	backend  Backend
	retries  int
	observer func(map[string]confirm.Record)
}

func New(backend Backend, opts ...Option) *Store {
	s := &Store{backend: backend, retries: 3}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Close 关闭底层后端。
func (s *Store) Close() error {
	if s == nil || s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

// Update 是所有写操作的唯一入口。
func (s *Store) Update(ctx context.Context, fn Mutator) error {
	if fn == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for attempt := 0; ; attempt++ {
		snap, err := s.backend.Load(ctx)
		if err != nil {
			return asFault("load", err)
		}
		if snap.Records == nil {
			snap.Records = make(map[string]confirm.Record)
		}
		changed, err := fn(snap.Records)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		_, err = s.backend.Save(ctx, snap.Records, snap.Version)
		if err == nil {
			if s.observer != nil {
				s.observer(snap.Records)
			}
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return asFault("save", err)
		}
		if attempt >= s.retries {
			return &Fault{Op: "save", Err: err}
		}
		logger.Warnf("[store] version conflict, retrying (%d/%d)", attempt+1, s.retries)
	}
}

// List 返回当前记录集的副本。
func (s *Store) List(ctx context.Context) (map[string]confirm.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.backend.Load(ctx)
	if err != nil {
		return nil, asFault("load", err)
	}
	out := make(map[string]confirm.Record, len(snap.Records))
	for id, rec := range snap.Records {
		out[id] = rec.Clone()
	}
	return out, nil
}

// Sorted 按创建时间返回记录，便于展示。
func Sorted(records map[string]confirm.Record) []confirm.Record {
	out := make([]confirm.Record, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Get 读取单条记录；不存在时返回 confirm.ErrNotFound。
func (s *Store) Get(ctx context.Context, id string) (confirm.Record, error) {
	records, err := s.List(ctx)
	if err != nil {
		return confirm.Record{}, err
	}
	rec, ok := records[id]
	if !ok {
		return confirm.Record{}, confirm.ErrNotFound
	}
	return rec, nil
}

// Create 写入新的 pending 记录；同 id 有任何未清理记录时返回 confirm.ErrExists。
func (s *Store) Create(ctx context.Context, rec confirm.Record) error {
	if err := confirm.Validate(rec); err != nil {
		return err
	}
	return s.Update(ctx, func(records map[string]confirm.Record) (bool, error) {
		if existing, ok := records[rec.ID]; ok {
			return false, fmt.Errorf("%w: %s is %s", confirm.ErrExists, rec.ID, existing.Status)
		}
		records[rec.ID] = rec.Clone()
		return true, nil
	})
}

// Transition 在临界区内对 id 应用状态迁移，返回迁移后的记录。
// 记录不存在时返回 confirm.ErrNotFound；重复或非法迁移返回状态机的错误，且不落盘。
func (s *Store) Transition(ctx context.Context, id string, to confirm.Status, reason string, now time.Time) (confirm.Record, error) {
	var out confirm.Record
	err := s.Update(ctx, func(records map[string]confirm.Record) (bool, error) {
		rec, ok := records[id]
		if !ok {
			return false, confirm.ErrNotFound
		}
		next, err := confirm.Apply(rec, to, reason, now)
		out = next
		if err != nil {
			return false, err
		}
		records[id] = next
		return true, nil
	})
	return out, err
}

// Decide 与 Transition 相同，但先检查决策窗口：pending 记录已超过 window 时
// 改为 declined(timeout) 落盘，返回该记录与 confirm.ErrExpired。window<=0 不检查。
func (s *Store) Decide(ctx context.Context, id string, to confirm.Status, reason string, window time.Duration, now time.Time) (confirm.Record, error) {
	var (
		out     confirm.Record
		expired bool
	)
	err := s.Update(ctx, func(records map[string]confirm.Record) (bool, error) {
		rec, ok := records[id]
		if !ok {
			return false, confirm.ErrNotFound
		}
		expired = confirm.Expired(rec, window, now)
		target, why := to, reason
		if expired {
			target, why = confirm.StatusDeclined, confirm.ReasonTimeout
		}
		next, err := confirm.Apply(rec, target, why, now)
		out = next
		if err != nil {
			return false, err
		}
		records[id] = next
		return true, nil
	})
	if err == nil && expired {
		return out, confirm.ErrExpired
	}
	return out, err
}

// Remove 删除记录（清理）。返回被删除的记录；不存在时返回 confirm.ErrNotFound。
func (s *Store) Remove(ctx context.Context, id string) (confirm.Record, error) {
	var out confirm.Record
	err := s.Update(ctx, func(records map[string]confirm.Record) (bool, error) {
		rec, ok := records[id]
		if !ok {
			return false, confirm.ErrNotFound
		}
		out = rec
		delete(records, id)
		return true, nil
	})
	return out, err
}

// AttachMessage 记录确认请求消息的位置，已有引用时不覆盖。
func (s *Store) AttachMessage(ctx context.Context, id string, ref confirm.MessageRef) error {
	if !ref.Valid() {
		return nil
	}
	return s.Update(ctx, func(records map[string]confirm.Record) (bool, error) {
		rec, ok := records[id]
		if !ok {
			return false, confirm.ErrNotFound
		}
		if rec.Message.Valid() {
			return false, nil
		}
		m := ref
		rec.Message = &m
		records[id] = rec
		return true, nil
	})
}

func asFault(op string, err error) error {
	if err == nil || IsFault(err) {
		return err
	}
	return &Fault{Op: op, Err: err}
}
