package store

import (
	"context"
	"strconv"
	"sync"

	"dcagate/internal/confirm"
)

// Memory 是进程内后端，用于测试与单进程部署。
type Memory struct {
	mu       sync.Mutex
	revision int64
	records  map[string]confirm.Record
	err      error
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]confirm.Record)}
}

// SetError 让后续 Load/Save 返回 err，传 nil 恢复。
func (m *Memory) SetError(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Bump 模拟另一个进程写入，使下一次 Save 发生冲突。
func (m *Memory) Bump() {
	m.mu.Lock()
	m.revision++
	m.mu.Unlock()
}

func (m *Memory) Load(_ context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return Snapshot{}, m.err
	}
	out := make(map[string]confirm.Record, len(m.records))
	for id, rec := range m.records {
		out[id] = rec.Clone()
	}
	return Snapshot{Version: strconv.FormatInt(m.revision, 10), Records: out}, nil
}

func (m *Memory) Save(_ context.Context, records map[string]confirm.Record, expected string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	if expected != strconv.FormatInt(m.revision, 10) {
		return "", ErrConflict
	}
	next := make(map[string]confirm.Record, len(records))
	for id, rec := range records {
		next[id] = rec.Clone()
	}
	m.records = next
	m.revision++
	return strconv.FormatInt(m.revision, 10), nil
}

func (m *Memory) Close() error { return nil }
