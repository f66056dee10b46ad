package ingest

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry 是活动日志中的一条记录。
type Entry struct {
	ID       string    `json:"id"`
	Time     time.Time `json:"timestamp"`
	Source   Source    `json:"source"`
	SenderID int64     `json:"user_id"`
	Callback string    `json:"callback_data"`
	Result   Result    `json:"result"`
}

// Activity 是定长环形缓冲，仅用于运维查看，不参与协调逻辑。
type Activity struct {
	mu      sync.RWMutex
	buf     []Entry
	start   int
	size    int
	onAdd   []func(Entry)
	nowFunc func() time.Time
}

func NewActivity(capacity int) *Activity {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Activity{buf: make([]Entry, capacity), nowFunc: time.Now}
}

// OnAdd 注册新条目回调（websocket 广播）。
func (a *Activity) OnAdd(fn func(Entry)) {
	if fn == nil {
		return
	}
	a.mu.Lock()
	a.onAdd = append(a.onAdd, fn)
	a.mu.Unlock()
}

// Add 追加条目，满了之后覆盖最旧的一条。
func (a *Activity) Add(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = a.nowFunc().UTC()
	}
	a.mu.Lock()
	idx := (a.start + a.size) % len(a.buf)
	a.buf[idx] = e
	if a.size < len(a.buf) {
		a.size++
	} else {
		a.start = (a.start + 1) % len(a.buf)
	}
	hooks := append([]func(Entry){}, a.onAdd...)
	a.mu.Unlock()
	for _, fn := range hooks {
		fn(e)
	}
	return e
}

// Recent 按时间顺序返回最近 limit 条。
func (a *Activity) Recent(limit int) []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if limit <= 0 || limit > a.size {
		limit = a.size
	}
	out := make([]Entry, 0, limit)
	for i := a.size - limit; i < a.size; i++ {
		out = append(out, a.buf[(a.start+i)%len(a.buf)])
	}
	return out
}

func (a *Activity) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.size
}

// Clear 清空并返回被清除的条数。
func (a *Activity) Clear() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.size
	a.start, a.size = 0, 0
	for i := range a.buf {
		a.buf[i] = Entry{}
	}
	return n
}
