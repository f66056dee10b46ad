package ingest

import (
	"strconv"
	"sync"
)

// recentSet 记住最近处理过的事件及其结果，超过容量后按插入顺序淘汰。
type recentSet struct {
	mu    sync.Mutex
	cap   int
	order []string
	seen  map[string]Result
}

func newRecentSet(capacity int) *recentSet {
	if capacity <= 0 {
		capacity = 4096
	}
	return &recentSet{cap: capacity, seen: make(map[string]Result, capacity)}
}

func (s *recentSet) get(key string) (Result, bool) {
	if key == "" {
		return Result{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.seen[key]
	return res, ok
}

func (s *recentSet) put(key string, res Result) {
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		s.seen[key] = res
		return
	}
	if len(s.order) >= s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.seen, oldest)
	}
	s.order = append(s.order, key)
	s.seen[key] = res
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
