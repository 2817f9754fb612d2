package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow 单个 key 的滑动窗口
type SlidingWindow struct {
	limit      int
	windowSize time.Duration
	requests   []time.Time
}

func (sw *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-sw.windowSize)
	i := 0
	for i < len(sw.requests) && !sw.requests[i].After(cutoff) {
		i++
	}
	sw.requests = sw.requests[i:]
}

// Limiter 按 key（例如客户端 IP 或 sender）限流，每个 key 在 window 内最多 limit 次
type Limiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*SlidingWindow
	calls   int
}

// New limit <= 0 表示不限流
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		windows: make(map[string]*SlidingWindow),
	}
}

// Enabled 是否启用
func (l *Limiter) Enabled() bool { return l != nil && l.limit > 0 && l.window > 0 }

// Allow 记录一次请求；超限时返回 false 以及需要等待的时间
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if !l.Enabled() {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	sw, ok := l.windows[key]
	if !ok {
		sw = &SlidingWindow{limit: l.limit, windowSize: l.window}
		l.windows[key] = sw
	}
	sw.prune(now)

	l.calls++
	if l.calls%1024 == 0 {
		l.gcLocked(now)
	}

	if len(sw.requests) >= sw.limit {
		return false, sw.requests[0].Add(sw.windowSize).Sub(now)
	}
	sw.requests = append(sw.requests, now)
	return true, 0
}

// Remaining key 在当前窗口内剩余的次数
func (l *Limiter) Remaining(key string) int {
	if !l.Enabled() {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	sw, ok := l.windows[key]
	if !ok {
		return l.limit
	}
	sw.prune(l.now())
	return max(0, sw.limit-len(sw.requests))
}

// gcLocked 清理窗口已空的 key
func (l *Limiter) gcLocked(now time.Time) {
	for key, sw := range l.windows {
		sw.prune(now)
		if len(sw.requests) == 0 {
			delete(l.windows, key)
		}
	}
}
