package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Record 已提交的事件，附带所属调用
type Record struct {
	Seq    uint64          `json:"seq"`
	CallID string          `json:"call_id"`
	Name   string          `json:"name"`
	Time   time.Time       `json:"time"`
	Data   json.RawMessage `json:"data"`
	Event  Event           `json:"-"`
}

// Sink 接收已提交事件（sqlite 事件日志、websocket 推送等）
type Sink interface {
	Publish(ctx context.Context, records []Record) error
}

// Log 调用内的事件缓冲。注册到 chain.State 后，调用回滚时缓冲随之截断，回滚的调用不会发出任何事件。
type Log struct {
	mu      sync.Mutex
	pending []Event
}

func NewLog() *Log {
	return &Log{}
}

// Emit 追加事件
func (l *Log) Emit(e Event) {
	l.mu.Lock()
	l.pending = append(l.pending, e)
	l.mu.Unlock()
}

// Len 当前缓冲长度
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Drain 取出并清空缓冲
func (l *Log) Drain() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.pending
	l.pending = nil
	return out
}

// Snapshot 记录当前长度
func (l *Log) Snapshot() any {
	return l.Len()
}

// Restore 截断到快照长度
func (l *Log) Restore(snapshot any) {
	n := snapshot.(int)
	l.mu.Lock()
	defer l.mu.Unlock()
	if n < len(l.pending) {
		l.pending = l.pending[:n]
	}
}

// Discard 不会记录任何事件的 Emitter
type Discard struct{}

func (Discard) Emit(Event) {}
