// Package shutdown 按注册的逆序依次关闭节点的各个部件。
package shutdown

import (
	"context"
	"sync"
	"time"

	"github.com/nestfolio/nestfolio/pkg/logger"
)

// Step 一个关闭步骤；返回错误只记录日志，不影响后续步骤
type Step func(ctx context.Context) error

type namedStep struct {
	name string
	fn   Step
}

// Manager 关闭管理器。后注册的先关闭（HTTP 先于检查点，检查点先于存储）。
type Manager struct {
	mu    sync.Mutex
	steps []namedStep
	done  bool
}

func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭步骤
func (m *Manager) OnShutdown(name string, fn Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, namedStep{name: name, fn: fn})
}

// Shutdown 逆序执行全部步骤；只执行一次。ctx 超时后剩余步骤仍会执行，但拿到的是已取消的 ctx。
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.done = true
	steps := m.steps
	m.mu.Unlock()

	log := logger.WithField("component", "shutdown")
	log.Infof("开始优雅关闭，共 %d 个步骤", len(steps))
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		start := time.Now()
		if err := s.fn(ctx); err != nil {
			log.Warnf("%s 关闭失败: %v", s.name, err)
			continue
		}
		log.Debugf("%s 已关闭 (%s)", s.name, time.Since(start))
	}
	if err := ctx.Err(); err != nil {
		log.Warnf("关闭超时: %v", err)
		return
	}
	log.Infof("所有部件已关闭")
}
