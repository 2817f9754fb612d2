package chain

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/nestfolio/nestfolio/internal/metrics"
)

// Revertible 可以被整体快照与恢复的状态组件
type Revertible interface {
	Snapshot() any
	Restore(snapshot any)
}

// Persistent 可以写入检查点存储的状态组件
type Persistent interface {
	StateKey() string
	MarshalState() ([]byte, error)
	UnmarshalState(data []byte) error
}

// State 执行环境的回滚日志：Atomic 内任意一步失败，所有已注册组件恢复到调用前的快照。
// 可嵌套：外层调用失败会连同内层已提交的修改一起回滚。
//
// 已知限制：每进入一层 Atomic 都对全部已注册组件做一次完整快照，开销随总状态量增长，
// 而不是随本次调用修改的 key 数增长（一次 destroy 至少 2+N 次全量复制）。
// 这只适合单进程参考环境的状态规模；快照次数记在 metrics 的 state_snapshots 中。
type State struct {
	parts []Revertible
	depth int
}

// NewState 创建回滚日志并注册组件
func NewState(parts ...Revertible) *State {
	s := &State{}
	s.Register(parts...)
	return s
}

// Register 注册更多组件；只能在没有进行中的 Atomic 时调用
func (s *State) Register(parts ...Revertible) {
	if s.depth > 0 {
		panic("chain: Register called inside Atomic")
	}
	s.parts = append(s.parts, parts...)
}

// Depth 当前嵌套层数（0 表示不在任何调用中）
func (s *State) Depth() int { return s.depth }

// Atomic 执行 fn；fn 返回错误或 panic 时恢复全部组件
func (s *State) Atomic(fn func() error) (err error) {
	snaps := make([]any, len(s.parts))
	for i, p := range s.parts {
		snaps[i] = p.Snapshot()
	}
	metrics.StateSnapshots.Add(int64(len(snaps)))
	s.depth++
	defer func() {
		s.depth--
		if r := recover(); r != nil {
			s.restore(snaps)
			panic(r)
		}
		if err != nil {
			s.restore(snaps)
		}
	}()
	return fn()
}

func (s *State) restore(snaps []any) {
	for i, p := range s.parts {
		p.Restore(snaps[i])
	}
}

// Address 由标签确定性地派生一个地址，用于给组件分配账户
func Address(label string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte(label))[12:])
}

// ResolveAddress 0x 十六进制地址原样解析，其它字符串按标签派生
func ResolveAddress(s string) common.Address {
	if common.IsHexAddress(s) {
		return common.HexToAddress(s)
	}
	return Address(s)
}

func (b *Bank) StateKey() string { return "bank" }

func (b *Bank) MarshalState() ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return json.Marshal(b.st)
}

func (b *Bank) UnmarshalState(data []byte) error {
	var st bankState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode bank state: %w", err)
	}
	if st.Tokens == nil {
		st.Tokens = make(map[common.Address]TokenInfo)
	}
	if st.Balances == nil {
		st.Balances = make(map[common.Address]map[common.Address]*big.Int)
	}
	if st.Native == nil {
		st.Native = make(map[common.Address]*big.Int)
	}
	for token := range st.Tokens {
		if st.Balances[token] == nil {
			st.Balances[token] = make(map[common.Address]*big.Int)
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.st = st
	return nil
}
