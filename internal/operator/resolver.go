package operator

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nestfolio/nestfolio/internal/access"
	"github.com/nestfolio/nestfolio/internal/domain"
	"github.com/nestfolio/nestfolio/internal/events"
	"github.com/nestfolio/nestfolio/pkg/logger"
)

var ErrInputsLengthMustMatch = domain.NewRevert(domain.KindValidation, "OR: INPUTS_LENGTH_MUST_MATCH")

// Resolver 名称 -> Definition 的注册表，由管理员维护，engine 只读
type Resolver struct {
	*access.Ownable

	emitter events.Emitter

	mu        sync.RWMutex
	operators map[domain.OperatorName]Definition
}

// NewResolver 创建空注册表
func NewResolver(owner common.Address, emitter events.Emitter) *Resolver {
	if emitter == nil {
		emitter = events.Discard{}
	}
	return &Resolver{
		Ownable:   access.NewOwnable(owner),
		emitter:   emitter,
		operators: make(map[domain.OperatorName]Definition),
	}
}

// ImportOperators 批量写入定义（覆盖已有项），零实现地址表示移除；随后刷新 dependents 的缓存
func (r *Resolver) ImportOperators(caller common.Address, names []domain.OperatorName, defs []Definition, dependents []CacheDependent) error {
	if err := r.OnlyOwner(caller); err != nil {
		return err
	}
	if len(names) != len(defs) {
		return ErrInputsLengthMustMatch
	}

	r.mu.Lock()
	for i, name := range names {
		if defs[i].IsZero() {
			delete(r.operators, name)
		} else {
			r.operators[name] = defs[i]
		}
	}
	r.mu.Unlock()

	for i, name := range names {
		r.emitter.Emit(events.OperatorImportedEvent{
			Name:           name,
			Implementation: defs[i].Implementation,
			Selector:       defs[i].Selector.String(),
		})
		logger.WithField("component", "resolver").Infof("operator imported: name=%s impl=%s selector=%s",
			name, defs[i].Implementation.Hex(), defs[i].Selector)
	}
	return r.rebuild(dependents)
}

// RebuildCaches 通知 dependents 刷新缓存
func (r *Resolver) RebuildCaches(caller common.Address, dependents []CacheDependent) error {
	if err := r.OnlyOwner(caller); err != nil {
		return err
	}
	return r.rebuild(dependents)
}

func (r *Resolver) rebuild(dependents []CacheDependent) error {
	for _, d := range dependents {
		if err := d.RebuildCache(); err != nil {
			return fmt.Errorf("rebuild cache: %w", err)
		}
	}
	return nil
}

// GetOperator 未注册时返回零值 Definition，调用方必须自行检查
func (r *Resolver) GetOperator(name domain.OperatorName) Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.operators[name]
}

// RequireAndGetOperator 未注册时以 reason 失败
func (r *Resolver) RequireAndGetOperator(name domain.OperatorName, reason string) (Definition, error) {
	def := r.GetOperator(name)
	if def.IsZero() {
		return Definition{}, domain.NewRevert(domain.KindExecution, reason)
	}
	return def, nil
}

// AreOperatorsImported 所有 names 是否都已按 defs 导入
func (r *Resolver) AreOperatorsImported(names []domain.OperatorName, defs []Definition) bool {
	if len(names) != len(defs) {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, name := range names {
		if r.operators[name] != defs[i] {
			return false
		}
	}
	return true
}

// Entry 注册表条目
type Entry struct {
	Name       domain.OperatorName `json:"name"`
	Definition Definition          `json:"definition"`
}

// Entries 按名称排序的全部条目
func (r *Resolver) Entries() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.operators))
	for name, def := range r.operators {
		out = append(out, Entry{Name: name, Definition: def})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name.String() < out[j].Name.String() })
	return out
}

func (r *Resolver) Snapshot() any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneDefs(r.operators)
}

func (r *Resolver) Restore(snapshot any) {
	m := snapshot.(map[domain.OperatorName]Definition)
	r.mu.Lock()
	r.operators = cloneDefs(m)
	r.mu.Unlock()
}

func (r *Resolver) StateKey() string { return "resolver" }

func (r *Resolver) MarshalState() ([]byte, error) {
	return json.Marshal(r.Entries())
}

func (r *Resolver) UnmarshalState(data []byte) error {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decode resolver state: %w", err)
	}
	m := make(map[domain.OperatorName]Definition, len(entries))
	for _, e := range entries {
		m[e.Name] = e.Definition
	}
	r.mu.Lock()
	r.operators = m
	r.mu.Unlock()
	return nil
}

func cloneDefs(m map[domain.OperatorName]Definition) map[domain.OperatorName]Definition {
	out := make(map[domain.OperatorName]Definition, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
