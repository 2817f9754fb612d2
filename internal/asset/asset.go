// Package asset 组合的所有权登记（ERC-721 语义的最小实现）。
// 副本组合记录指向原始组合的指针，用于版税归属。
package asset

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nestfolio/nestfolio/internal/access"
	"github.com/nestfolio/nestfolio/internal/domain"
)

var (
	ErrNonexistentToken   = domain.NewRevert(domain.KindValidation, "ERC721: invalid token ID")
	ErrForbiddenNotOwner  = domain.NewRevert(domain.KindAuthorization, "NA: FORBIDDEN_NOT_OWNER")
	ErrNonexistentReplica = domain.NewRevert(domain.KindValidation, "NA: NON_EXISTENT_TOKEN_ID")
	ErrNotApproved        = domain.NewRevert(domain.KindAuthorization, "ERC721: caller is not token owner or approved")
	ErrZeroRecipient      = domain.NewRevert(domain.KindValidation, "ERC721: transfer to the zero address")
)

type state struct {
	LastID              uint64                    `json:"last_id"`
	Owners              map[uint64]common.Address `json:"owners"`
	OriginalAsset       map[uint64]uint64         `json:"original_asset"`
	LastOwnerBeforeBurn map[uint64]common.Address `json:"last_owner_before_burn"`
}

// Registry 组合所有权登记
type Registry struct {
	*access.FactoryHandler

	mu sync.RWMutex
	st state
}

func New(owner common.Address) *Registry {
	return &Registry{
		FactoryHandler: access.NewFactoryHandler(owner),
		st:             newState(),
	}
}

func newState() state {
	return state{
		Owners:              make(map[uint64]common.Address),
		OriginalAsset:       make(map[uint64]uint64),
		LastOwnerBeforeBurn: make(map[uint64]common.Address),
	}
}

// Mint 铸造新组合；replicatedFrom 非 0 时记录指向原始组合（副本的副本指向最初的原始组合）
func (r *Registry) Mint(caller, owner common.Address, replicatedFrom uint64) (uint64, error) {
	if err := r.OnlyFactory(caller); err != nil {
		return 0, err
	}
	if owner == (common.Address{}) {
		return 0, ErrZeroRecipient
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if replicatedFrom != 0 {
		if _, ok := r.st.Owners[replicatedFrom]; !ok {
			return 0, ErrNonexistentReplica.Withf("id=%d", replicatedFrom)
		}
	}
	r.st.LastID++
	id := r.st.LastID
	r.st.Owners[id] = owner
	if replicatedFrom != 0 {
		original := r.st.OriginalAsset[replicatedFrom]
		if original == 0 {
			original = replicatedFrom
		}
		r.st.OriginalAsset[id] = original
	}
	return id, nil
}

// Burn 销毁组合，owner 必须是当前持有人
func (r *Registry) Burn(caller, owner common.Address, id uint64) error {
	if err := r.OnlyFactory(caller); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.st.Owners[id]
	if !ok {
		return ErrNonexistentToken.Withf("id=%d", id)
	}
	if current != owner {
		return ErrForbiddenNotOwner
	}
	r.st.LastOwnerBeforeBurn[id] = owner
	delete(r.st.Owners, id)
	return nil
}

// OwnerOf 当前持有人
func (r *Registry) OwnerOf(id uint64) (common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.st.Owners[id]
	if !ok {
		return common.Address{}, ErrNonexistentToken.Withf("id=%d", id)
	}
	return owner, nil
}

// Exists 组合是否存在（未被销毁）
func (r *Registry) Exists(id uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.st.Owners[id]
	return ok
}

// OriginalOwner 原始组合的持有人；原始组合已销毁时返回销毁前的持有人；非副本返回零地址
func (r *Registry) OriginalOwner(id uint64) common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	original := r.st.OriginalAsset[id]
	if original == 0 {
		return common.Address{}
	}
	if owner, ok := r.st.Owners[original]; ok {
		return owner
	}
	return r.st.LastOwnerBeforeBurn[original]
}

// OriginalAsset 原始组合 id，非副本为 0
func (r *Registry) OriginalAsset(id uint64) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.OriginalAsset[id]
}

// TransferFrom 持有人转让组合
func (r *Registry) TransferFrom(caller, to common.Address, id uint64) error {
	if to == (common.Address{}) {
		return ErrZeroRecipient
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.st.Owners[id]
	if !ok {
		return ErrNonexistentToken.Withf("id=%d", id)
	}
	if owner != caller {
		return ErrNotApproved
	}
	r.st.Owners[id] = to
	return nil
}

// TokensOf owner 持有的全部组合，按 id 升序
func (r *Registry) TokensOf(owner common.Address) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []uint64
	for id, o := range r.st.Owners {
		if o == owner {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// BalanceOf owner 持有的组合数量
func (r *Registry) BalanceOf(owner common.Address) int {
	return len(r.TokensOf(owner))
}

func (r *Registry) Snapshot() any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.clone()
}

func (r *Registry) Restore(snapshot any) {
	st := snapshot.(state)
	r.mu.Lock()
	r.st = st.clone()
	r.mu.Unlock()
}

func (r *Registry) StateKey() string { return "asset" }

func (r *Registry) MarshalState() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return json.Marshal(r.st)
}

func (r *Registry) UnmarshalState(data []byte) error {
	st := newState()
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode asset state: %w", err)
	}
	r.mu.Lock()
	r.st = st
	r.mu.Unlock()
	return nil
}

func (s state) clone() state {
	out := newState()
	out.LastID = s.LastID
	for k, v := range s.Owners {
		out.Owners[k] = v
	}
	for k, v := range s.OriginalAsset {
		out.OriginalAsset[k] = v
	}
	for k, v := range s.LastOwnerBeforeBurn {
		out.LastOwnerBeforeBurn[k] = v
	}
	return out
}
