// Package access 管理员与 factory 调用方的权限校验
package access

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nestfolio/nestfolio/internal/domain"
)

var (
	ErrNotOwner       = domain.NewRevert(domain.KindAuthorization, "Ownable: caller is not the owner")
	ErrInvalidOwner   = domain.NewRevert(domain.KindValidation, "Ownable: new owner is the zero address")
	ErrNotFactory     = domain.NewRevert(domain.KindAuthorization, "OFH: FORBIDDEN")
	ErrInvalidFactory = domain.NewRevert(domain.KindValidation, "OFH: INVALID_ADDRESS")
	ErrFactoryExists  = domain.NewRevert(domain.KindValidation, "OFH: ALREADY_SUPPORTED")
	ErrFactoryMissing = domain.NewRevert(domain.KindValidation, "OFH: NOT_SUPPORTED")
)

// Ownable 单一管理员
type Ownable struct {
	mu    sync.RWMutex
	owner common.Address
}

func NewOwnable(owner common.Address) *Ownable {
	return &Ownable{owner: owner}
}

// Owner 当前管理员
func (o *Ownable) Owner() common.Address {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.owner
}

// OnlyOwner caller 不是管理员时返回 ErrNotOwner
func (o *Ownable) OnlyOwner(caller common.Address) error {
	if caller != o.Owner() {
		return ErrNotOwner
	}
	return nil
}

// TransferOwnership 移交管理员
func (o *Ownable) TransferOwnership(caller, next common.Address) error {
	if err := o.OnlyOwner(caller); err != nil {
		return err
	}
	if next == (common.Address{}) {
		return ErrInvalidOwner
	}
	o.mu.Lock()
	o.owner = next
	o.mu.Unlock()
	return nil
}

// FactoryHandler 允许多个 factory 地址调用受限方法（reserve / asset）
type FactoryHandler struct {
	*Ownable
	mu        sync.RWMutex
	factories map[common.Address]bool
}

func NewFactoryHandler(owner common.Address) *FactoryHandler {
	return &FactoryHandler{
		Ownable:   NewOwnable(owner),
		factories: make(map[common.Address]bool),
	}
}

// AddFactory 管理员添加 factory
func (h *FactoryHandler) AddFactory(caller, factory common.Address) error {
	if err := h.OnlyOwner(caller); err != nil {
		return err
	}
	if factory == (common.Address{}) {
		return ErrInvalidFactory
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.factories[factory] {
		return ErrFactoryExists
	}
	h.factories[factory] = true
	return nil
}

// RemoveFactory 管理员移除 factory
func (h *FactoryHandler) RemoveFactory(caller, factory common.Address) error {
	if err := h.OnlyOwner(caller); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.factories[factory] {
		return ErrFactoryMissing
	}
	delete(h.factories, factory)
	return nil
}

// IsFactory 是否为已授权 factory
func (h *FactoryHandler) IsFactory(addr common.Address) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.factories[addr]
}

// OnlyFactory caller 不是已授权 factory 时返回 ErrNotFactory
func (h *FactoryHandler) OnlyFactory(caller common.Address) error {
	if !h.IsFactory(caller) {
		return ErrNotFactory
	}
	return nil
}
