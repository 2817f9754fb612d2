package operator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrZeroAddress     = errors.New("operator: zero implementation address")
	ErrAlreadyDeployed = errors.New("operator: implementation already deployed")
)

// Directory 实现地址 -> Operator 值（相当于地址上的合约代码）。
// 部署在启动时完成，之后只读，因此不参与回滚。
type Directory struct {
	mu   sync.RWMutex
	impl map[common.Address]Operator
}

func NewDirectory() *Directory {
	return &Directory{impl: make(map[common.Address]Operator)}
}

// Deploy 在 addr 上部署 op
func (d *Directory) Deploy(addr common.Address, op Operator) error {
	if addr == (common.Address{}) {
		return ErrZeroAddress
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.impl[addr]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyDeployed, addr.Hex())
	}
	d.impl[addr] = op
	return nil
}

// At 读取地址上的实现
func (d *Directory) At(addr common.Address) (Operator, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	op, ok := d.impl[addr]
	return op, ok
}
