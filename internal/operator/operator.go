// Package operator 可插拔的交易策略（operator）及其名称解析。
//
// 一个 operator 由名称（bytes32）解析到 Definition{实现地址, 4 字节入口选择器}；
// 实现地址上"部署"的是一个 Go 的 Operator 值（见 Directory）。engine 以自身账户作为
// 执行上下文调用 operator，operator 只能动用该账户的余额。
package operator

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/nestfolio/nestfolio/internal/domain"
)

var (
	ErrUnknownSelector = domain.NewRevert(domain.KindExecution, "OP: UNKNOWN_SELECTOR")
	ErrInvalidArgs     = domain.NewRevert(domain.KindExecution, "OP: INVALID_ARGS")
)

// Selector 函数入口选择器（签名 keccak256 的前 4 字节）
type Selector [4]byte

// SelectorOf 计算函数签名的选择器，例如 SelectorOf("transfer(address,uint256)")
func SelectorOf(signature string) Selector {
	var s Selector
	copy(s[:], crypto.Keccak256([]byte(signature))[:4])
	return s
}

func (s Selector) String() string { return hexutil.Encode(s[:]) }

func (s Selector) IsZero() bool { return s == Selector{} }

func (s Selector) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Selector) UnmarshalText(text []byte) error {
	b, err := hexutil.Decode(string(text))
	if err != nil {
		return fmt.Errorf("decode selector: %w", err)
	}
	if len(b) != 4 {
		return fmt.Errorf("selector must be 4 bytes, got %d", len(b))
	}
	copy(s[:], b)
	return nil
}

// Definition operator 的解析结果
type Definition struct {
	Implementation common.Address `json:"implementation" yaml:"implementation"`
	Selector       Selector       `json:"selector" yaml:"selector"`
}

// IsZero 未解析（或被显式移除）
func (d Definition) IsZero() bool { return d.Implementation == (common.Address{}) }

// Bank operator 可使用的账本能力
type Bank interface {
	BalanceOf(token, holder common.Address) *big.Int
	Transfer(token, from, to common.Address, amount *big.Int) error
}

// Context 一次 operator 调用的执行上下文。Self 为调用方（engine）账户。
type Context struct {
	Ctx  context.Context
	Self common.Address
	Bank Bank
}

// Result operator 报告的结果：Amounts = [买入数量, 花费数量]，Tokens = [输出代币, 输入代币]
type Result struct {
	Amounts [2]*big.Int
	Tokens  [2]common.Address
}

func (r *Result) Bought() *big.Int            { return r.Amounts[0] }
func (r *Result) Spent() *big.Int             { return r.Amounts[1] }
func (r *Result) OutputToken() common.Address { return r.Tokens[0] }
func (r *Result) InputToken() common.Address  { return r.Tokens[1] }

// Operator 统一入口：按选择器分派，不使用反射
type Operator interface {
	Handle(ctx *Context, selector Selector, args []byte) (*Result, error)
}

// CacheDependent 依赖 resolver 的组件（factory），在 operator 导入后刷新本地缓存。
// RebuildCache 必须幂等。
type CacheDependent interface {
	RebuildCache() error
}

// NameOf 便捷别名
func NameOf(s string) domain.OperatorName { return domain.NameOf(s) }
