package domain

import (
	"errors"
	"fmt"
)

// ErrorKind 失败类别，决定调用方如何处理（均不会在内部重试）
type ErrorKind int

const (
	KindValidation    ErrorKind = iota + 1 // 参数校验失败（长度不一致、零权重、超出持仓上限等）
	KindAuthorization                      // 权限不足（非 owner / 非 factory）
	KindExecution                          // 执行失败（operator 回滚、零产出、代币不匹配）
	KindAccounting                         // 记账不变量被破坏（超支、余额不足、无可领取）
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindExecution:
		return "execution"
	case KindAccounting:
		return "accounting"
	default:
		return "unknown"
	}
}

// Revert 机器可读的回滚原因。
// Reason 即对外的 revert 字符串（例如 "NRC: TOO_MANY_TOKENS"），两个 Revert 只要 Reason 相同即视为同一错误。
type Revert struct {
	Kind   ErrorKind
	Reason string
	Cause  error
}

// NewRevert 创建一个哨兵 Revert
func NewRevert(kind ErrorKind, reason string) *Revert {
	return &Revert{Kind: kind, Reason: reason}
}

func (r *Revert) Error() string {
	if r.Cause != nil {
		return fmt.Sprintf("%s: %v", r.Reason, r.Cause)
	}
	return r.Reason
}

func (r *Revert) Unwrap() error { return r.Cause }

// Is 按 Reason 匹配，便于 errors.Is(err, records.ErrTooManyTokens)
func (r *Revert) Is(target error) bool {
	var t *Revert
	if !errors.As(target, &t) {
		return false
	}
	return t.Reason == r.Reason
}

// With 基于哨兵附带底层原因，保留 Kind 与 Reason
func (r *Revert) With(cause error) *Revert {
	return &Revert{Kind: r.Kind, Reason: r.Reason, Cause: cause}
}

// Withf 基于哨兵附带格式化原因
func (r *Revert) Withf(format string, args ...any) *Revert {
	return r.With(fmt.Errorf(format, args...))
}

// ReasonOf 返回错误链中第一个 Revert 的 Reason；非 Revert 错误返回 err.Error()
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var r *Revert
	if errors.As(err, &r) {
		return r.Reason
	}
	return err.Error()
}

// KindOf 返回错误链中第一个 Revert 的类别，未知时返回 0
func KindOf(err error) ErrorKind {
	var r *Revert
	if errors.As(err, &r) {
		return r.Kind
	}
	return 0
}
