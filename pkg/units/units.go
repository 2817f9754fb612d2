// Package units 十进制数量与最小单位整数（wei）之间的换算
package units

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ToWei 把十进制数量换算为最小单位，多余的小数位向零截断
func ToWei(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// FromWei 最小单位换算为十进制数量
func FromWei(wei *big.Int, decimals int32) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -decimals)
}

// ParseWei 解析十进制字符串（例如 "10.1"）为最小单位
func ParseWei(s string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("parse amount %q: negative", s)
	}
	return ToWei(d, decimals), nil
}

// MustParseWei 同 ParseWei，失败时 panic；用于常量与测试夹具
func MustParseWei(s string, decimals int32) *big.Int {
	v, err := ParseWei(s, decimals)
	if err != nil {
		panic(err)
	}
	return v
}

// Format 以十进制字符串显示最小单位数量
func Format(wei *big.Int, decimals int32) string {
	return FromWei(wei, decimals).String()
}
