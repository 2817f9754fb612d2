// Package keyring 从助记词为命名的开发账户派生 secp256k1 密钥。
package keyring

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
)

// DerivationPath 第 i 个账户的 BIP-44 路径
func DerivationPath(i int) string {
	return fmt.Sprintf("m/44'/60'/0'/0/%d", i)
}

// Account 一个派生出的账户
type Account struct {
	Name    string
	Path    string
	Address common.Address
	key     *ecdsa.PrivateKey
}

// Keyring names[i] 对应 DerivationPath(i)
type Keyring struct {
	accounts []Account
	byName   map[string]int
}

// FromMnemonic 派生全部账户；名称不能为空或重复
func FromMnemonic(mnemonic string, names []string) (*Keyring, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return nil, fmt.Errorf("mnemonic is required")
	}
	w, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}

	k := &Keyring{byName: make(map[string]int, len(names))}
	for i, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("account %d: name is required", i)
		}
		if _, dup := k.byName[name]; dup {
			return nil, fmt.Errorf("duplicate account name: %s", name)
		}
		path := DerivationPath(i)
		dp, err := hdwallet.ParseDerivationPath(path)
		if err != nil {
			return nil, fmt.Errorf("invalid derivation_path %s: %w", path, err)
		}
		acct, err := w.Derive(dp, false)
		if err != nil {
			return nil, fmt.Errorf("derive %s failed: %w", name, err)
		}
		pk, err := w.PrivateKey(acct)
		if err != nil {
			return nil, fmt.Errorf("private key %s failed: %w", name, err)
		}
		k.byName[name] = len(k.accounts)
		k.accounts = append(k.accounts, Account{Name: name, Path: path, Address: acct.Address, key: pk})
	}
	return k, nil
}

// Address 按名称查地址；nil Keyring 视为空
func (k *Keyring) Address(name string) (common.Address, bool) {
	if k == nil {
		return common.Address{}, false
	}
	i, ok := k.byName[name]
	if !ok {
		return common.Address{}, false
	}
	return k.accounts[i].Address, true
}

// Key 按名称查私钥
func (k *Keyring) Key(name string) (*ecdsa.PrivateKey, bool) {
	if k == nil {
		return nil, false
	}
	i, ok := k.byName[name]
	if !ok {
		return nil, false
	}
	return k.accounts[i].key, true
}

// Accounts 按派生顺序返回全部账户
func (k *Keyring) Accounts() []Account {
	if k == nil {
		return nil
	}
	return append([]Account(nil), k.accounts...)
}
