// Package reqsign 对 API 请求做 secp256k1 签名与恢复。
//
// 摘要为 EIP-191 personal_sign 格式，内容是 "METHOD\nPATH\nNONCE\nBODY"，
// 签名为 65 字节 r||s||v 的 0x 十六进制，v 接受 0/1 或 27/28。
package reqsign

import (
	"crypto/ecdsa"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	HeaderNonce     = "X-Nestfolio-Nonce"
	HeaderSignature = "X-Nestfolio-Signature"
)

// Digest 待签名的摘要
func Digest(method, path string, nonce uint64, body []byte) []byte {
	msg := make([]byte, 0, len(method)+len(path)+len(body)+24)
	msg = append(msg, method...)
	msg = append(msg, '\n')
	msg = append(msg, path...)
	msg = append(msg, '\n')
	msg = strconv.AppendUint(msg, nonce, 10)
	msg = append(msg, '\n')
	msg = append(msg, body...)
	return accounts.TextHash(msg)
}

// Sign 签名一个请求
func Sign(key *ecdsa.PrivateKey, method, path string, nonce uint64, body []byte) (string, error) {
	sig, err := crypto.Sign(Digest(method, path, nonce, body), key)
	if err != nil {
		return "", fmt.Errorf("签名失败: %w", err)
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// Recover 从签名恢复签名者地址
func Recover(signature, method, path string, nonce uint64, body []byte) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(Digest(method, path, nonce, body), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
