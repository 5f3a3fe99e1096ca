// Package secure 实现会话级对称密钥的派生与载荷封装。
// 密钥由终端在会话开始时从随机材料经 PBKDF2 派生，随 session_started
// 作为能力交给服务端；同一会话生命周期内密钥不变，不支持中途换钥。
package secure

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/pbkdf2"
)

const (
	keyLen     = 32
	saltLen    = 16
	secretLen  = 32
	iterations = 100_000
	nonceLen   = 24
)

type Key struct {
	raw [keyLen]byte
}

// NewSessionKey 从随机材料派生一把新的会话密钥。
// 返回：
// - *Key: 派生出的密钥
// - error: 随机源不可用时返回错误
func NewSessionKey() (*Key, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	}
	secret := make([]byte, secretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("read secret: %w", err)
	}
	derived := pbkdf2.Key(secret, salt, iterations, keyLen, sha256.New)
	k := &Key{}
	copy(k.raw[:], derived)
	return k, nil
}

// ParseKey 从传输表示还原密钥（服务端收到 session_started 后调用）。
// 参数：
// - encoded: Encode 产生的 base64url 文本
// 返回：
// - *Key: 还原的密钥
// - error: 编码非法或长度不符
func ParseKey(encoded string) (*Key, error) {
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode session key: %w", err)
	}
	if len(raw) != keyLen {
		return nil, fmt.Errorf("invalid session key length: %d", len(raw))
	}
	k := &Key{}
	copy(k.raw[:], raw)
	return k, nil
}

// Encode 返回密钥的传输表示（base64url）。
func (k *Key) Encode() string {
	return base64.URLEncoding.EncodeToString(k.raw[:])
}

// Seal 将任意载荷加密为密文文本。
// 参数：
// - payload: 可 JSON 序列化的载荷
// 返回：
// - string: base64url(nonce || 密文)
// - error: 序列化或随机源失败原因
func (k *Key) Seal(payload any) (string, error) {
	plain, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	var nonce [nonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], plain, &nonce, &k.raw)
	return base64.URLEncoding.EncodeToString(out), nil
}

// Open 解开密文文本并反序列化到目标结构。
// 参数：
// - sealed: Seal 产生的密文文本
// - out: 目标结构指针
// 返回：
// - error: 编码非法、验签失败或反序列化失败原因
func (k *Key) Open(sealed string, out any) error {
	raw, err := base64.URLEncoding.DecodeString(sealed)
	if err != nil {
		return fmt.Errorf("decode sealed payload: %w", err)
	}
	if len(raw) < nonceLen {
		return fmt.Errorf("sealed payload too short: %d", len(raw))
	}
	var nonce [nonceLen]byte
	copy(nonce[:], raw[:nonceLen])
	plain, ok := secretbox.Open(nil, raw[nonceLen:], &nonce, &k.raw)
	if !ok {
		return fmt.Errorf("sealed payload authentication failed")
	}
	return json.Unmarshal(plain, out)
}
