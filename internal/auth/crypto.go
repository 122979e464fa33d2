package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// TokenPrefix 是签发给客户端的 Token 前缀，便于在日志与密钥扫描中识别。
const TokenPrefix = "tb_"

func NewRandomToken(prefix string, bytesLen int) (string, error) {
	if bytesLen < 16 {
		bytesLen = 16
	}
	b := make([]byte, bytesLen)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("生成随机数失败: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(b), nil
}
