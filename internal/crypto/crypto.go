// Package crypto 放置与存储格式绑定的哈希函数，改动它们等同于数据迁移。
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

func TokenHash(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

// CombinedFingerprint 是客户端上报的会话指纹集合的整体摘要：小写、排序后以换行拼接再取 SHA-256。
func CombinedFingerprint(hashes []string) string {
	norm := make([]string, 0, len(hashes))
	for _, h := range hashes {
		norm = append(norm, strings.ToLower(strings.TrimSpace(h)))
	}
	sort.Strings(norm)
	sum := sha256.Sum256([]byte(strings.Join(norm, "\n")))
	return hex.EncodeToString(sum[:])
}
