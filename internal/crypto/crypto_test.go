package crypto

import (
	"encoding/hex"
	"testing"
)

func TestTokenHash_Length(t *testing.T) {
	if got := len(TokenHash("tb_x")); got != 32 {
		t.Fatalf("len = %d, want 32", got)
	}
}

func TestCombinedFingerprint_OrderAndCaseInsensitive(t *testing.T) {
	a := CombinedFingerprint([]string{"ABCDEF01", "12345678"})
	b := CombinedFingerprint([]string{"12345678", "abcdef01"})
	if a != b {
		t.Fatalf("combined differs: %s vs %s", a, b)
	}
	if _, err := hex.DecodeString(a); err != nil || len(a) != 64 {
		t.Fatalf("combined %q is not sha256 hex", a)
	}
	if a == CombinedFingerprint([]string{"12345678"}) {
		t.Fatalf("different sets must not collide")
	}
}
