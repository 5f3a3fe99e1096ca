package secure

import "testing"

type settleDoc struct {
	SessionID int64   `json:"session_id"`
	Amount    float64 `json:"amount"`
}

// TestSealOpenRoundTrip 验证同一把密钥可以解开自己封装的载荷。
func TestSealOpenRoundTrip(t *testing.T) {
	k, err := NewSessionKey()
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := k.Seal(settleDoc{SessionID: 3, Amount: 4.5})
	if err != nil {
		t.Fatal(err)
	}

	var out settleDoc
	if err := k.Open(sealed, &out); err != nil {
		t.Fatal(err)
	}
	if out.SessionID != 3 || out.Amount != 4.5 {
		t.Fatalf("bad payload after open: %+v", out)
	}
}

// TestOpenWrongKeyFails 验证其他密钥无法解开密文（验签失败）。
func TestOpenWrongKeyFails(t *testing.T) {
	k1, _ := NewSessionKey()
	k2, _ := NewSessionKey()
	sealed, err := k1.Seal(settleDoc{SessionID: 1})
	if err != nil {
		t.Fatal(err)
	}
	var out settleDoc
	if err := k2.Open(sealed, &out); err == nil {
		t.Fatal("open with wrong key should fail")
	}
}

// TestParseKeyRoundTrip 验证密钥经传输编码后可原样还原。
func TestParseKeyRoundTrip(t *testing.T) {
	k, _ := NewSessionKey()
	parsed, err := ParseKey(k.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if parsed.raw != k.raw {
		t.Fatal("parsed key differs from original")
	}

	if _, err := ParseKey("not-base64!!"); err == nil {
		t.Fatal("invalid encoding should be rejected")
	}
	if _, err := ParseKey("c2hvcnQ="); err == nil {
		t.Fatal("short key should be rejected")
	}
}

// TestOpenGarbageRejected 验证非法密文不会 panic，只返回错误。
func TestOpenGarbageRejected(t *testing.T) {
	k, _ := NewSessionKey()
	var out settleDoc
	if err := k.Open("%%%", &out); err == nil {
		t.Fatal("garbage encoding should be rejected")
	}
	if err := k.Open("AAAA", &out); err == nil {
		t.Fatal("too-short ciphertext should be rejected")
	}
}
