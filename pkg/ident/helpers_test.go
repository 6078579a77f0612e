package ident

import (
	"encoding/hex"
	"encoding/json"
	"testing"
)

func mustUnmarshal(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}

// remarshal rebuilds a signed blob from a (possibly modified) payload and
// the original signature, for tamper tests.
func remarshal(t *testing.T, payload personPayload, sig []byte) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	blob, err := json.Marshal(signedBlob{Payload: raw, Sig: sig})
	if err != nil {
		t.Fatalf("marshal blob: %v", err)
	}
	return blob
}

func keyHex(pub [32]byte) string {
	return hex.EncodeToString(pub[:])
}
