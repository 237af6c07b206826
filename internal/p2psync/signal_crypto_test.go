package p2psync

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptSignalRoundTrip(t *testing.T) {
	syncCode := "ABCD1234-EFGH5678"
	plaintext := []byte(`{"sdp":"v=0 fake-sdp-body"}`)

	ciphertext, err := EncryptSignal(syncCode, plaintext)
	if err != nil {
		t.Fatalf("EncryptSignal: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("ciphertext should not equal plaintext")
	}

	got, err := DecryptSignal(syncCode, ciphertext)
	if err != nil {
		t.Fatalf("DecryptSignal: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("decrypted = %q, want %q", got, plaintext)
	}
}

func TestDecryptSignalWrongSyncCodeFails(t *testing.T) {
	ciphertext, err := EncryptSignal("ABCD1234-EFGH5678", []byte("secret offer"))
	if err != nil {
		t.Fatalf("EncryptSignal: %v", err)
	}
	if _, err := DecryptSignal("WRONG000-WRONG000", ciphertext); err == nil {
		t.Fatal("expected decryption to fail with the wrong sync code")
	}
}
