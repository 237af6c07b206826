package p2psync

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

// signallingSalt is fixed rather than random: the sync code itself is the
// only secret in this scheme (it is also the room name, so it is known to
// both peers out of band), and a fixed salt lets either side derive the
// same signalling key from the code alone with no extra exchange.
var signallingSalt = []byte("diaryxsync-p2p-signalling-salt-v1")

// deriveSignallingKey turns a sync code into the symmetric key used to
// encrypt SDP offers/answers and ICE candidates during signalling.
func deriveSignallingKey(syncCode string) []byte {
	return argon2.IDKey([]byte(syncCode), signallingSalt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// EncryptSignal encrypts a signalling payload (SDP or ICE candidate JSON)
// with XChaCha20-Poly1305 keyed by the sync code. Returns nonce||ciphertext.
func EncryptSignal(syncCode string, plaintext []byte) ([]byte, error) {
	key := deriveSignallingKey(syncCode)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create signalling cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptSignal decrypts a payload produced by EncryptSignal.
func DecryptSignal(syncCode string, ciphertext []byte) ([]byte, error) {
	key := deriveSignallingKey(syncCode)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create signalling cipher: %w", err)
	}

	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("signalling ciphertext too short")
	}
	nonce, msg := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt signal: %w", err)
	}
	return plaintext, nil
}
