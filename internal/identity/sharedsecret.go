package identity

import (
	"crypto/ecdh"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// hkdfInfo binds derived secrets to this protocol so the same ECDH output
// can never be reused as a key for something else by accident.
const hkdfInfo = "diaryxsync/p2p/sidechannel/v1"

// DeriveSharedSecret computes the ECDH shared point between our private key
// and a peer's public key, then stretches it through HKDF-SHA256 into a
// 32-byte symmetric key for the file-transfer side channel.
func DeriveSharedSecret(self *KeyPair, peerPublic *ecdh.PublicKey) ([]byte, error) {
	shared, err := self.Private.ECDH(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}

	kdf := hkdf.New(sha256.New, shared, nil, []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return key, nil
}
