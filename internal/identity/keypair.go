// Package identity manages this device's X25519 keypair: the stable
// component of its P2P awareness identity, and the basis for ECDH-derived
// shared secrets used by the side-channel file-transfer protocol.
package identity

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// KeyPair is this device's X25519 identity key.
type KeyPair struct {
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

// PublicHex returns the hex-encoded public key, the stable identifier other
// peers see in awareness broadcasts.
func (kp *KeyPair) PublicHex() string {
	return hex.EncodeToString(kp.Public.Bytes())
}

// keyFile is the on-disk form of the private key, scoped to a single yaml
// document so it can be rotated and inspected independently of other config.
type keyFile struct {
	PrivateKey string `yaml:"private_key"`
	CreatedAt  int64  `yaml:"created_at"`
}

// Store persists a device identity keypair under a directory, generating
// one on first use.
type Store struct {
	Dir string
}

func NewStore(dir string) *Store {
	return &Store{Dir: dir}
}

func (s *Store) path() string {
	return filepath.Join(s.Dir, "identity.key")
}

// LoadOrCreate reads the persisted keypair, generating and saving a new one
// if none exists yet.
func (s *Store) LoadOrCreate() (*KeyPair, error) {
	data, err := os.ReadFile(s.path())
	if err == nil {
		return parseKeyFile(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity key: %w", err)
	}

	kp, err := Generate()
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	if err := s.save(kp); err != nil {
		return nil, fmt.Errorf("save identity key: %w", err)
	}
	return kp, nil
}

func (s *Store) save(kp *KeyPair) error {
	kf := keyFile{
		PrivateKey: hex.EncodeToString(kp.Private.Bytes()),
		CreatedAt:  time.Now().UTC().Unix(),
	}
	data, err := yaml.Marshal(kf)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.path(), data, 0o600)
}

func parseKeyFile(data []byte) (*KeyPair, error) {
	var kf keyFile
	if err := yaml.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse identity key: %w", err)
	}
	raw, err := hex.DecodeString(kf.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode identity key: %w", err)
	}
	priv, err := ecdh.X25519().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// Generate creates a fresh X25519 keypair.
func Generate() (*KeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate x25519 key: %w", err)
	}
	return &KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// ParsePublicHex parses a peer's hex-encoded public key.
func ParsePublicHex(s string) (*ecdh.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode peer public key: %w", err)
	}
	return ecdh.X25519().NewPublicKey(raw)
}
