package adb

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileKeyStore keeps the key pair on disk in the same layout adb uses:
// adbkey (PEM private key) next to adbkey.pub (Android public key).
type FileKeyStore struct {
	Dir  string
	Name string // appended to adbkey.pub
}

// PrivatePath returns the private key path.
func (s *FileKeyStore) PrivatePath() string {
	return filepath.Join(s.Dir, "adbkey")
}

// PublicPath returns the public key path.
func (s *FileKeyStore) PublicPath() string {
	return s.PrivatePath() + ".pub"
}

// Load reads the private key, returning ErrNoKey if it does not exist yet.
func (s *FileKeyStore) Load() (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(s.PrivatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoKey
		}
		return nil, fmt.Errorf("read %s: %w", s.PrivatePath(), err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block", s.PrivatePath())
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", s.PrivatePath(), err)
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%s: not an RSA key", s.PrivatePath())
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%s: unexpected PEM block %q", s.PrivatePath(), block.Type)
	}
}

// Save writes both key files, private key readable by the owner only.
func (s *FileKeyStore) Save(key *rsa.PrivateKey) error {
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	priv := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(s.PrivatePath(), priv, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", s.PrivatePath(), err)
	}
	pub := FormatPublicKey(&key.PublicKey, s.Name) + "\n"
	if err := os.WriteFile(s.PublicPath(), []byte(pub), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", s.PublicPath(), err)
	}
	return nil
}

// MemoryKeyStore holds the key in memory only.
type MemoryKeyStore struct {
	mu  sync.Mutex
	key *rsa.PrivateKey
}

func (s *MemoryKeyStore) Load() (*rsa.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return nil, ErrNoKey
	}
	return s.key, nil
}

func (s *MemoryKeyStore) Save(key *rsa.PrivateKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = key
	return nil
}
