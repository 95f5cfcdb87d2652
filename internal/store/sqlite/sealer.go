package sqlite

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const masterKeySize = 32

var errSealedKeyCorrupt = errors.New("sealed key corrupt")

// sealer encrypts private key material at rest with XChaCha20-Poly1305. Each
// key tag gets its own AEAD key derived from the master key.
type sealer struct {
	master []byte
}

func newSealer(master []byte) (*sealer, error) {
	if len(master) == 0 {
		master = make([]byte, masterKeySize)
		if _, err := rand.Read(master); err != nil {
			return nil, fmt.Errorf("generate master key: %w", err)
		}
	}
	if len(master) < masterKeySize {
		return nil, fmt.Errorf("master key must be at least %d bytes", masterKeySize)
	}
	return &sealer{master: append([]byte(nil), master...)}, nil
}

func (s *sealer) key(tag string) ([]byte, error) {
	r := hkdf.New(sha256.New, s.master, nil, []byte("edgetun private key "+tag))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *sealer) seal(tag string, plaintext []byte) ([]byte, error) {
	key, err := s.key(tag)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(tag)), nil
}

func (s *sealer) open(tag string, sealed []byte) ([]byte, error) {
	key, err := s.key(tag)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errSealedKeyCorrupt
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(tag))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errSealedKeyCorrupt, err)
	}
	return plaintext, nil
}

// LoadMasterKey reads the hex master key at path, creating it with a fresh
// random key (mode 0600) when the file does not exist.
func LoadMasterKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		key, decErr := hex.DecodeString(strings.TrimSpace(string(raw)))
		if decErr != nil {
			return nil, fmt.Errorf("decode master key %s: %w", path, decErr)
		}
		if len(key) < masterKeySize {
			return nil, fmt.Errorf("master key %s is too short", path)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	key := make([]byte, masterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Clean(path), []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write master key %s: %w", path, err)
	}
	return key, nil
}
