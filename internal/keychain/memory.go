package keychain

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"

	"github.com/koltyakov/edgetun/internal/domain"
)

// MemoryStore is an in-process [Store]. Public keys are tracked separately
// from private keys so the stray-entry cleanup paths are exercised.
type MemoryStore struct {
	mu      sync.Mutex
	private map[string]*rsa.PrivateKey
	public  map[string]*rsa.PublicKey
	certs   map[string][]byte

	// FailPrivateDelete makes DeleteKeyPair fail on the private half.
	FailPrivateDelete bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		private: make(map[string]*rsa.PrivateKey),
		public:  make(map[string]*rsa.PublicKey),
		certs:   make(map[string][]byte),
	}
}

func (s *MemoryStore) CreateKeyPair(_ context.Context, tag string, bits int) (*rsa.PrivateKey, error) {
	key, err := GenerateKey(bits)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.private[tag] = key
	s.public[tag] = &key.PublicKey
	return key, nil
}

func (s *MemoryStore) GetKeyPair(_ context.Context, tag string) (*rsa.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.private[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrKeyNotFound, tag)
	}
	return key, nil
}

func (s *MemoryStore) DeleteKeyPair(_ context.Context, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.public, tag)
	if s.FailPrivateDelete {
		return &domain.StoreError{Op: "delete private key", Label: tag, Err: fmt.Errorf("store is read-only")}
	}
	if _, ok := s.private[tag]; !ok {
		return &domain.StoreError{Op: "delete private key", Label: tag, Err: domain.ErrKeyNotFound}
	}
	delete(s.private, tag)
	return nil
}

func (s *MemoryStore) StoreCertificate(_ context.Context, label string, der []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.certs[label]; ok && bytes.Equal(existing, der) {
		return nil
	}
	s.certs[label] = append([]byte(nil), der...)
	return nil
}

func (s *MemoryStore) GetCertificate(_ context.Context, label string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	der, ok := s.certs[label]
	if !ok {
		return nil, fmt.Errorf("%w: certificate %s", domain.ErrIdentityNotFound, label)
	}
	return append([]byte(nil), der...), nil
}

func (s *MemoryStore) DeleteCertificate(_ context.Context, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.certs[label]; !ok {
		return &domain.StoreError{Op: "delete certificate", Label: label, Err: domain.ErrIdentityNotFound}
	}
	delete(s.certs, label)
	return nil
}

func (s *MemoryStore) GetSecureIdentity(_ context.Context, tag string) (*tls.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.public, tag)
	key, ok := s.private[tag]
	if !ok {
		return nil, fmt.Errorf("%w: no private key for %s", domain.ErrIdentityNotFound, tag)
	}
	for _, der := range s.certs {
		cert, err := x509.ParseCertificate(der)
		if err != nil || !PublicKeyMatches(cert, key) {
			continue
		}
		return SecureIdentity(key, der)
	}
	return nil, fmt.Errorf("%w: no certificate for %s", domain.ErrIdentityNotFound, tag)
}

// HasPublicKey reports whether a public key entry exists for tag.
func (s *MemoryStore) HasPublicKey(tag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.public[tag]
	return ok
}
