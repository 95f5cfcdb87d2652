package keychain

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"sync"

	"github.com/koltyakov/edgetun/internal/domain"
)

// Manager layers identity semantics over a [Store]: typed errors, CSR
// construction, and mutual exclusion of mutations for the same identity.
type Manager struct {
	store Store
	bits  int
	locks keyedMutex
}

func NewManager(store Store) *Manager {
	return &Manager{store: store, bits: DefaultKeyBits}
}

// Store returns the underlying secure store.
func (m *Manager) Store() Store {
	return m.store
}

// CreateKeyPair generates and persists a new key pair for id, replacing any
// existing one.
func (m *Manager) CreateKeyPair(ctx context.Context, id string) (*rsa.PrivateKey, error) {
	unlock := m.locks.Lock(id)
	defer unlock()
	return m.createLocked(ctx, id)
}

func (m *Manager) createLocked(ctx context.Context, id string) (*rsa.PrivateKey, error) {
	key, err := m.store.CreateKeyPair(ctx, id, m.bits)
	if err != nil {
		if errors.Is(err, domain.ErrKeyGenerationFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrKeyGenerationFailed, err)
	}
	return key, nil
}

func (m *Manager) GetKeyPair(ctx context.Context, id string) (*rsa.PrivateKey, error) {
	return m.store.GetKeyPair(ctx, id)
}

func (m *Manager) KeyPairExists(ctx context.Context, id string) bool {
	_, err := m.store.GetKeyPair(ctx, id)
	return err == nil
}

// EnsureKeyPair returns the stored key pair for id, creating one if none
// exists.
func (m *Manager) EnsureKeyPair(ctx context.Context, id string) (*rsa.PrivateKey, error) {
	unlock := m.locks.Lock(id)
	defer unlock()
	key, err := m.store.GetKeyPair(ctx, id)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, domain.ErrKeyNotFound) {
		return nil, err
	}
	return m.createLocked(ctx, id)
}

func (m *Manager) DeleteKeyPair(ctx context.Context, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()
	return m.store.DeleteKeyPair(ctx, id)
}

// BuildCSR returns a DER PKCS#10 request whose subject common name is id,
// signed with priv. When pub is given it must be priv's public key.
func (m *Manager) BuildCSR(id string, priv *rsa.PrivateKey, pub *rsa.PublicKey) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("%w: missing private key", domain.ErrCSRBuildFailed)
	}
	if pub != nil && !pub.Equal(&priv.PublicKey) {
		return nil, fmt.Errorf("%w: public key does not match private key", domain.ErrCSRBuildFailed)
	}
	tmpl := &x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: id},
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCSRBuildFailed, err)
	}
	return der, nil
}

// StoreCertificate persists der under label. Storing the identical
// certificate again succeeds; a different certificate replaces the old one.
func (m *Manager) StoreCertificate(ctx context.Context, der []byte, label string) error {
	if _, err := x509.ParseCertificate(der); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCertificateDecodeFailed, err)
	}
	unlock := m.locks.Lock(label)
	defer unlock()
	if existing, err := m.store.GetCertificate(ctx, label); err == nil && CertificatesEqual(existing, der) {
		return nil
	}
	if err := m.store.StoreCertificate(ctx, label, der); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrCertificateStoreFailed, err)
	}
	return nil
}

func (m *Manager) GetCertificate(ctx context.Context, label string) (*x509.Certificate, error) {
	der, err := m.store.GetCertificate(ctx, label)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCertificateDecodeFailed, err)
	}
	return cert, nil
}

// CertificatePEM returns the certificate stored under label as PEM.
func (m *Manager) CertificatePEM(ctx context.Context, label string) (string, error) {
	der, err := m.store.GetCertificate(ctx, label)
	if err != nil {
		return "", err
	}
	return ConvertToPEM(domain.PEMCertificate, der), nil
}

func (m *Manager) DeleteCertificate(ctx context.Context, label string) error {
	unlock := m.locks.Lock(label)
	defer unlock()
	return m.store.DeleteCertificate(ctx, label)
}

// GetSecureIdentity returns the TLS client identity for id: its private key
// bound to the stored certificate carrying the matching public key.
func (m *Manager) GetSecureIdentity(ctx context.Context, id string) (*tls.Certificate, error) {
	unlock := m.locks.Lock(id)
	defer unlock()
	cert, err := m.store.GetSecureIdentity(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrIdentityNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrIdentityNotFound, err)
	}
	return cert, nil
}

// KeyPEM exports the private key for id as a PKCS#1 "RSA PRIVATE KEY" block.
// Intended for display and debugging only.
func (m *Manager) KeyPEM(ctx context.Context, id string) (string, error) {
	key, err := m.store.GetKeyPair(ctx, id)
	if err != nil {
		return "", err
	}
	return ConvertToPEM(domain.PEMRSAPrivateKey, x509.MarshalPKCS1PrivateKey(key)), nil
}

// Release deletes the key pair for id and the certificate stored under
// certLabel. A missing certificate is not an error; a key pair that cannot
// be deleted is.
func (m *Manager) Release(ctx context.Context, id, certLabel string) error {
	var errs []error
	if certLabel != "" {
		if err := m.DeleteCertificate(ctx, certLabel); err != nil && !errors.Is(err, domain.ErrIdentityNotFound) {
			errs = append(errs, err)
		}
	}
	if err := m.DeleteKeyPair(ctx, id); err != nil && !errors.Is(err, domain.ErrKeyNotFound) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
