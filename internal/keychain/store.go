// Package keychain manages identity key pairs, certificate signing requests,
// and certificates held in a secure store, and converts between PEM and DER.
package keychain

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/koltyakov/edgetun/internal/domain"
)

// DefaultKeyBits is the RSA modulus size for identity key pairs.
const DefaultKeyBits = 2048

// Store is the secure credential store capability. Keys are addressed by
// identity id (the tag), certificates by label.
//
// GetKeyPair returns [domain.ErrKeyNotFound] and GetCertificate returns
// [domain.ErrIdentityNotFound] when nothing is stored. DeleteKeyPair removes
// the public half on a best-effort basis but must fail if the private half
// cannot be removed. StoreCertificate succeeds when the identical
// certificate is already stored.
type Store interface {
	CreateKeyPair(ctx context.Context, tag string, bits int) (*rsa.PrivateKey, error)
	GetKeyPair(ctx context.Context, tag string) (*rsa.PrivateKey, error)
	DeleteKeyPair(ctx context.Context, tag string) error
	StoreCertificate(ctx context.Context, label string, der []byte) error
	GetCertificate(ctx context.Context, label string) ([]byte, error)
	DeleteCertificate(ctx context.Context, label string) error
	GetSecureIdentity(ctx context.Context, tag string) (*tls.Certificate, error)
}

// GenerateKey creates an RSA private key of the given size.
func GenerateKey(bits int) (*rsa.PrivateKey, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyGenerationFailed, err)
	}
	return key, nil
}

// SecureIdentity binds a private key to a DER certificate. The certificate's
// public key must match the private key.
func SecureIdentity(priv *rsa.PrivateKey, der []byte) (*tls.Certificate, error) {
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCertificateDecodeFailed, err)
	}
	if !PublicKeyMatches(leaf, priv) {
		return nil, fmt.Errorf("%w: certificate does not match private key", domain.ErrIdentityNotFound)
	}
	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
		Leaf:        leaf,
	}, nil
}

// PublicKeyMatches reports whether cert carries priv's public key.
func PublicKeyMatches(cert *x509.Certificate, priv *rsa.PrivateKey) bool {
	if cert == nil || priv == nil {
		return false
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	return ok && pub.Equal(&priv.PublicKey)
}
