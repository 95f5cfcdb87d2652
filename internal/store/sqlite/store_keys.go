package sqlite

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/koltyakov/edgetun/internal/domain"
	"github.com/koltyakov/edgetun/internal/keychain"
)

var _ keychain.Store = (*Store)(nil)

const (
	keyClassPrivate = "private"
	keyClassPublic  = "public"
)

// CreateKeyPair generates an RSA key pair for tag and stores it, replacing
// any existing pair. The private half is sealed before it is written.
func (s *Store) CreateKeyPair(ctx context.Context, tag string, bits int) (*rsa.PrivateKey, error) {
	key, err := keychain.GenerateKey(bits)
	if err != nil {
		return nil, err
	}
	sealed, err := s.sealer.seal(tag, x509.MarshalPKCS1PrivateKey(key))
	if err != nil {
		return nil, fmt.Errorf("%w: seal: %v", domain.ErrKeyGenerationFailed, err)
	}
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyGenerationFailed, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("create key pair", tag, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	if _, err := tx.ExecContext(ctx, `DELETE FROM keys WHERE tag = ?`, tag); err != nil {
		return nil, storeErr("create key pair", tag, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO keys(tag, class, der, created_at) VALUES(?, ?, ?, ?), (?, ?, ?, ?)`,
		tag, keyClassPrivate, sealed, now,
		tag, keyClassPublic, pub, now,
	); err != nil {
		return nil, storeErr("create key pair", tag, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr("create key pair", tag, err)
	}
	return key, nil
}

func (s *Store) GetKeyPair(ctx context.Context, tag string) (*rsa.PrivateKey, error) {
	var sealed []byte
	err := s.getPrivateKeyStmt.QueryRowContext(ctx, tag).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrKeyNotFound, tag)
	}
	if err != nil {
		return nil, storeErr("get key pair", tag, err)
	}
	der, err := s.sealer.open(tag, sealed)
	if err != nil {
		return nil, storeErr("get key pair", tag, err)
	}
	key, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, storeErr("get key pair", tag, err)
	}
	return key, nil
}

// DeleteKeyPair removes the public half if present, then the private half,
// which must exist and be removed.
func (s *Store) DeleteKeyPair(ctx context.Context, tag string) error {
	_, _ = s.db.ExecContext(ctx, `DELETE FROM keys WHERE tag = ? AND class = ?`, tag, keyClassPublic)

	res, err := s.db.ExecContext(ctx, `DELETE FROM keys WHERE tag = ? AND class = ?`, tag, keyClassPrivate)
	if err != nil {
		return storeErr("delete private key", tag, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("delete private key", tag, err)
	}
	if n == 0 {
		return &domain.StoreError{Op: "delete private key", Label: tag, Err: domain.ErrKeyNotFound}
	}
	return nil
}

// GetSecureIdentity drops any stray public key entry for tag, then binds the
// private key to the stored certificate carrying its public key.
func (s *Store) GetSecureIdentity(ctx context.Context, tag string) (*tls.Certificate, error) {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM keys WHERE tag = ? AND class = ?`, tag, keyClassPublic); err != nil {
		return nil, storeErr("get secure identity", tag, err)
	}
	key, err := s.GetKeyPair(ctx, tag)
	if err != nil {
		if errors.Is(err, domain.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: no private key for %s", domain.ErrIdentityNotFound, tag)
		}
		return nil, err
	}
	fingerprint, err := spkiFingerprint(&key.PublicKey)
	if err != nil {
		return nil, storeErr("get secure identity", tag, err)
	}
	var der []byte
	err = s.findCertBySPKI.QueryRowContext(ctx, fingerprint).Scan(&der)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no certificate for %s", domain.ErrIdentityNotFound, tag)
	}
	if err != nil {
		return nil, storeErr("get secure identity", tag, err)
	}
	return keychain.SecureIdentity(key, der)
}

// HasPublicKey reports whether a public key row exists for tag.
func (s *Store) HasPublicKey(ctx context.Context, tag string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM keys WHERE tag = ? AND class = ?`, tag, keyClassPublic).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func spkiFingerprint(pub any) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}
