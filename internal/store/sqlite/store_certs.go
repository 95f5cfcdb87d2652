package sqlite

import (
	"bytes"
	"context"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"

	"github.com/koltyakov/edgetun/internal/domain"
)

// StoreCertificate writes der under label. An identical certificate already
// stored under label is treated as success.
func (s *Store) StoreCertificate(ctx context.Context, label string, der []byte) error {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return &domain.StoreError{Op: "store certificate", Label: label, Err: err}
	}
	fingerprint, err := spkiFingerprint(cert.PublicKey)
	if err != nil {
		return &domain.StoreError{Op: "store certificate", Label: label, Err: err}
	}
	if existing, err := s.GetCertificate(ctx, label); err == nil && bytes.Equal(existing, der) {
		return nil
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO certificates(label, der, spki_sha256, created_at, updated_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(label) DO UPDATE SET der = excluded.der, spki_sha256 = excluded.spki_sha256, updated_at = excluded.updated_at`,
		label, der, fingerprint, now, now)
	if err != nil {
		return storeErr("store certificate", label, err)
	}
	return nil
}

func (s *Store) GetCertificate(ctx context.Context, label string) ([]byte, error) {
	var der []byte
	err := s.db.QueryRowContext(ctx, `SELECT der FROM certificates WHERE label = ?`, label).Scan(&der)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: certificate %s", domain.ErrIdentityNotFound, label)
	}
	if err != nil {
		return nil, storeErr("get certificate", label, err)
	}
	return der, nil
}

func (s *Store) DeleteCertificate(ctx context.Context, label string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM certificates WHERE label = ?`, label)
	if err != nil {
		return storeErr("delete certificate", label, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("delete certificate", label, err)
	}
	if n == 0 {
		return &domain.StoreError{Op: "delete certificate", Label: label, Err: domain.ErrIdentityNotFound}
	}
	return nil
}
