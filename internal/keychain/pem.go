package keychain

import (
	"bufio"
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/koltyakov/edgetun/internal/domain"
)

const (
	pemBeginCertificate = "-----BEGIN CERTIFICATE-----"
	pemEndCertificate   = "-----END CERTIFICATE-----"
)

// ConvertToPEM frames der as a PEM block of the given type with 64-column
// base64 lines.
func ConvertToPEM(blockType string, der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}))
}

// ConvertToDER decodes PEM text back into DER. Any line starting with
// "-----" is ignored and surrounding whitespace is tolerated, so a single
// block with or without framing decodes the same way.
func ConvertToDER(text string) ([]byte, error) {
	var body strings.Builder
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "-----") {
			continue
		}
		body.WriteString(line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCertificateDecodeFailed, err)
	}
	der, err := base64.StdEncoding.DecodeString(body.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCertificateDecodeFailed, err)
	}
	return der, nil
}

// ExtractCertificates splits a PEM bundle into its certificate blocks, in
// order. A block that is opened but never closed is dropped.
func ExtractCertificates(bundle string) []string {
	var (
		out     []string
		current strings.Builder
		inBlock bool
	)
	sc := bufio.NewScanner(strings.NewReader(bundle))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == pemBeginCertificate:
			current.Reset()
			current.WriteString(line)
			current.WriteByte('\n')
			inBlock = true
		case line == pemEndCertificate && inBlock:
			current.WriteString(line)
			current.WriteByte('\n')
			out = append(out, current.String())
			inBlock = false
		case inBlock:
			current.WriteString(line)
			current.WriteByte('\n')
		}
	}
	return out
}

// ParseCertificates decodes every certificate block in bundle.
func ParseCertificates(bundle string) ([]*x509.Certificate, error) {
	blocks := ExtractCertificates(bundle)
	certs := make([]*x509.Certificate, 0, len(blocks))
	for _, block := range blocks {
		der, err := ConvertToDER(block)
		if err != nil {
			return nil, err
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrCertificateDecodeFailed, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// CertPoolFromPEM builds a pool of the root CA certificates found in bundle.
// Non-root certificates in the bundle are skipped.
func CertPoolFromPEM(bundle string) (*x509.CertPool, error) {
	certs, err := ParseCertificates(bundle)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	added := 0
	for _, cert := range certs {
		if !IsRootCA(cert) {
			continue
		}
		pool.AddCert(cert)
		added++
	}
	if added == 0 {
		return nil, fmt.Errorf("%w: no root ca in bundle", domain.ErrCertificateDecodeFailed)
	}
	return pool, nil
}

// IsRootCA reports whether cert is self-issued: its issuer equals its
// subject, compared case-insensitively with whitespace collapsed.
func IsRootCA(cert *x509.Certificate) bool {
	if cert == nil {
		return false
	}
	if len(cert.RawIssuer) > 0 && bytes.Equal(cert.RawIssuer, cert.RawSubject) {
		return true
	}
	return normalizeName(cert.Issuer.String()) == normalizeName(cert.Subject.String())
}

// CertificatesEqual compares two DER certificates byte for byte.
func CertificatesEqual(a, b []byte) bool {
	return bytes.Equal(a, b)
}

func normalizeName(v string) string {
	return strings.Join(strings.Fields(strings.ToLower(v)), " ")
}
