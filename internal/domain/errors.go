package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrInvalidEnrollmentDocument means a required enrollment field is
	// missing or malformed.
	ErrInvalidEnrollmentDocument = errors.New("invalid enrollment document")

	// ErrKeyGenerationFailed is returned when the key provider cannot create
	// or persist a key pair.
	ErrKeyGenerationFailed = errors.New("key generation failed")

	// ErrKeyNotFound means no key pair is stored for the identity.
	ErrKeyNotFound = errors.New("key not found")

	// ErrCertificateStoreFailed is returned when a certificate cannot be
	// written to the secure store.
	ErrCertificateStoreFailed = errors.New("certificate store failed")

	// ErrCertificateDecodeFailed means a PEM or DER certificate could not be
	// decoded.
	ErrCertificateDecodeFailed = errors.New("certificate decode failed")

	// ErrCSRBuildFailed is returned when a certificate signing request cannot
	// be built or signed.
	ErrCSRBuildFailed = errors.New("csr build failed")

	// ErrAuthenticationFailed means the controller rejected the client
	// certificate or returned no session token.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrAuthRequired indicates the controller answered 401 for a protected
	// call; the session token is no longer valid.
	ErrAuthRequired = errors.New("authentication required")

	// ErrEnrollmentRequestFailed is returned when the enrollment endpoint
	// does not return a certificate.
	ErrEnrollmentRequestFailed = errors.New("enrollment request failed")

	// ErrInvalidDNSPacket means the payload is too short or carries no
	// parsable question.
	ErrInvalidDNSPacket = errors.New("invalid dns packet")

	// ErrTransportUnavailable means the controller could not be reached.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrIdentityNotFound means the key pair or certificate that form a
	// secure identity, or the identity record itself, does not exist.
	ErrIdentityNotFound = errors.New("identity not found")

	// ErrIdentityRemoved is returned by calls that were in flight when the
	// identity was removed.
	ErrIdentityRemoved = errors.New("identity removed")
)

// EdgeError wraps a controller call failure with identity context. Kind is
// one of the sentinel errors above; Err is the underlying cause, if any.
type EdgeError struct {
	IdentityID string
	Op         string
	StatusCode int
	Code       string
	Message    string
	Kind       error
	Err        error
}

func (e *EdgeError) Error() string {
	detail := e.Message
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}
	if e.Kind != nil {
		if detail == "" {
			detail = e.Kind.Error()
		} else {
			detail = e.Kind.Error() + ": " + detail
		}
	}
	if e.StatusCode > 0 {
		detail = fmt.Sprintf("%s (status %d)", detail, e.StatusCode)
	}
	if e.IdentityID != "" {
		return fmt.Sprintf("identity %s: %s: %s", e.IdentityID, e.Op, detail)
	}
	return fmt.Sprintf("%s: %s", e.Op, detail)
}

func (e *EdgeError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// StoreError wraps a secure store failure. Status carries the store's
// native result code when one is available.
type StoreError struct {
	Op     string
	Label  string
	Status int
	Err    error
}

func (e *StoreError) Error() string {
	msg := e.Op
	if e.Label != "" {
		msg += " " + e.Label
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %v (status %d)", msg, e.Err, e.Status)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
