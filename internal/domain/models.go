// Package domain defines the error taxonomy and wire types shared across the
// edgetun identity, edge client, store, and tunnel layers.
package domain

// PEM block types produced and consumed by the key manager.
const (
	PEMCertificate        = "CERTIFICATE"
	PEMCertificateRequest = "CERTIFICATE REQUEST"
	PEMRSAPrivateKey      = "RSA PRIVATE KEY"
)

// SessionHeader carries the controller session token on protected calls.
const SessionHeader = "zt-session"

// ErrorResponse is the JSON error body returned by the controller. Some
// controllers nest it under an "error" key; see [ErrorEnvelope].
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorEnvelope is the nested form of [ErrorResponse].
type ErrorEnvelope struct {
	Error *ErrorResponse `json:"error"`
}
