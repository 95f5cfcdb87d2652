package identity

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/koltyakov/edgetun/internal/domain"
	"github.com/koltyakov/edgetun/internal/netutil"
)

// Document is the JSON enrollment document handed out by the controller.
type Document struct {
	Identity struct {
		Name string `json:"name"`
		ID   string `json:"id"`
	} `json:"identity"`
	Versions struct {
		API           string `json:"api"`
		EnrollmentAPI string `json:"enrollmentApi"`
	} `json:"versions"`
	EnrollmentURL string `json:"enrollmentUrl"`
	APIBaseURL    string `json:"apiBaseUrl"`
	Method        string `json:"method"`
	Token         string `json:"token"`
	RootCA        string `json:"rootCa,omitempty"`
	Exp           int64  `json:"exp,omitempty"`
	Iat           int64  `json:"iat,omitempty"`
	Enabled       bool   `json:"enabled,omitempty"`
}

// ValidationError lists the required enrollment fields that are missing or
// malformed. It matches [domain.ErrInvalidEnrollmentDocument].
type ValidationError struct {
	Missing   []string
	Malformed []string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, 2)
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Malformed) > 0 {
		parts = append(parts, "malformed "+strings.Join(e.Malformed, ", "))
	}
	return domain.ErrInvalidEnrollmentDocument.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return domain.ErrInvalidEnrollmentDocument
}

// ParseEnrollment decodes an enrollment document given either as JSON or as
// a compact JWT whose payload is that JSON. The JWT signature is not checked
// here; the controller validates the token on enrollment.
func ParseEnrollment(raw []byte) (*Identity, error) {
	payload, err := enrollmentPayload(raw)
	if err != nil {
		return nil, err
	}
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidEnrollmentDocument, err)
	}
	return FromDocument(doc)
}

// FromDocument validates doc and builds an unenrolled identity from it.
func FromDocument(doc Document) (*Identity, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	id := newIdentity()
	id.Name = doc.Identity.Name
	id.ID = doc.Identity.ID
	id.APIVersion = doc.Versions.API
	id.EnrollmentAPIVersion = doc.Versions.EnrollmentAPI
	id.EnrollmentURL = doc.EnrollmentURL
	id.APIBaseURL = doc.APIBaseURL
	id.Method = ParseMethod(doc.Method)
	id.Token = doc.Token
	id.RootCA = doc.RootCA
	if doc.Iat > 0 {
		id.IssuedAt = time.Unix(doc.Iat, 0).UTC()
	}
	if doc.Exp > 0 {
		id.ExpiresAt = time.Unix(doc.Exp, 0).UTC()
	}
	id.enabled = doc.Enabled
	return id, nil
}

// Validate reports every required field that is absent or malformed.
func (d Document) Validate() error {
	var verr ValidationError
	required := []struct {
		name  string
		value string
	}{
		{"identity.name", d.Identity.Name},
		{"identity.id", d.Identity.ID},
		{"versions.api", d.Versions.API},
		{"versions.enrollmentApi", d.Versions.EnrollmentAPI},
		{"enrollmentUrl", d.EnrollmentURL},
		{"apiBaseUrl", d.APIBaseURL},
		{"method", d.Method},
		{"token", d.Token},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			verr.Missing = append(verr.Missing, f.name)
		}
	}
	if d.EnrollmentURL != "" && !isHTTPURL(d.EnrollmentURL) {
		verr.Malformed = append(verr.Malformed, "enrollmentUrl")
	}
	if d.APIBaseURL != "" && !isHTTPURL(d.APIBaseURL) {
		verr.Malformed = append(verr.Malformed, "apiBaseUrl")
	}
	if len(verr.Missing) == 0 && len(verr.Malformed) == 0 {
		return nil
	}
	return &verr
}

// Document rebuilds the enrollment document for persistence.
func (id *Identity) Document() Document {
	var doc Document
	doc.Identity.Name = id.Name
	doc.Identity.ID = id.ID
	doc.Versions.API = id.APIVersion
	doc.Versions.EnrollmentAPI = id.EnrollmentAPIVersion
	doc.EnrollmentURL = id.EnrollmentURL
	doc.APIBaseURL = id.APIBaseURL
	doc.Method = string(id.Method)
	doc.Token = id.Token
	doc.RootCA = id.RootCA
	if !id.IssuedAt.IsZero() {
		doc.Iat = id.IssuedAt.Unix()
	}
	if !id.ExpiresAt.IsZero() {
		doc.Exp = id.ExpiresAt.Unix()
	}
	doc.Enabled = id.Enabled()
	return doc
}

func enrollmentPayload(raw []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty document", domain.ErrInvalidEnrollmentDocument)
	}
	if trimmed[0] == '{' {
		return trimmed, nil
	}
	parts := strings.Split(string(trimmed), ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: neither json nor jwt", domain.ErrInvalidEnrollmentDocument)
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return nil, fmt.Errorf("%w: jwt payload: %v", domain.ErrInvalidEnrollmentDocument, err)
	}
	return payload, nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

func hostOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return netutil.NormalizeHost(u.Host)
}
