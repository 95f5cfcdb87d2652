// Package identity holds device identities parsed from enrollment documents
// together with their mutable session state, and the registry that owns them.
package identity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Method is the enrollment method named by an enrollment document.
type Method string

const (
	MethodOTT          Method = "ott"
	MethodOTTCA        Method = "ottCa"
	MethodUnrecognized Method = "unrecognized"
)

// ParseMethod maps the wire value to a [Method]; unknown values map to
// [MethodUnrecognized].
func ParseMethod(v string) Method {
	switch v {
	case string(MethodOTT):
		return MethodOTT
	case string(MethodOTTCA):
		return MethodOTTCA
	default:
		return MethodUnrecognized
	}
}

// EnrollmentStatus is derived from the enrolled flag and the token expiry.
type EnrollmentStatus string

const (
	StatusPending  EnrollmentStatus = "Pending"
	StatusExpired  EnrollmentStatus = "Expired"
	StatusEnrolled EnrollmentStatus = "Enrolled"
)

// Reachability describes the outcome of the last controller call.
type Reachability int

const (
	ReachabilityUnknown Reachability = iota
	ReachabilityAvailable
	ReachabilityPartiallyAvailable
	ReachabilityUnavailable
)

func (r Reachability) String() string {
	switch r {
	case ReachabilityAvailable:
		return "available"
	case ReachabilityPartiallyAvailable:
		return "partially_available"
	case ReachabilityUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// EdgeStatus is the last observed controller reachability.
type EdgeStatus struct {
	Status    Reachability
	CheckedAt time.Time
}

// Identity is a device identity. The exported fields come from the
// enrollment document and never change; session state is reached through
// methods and is safe for concurrent use.
type Identity struct {
	Name                 string
	ID                   string
	APIVersion           string
	EnrollmentAPIVersion string
	EnrollmentURL        string
	APIBaseURL           string
	Method               Method
	Token                string
	RootCA               string
	IssuedAt             time.Time
	ExpiresAt            time.Time

	mu           sync.RWMutex
	enabled      bool
	enrolled     bool
	sessionToken string
	edgeStatus   EdgeStatus
	removed      bool

	services atomic.Pointer[[]Service]

	ctx    context.Context
	cancel context.CancelFunc
}

func newIdentity() *Identity {
	ctx, cancel := context.WithCancel(context.Background())
	return &Identity{ctx: ctx, cancel: cancel}
}

// EnrollmentStatus reports Enrolled once a certificate is stored, Expired
// when a non-zero expiry lies before now, and Pending otherwise.
func (id *Identity) EnrollmentStatus(now time.Time) EnrollmentStatus {
	if id.Enrolled() {
		return StatusEnrolled
	}
	if !id.ExpiresAt.IsZero() && now.After(id.ExpiresAt) {
		return StatusExpired
	}
	return StatusPending
}

// Context is canceled when the identity is removed from its registry.
func (id *Identity) Context() context.Context {
	return id.ctx
}

func (id *Identity) Removed() bool {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.removed
}

func (id *Identity) markRemoved() {
	id.mu.Lock()
	id.removed = true
	id.sessionToken = ""
	id.mu.Unlock()
	id.cancel()
}

func (id *Identity) Enabled() bool {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.enabled
}

func (id *Identity) SetEnabled(v bool) {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.removed {
		return
	}
	id.enabled = v
}

func (id *Identity) Enrolled() bool {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.enrolled
}

// SetEnrolled must only be called after the certificate is durably stored.
func (id *Identity) SetEnrolled(v bool) {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.removed {
		return
	}
	id.enrolled = v
}

func (id *Identity) SessionToken() string {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.sessionToken
}

func (id *Identity) SetSessionToken(token string) {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.removed {
		return
	}
	id.sessionToken = token
}

// ClearSessionToken drops the token only if it still equals stale, so a
// token set by a concurrent authentication is kept.
func (id *Identity) ClearSessionToken(stale string) {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.sessionToken == stale {
		id.sessionToken = ""
	}
}

func (id *Identity) EdgeStatus() EdgeStatus {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.edgeStatus
}

func (id *Identity) SetEdgeStatus(status Reachability, at time.Time) {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.removed {
		return
	}
	id.edgeStatus = EdgeStatus{Status: status, CheckedAt: at}
}

// Services returns the current service list. The slice is shared and must
// not be modified.
func (id *Identity) Services() []Service {
	p := id.services.Load()
	if p == nil {
		return nil
	}
	return *p
}

// ReplaceServices swaps in a new service list and reports whether it
// differs from the previous one. A removed identity keeps its list.
func (id *Identity) ReplaceServices(services []Service) bool {
	next := append([]Service(nil), services...)
	id.mu.Lock()
	if id.removed {
		id.mu.Unlock()
		return false
	}
	prev := id.services.Swap(&next)
	id.mu.Unlock()
	var old []Service
	if prev != nil {
		old = *prev
	}
	return !ServicesEqual(old, next)
}

// NeedsRestart reports whether any current service asks for a tunnel
// restart.
func (id *Identity) NeedsRestart() bool {
	for _, svc := range id.Services() {
		if svc.Status.NeedsRestart {
			return true
		}
	}
	return false
}

// ControllerHost returns the API base URL host, used as the label for a
// trusted root CA.
func (id *Identity) ControllerHost() string {
	return hostOf(id.APIBaseURL)
}
