package tunnel

import (
	"strings"

	"github.com/koltyakov/edgetun/internal/identity"
	"github.com/koltyakov/edgetun/internal/netutil"
)

// Match names the identity and service that intercept a hostname.
type Match struct {
	IdentityID  string
	ServiceID   string
	ServiceName string
	Address     string
}

// Interceptor resolves DNS question names against the service addresses
// of enabled, enrolled identities.
type Interceptor struct {
	reg *identity.Registry
}

func NewInterceptor(reg *identity.Registry) *Interceptor {
	return &Interceptor{reg: reg}
}

// Lookup returns the service that intercepts name. An exact address beats
// a wildcard; among wildcards the longest suffix wins.
func (i *Interceptor) Lookup(name string) (Match, bool) {
	var (
		best     Match
		bestRank = -1
	)
	for _, id := range i.reg.List() {
		if !id.Enabled() || !id.Enrolled() || id.Removed() {
			continue
		}
		for _, svc := range id.Services() {
			for _, addr := range svc.Addresses {
				if !netutil.MatchHostname(addr, name) {
					continue
				}
				rank := matchRank(addr)
				if rank > bestRank {
					bestRank = rank
					best = Match{IdentityID: id.ID, ServiceID: svc.ID, ServiceName: svc.Name, Address: addr}
				}
			}
		}
	}
	return best, bestRank >= 0
}

func matchRank(pattern string) int {
	pattern = netutil.NormalizeHost(pattern)
	if strings.HasPrefix(pattern, "*.") {
		return len(pattern)
	}
	// Exact names outrank any wildcard.
	return 1 << 16
}
