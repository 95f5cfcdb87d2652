package identity

import (
	"slices"
	"sort"
	"strings"
)

// PortRange is an inclusive range of ports a service intercepts.
type PortRange struct {
	Low  int `json:"low"`
	High int `json:"high"`
}

func (r PortRange) Contains(port int) bool {
	return port >= r.Low && port <= r.High
}

// PostureCheck is the controller's verdict on one posture query.
type PostureCheck struct {
	ID        string `json:"id"`
	Type      string `json:"queryType,omitempty"`
	IsPassing bool   `json:"isPassing"`
}

// ServiceStatus carries client-side hints attached to a service.
type ServiceStatus struct {
	NeedsRestart bool `json:"needsRestart"`
}

// Service is a controller service visible to an identity.
type Service struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Protocols     []string       `json:"protocols,omitempty"`
	Addresses     []string       `json:"addresses,omitempty"`
	PortRanges    []PortRange    `json:"portRanges,omitempty"`
	PostureChecks []PostureCheck `json:"postureChecks,omitempty"`
	Status        ServiceStatus  `json:"status"`
}

// ServicesEqual compares two service lists ignoring order.
func ServicesEqual(a, b []Service) bool {
	if len(a) != len(b) {
		return false
	}
	byID := make(map[string]Service, len(a))
	for _, svc := range a {
		byID[serviceKey(svc)] = svc
	}
	if len(byID) != len(a) {
		return slices.EqualFunc(a, b, serviceEqual)
	}
	for _, svc := range b {
		other, ok := byID[serviceKey(svc)]
		if !ok || !serviceEqual(svc, other) {
			return false
		}
	}
	return true
}

func serviceKey(svc Service) string {
	if svc.ID != "" {
		return svc.ID
	}
	return "name:" + svc.Name
}

func serviceEqual(a, b Service) bool {
	return a.ID == b.ID &&
		a.Name == b.Name &&
		a.Status == b.Status &&
		sortedEqual(a.Protocols, b.Protocols) &&
		sortedEqual(a.Addresses, b.Addresses) &&
		slices.Equal(sortedRanges(a.PortRanges), sortedRanges(b.PortRanges)) &&
		slices.Equal(sortedChecks(a.PostureChecks), sortedChecks(b.PostureChecks))
}

func sortedEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	for i := range x {
		x[i] = strings.ToLower(x[i])
	}
	for i := range y {
		y[i] = strings.ToLower(y[i])
	}
	sort.Strings(x)
	sort.Strings(y)
	return slices.Equal(x, y)
}

func sortedRanges(in []PortRange) []PortRange {
	out := append([]PortRange(nil), in...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Low != out[j].Low {
			return out[i].Low < out[j].Low
		}
		return out[i].High < out[j].High
	})
	return out
}

func sortedChecks(in []PostureCheck) []PostureCheck {
	out := append([]PostureCheck(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
