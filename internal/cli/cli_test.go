package cli

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"encoding/pem"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koltyakov/edgetun/internal/identity"
	"github.com/koltyakov/edgetun/internal/store/sqlite"
)

func useTempDB(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "state.db")
	t.Setenv("EDGETUN_DB_PATH", dbPath)
	t.Setenv("EDGETUN_MASTER_KEY_FILE", "")
	t.Setenv("EDGETUN_LOG_LEVEL", "error")
	return dbPath
}

func TestRunDispatch(t *testing.T) {
	useTempDB(t)

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no args", nil, 2},
		{"help", []string{"help"}, 0},
		{"version", []string{"--version"}, 0},
		{"unknown", []string{"bogus"}, 2},
		{"enroll without file", []string{"enroll"}, 2},
		{"enroll missing file", []string{"enroll", filepath.Join(t.TempDir(), "nope.jwt")}, 1},
		{"bad flag", []string{"list", "--log-level", "loud"}, 2},
		{"list empty", []string{"list"}, 0},
		{"auth without id", []string{"auth"}, 2},
		{"auth unknown id", []string{"auth", "missing"}, 1},
		{"session needs service", []string{"session", "id-1"}, 2},
		{"remove unknown", []string{"remove", "missing"}, 1},
		{"key without id", []string{"key"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Run(tt.args); got != tt.want {
				t.Fatalf("Run(%v): got %d, want %d", tt.args, got, tt.want)
			}
		})
	}
}

func TestRunEnrollRejectsInvalidDocument(t *testing.T) {
	useTempDB(t)

	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte(`{"identity":{"name":"x"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := Run([]string{"enroll", path}); got != 2 {
		t.Fatalf("got exit code %d, want 2", got)
	}
}

// controller signs CSRs with its own CA and serves the session API. The
// first enrollFailures enroll requests are rejected.
func newController(t *testing.T, enrollFailures int32) *httptest.Server {
	t.Helper()
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "cli test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatal(err)
	}
	caCert, _ := x509.ParseCertificate(caDER)

	var rejected atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /enroll", func(w http.ResponseWriter, r *http.Request) {
		if rejected.Add(1) <= enrollFailures {
			http.Error(w, "controller busy", http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		block, _ := pem.Decode(body)
		if block == nil {
			http.Error(w, "no csr", http.StatusBadRequest)
			return
		}
		csr, err := x509.ParseCertificateRequest(block.Bytes)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		der, err := x509.CreateCertificate(rand.Reader, &x509.Certificate{
			SerialNumber: big.NewInt(2),
			Subject:      csr.Subject,
			NotBefore:    time.Now().Add(-time.Minute),
			NotAfter:     time.Now().Add(time.Hour),
			ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		}, caCert, csr.PublicKey, caKey)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	})
	mux.HandleFunc("POST /authenticate", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"session": map[string]string{"token": "tok"}}})
	})
	mux.HandleFunc("GET /services", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []identity.Service{
			{ID: "svc-1", Name: "wiki", Addresses: []string{"wiki.corp"}, PortRanges: []identity.PortRange{{Low: 443, High: 443}}},
		}})
	})
	srv := httptest.NewTLSServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeEnrollmentJWT(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	doc := map[string]any{
		"identity":      map[string]string{"name": "laptop", "id": "id-1"},
		"versions":      map[string]string{"api": "v1", "enrollmentApi": "v1"},
		"enrollmentUrl": srv.URL + "/enroll",
		"apiBaseUrl":    srv.URL,
		"method":        "ott",
		"token":         "ott-token",
		"rootCa":        string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})),
		"enabled":       true,
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	jwt := header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".c2ln"
	path := filepath.Join(t.TempDir(), "device.jwt")
	if err := os.WriteFile(path, []byte(jwt), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunEnrollServicesRemove(t *testing.T) {
	dbPath := useTempDB(t)
	srv := newController(t, 0)
	jwt := writeEnrollmentJWT(t, srv)

	if got := Run([]string{"enroll", jwt}); got != 0 {
		t.Fatalf("enroll: got exit code %d", got)
	}
	if got := Run([]string{"enroll", jwt}); got != 1 {
		t.Fatalf("second enroll: got exit code %d, want 1", got)
	}
	if got := Run([]string{"services", "id-1"}); got != 0 {
		t.Fatalf("services: got exit code %d", got)
	}
	if got := Run([]string{"key", "id-1"}); got != 0 {
		t.Fatalf("key: got exit code %d", got)
	}

	master, err := sqlite.LoadMasterKey(strings.TrimSuffix(dbPath, ".db") + ".key")
	if err != nil {
		t.Fatal(err)
	}
	store, err := sqlite.OpenWithOptions(dbPath, sqlite.OpenOptions{MasterKey: master})
	if err != nil {
		t.Fatal(err)
	}
	recs, err := store.LoadIdentities(context.Background())
	_ = store.Close()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || !recs[0].Enrolled || recs[0].Document.Identity.ID != "id-1" {
		t.Fatalf("unexpected stored identities %+v", recs)
	}

	if got := Run([]string{"remove", "id-1"}); got != 0 {
		t.Fatalf("remove: got exit code %d", got)
	}
	if got := Run([]string{"auth", "id-1"}); got != 1 {
		t.Fatalf("auth after remove: got exit code %d, want 1", got)
	}
}

func loadStoredIdentities(t *testing.T, dbPath string) []identity.Record {
	t.Helper()
	master, err := sqlite.LoadMasterKey(strings.TrimSuffix(dbPath, ".db") + ".key")
	if err != nil {
		t.Fatal(err)
	}
	store, err := sqlite.OpenWithOptions(dbPath, sqlite.OpenOptions{MasterKey: master})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	recs, err := store.LoadIdentities(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return recs
}

func TestRunEnrollRetryAfterFailure(t *testing.T) {
	dbPath := useTempDB(t)
	srv := newController(t, 1)
	jwt := writeEnrollmentJWT(t, srv)

	if got := Run([]string{"enroll", jwt}); got != 1 {
		t.Fatalf("first enroll: got exit code %d, want 1", got)
	}
	if recs := loadStoredIdentities(t, dbPath); len(recs) != 0 {
		t.Fatalf("failed enroll left identities behind: %+v", recs)
	}

	if got := Run([]string{"enroll", jwt}); got != 0 {
		t.Fatalf("retried enroll: got exit code %d, want 0", got)
	}
	recs := loadStoredIdentities(t, dbPath)
	if len(recs) != 1 || !recs[0].Enrolled || recs[0].Document.Identity.ID != "id-1" {
		t.Fatalf("unexpected stored identities %+v", recs)
	}
	if got := Run([]string{"services", "id-1"}); got != 0 {
		t.Fatalf("services after retry: got exit code %d", got)
	}
}

func TestWriteTables(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	writeServiceTable(&buf, []identity.Service{{
		ID:            "svc-1",
		Name:          "wiki",
		Protocols:     []string{"tcp"},
		Addresses:     []string{"wiki.corp", "10.0.0.5"},
		PortRanges:    []identity.PortRange{{Low: 80, High: 80}, {Low: 8000, High: 8100}},
		PostureChecks: []identity.PostureCheck{{ID: "pc", IsPassing: true}, {ID: "pc2"}},
	}})
	out := buf.String()
	for _, want := range []string{"wiki.corp,10.0.0.5", "80,8000-8100", "1/2 passing"} {
		if !strings.Contains(out, want) {
			t.Fatalf("service table missing %q:\n%s", want, out)
		}
	}

	var doc identity.Document
	doc.Identity.Name = "laptop"
	doc.Identity.ID = "id-1"
	doc.Versions.API = "v1"
	doc.Versions.EnrollmentAPI = "v1"
	doc.EnrollmentURL = "https://ctrl.example.com/enroll"
	doc.APIBaseURL = "https://ctrl.example.com:1280/edge/client/v1"
	doc.Method = "ott"
	doc.Token = "t"
	id, err := identity.FromDocument(doc)
	if err != nil {
		t.Fatal(err)
	}
	buf.Reset()
	writeIdentityTable(&buf, []*identity.Identity{id}, time.Now())
	out = buf.String()
	for _, want := range []string{"id-1", "laptop", "pending", "ctrl.example.com"} {
		if !strings.Contains(out, want) {
			t.Fatalf("identity table missing %q:\n%s", want, out)
		}
	}
}

func dnsOverUDP(name string) []byte {
	dns := []byte{0x12, 0x34, 0x01, 0x00, 0, 1, 0, 0, 0, 0, 0, 0}
	for _, label := range strings.Split(name, ".") {
		dns = append(dns, byte(len(label)))
		dns = append(dns, label...)
	}
	dns = append(dns, 0, 0, 1, 0, 1)

	b := make([]byte, 28, 28+len(dns))
	b[0] = 0x45
	binary.BigEndian.PutUint16(b[2:], uint16(len(b)+len(dns)))
	b[8] = 64
	b[9] = 17
	copy(b[12:16], []byte{10, 0, 0, 2})
	copy(b[16:20], []byte{10, 0, 0, 53})
	binary.BigEndian.PutUint16(b[20:], 40000)
	binary.BigEndian.PutUint16(b[22:], 53)
	binary.BigEndian.PutUint16(b[24:], uint16(8+len(dns)))
	return append(b, dns...)
}

func TestWatchPacketsAndStatus(t *testing.T) {
	useTempDB(t)

	a, _, code := openApp(context.Background(), "dns-watch", nil)
	if code != 0 {
		t.Fatalf("openApp: got exit code %d", code)
	}
	defer a.Close()

	if err := watchPackets(context.Background(), bytes.NewReader(dnsOverUDP("wiki.corp")), a); err != nil {
		t.Fatalf("watchPackets: %v", err)
	}

	st := a.status(time.Now())
	if len(st.Identities) != 0 || st.Flows != 0 {
		t.Fatalf("unexpected status %+v", st)
	}
}
