package trust

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func generateTestCert(t *testing.T, dir string) *x509.Certificate {
	t.Helper()
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")
	if err := GenerateServerCert(certPath, keyPath, []string{"10.0.0.5", "lab.example.com"}, 365); err != nil {
		t.Fatalf("generate cert: %v", err)
	}
	data, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("read cert: %v", err)
	}
	block, _ := pem.Decode(data)
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	return cert
}

func TestGenerateServerCert(t *testing.T) {
	dir := t.TempDir()
	cert := generateTestCert(t, dir)

	if cert.Subject.CommonName != "Sherpa Server" {
		t.Errorf("CN = %q", cert.Subject.CommonName)
	}

	var dns, ips []string
	dns = append(dns, cert.DNSNames...)
	for _, ip := range cert.IPAddresses {
		ips = append(ips, ip.String())
	}
	if !strings.Contains(strings.Join(dns, ","), "localhost") {
		t.Errorf("missing localhost SAN: %v", dns)
	}
	if !strings.Contains(strings.Join(dns, ","), "lab.example.com") {
		t.Errorf("missing configured DNS SAN: %v", dns)
	}
	joined := strings.Join(ips, ",")
	if !strings.Contains(joined, "127.0.0.1") || !strings.Contains(joined, "10.0.0.5") {
		t.Errorf("missing IP SANs: %v", ips)
	}

	info, err := os.Stat(filepath.Join(dir, "server.key"))
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("key mode = %o, want 0600", info.Mode().Perm())
	}
}

func TestLoadServerCertAutoGenerate(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")

	if _, err := LoadServerCert(certPath, keyPath, nil, 30, false); err == nil {
		t.Error("missing cert without auto-generate should fail")
	}

	cert, err := LoadServerCert(certPath, keyPath, nil, 30, true)
	if err != nil {
		t.Fatalf("auto-generate load: %v", err)
	}
	if len(cert.Certificate) == 0 {
		t.Error("loaded certificate is empty")
	}

	// Second load reuses the same files
	again, err := LoadServerCert(certPath, keyPath, nil, 30, true)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if string(again.Certificate[0]) != string(cert.Certificate[0]) {
		t.Error("reload regenerated the certificate")
	}
}

func TestTOFUFirstUse(t *testing.T) {
	dir := t.TempDir()
	cert := generateTestCert(t, dir)

	prompted := 0
	store, err := NewStore(filepath.Join(dir, "pins"), func(host, port, fp string) (bool, error) {
		prompted++
		if host != "10.0.0.5" || port != "3030" {
			t.Errorf("prompt for %s:%s", host, port)
		}
		if len(fp) != 95 {
			t.Errorf("fingerprint %q not colon-hex sha256", fp)
		}
		return true, nil
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	if err := store.Verify("10.0.0.5", "3030", cert); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	if prompted != 1 {
		t.Fatalf("prompted %d times, want 1", prompted)
	}

	// Second connection must use the pin without prompting
	if err := store.Verify("10.0.0.5", "3030", cert); err != nil {
		t.Fatalf("pinned verify: %v", err)
	}
	if prompted != 1 {
		t.Errorf("prompted again on pinned endpoint")
	}

	// A different certificate for the same endpoint is a hard failure
	other := generateTestCert(t, t.TempDir())
	err = store.Verify("10.0.0.5", "3030", other)
	if !errors.Is(err, ErrCertMismatch) {
		t.Errorf("mismatch error = %v", err)
	}
}

func TestTOFUDeclined(t *testing.T) {
	dir := t.TempDir()
	cert := generateTestCert(t, dir)

	store, err := NewStore(filepath.Join(dir, "pins"), func(string, string, string) (bool, error) {
		return false, nil
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := store.Verify("h", "1", cert); err == nil {
		t.Error("declined prompt should fail verification")
	}
	if pinned, _ := store.Pinned("h", "1"); pinned != nil {
		t.Error("declined certificate must not be pinned")
	}
}

func TestForget(t *testing.T) {
	dir := t.TempDir()
	cert := generateTestCert(t, dir)
	store, _ := NewStore(filepath.Join(dir, "pins"), nil)

	if err := store.Pin("h", "1", cert); err != nil {
		t.Fatalf("pin: %v", err)
	}
	if err := store.Forget("h", "1"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if pinned, _ := store.Pinned("h", "1"); pinned != nil {
		t.Error("pin survived forget")
	}
	if err := store.Forget("h", "1"); err != nil {
		t.Errorf("double forget should be silent: %v", err)
	}
}
