package certutil

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGenerateCert(t *testing.T) {
	cert, err := GenerateCert(DefaultServerOptions("relay.example.org"))
	if err != nil {
		t.Fatalf("GenerateCert failed: %v", err)
	}

	if cert.Certificate == nil || cert.PrivateKey == nil {
		t.Fatal("generated cert missing Certificate or PrivateKey")
	}
	if len(cert.CertPEM) == 0 || len(cert.KeyPEM) == 0 {
		t.Fatal("generated cert missing PEM encoding")
	}
	if cert.Certificate.Subject.CommonName != "relay.example.org" {
		t.Errorf("CommonName = %q, want %q", cert.Certificate.Subject.CommonName, "relay.example.org")
	}
	// Self-signed: issuer equals subject.
	if cert.Certificate.Subject.String() != cert.Certificate.Issuer.String() {
		t.Error("self-signed cert should have matching subject and issuer")
	}
}

func TestGenerateCertWithOptions(t *testing.T) {
	opts := CertOptions{
		CommonName:   "server-1",
		Organization: "Test Org",
		ValidFor:     30 * 24 * time.Hour,
		DNSNames:     []string{"server-1.example.com", "server-1.local"},
		IPAddresses:  []net.IP{net.ParseIP("192.168.1.100"), net.ParseIP("10.0.0.1")},
	}

	cert, err := GenerateCert(opts)
	if err != nil {
		t.Fatalf("GenerateCert failed: %v", err)
	}
	if len(cert.Certificate.DNSNames) != 2 {
		t.Errorf("DNSNames length = %d, want 2", len(cert.Certificate.DNSNames))
	}
	if len(cert.Certificate.IPAddresses) != 2 {
		t.Errorf("IPAddresses length = %d, want 2", len(cert.Certificate.IPAddresses))
	}
	if len(cert.Certificate.Subject.Organization) == 0 || cert.Certificate.Subject.Organization[0] != "Test Org" {
		t.Error("Organization not set correctly")
	}
}

func TestSaveAndLoadCert(t *testing.T) {
	tmpDir := t.TempDir()
	certPath := filepath.Join(tmpDir, "relay.crt")
	keyPath := filepath.Join(tmpDir, "relay.key")

	cert, err := GenerateCert(DefaultServerOptions("relay.local"))
	if err != nil {
		t.Fatalf("GenerateCert failed: %v", err)
	}
	if err := cert.SaveToFiles(certPath, keyPath); err != nil {
		t.Fatalf("SaveToFiles failed: %v", err)
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("Stat key file failed: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("key file permissions = %o, want 0600", info.Mode().Perm())
	}

	loaded, err := LoadCert(certPath, keyPath)
	if err != nil {
		t.Fatalf("LoadCert failed: %v", err)
	}
	if loaded.Certificate.Subject.CommonName != cert.Certificate.Subject.CommonName {
		t.Error("loaded certificate CommonName mismatch")
	}
	if loaded.Fingerprint() != cert.Fingerprint() {
		t.Error("loaded certificate fingerprint mismatch")
	}
}

func TestFingerprint(t *testing.T) {
	cert, err := GenerateCert(DefaultServerOptions("relay.local"))
	if err != nil {
		t.Fatalf("GenerateCert failed: %v", err)
	}

	fp := cert.Fingerprint()
	if len(fp) < 10 || fp[:7] != "sha256:" {
		t.Errorf("fingerprint format invalid: %s", fp)
	}

	reloaded, err := ParseCert(cert.CertPEM, cert.KeyPEM)
	if err != nil {
		t.Fatalf("ParseCert failed: %v", err)
	}
	if reloaded.Fingerprint() != fp {
		t.Error("fingerprint should be stable across parse round-trip")
	}
}

func TestTLSCertificate(t *testing.T) {
	cert, err := GenerateCert(DefaultServerOptions("relay.local"))
	if err != nil {
		t.Fatalf("GenerateCert failed: %v", err)
	}

	tlsCert, err := cert.TLSCertificate()
	if err != nil {
		t.Fatalf("TLSCertificate failed: %v", err)
	}
	if tlsCert.PrivateKey == nil {
		t.Error("TLS certificate PrivateKey is nil")
	}
	if len(tlsCert.Certificate) == 0 {
		t.Error("TLS certificate has no certificate data")
	}
}

func TestIsExpiringSoon(t *testing.T) {
	opts := DefaultServerOptions("soon-expiring")
	opts.ValidFor = 10 * 24 * time.Hour

	cert, err := GenerateCert(opts)
	if err != nil {
		t.Fatalf("GenerateCert failed: %v", err)
	}

	if !cert.IsExpiringSoon(30 * 24 * time.Hour) {
		t.Error("certificate should be expiring soon (within 30 days)")
	}
	if cert.IsExpiringSoon(5 * 24 * time.Hour) {
		t.Error("certificate should not be expiring within 5 days")
	}
}

func TestLoadOrGenerateCert_PersistsAcrossCalls(t *testing.T) {
	tmpDir := t.TempDir()
	certPath := filepath.Join(tmpDir, "relay.crt")
	keyPath := filepath.Join(tmpDir, "relay.key")
	opts := DefaultServerOptions("relay.local")

	first, err := LoadOrGenerateCert(certPath, keyPath, opts, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("LoadOrGenerateCert (first) failed: %v", err)
	}

	second, err := LoadOrGenerateCert(certPath, keyPath, opts, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("LoadOrGenerateCert (second) failed: %v", err)
	}

	if first.Fingerprint() != second.Fingerprint() {
		t.Error("LoadOrGenerateCert should reuse the persisted certificate, not regenerate it")
	}
}

func TestLoadOrGenerateCert_RegeneratesWhenExpiringSoon(t *testing.T) {
	tmpDir := t.TempDir()
	certPath := filepath.Join(tmpDir, "relay.crt")
	keyPath := filepath.Join(tmpDir, "relay.key")

	shortOpts := DefaultServerOptions("relay.local")
	shortOpts.ValidFor = 1 * time.Hour
	expiring, err := LoadOrGenerateCert(certPath, keyPath, shortOpts, 24*time.Hour)
	if err != nil {
		t.Fatalf("LoadOrGenerateCert (first) failed: %v", err)
	}

	renewed, err := LoadOrGenerateCert(certPath, keyPath, DefaultServerOptions("relay.local"), 24*time.Hour)
	if err != nil {
		t.Fatalf("LoadOrGenerateCert (renew) failed: %v", err)
	}

	if expiring.Fingerprint() == renewed.Fingerprint() {
		t.Error("LoadOrGenerateCert should regenerate a cert that is within renewBefore of expiry")
	}
}
