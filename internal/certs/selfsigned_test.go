package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()
	cert, err := Generate(14*24*time.Hour, "origin.test", "10.0.0.7")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(cert.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}

	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}
	if validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore); validity > 14*24*time.Hour+2*time.Minute {
		t.Errorf("validity too long: %v", validity)
	}
	if x509Cert.NotAfter.Before(time.Now()) {
		t.Error("cert is already expired")
	}
	if x509Cert.Subject.CommonName != "refract" {
		t.Errorf("common name = %q", x509Cert.Subject.CommonName)
	}

	if sum := sha256.Sum256(cert.TLSCert.Certificate[0]); cert.Fingerprint != sum {
		t.Error("fingerprint mismatch")
	}
	if fp := cert.FingerprintHex(); len(fp) != 64 {
		t.Errorf("FingerprintHex = %q", fp)
	}

	if !slices.Contains(x509Cert.DNSNames, "localhost") || !slices.Contains(x509Cert.DNSNames, "origin.test") {
		t.Errorf("DNS names = %v", x509Cert.DNSNames)
	}
	found := false
	for _, ip := range x509Cert.IPAddresses {
		if ip.Equal(net.ParseIP("10.0.0.7")) {
			found = true
		}
	}
	if !found {
		t.Errorf("IP addresses = %v", x509Cert.IPAddresses)
	}
}

func TestGenerateMaxValidity(t *testing.T) {
	t.Parallel()
	cert, err := Generate(30 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}
	if validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore); validity > 14*24*time.Hour+2*time.Minute {
		t.Errorf("validity should be capped at 14 days, got: %v", validity)
	}
}

func TestParseFingerprint(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	hexFP := cert.FingerprintHex()

	fp, err := ParseFingerprint(hexFP)
	if err != nil || fp != cert.Fingerprint {
		t.Errorf("plain hex: %v", err)
	}
	var colons []string
	for i := 0; i < len(hexFP); i += 2 {
		colons = append(colons, strings.ToUpper(hexFP[i:i+2]))
	}
	fp, err = ParseFingerprint(strings.Join(colons, ":"))
	if err != nil || fp != cert.Fingerprint {
		t.Errorf("colon separated: %v", err)
	}
	if _, err := ParseFingerprint("abcd"); !errors.Is(err, ErrFingerprint) {
		t.Errorf("short fingerprint: %v", err)
	}
}

func TestPinnedConfig(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	srv.TLS = cert.ServerConfig()
	srv.StartTLS()
	defer srv.Close()

	get := func(fp [32]byte) error {
		client := &http.Client{Transport: &http.Transport{TLSClientConfig: PinnedConfig(fp)}}
		resp, err := client.Get(srv.URL)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}
	if err := get(cert.Fingerprint); err != nil {
		t.Errorf("pinned fingerprint rejected: %v", err)
	}
	other, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if err := get(other.Fingerprint); err == nil {
		t.Error("foreign fingerprint accepted")
	}
}
